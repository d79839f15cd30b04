package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ColonelBlimp/beatsync/internal/logger"
	"github.com/ColonelBlimp/beatsync/internal/onset"
	"github.com/ColonelBlimp/beatsync/internal/rhythm"
	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
}

// setupHome points HOME at a fresh temp dir and returns the XDG config dir.
func setupHome(t *testing.T) (string, string) {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	return tmpDir, filepath.Join(tmpDir, ".config", AppName)
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	origDir, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(origDir); err != nil {
			t.Logf("failed to restore dir: %v", err)
		}
	})
}

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestInit_WithDefaults(t *testing.T) {
	resetViper()
	_, configDir := setupHome(t)
	writeConfig(t, configDir, "config.yaml", DefaultConfig)

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
	}{
		{"device_index", -1},
		{"sample_rate", 16000},
		{"channels", 1},
		{"buffer_size", 256},
		{"frame_size", 256},
		{"ring_frames", 64},
		{"agc.max_gain", 8.0},
		{"detectors.bass.weight", 0.45},
		{"detectors.mid.enabled", false},
		{"onset.cooldown", 0.1},
		{"onset.threshold_window", 32},
		{"tempo.hypotheses", 4},
		{"tempo.min_beats", 8},
		{"phase.lock_window", 0.25},
		{"blend.max_step", 0.02},
		{"pulse.boost_on_beat", 1.3},
		{"pulse.activation", 0.5},
		{"log_level", "info"},
		{"debug", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := viper.Get(tt.key)
			if got != tt.expected {
				t.Errorf("viper.Get(%q) = %v (%T), want %v", tt.key, got, got, tt.expected)
			}
		})
	}
}

func TestInit_CreatesConfigIfMissing(t *testing.T) {
	resetViper()
	_, configDir := setupHome(t)

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Init() did not create config file at %s: %v", configPath, err)
	}
	if string(data) != DefaultConfig {
		t.Error("created config does not match DefaultConfig")
	}
}

func TestInit_ReadsLocalConfigFirst(t *testing.T) {
	resetViper()
	tmpDir, configDir := setupHome(t)
	writeConfig(t, configDir, "config.yaml", "sample_rate: 22050")

	chdir(t, tmpDir)
	writeConfig(t, tmpDir, "config.yaml", "sample_rate: 44100")

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if got := viper.GetInt("sample_rate"); got != 44100 {
		t.Errorf("viper.GetInt(sample_rate) = %d, want 44100 (local config)", got)
	}
}

func TestInit_DotConfigTakesPrecedence(t *testing.T) {
	resetViper()
	tmpDir, _ := setupHome(t)
	chdir(t, tmpDir)

	writeConfig(t, tmpDir, ".config.yaml", "frame_size: 512")
	writeConfig(t, tmpDir, "config.yaml", "frame_size: 1024")

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if got := viper.GetInt("frame_size"); got != 512 {
		t.Errorf("viper.GetInt(frame_size) = %d, want 512 (.config.yaml should take precedence)", got)
	}
}

func TestInit_InvalidConfigFile(t *testing.T) {
	resetViper()
	_, configDir := setupHome(t)
	writeConfig(t, configDir, "config.yaml", "invalid: yaml: content: [[[")

	if err := Init(); err == nil {
		t.Error("Init() should return error for invalid YAML")
	}
}

func TestInit_EnvOverride(t *testing.T) {
	resetViper()
	_, configDir := setupHome(t)
	writeConfig(t, configDir, "config.yaml", DefaultConfig)
	t.Setenv("BEATSYNC_ONSET_COOLDOWN", "0.25")
	t.Setenv("BEATSYNC_SAMPLE_RATE", "22050")

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	s, err := Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.Onset.Cooldown != 0.25 {
		t.Errorf("Onset.Cooldown = %v, want 0.25 from env", s.Onset.Cooldown)
	}
	if s.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050 from env", s.SampleRate)
	}
}

func TestGet_PartialConfigKeepsDefaults(t *testing.T) {
	resetViper()
	_, configDir := setupHome(t)
	writeConfig(t, configDir, "config.yaml", `sample_rate: 22050
onset:
  cooldown: 0.2
detectors:
  mid:
    enabled: true
`)

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	s, err := Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if s.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", s.SampleRate)
	}
	if s.FrameSize != 256 {
		t.Errorf("FrameSize = %d, want default 256", s.FrameSize)
	}
	if s.Onset.Cooldown != 0.2 {
		t.Errorf("Onset.Cooldown = %v, want 0.2", s.Onset.Cooldown)
	}
	if s.Onset.ThresholdK != 1.5 {
		t.Errorf("Onset.ThresholdK = %v, want default 1.5", s.Onset.ThresholdK)
	}
	if !s.Detectors["mid"].Enabled || s.Detectors["mid"].Weight != 0.2 {
		t.Errorf("Detectors[mid] = %+v, want enabled with default weight", s.Detectors["mid"])
	}
	if s.Detectors["bass"].Weight != 0.45 {
		t.Errorf("Detectors[bass] = %+v, want default weight 0.45", s.Detectors["bass"])
	}

	e := s.Engine()
	if !e.Onset.Detectors[onset.MidFlux].Enabled {
		t.Error("Engine() did not enable the mid detector")
	}
	if e.Onset.CooldownSeconds != 0.2 || e.SampleRate != 22050 {
		t.Errorf("Engine() = cooldown %v rate %d", e.Onset.CooldownSeconds, e.SampleRate)
	}
}

func TestGet_InvalidSettings(t *testing.T) {
	resetViper()
	_, configDir := setupHome(t)
	writeConfig(t, configDir, "config.yaml", "frame_size: 300\n")

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	_, err := Get()
	if err == nil || !strings.Contains(err.Error(), "frame_size") {
		t.Errorf("Get() error = %v, want frame_size error", err)
	}
}

func TestDefaults_MatchEngine(t *testing.T) {
	want := rhythm.DefaultConfig().Sanitize()

	t.Run("registered defaults", func(t *testing.T) {
		resetViper()
		setDefaults()
		var s Settings
		if err := viper.Unmarshal(&s); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if got := s.Engine(); got != want {
			t.Errorf("Engine() from defaults = %+v, want %+v", got, want)
		}
	})

	t.Run("default config file", func(t *testing.T) {
		v := viper.New()
		v.SetConfigType(ConfigType)
		if err := v.ReadConfig(strings.NewReader(DefaultConfig)); err != nil {
			t.Fatalf("ReadConfig() error = %v", err)
		}
		var s Settings
		if err := v.Unmarshal(&s); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if err := s.Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
		if got := s.Engine(); got != want {
			t.Errorf("Engine() from DefaultConfig = %+v, want %+v", got, want)
		}
	})
}

func validSettings() Settings {
	return Settings{
		DeviceIndex: -1,
		SampleRate:  16000,
		Channels:    1,
		BufferSize:  256,
		FrameSize:   256,
		RingFrames:  64,
		LogLevel:    "info",
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(s *Settings)
		wantErr string
	}{
		{"valid", func(s *Settings) {}, ""},
		{"sample rate low", func(s *Settings) { s.SampleRate = 4000 }, "sample_rate"},
		{"sample rate high", func(s *Settings) { s.SampleRate = 192000 }, "sample_rate"},
		{"frame size not power of 2", func(s *Settings) { s.FrameSize = 300 }, "frame_size"},
		{"frame size too small", func(s *Settings) { s.FrameSize = 32 }, "frame_size"},
		{"channels", func(s *Settings) { s.Channels = 0 }, "channels"},
		{"buffer size", func(s *Settings) { s.BufferSize = 8 }, "buffer_size"},
		{"ring frames", func(s *Settings) { s.RingFrames = 1 }, "ring_frames"},
		{"unknown detector", func(s *Settings) {
			s.Detectors = map[string]DetectorSettings{"snare": {Enabled: true}}
		}, "snare"},
		{"log level", func(s *Settings) { s.LogLevel = "loud" }, "log_level"},
		{"empty log level", func(s *Settings) { s.LogLevel = "" }, ""},
		{"tunables are clamped not rejected", func(s *Settings) {
			s.Tempo.Hypotheses = 99
			s.Onset.Cooldown = -5
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.modify(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSettings_ValidateJoinsErrors(t *testing.T) {
	s := validSettings()
	s.SampleRate = 1
	s.Channels = 0
	err := s.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want errors")
	}
	for _, want := range []string{"sample_rate", "channels"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q missing %q", err, want)
		}
	}
}

func TestSettings_Level(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		want  logger.LogLevel
	}{
		{"warn", false, logger.WARN},
		{"error", false, logger.ERROR},
		{"", false, logger.INFO},
		{"warn", true, logger.DEBUG},
	}
	for _, tt := range tests {
		s := Settings{LogLevel: tt.level, Debug: tt.debug}
		if got := s.Level(); got != tt.want {
			t.Errorf("Level(%q, debug=%v) = %v, want %v", tt.level, tt.debug, got, tt.want)
		}
	}
}

func TestSettings_EngineClampsTunables(t *testing.T) {
	s := validSettings()
	s.Tempo.Hypotheses = 99
	s.Blend.MaxStep = 50
	s.Pulse.BoostOnBeat = 10
	s.Detectors = map[string]DetectorSettings{"snare": {Enabled: true, Weight: 1}}

	e := s.Engine()
	if e.Tempo.Hypotheses != 8 {
		t.Errorf("Tempo.Hypotheses = %d, want 8", e.Tempo.Hypotheses)
	}
	if e.Blend.MaxStep != 1 {
		t.Errorf("Blend.MaxStep = %v, want 1", e.Blend.MaxStep)
	}
	if e.Pulse.BoostOnBeat != 4 {
		t.Errorf("Pulse.BoostOnBeat = %v, want 4", e.Pulse.BoostOnBeat)
	}
	if e.Onset.Detectors != rhythm.DefaultConfig().Onset.Detectors {
		t.Error("unknown detector name changed the detector set")
	}
}

func TestEnsureConfigExists_CreatesDirectory(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "dir")

	if err := ensureConfigExists(configPath); err != nil {
		t.Fatalf("ensureConfigExists() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(configPath, "config.yaml")); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestEnsureConfigExists_DoesNotOverwrite(t *testing.T) {
	configPath := t.TempDir()
	configFile := filepath.Join(configPath, "config.yaml")
	existing := "sample_rate: 8000\n"
	if err := os.WriteFile(configFile, []byte(existing), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := ensureConfigExists(configPath); err != nil {
		t.Fatalf("ensureConfigExists() error = %v", err)
	}

	data, _ := os.ReadFile(configFile)
	if string(data) != existing {
		t.Errorf("ensureConfigExists() overwrote existing config")
	}
}

func TestEnsureConfigExists_WriteError(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("skipping test when running as root")
	}

	configPath := filepath.Join(t.TempDir(), "readonly")
	if err := os.MkdirAll(configPath, 0555); err != nil {
		t.Fatalf("failed to create readonly dir: %v", err)
	}
	defer func() {
		if err := os.Chmod(configPath, 0755); err != nil {
			t.Logf("failed to restore permissions: %v", err)
		}
	}()

	if err := ensureConfigExists(filepath.Join(configPath, "subdir")); err == nil {
		t.Error("ensureConfigExists() should return error for read-only directory")
	}
}

func TestConstants(t *testing.T) {
	if AppName != "beatsync" {
		t.Errorf("AppName = %q, want beatsync", AppName)
	}
	if ConfigType != "yaml" {
		t.Errorf("ConfigType = %q, want yaml", ConfigType)
	}
}
