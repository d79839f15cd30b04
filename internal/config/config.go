// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ColonelBlimp/beatsync/internal/logger"
	"github.com/ColonelBlimp/beatsync/internal/onset"
	"github.com/ColonelBlimp/beatsync/internal/rhythm"
	"github.com/spf13/viper"
)

const (
	AppName       = "beatsync"
	ConfigType    = "yaml"
	DefaultConfig = `# beatsync configuration

# Audio device settings
device_index: -1        # -1 for default device
sample_rate: 16000      # Analysis sample rate in Hz (8000-96000)
channels: 1             # Captured channels, averaged to mono
buffer_size: 256        # Device frames per callback
frame_size: 256         # Samples per analysis hop, power of 2 (256 at 16 kHz = 16 ms)
ring_frames: 64         # Hops buffered between the audio thread and the engine

# Adaptive gain control
agc:
  target: 0.1           # Normalized RMS the gain steers toward
  attack: 0.25          # Envelope rise time constant in seconds
  release: 4.0          # Envelope fall time constant in seconds
  min_gain: 0.1
  max_gain: 8.0         # Caps amplification of quiet input

# Onset detector ensemble
detectors:
  amplitude:
    enabled: true
    weight: 0.35
  bass:
    enabled: true
    weight: 0.45
  mid:
    enabled: false      # Fires on vocals more often than on beats
    weight: 0.20
  hfc:
    enabled: true
    weight: 0.20
  broadband:
    enabled: true
    weight: 0.13

onset:
  agreement_bonus: 1.5  # Score multiplier when two or more detectors agree
  fire_threshold: 1.0
  cooldown: 0.1         # Seconds between onsets
  noise_gate: 0.01      # Minimum normalized level that may fire
  threshold_window: 32  # Adaptive threshold history in hops
  threshold_k: 1.5      # Threshold = mean + k * stddev
  min_novelty: 0.3      # Threshold floor; steady sounds stay below it
  max_novelty: 10
  max_score: 4
  warmup_hops: 8
  sustain_hops: 3       # Ignore HFC once it stays high this long (0 = off)
  baseline_hops: 4

# Tempo hypotheses
tempo:
  min_bpm: 60
  max_bpm: 200
  hypotheses: 4         # Concurrent tempo candidates (max 8)
  match_tolerance: 0.05
  beat_tolerance: 0.12  # Fraction of a period an onset may miss a beat by
  min_beats: 8          # Confirmed beats before a candidate can lead
  promotion_margin: 0.1
  min_confidence: 0.3
  demote_confidence: 0.15
  confirm_gain: 0.15
  period_smoothing: 0.15
  beat_decay: 0.8
  rest_beats: 2         # Missed beats treated as a rest
  rest_decay: 0.97
  silence_window: 3     # Seconds without onsets before silence decay
  silence_decay: 0.9
  evict_floor: 0.05

# Beat phase
phase:
  gain: 0.3
  max_correction: 0.05  # Cycles per correction
  lock_window: 0.25
  stability_smoothing: 0.2

# Rhythm strength
blend:
  max_step: 0.02        # Largest change per hop
  smoothing: 0.1
  lost_decay: 0.98
  stability_weight: 0.4
  agreement_weight: 0.5
  agreement_smoothing: 0.2
  trend_smoothing: 0.05

# Energy and pulse shaping by beat phase
pulse:
  boost_on_beat: 1.3    # Pulse multiplier near the beat
  suppress_off_beat: 0.6
  near_beat: 0.2        # Phase distance treated as on the beat
  far_from_beat: 0.3
  energy_boost: 0.3
  activation: 0.5       # Rhythm strength needed before shaping applies

# Output
database: ""            # SQLite file for recorded runs ("" = beatsync.sqlite3)
log_level: "info"       # debug, info, warn, error
debug: false            # Enable debug output
`
)

// DetectorSettings enables and weights one onset detector.
type DetectorSettings struct {
	Enabled bool    `mapstructure:"enabled"`
	Weight  float64 `mapstructure:"weight"`
}

type AGCSettings struct {
	Target  float64 `mapstructure:"target"`
	Attack  float64 `mapstructure:"attack"`
	Release float64 `mapstructure:"release"`
	MinGain float64 `mapstructure:"min_gain"`
	MaxGain float64 `mapstructure:"max_gain"`
}

type OnsetSettings struct {
	AgreementBonus  float64 `mapstructure:"agreement_bonus"`
	FireThreshold   float64 `mapstructure:"fire_threshold"`
	Cooldown        float64 `mapstructure:"cooldown"`
	NoiseGate       float64 `mapstructure:"noise_gate"`
	ThresholdWindow int     `mapstructure:"threshold_window"`
	ThresholdK      float64 `mapstructure:"threshold_k"`
	MinNovelty      float64 `mapstructure:"min_novelty"`
	MaxNovelty      float64 `mapstructure:"max_novelty"`
	MaxScore        float64 `mapstructure:"max_score"`
	WarmupHops      int     `mapstructure:"warmup_hops"`
	SustainHops     int     `mapstructure:"sustain_hops"`
	BaselineHops    int     `mapstructure:"baseline_hops"`
}

type TempoSettings struct {
	MinBPM           float64 `mapstructure:"min_bpm"`
	MaxBPM           float64 `mapstructure:"max_bpm"`
	Hypotheses       int     `mapstructure:"hypotheses"`
	MatchTolerance   float64 `mapstructure:"match_tolerance"`
	BeatTolerance    float64 `mapstructure:"beat_tolerance"`
	MinBeats         int     `mapstructure:"min_beats"`
	PromotionMargin  float64 `mapstructure:"promotion_margin"`
	MinConfidence    float64 `mapstructure:"min_confidence"`
	DemoteConfidence float64 `mapstructure:"demote_confidence"`
	ConfirmGain      float64 `mapstructure:"confirm_gain"`
	PeriodSmoothing  float64 `mapstructure:"period_smoothing"`
	BeatDecay        float64 `mapstructure:"beat_decay"`
	RestBeats        int     `mapstructure:"rest_beats"`
	RestDecay        float64 `mapstructure:"rest_decay"`
	SilenceWindow    float64 `mapstructure:"silence_window"`
	SilenceDecay     float64 `mapstructure:"silence_decay"`
	EvictFloor       float64 `mapstructure:"evict_floor"`
}

type PhaseSettings struct {
	Gain               float64 `mapstructure:"gain"`
	MaxCorrection      float64 `mapstructure:"max_correction"`
	LockWindow         float64 `mapstructure:"lock_window"`
	StabilitySmoothing float64 `mapstructure:"stability_smoothing"`
}

type BlendSettings struct {
	MaxStep            float64 `mapstructure:"max_step"`
	Smoothing          float64 `mapstructure:"smoothing"`
	LostDecay          float64 `mapstructure:"lost_decay"`
	StabilityWeight    float64 `mapstructure:"stability_weight"`
	AgreementWeight    float64 `mapstructure:"agreement_weight"`
	AgreementSmoothing float64 `mapstructure:"agreement_smoothing"`
	TrendSmoothing     float64 `mapstructure:"trend_smoothing"`
}

type PulseSettings struct {
	BoostOnBeat     float64 `mapstructure:"boost_on_beat"`
	SuppressOffBeat float64 `mapstructure:"suppress_off_beat"`
	NearBeat        float64 `mapstructure:"near_beat"`
	FarFromBeat     float64 `mapstructure:"far_from_beat"`
	EnergyBoost     float64 `mapstructure:"energy_boost"`
	Activation      float64 `mapstructure:"activation"`
}

// Settings holds all application configuration
type Settings struct {
	// Audio device settings
	DeviceIndex int `mapstructure:"device_index"`
	SampleRate  int `mapstructure:"sample_rate"`
	Channels    int `mapstructure:"channels"`
	BufferSize  int `mapstructure:"buffer_size"`
	FrameSize   int `mapstructure:"frame_size"`
	RingFrames  int `mapstructure:"ring_frames"`

	// Engine tunables; out-of-range values are clamped, not rejected
	AGC       AGCSettings                 `mapstructure:"agc"`
	Detectors map[string]DetectorSettings `mapstructure:"detectors"`
	Onset     OnsetSettings               `mapstructure:"onset"`
	Tempo     TempoSettings               `mapstructure:"tempo"`
	Phase     PhaseSettings               `mapstructure:"phase"`
	Blend     BlendSettings               `mapstructure:"blend"`
	Pulse     PulseSettings               `mapstructure:"pulse"`

	// Output
	Database string `mapstructure:"database"`
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
}

// setDefaults registers a default for every key, taken from the engine's
// own defaults.
func setDefaults() {
	e := rhythm.DefaultConfig()

	viper.SetDefault("device_index", -1)
	viper.SetDefault("sample_rate", e.SampleRate)
	viper.SetDefault("channels", 1)
	viper.SetDefault("buffer_size", e.FrameSize)
	viper.SetDefault("frame_size", e.FrameSize)
	viper.SetDefault("ring_frames", 64)

	viper.SetDefault("agc.target", e.AGC.TargetRMS)
	viper.SetDefault("agc.attack", e.AGC.AttackSeconds)
	viper.SetDefault("agc.release", e.AGC.ReleaseSeconds)
	viper.SetDefault("agc.min_gain", e.AGC.MinGain)
	viper.SetDefault("agc.max_gain", e.AGC.MaxGain)

	for _, k := range onset.Kinds() {
		viper.SetDefault("detectors."+k.String()+".enabled", e.Onset.Detectors[k].Enabled)
		viper.SetDefault("detectors."+k.String()+".weight", e.Onset.Detectors[k].Weight)
	}

	o := e.Onset
	viper.SetDefault("onset.agreement_bonus", o.AgreementBonus)
	viper.SetDefault("onset.fire_threshold", o.FireThreshold)
	viper.SetDefault("onset.cooldown", o.CooldownSeconds)
	viper.SetDefault("onset.noise_gate", o.NoiseGate)
	viper.SetDefault("onset.threshold_window", o.ThresholdWindow)
	viper.SetDefault("onset.threshold_k", o.ThresholdK)
	viper.SetDefault("onset.min_novelty", o.MinNovelty)
	viper.SetDefault("onset.max_novelty", o.MaxNovelty)
	viper.SetDefault("onset.max_score", o.MaxScore)
	viper.SetDefault("onset.warmup_hops", o.WarmupHops)
	viper.SetDefault("onset.sustain_hops", o.SustainHops)
	viper.SetDefault("onset.baseline_hops", o.BaselineHops)

	tc := e.Tempo
	viper.SetDefault("tempo.min_bpm", tc.MinBPM)
	viper.SetDefault("tempo.max_bpm", tc.MaxBPM)
	viper.SetDefault("tempo.hypotheses", tc.Hypotheses)
	viper.SetDefault("tempo.match_tolerance", tc.MatchTolerance)
	viper.SetDefault("tempo.beat_tolerance", tc.BeatTolerance)
	viper.SetDefault("tempo.min_beats", tc.MinBeats)
	viper.SetDefault("tempo.promotion_margin", tc.PromotionMargin)
	viper.SetDefault("tempo.min_confidence", tc.MinPromoteConfidence)
	viper.SetDefault("tempo.demote_confidence", tc.DemoteConfidence)
	viper.SetDefault("tempo.confirm_gain", tc.ConfirmGain)
	viper.SetDefault("tempo.period_smoothing", tc.PeriodSmoothing)
	viper.SetDefault("tempo.beat_decay", tc.BeatDecay)
	viper.SetDefault("tempo.rest_beats", tc.RestBeats)
	viper.SetDefault("tempo.rest_decay", tc.RestDecay)
	viper.SetDefault("tempo.silence_window", tc.SilenceSeconds)
	viper.SetDefault("tempo.silence_decay", tc.SilenceDecay)
	viper.SetDefault("tempo.evict_floor", tc.EvictFloor)

	viper.SetDefault("phase.gain", e.Phase.Gain)
	viper.SetDefault("phase.max_correction", e.Phase.MaxCorrection)
	viper.SetDefault("phase.lock_window", e.Phase.LockWindow)
	viper.SetDefault("phase.stability_smoothing", e.Phase.StabilitySmoothing)

	b := e.Blend
	viper.SetDefault("blend.max_step", b.MaxStep)
	viper.SetDefault("blend.smoothing", b.Smoothing)
	viper.SetDefault("blend.lost_decay", b.LostDecay)
	viper.SetDefault("blend.stability_weight", b.StabilityWeight)
	viper.SetDefault("blend.agreement_weight", b.AgreementWeight)
	viper.SetDefault("blend.agreement_smoothing", b.AgreementSmoothing)
	viper.SetDefault("blend.trend_smoothing", b.TrendSmoothing)

	pu := e.Pulse
	viper.SetDefault("pulse.boost_on_beat", pu.BoostOnBeat)
	viper.SetDefault("pulse.suppress_off_beat", pu.SuppressOffBeat)
	viper.SetDefault("pulse.near_beat", pu.NearBeat)
	viper.SetDefault("pulse.far_from_beat", pu.FarFromBeat)
	viper.SetDefault("pulse.energy_boost", pu.EnergyBoostOnBeat)
	viper.SetDefault("pulse.activation", pu.Activation)

	viper.SetDefault("database", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("debug", false)
}

// Init initializes Viper with defaults and config file.
// Config file search order: current directory, then ~/.config/beatsync/
func Init() error {
	setDefaults()

	viper.SetConfigType(ConfigType)
	viper.SetEnvPrefix("BEATSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Priority order: current directory first, then XDG config
	viper.AddConfigPath(".")

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	viper.AddConfigPath(filepath.Join(configDir, AppName))

	// Try .config.yaml first (hidden file), then config.yaml
	viper.SetConfigName(".config")
	if err = viper.ReadInConfig(); err != nil {
		viper.SetConfigName("config")
		err = viper.ReadInConfig()
	}

	// Read config file - if not found, create default in XDG config dir
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("read config: %w", err)
		}
		if err = ensureConfigExists(filepath.Join(configDir, AppName)); err != nil {
			return err
		}
		if err = viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return nil
}

func ensureConfigExists(configPath string) error {
	configFile := filepath.Join(configPath, "config.yaml")

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err = os.MkdirAll(configPath, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		if err = os.WriteFile(configFile, []byte(DefaultConfig), 0644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}
	return nil
}

// Get returns the current settings
func Get() (*Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &s, nil
}

// Validate checks the settings that cannot be clamped: the stream format,
// the audio device and names. Engine tunables are clamped by the engine.
func (s *Settings) Validate() error {
	var errs []error

	if s.SampleRate < 8000 || s.SampleRate > 96000 {
		errs = append(errs, fmt.Errorf("sample_rate must be between 8000 and 96000 Hz, got %d", s.SampleRate))
	}
	if s.FrameSize < 64 || s.FrameSize > 4096 || s.FrameSize&(s.FrameSize-1) != 0 {
		errs = append(errs, fmt.Errorf("frame_size must be a power of 2 between 64 and 4096, got %d", s.FrameSize))
	}
	if s.Channels < 1 || s.Channels > 8 {
		errs = append(errs, fmt.Errorf("channels must be between 1 and 8, got %d", s.Channels))
	}
	if s.BufferSize < 16 || s.BufferSize > 8192 {
		errs = append(errs, fmt.Errorf("buffer_size must be between 16 and 8192, got %d", s.BufferSize))
	}
	if s.RingFrames < 2 || s.RingFrames > 4096 {
		errs = append(errs, fmt.Errorf("ring_frames must be between 2 and 4096, got %d", s.RingFrames))
	}
	for name := range s.Detectors {
		if _, err := onset.ParseKind(name); err != nil {
			errs = append(errs, fmt.Errorf("detectors: %w", err))
		}
	}
	if s.LogLevel != "" {
		if _, ok := logger.ParseLevel(s.LogLevel); !ok {
			errs = append(errs, fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", s.LogLevel))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Level returns the configured log level; debug forces DEBUG.
func (s *Settings) Level() logger.LogLevel {
	if s.Debug {
		return logger.DEBUG
	}
	level, _ := logger.ParseLevel(s.LogLevel)
	return level
}

// Engine builds the engine configuration. Detectors missing from the
// settings keep their defaults.
func (s *Settings) Engine() rhythm.Config {
	cfg := rhythm.DefaultConfig()
	cfg.SampleRate = s.SampleRate
	cfg.FrameSize = s.FrameSize

	cfg.AGC.TargetRMS = s.AGC.Target
	cfg.AGC.AttackSeconds = s.AGC.Attack
	cfg.AGC.ReleaseSeconds = s.AGC.Release
	cfg.AGC.MinGain = s.AGC.MinGain
	cfg.AGC.MaxGain = s.AGC.MaxGain

	for name, d := range s.Detectors {
		k, err := onset.ParseKind(name)
		if err != nil {
			continue
		}
		cfg.Onset.Detectors[k] = onset.DetectorConfig{Enabled: d.Enabled, Weight: d.Weight}
	}

	o := &cfg.Onset
	o.AgreementBonus = s.Onset.AgreementBonus
	o.FireThreshold = s.Onset.FireThreshold
	o.CooldownSeconds = s.Onset.Cooldown
	o.NoiseGate = s.Onset.NoiseGate
	o.ThresholdWindow = s.Onset.ThresholdWindow
	o.ThresholdK = s.Onset.ThresholdK
	o.MinNovelty = s.Onset.MinNovelty
	o.MaxNovelty = s.Onset.MaxNovelty
	o.MaxScore = s.Onset.MaxScore
	o.WarmupHops = s.Onset.WarmupHops
	o.SustainHops = s.Onset.SustainHops
	o.BaselineHops = s.Onset.BaselineHops

	t := &cfg.Tempo
	t.MinBPM = s.Tempo.MinBPM
	t.MaxBPM = s.Tempo.MaxBPM
	t.Hypotheses = s.Tempo.Hypotheses
	t.MatchTolerance = s.Tempo.MatchTolerance
	t.BeatTolerance = s.Tempo.BeatTolerance
	t.MinBeats = s.Tempo.MinBeats
	t.PromotionMargin = s.Tempo.PromotionMargin
	t.MinPromoteConfidence = s.Tempo.MinConfidence
	t.DemoteConfidence = s.Tempo.DemoteConfidence
	t.ConfirmGain = s.Tempo.ConfirmGain
	t.PeriodSmoothing = s.Tempo.PeriodSmoothing
	t.BeatDecay = s.Tempo.BeatDecay
	t.RestBeats = s.Tempo.RestBeats
	t.RestDecay = s.Tempo.RestDecay
	t.SilenceSeconds = s.Tempo.SilenceWindow
	t.SilenceDecay = s.Tempo.SilenceDecay
	t.EvictFloor = s.Tempo.EvictFloor

	cfg.Phase.Gain = s.Phase.Gain
	cfg.Phase.MaxCorrection = s.Phase.MaxCorrection
	cfg.Phase.LockWindow = s.Phase.LockWindow
	cfg.Phase.StabilitySmoothing = s.Phase.StabilitySmoothing

	b := &cfg.Blend
	b.MaxStep = s.Blend.MaxStep
	b.Smoothing = s.Blend.Smoothing
	b.LostDecay = s.Blend.LostDecay
	b.StabilityWeight = s.Blend.StabilityWeight
	b.AgreementWeight = s.Blend.AgreementWeight
	b.AgreementSmoothing = s.Blend.AgreementSmoothing
	b.TrendSmoothing = s.Blend.TrendSmoothing

	cfg.Pulse = rhythm.PulseConfig{
		BoostOnBeat:       s.Pulse.BoostOnBeat,
		SuppressOffBeat:   s.Pulse.SuppressOffBeat,
		NearBeat:          s.Pulse.NearBeat,
		FarFromBeat:       s.Pulse.FarFromBeat,
		EnergyBoostOnBeat: s.Pulse.EnergyBoost,
		Activation:        s.Pulse.Activation,
	}

	return cfg.Sanitize()
}
