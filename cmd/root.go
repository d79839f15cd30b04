// cmd/root.go
package cmd

import (
	"fmt"
	"os"

	"github.com/ColonelBlimp/beatsync/internal/config"
	"github.com/ColonelBlimp/beatsync/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "beatsync",
	Short: "Real-time rhythm analysis from audio input",
	Long: `beatsync listens to audio, detects onsets with an ensemble of detectors,
tracks competing tempo hypotheses and reports tempo, beat phase and a
smoothed rhythm strength for every 16 ms hop.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flagBindings maps persistent flags to config keys.
var flagBindings = map[string]string{
	"device":      "device_index",
	"sample-rate": "sample_rate",
	"frame-size":  "frame_size",
	"log-level":   "log_level",
	"db":          "database",
	"debug":       "debug",
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags (override config file)
	rootCmd.PersistentFlags().IntP("device", "d", -1, "audio device index (-1 for default)")
	rootCmd.PersistentFlags().Int("sample-rate", 16000, "analysis sample rate in Hz")
	rootCmd.PersistentFlags().Int("frame-size", 256, "samples per analysis hop (power of 2)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("db", "", "SQLite file for recorded runs")
	rootCmd.PersistentFlags().BoolP("debug", "D", false, "enable debug output")

	rootCmd.AddCommand(listenCmd, analyzeCmd, synthCmd, devicesCmd, runsCmd)
}

func initConfig() {
	if err := config.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	bindFlags()
}

// bindFlags binds only flags set on the command line, so unset flags never
// shadow the config file.
func bindFlags() {
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagBindings[f.Name]; ok && f.Changed {
			_ = viper.BindPFlag(key, f)
		}
	})
}

// loadSettings reads and validates the settings and applies the log level.
func loadSettings() (*config.Settings, error) {
	s, err := config.Get()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger.SetLevel(s.Level())
	return s, nil
}
