// cmd/synth.go
package cmd

import (
	"fmt"

	"github.com/ColonelBlimp/beatsync/internal/audio"
	"github.com/ColonelBlimp/beatsync/internal/logger"
	"github.com/ColonelBlimp/beatsync/internal/synth"
	"github.com/spf13/cobra"
)

var synthCmd = &cobra.Command{
	Use:   "synth OUT.wav",
	Short: "Write a synthetic click track for testing",
	Long: `Writes a mono 16-bit WAV with a click on every beat, optionally over a
steady sine tone. A bpm of 0 writes only the tone.`,
	Args: cobra.ExactArgs(1),
	RunE: runSynth,
}

func init() {
	synthCmd.Flags().Float64("bpm", 120, "click tempo in beats per minute")
	synthCmd.Flags().Float64("seconds", 10, "length in seconds")
	synthCmd.Flags().Float64("amplitude", 0.5, "click amplitude (0-1)")
	synthCmd.Flags().Float64("tone", 0, "frequency of a background sine in Hz (0 = none)")
	synthCmd.Flags().Float64("tone-amplitude", 0.2, "background sine amplitude (0-1)")
}

func runSynth(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	bpm, _ := flags.GetFloat64("bpm")
	secs, _ := flags.GetFloat64("seconds")
	amp, _ := flags.GetFloat64("amplitude")
	tone, _ := flags.GetFloat64("tone")
	toneAmp, _ := flags.GetFloat64("tone-amplitude")

	if secs <= 0 {
		return fmt.Errorf("seconds must be positive, got %v", secs)
	}
	if bpm < 0 {
		return fmt.Errorf("bpm must not be negative, got %v", bpm)
	}

	sr := settings.SampleRate
	samples := synth.ClickTrain(sr, bpm, secs, amp)
	if tone > 0 {
		samples = synth.Mix(samples, synth.Tone(sr, tone, secs, toneAmp))
	}

	if err := audio.WriteWAV(args[0], sr, samples); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	logger.Debug("wrote %d samples at %d Hz", len(samples), sr)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %.1fs at %.0f bpm\n", args[0], secs, bpm)
	return nil
}
