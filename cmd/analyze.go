// cmd/analyze.go
package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/ColonelBlimp/beatsync/internal/audio"
	"github.com/ColonelBlimp/beatsync/internal/logger"
	"github.com/ColonelBlimp/beatsync/internal/rhythm"
	"github.com/ColonelBlimp/beatsync/internal/store"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze FILE.wav",
	Short: "Analyze a WAV file and report onsets and tempo",
	Long: `Runs the rhythm engine over a PCM WAV file at the file's own sample rate
and prints a summary. With --verbose every onset is printed; with --record
the run and its onsets are stored in the database.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolP("verbose", "v", false, "print every onset")
	analyzeCmd.Flags().BoolP("record", "r", false, "store the run in the database")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	record, _ := cmd.Flags().GetBool("record")

	src, err := audio.OpenWAV(args[0], settings.FrameSize)
	if err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	defer src.Close()

	cfg := settings.Engine()
	cfg.SampleRate = src.SampleRate()
	eng, err := rhythm.NewEngine(cfg)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	logger.Debug("analyzing %s: %d Hz, %d ch, %s", args[0], src.SampleRate(), src.Channels(), src.Duration())

	out := cmd.OutOrStdout()
	handlers := []HopHandler{}
	if verbose {
		handlers = append(handlers, func(o rhythm.Output) {
			if o.OnsetFired {
				_, _ = fmt.Fprintln(out, formatOutput(o, cfg.SampleRate))
			}
		})
	}

	var rec *recorder
	if record {
		db, err := store.Open(settings.Database)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer db.Close()
		rec, err = newRecorder(db, filepath.Base(args[0]), eng.Config())
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		handlers = append(handlers, rec.hop)
	}

	if err := process(cmd.Context(), src, eng, handlers...); err != nil {
		return err
	}
	if rec != nil {
		if err := rec.finish(eng); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}

	printSummary(out, eng)
	return nil
}

// printSummary writes the end-of-stream state.
func printSummary(w io.Writer, eng *rhythm.Engine) {
	d := eng.Diagnostics()
	last := eng.Last()
	sr := eng.Config().SampleRate

	_, _ = fmt.Fprintf(w, "duration: %.2fs\n", seconds(d.Timestamp, sr).Seconds())
	_, _ = fmt.Fprintf(w, "onsets:   %d\n", d.Onsets)
	if last.HasTempo {
		_, _ = fmt.Fprintf(w, "tempo:    %.1f bpm\n", last.BPM)
	} else {
		_, _ = fmt.Fprintln(w, "tempo:    none")
	}
	_, _ = fmt.Fprintf(w, "rhythm:   %.2f\n", d.RhythmStrength)
	logger.Debug("final state: %s", d)
}
