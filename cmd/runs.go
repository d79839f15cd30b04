// cmd/runs.go
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/ColonelBlimp/beatsync/internal/store"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs [RUN-ID]",
	Short: "List recorded runs, or the onsets of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().Bool("delete", false, "delete the given run")
}

func runRuns(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	db, err := store.Open(settings.Database)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	if len(args) == 0 {
		runs, err := db.Runs()
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		_, _ = fmt.Fprintln(w, "ID\tSOURCE\tCREATED\tDURATION\tONSETS\tBPM\tRHYTHM")
		for _, r := range runs {
			bpm := "-"
			if r.HasTempo {
				bpm = fmt.Sprintf("%.1f", r.FinalBPM)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.1fs\t%d\t%s\t%.2f\n",
				r.ID, r.Source, r.CreatedAt.Format("2006-01-02 15:04"), float64(r.DurationMs)/1000, r.Onsets, bpm, r.RhythmStrength)
		}
		return w.Flush()
	}

	id := args[0]
	if del, _ := cmd.Flags().GetBool("delete"); del {
		if err := db.DeleteRun(id); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		_, _ = fmt.Fprintf(out, "deleted %s\n", id)
		return nil
	}

	run, err := db.GetRun(id)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	onsets, err := db.Onsets(id)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	_, _ = fmt.Fprintln(w, "TIME\tSTRENGTH\tPULSE\tCONF\tDETECTORS\tDOMINANT\tBPM")
	for _, o := range onsets {
		bpm := "-"
		if o.HasTempo {
			bpm = fmt.Sprintf("%.1f", o.BPM)
		}
		_, _ = fmt.Fprintf(w, "%.3fs\t%.2f\t%.2f\t%.2f\t%s\t%s\t%s\n",
			seconds(o.Timestamp, run.SampleRate).Seconds(), o.Strength, o.Pulse, o.Confidence, o.Detectors, o.Dominant, bpm)
	}
	return w.Flush()
}
