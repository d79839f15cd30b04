// cmd/process.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ColonelBlimp/beatsync/internal/audio"
	"github.com/ColonelBlimp/beatsync/internal/logger"
	"github.com/ColonelBlimp/beatsync/internal/recovery"
	"github.com/ColonelBlimp/beatsync/internal/rhythm"
	"github.com/ColonelBlimp/beatsync/internal/store"
)

// HopHandler receives every engine output in order.
type HopHandler func(out rhythm.Output)

// process feeds frames from src into eng until the source ends or ctx is
// cancelled. Dropped frames reported by the source advance the engine's
// clock. A panic in the engine or a handler is returned as an error.
func process(ctx context.Context, src audio.Source, eng *rhythm.Engine, handlers ...HopHandler) error {
	frame := make([]int16, eng.Config().FrameSize)
	return recovery.Guard(func() error {
		for {
			gap, err := src.Next(ctx, frame)
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read frame: %w", err)
			}
			if gap > 0 {
				logger.Debug("skipping %d dropped frames", gap)
				eng.Skip(gap)
			}
			out := eng.Process(frame)
			for _, h := range handlers {
				h(out)
			}
		}
	})
}

// recorder stores onsets of one run, flushing in batches.
type recorder struct {
	db      *store.DBClient
	runID   string
	pending []store.OnsetRecord
	onsets  int
	err     error
}

const recordBatch = 256

func newRecorder(db *store.DBClient, source string, cfg rhythm.Config) (*recorder, error) {
	id, err := db.CreateRun(source, cfg.SampleRate, cfg.FrameSize)
	if err != nil {
		return nil, err
	}
	logger.Info("recording run %s", id)
	return &recorder{db: db, runID: id}, nil
}

func (r *recorder) hop(out rhythm.Output) {
	if !out.OnsetFired || r.err != nil {
		return
	}
	r.pending = append(r.pending, store.OnsetRecord{
		Timestamp:  out.Onset.Timestamp,
		Strength:   out.Onset.Strength,
		Confidence: out.Onset.Confidence,
		Detectors:  out.Onset.Detectors.String(),
		Dominant:   out.Onset.Dominant.String(),
		Agreement:  out.Onset.Agreement,
		Pulse:      out.Pulse,
		HasTempo:   out.HasTempo,
		BPM:        out.BPM,
	})
	r.onsets++
	if len(r.pending) >= recordBatch {
		r.err = r.flush()
	}
}

func (r *recorder) flush() error {
	if len(r.pending) == 0 {
		return nil
	}
	err := r.db.AddOnsets(r.runID, r.pending)
	r.pending = r.pending[:0]
	return err
}

// finish flushes remaining onsets and writes the run summary.
func (r *recorder) finish(eng *rhythm.Engine) error {
	if r.err != nil {
		return r.err
	}
	if err := r.flush(); err != nil {
		return err
	}
	d := eng.Diagnostics()
	last := eng.Last()
	cfg := eng.Config()
	samples := d.Timestamp
	return r.db.FinishRun(r.runID, store.Summary{
		DurationMs:     int64(samples * 1000 / uint64(cfg.SampleRate)),
		Hops:           d.Hops,
		SkippedHops:    d.SkippedHops,
		Onsets:         r.onsets,
		HasTempo:       last.HasTempo,
		FinalBPM:       last.BPM,
		RhythmStrength: d.RhythmStrength,
	})
}

// seconds converts a sample timestamp to wall time within the stream.
func seconds(ts uint64, sampleRate int) time.Duration {
	return time.Duration(float64(ts) / float64(sampleRate) * float64(time.Second))
}

// formatOutput renders one hop for the verbose onset log.
func formatOutput(out rhythm.Output, sampleRate int) string {
	s := fmt.Sprintf("%9.3fs onset strength=%.2f conf=%.2f pulse=%.2f [%s] dominant=%s",
		seconds(out.Timestamp, sampleRate).Seconds(), out.Onset.Strength, out.Onset.Confidence, out.Pulse,
		out.Onset.Detectors, out.Onset.Dominant)
	if out.HasTempo {
		s += fmt.Sprintf(" bpm=%.1f", out.BPM)
	}
	if out.PhaseValid {
		s += fmt.Sprintf(" phase=%.2f", out.Phase)
	}
	return s + fmt.Sprintf(" rhythm=%.2f", out.RhythmStrength)
}
