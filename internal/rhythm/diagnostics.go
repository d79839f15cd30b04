// internal/rhythm/diagnostics.go
package rhythm

import (
	"fmt"
	"strings"

	"github.com/ColonelBlimp/beatsync/internal/tempo"
)

// SlotInfo is the tooling view of one hypothesis slot.
type SlotInfo struct {
	Active     bool
	BPM        float64
	Confidence float64
	BeatCount  int
	Phase      float64
}

// Diagnostics is a read-only snapshot of engine internals.
type Diagnostics struct {
	Timestamp      uint64
	Hops           uint64
	SkippedHops    uint64
	Onsets         uint64
	Resets         uint64
	Slots          [tempo.MaxHypotheses]SlotInfo
	NumSlots       int
	Primary        int
	Gain           float64
	RhythmStrength float64
	Target         float64
	Trend          float64
	AgreementRate  float64
	PhaseStability float64
	BeatStability  float64
	OnsetDensity   float64
}

// Diagnostics returns a snapshot taken at the current hop boundary.
func (e *Engine) Diagnostics() Diagnostics {
	state := e.blender.State()
	d := Diagnostics{
		Timestamp:      e.now,
		Hops:           e.hops,
		SkippedHops:    e.skipped,
		Onsets:         e.onsets,
		Resets:         e.resets,
		Primary:        e.tracker.Primary(),
		Gain:           e.agc.Gain(),
		RhythmStrength: state.RhythmStrength,
		Target:         state.Target,
		Trend:          state.Trend,
		AgreementRate:  e.blender.AgreementRate(),
		PhaseStability: e.phase.Stability(),
		BeatStability:  e.tracker.BeatStability(),
		OnsetDensity:   e.tracker.OnsetDensity(),
	}

	slots, n := e.tracker.Slots()
	d.NumSlots = n
	sr := e.tracker.SampleRate()
	for i := 0; i < n; i++ {
		h := slots[i]
		if !h.Active {
			continue
		}
		d.Slots[i] = SlotInfo{
			Active:     true,
			BPM:        h.BPM(sr),
			Confidence: h.Confidence,
			BeatCount:  h.BeatCount,
			Phase:      h.Phase(float64(e.now)),
		}
	}
	return d
}

// String renders the snapshot on one line for logs.
func (d Diagnostics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "strength=%.2f target=%.2f trend=%+.4f gain=%.2f density=%.2f/s",
		d.RhythmStrength, d.Target, d.Trend, d.Gain, d.OnsetDensity)
	for i := 0; i < d.NumSlots; i++ {
		s := d.Slots[i]
		if !s.Active {
			continue
		}
		mark := " "
		if i == d.Primary {
			mark = "*"
		}
		fmt.Fprintf(&b, " [%s%d %.1fbpm c=%.2f n=%d]", mark, i, s.BPM, s.Confidence, s.BeatCount)
	}
	if d.SkippedHops > 0 {
		fmt.Fprintf(&b, " skipped=%d", d.SkippedHops)
	}
	return b.String()
}
