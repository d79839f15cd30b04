// internal/rhythm/engine.go
package rhythm

import (
	"fmt"
	"sync/atomic"

	"github.com/ColonelBlimp/beatsync/internal/dsp"
	"github.com/ColonelBlimp/beatsync/internal/onset"
	"github.com/ColonelBlimp/beatsync/internal/tempo"
)

// Output is what the engine reports for every hop.
type Output struct {
	// Timestamp is the sample count at the start of the hop
	Timestamp     uint64
	OnsetFired    bool
	OnsetStrength float64
	// Onset is only meaningful when OnsetFired is true
	Onset onset.Event
	// BPM is only meaningful when HasTempo is true
	BPM      float64
	HasTempo bool
	// Phase is only meaningful when PhaseValid is true
	Phase          float64
	PhaseValid     bool
	RhythmStrength float64
	// Energy is the normalized frame level in [0,1], lifted near the beat
	Energy float64
	// Pulse is the onset strength in [0,1] shaped by beat phase; 0 without an onset
	Pulse float64
}

// OnsetCallback is called for every fired onset.
// Must be non-blocking and fast - called from the processing path.
type OnsetCallback func(event onset.Event)

// Engine wires AGC, feature extraction, the onset ensemble, the tempo and
// phase trackers and the blender into one causal per-hop pipeline.
//
// Process, Skip, Reset and Diagnostics must be called from a single
// goroutine. RequestReset and UpdateConfig may be called from any
// goroutine; they take effect at the start of the next hop.
type Engine struct {
	config     Config
	hopSamples uint64

	agc       *dsp.AGC
	extractor *dsp.Extractor
	ensemble  *onset.Ensemble
	tracker   *tempo.Tracker
	phase     *tempo.PhaseTracker
	blender   *Blender

	frame []int16
	norm  []float64

	now     uint64
	hops    uint64
	skipped uint64
	onsets  uint64
	resets  uint64
	last    Output
	result  onset.Result

	pendingConfig atomic.Pointer[Config]
	resetPending  atomic.Bool
	callbackPtr   atomic.Pointer[OnsetCallback]
}

// NewEngine creates an engine. Only the stream format can fail; every
// tunable is clamped.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.Sanitize()

	agc, err := dsp.NewAGC(cfg.AGC, cfg.SampleRate, cfg.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("create agc: %w", err)
	}
	extractor, err := dsp.NewExtractor(cfg.SampleRate, cfg.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("create extractor: %w", err)
	}

	return &Engine{
		config:     cfg,
		hopSamples: uint64(cfg.FrameSize),
		agc:        agc,
		extractor:  extractor,
		ensemble:   onset.NewEnsemble(cfg.Onset, cfg.SampleRate),
		tracker:    tempo.NewTracker(cfg.Tempo, cfg.SampleRate, cfg.FrameSize),
		phase:      tempo.NewPhaseTracker(cfg.Phase, cfg.FrameSize),
		blender:    NewBlender(cfg.Blend),
		frame:      make([]int16, cfg.FrameSize),
		norm:       make([]float64, cfg.FrameSize),
	}, nil
}

// SetCallback sets the callback for fired onsets.
func (e *Engine) SetCallback(cb OnsetCallback) {
	if cb == nil {
		e.callbackPtr.Store(nil)
	} else {
		e.callbackPtr.Store(&cb)
	}
}

// Process analyzes one frame. Shorter frames are zero-padded and longer
// frames truncated to the configured frame size.
func (e *Engine) Process(frame []int16) Output {
	e.beginHop()

	n := copy(e.frame, frame)
	for i := n; i < len(e.frame); i++ {
		e.frame[i] = 0
	}

	e.agc.Process(e.frame, e.norm)
	features := e.extractor.Process(e.norm)
	e.result = e.ensemble.Process(features, e.now)

	out := Output{Timestamp: e.now}
	var confirmed uint16
	if e.result.Fired {
		ev := e.result.Event
		out.OnsetFired = true
		out.OnsetStrength = ev.Strength
		out.Onset = ev
		confirmed = e.tracker.Observe(ev.Timestamp)
		e.blender.ObserveOnset(ev.Agreement)
		e.onsets++
		if cb := e.callbackPtr.Load(); cb != nil {
			(*cb)(ev)
		}
	}

	e.tracker.Advance(e.now)
	e.phase.Update(e.tracker, e.now, 1, confirmed)
	state := e.blender.Update(e.blendInput(), e.now)

	e.fillTempo(&out)
	out.RhythmStrength = state.RhythmStrength
	out.Energy = e.config.Pulse.energy(e.result.Level, e.config.AGC.TargetRMS, &out)
	out.Pulse = e.config.Pulse.pulse(e.config.Onset.FireThreshold, &out)

	e.last = out
	e.now += e.hopSamples
	e.hops++
	return out
}

// Skip accounts for n dropped frames. Time advances, so cooldowns,
// missed-beat and silence decay, the phase and the blender all see the
// gap; the detectors keep their histories and no onset is synthesized.
func (e *Engine) Skip(n int) {
	if n <= 0 {
		return
	}
	e.beginHop()

	from := e.now
	last := e.now + uint64(n-1)*e.hopSamples
	e.tracker.Advance(last)
	e.phase.Update(e.tracker, last, n, 0)
	state := e.blender.Skip(e.blendInput(), from, n, e.hopSamples)

	out := Output{Timestamp: last, RhythmStrength: state.RhythmStrength}
	e.fillTempo(&out)
	e.last = out
	e.now = last + e.hopSamples
	e.skipped += uint64(n)
}

func (e *Engine) blendInput() BlendInput {
	h, ok := e.tracker.PrimaryHypothesis()
	if !ok {
		return BlendInput{}
	}
	return BlendInput{
		HasPrimary:     true,
		Confidence:     h.Confidence,
		PhaseStability: e.phase.Stability(),
	}
}

func (e *Engine) fillTempo(out *Output) {
	if h, ok := e.tracker.PrimaryHypothesis(); ok {
		out.BPM = h.BPM(float64(e.config.SampleRate))
		out.HasTempo = true
	}
	out.Phase, out.PhaseValid = e.phase.Phase()
}

// beginHop applies a pending reset or configuration at the hop boundary.
func (e *Engine) beginHop() {
	if e.resetPending.CompareAndSwap(true, false) {
		e.Reset()
	}
	if cfg := e.pendingConfig.Swap(nil); cfg != nil {
		e.applyConfig(*cfg)
	}
}

// RequestReset schedules a reset for the next hop boundary.
func (e *Engine) RequestReset() {
	e.resetPending.Store(true)
}

// UpdateConfig schedules new tunables for the next hop boundary. The
// stream format of cfg is ignored.
func (e *Engine) UpdateConfig(cfg Config) {
	c := cfg.Sanitize()
	e.pendingConfig.Store(&c)
}

func (e *Engine) applyConfig(cfg Config) {
	cfg.SampleRate = e.config.SampleRate
	cfg.FrameSize = e.config.FrameSize
	e.config = cfg
	e.agc.SetConfig(cfg.AGC)
	e.ensemble.SetConfig(cfg.Onset)
	e.tracker.SetConfig(cfg.Tempo)
	e.phase.SetConfig(cfg.Phase)
	e.blender.SetConfig(cfg.Blend)
}

// Reset clears every hypothesis, returns the rhythm state to organic and
// resets AGC gain and detector histories. The sample clock restarts at 0,
// so a replay after Reset reproduces the first pass exactly.
func (e *Engine) Reset() {
	e.now = 0
	e.agc.Reset()
	e.extractor.Reset()
	e.ensemble.Reset()
	e.tracker.Reset()
	e.phase.Reset()
	e.blender.Reset()
	e.result = onset.Result{}
	e.last = Output{}
	e.resets++
}

// State returns the persisted rhythm state.
func (e *Engine) State() State {
	return e.blender.State()
}

// Last returns the output of the most recent hop.
func (e *Engine) Last() Output {
	return e.last
}

// LastResult returns the ensemble detail of the most recent processed hop.
func (e *Engine) LastResult() onset.Result {
	return e.result
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Now returns the sample time of the next hop.
func (e *Engine) Now() uint64 {
	return e.now
}
