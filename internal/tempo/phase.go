// internal/tempo/phase.go
package tempo

import "math"

// PhaseConfig holds the phase tracker tunables.
type PhaseConfig struct {
	// Gain is the single-pole correction factor applied to phase error (from config: phase.gain)
	Gain float64
	// MaxCorrection bounds one correction step, in cycles (from config: phase.max_correction)
	MaxCorrection float64
	// LockWindow is the largest |error| in cycles that is corrected at all (from config: phase.lock_window)
	LockWindow float64
	// StabilitySmoothing is the EMA factor for the error magnitude (from config: phase.stability_smoothing)
	StabilitySmoothing float64
}

// DefaultPhaseConfig returns the stock phase tracker tuning.
func DefaultPhaseConfig() PhaseConfig {
	return PhaseConfig{
		Gain:               0.3,
		MaxCorrection:      0.05,
		LockWindow:         0.25,
		StabilitySmoothing: 0.2,
	}
}

// Sanitize clamps every field into its safe operating range.
func (c PhaseConfig) Sanitize() PhaseConfig {
	d := DefaultPhaseConfig()
	c.Gain = clampOr(c.Gain, 0, 1, d.Gain)
	c.MaxCorrection = clampOr(c.MaxCorrection, 0.001, 0.5, d.MaxCorrection)
	c.LockWindow = clampOr(c.LockWindow, 0.01, 0.5, d.LockWindow)
	c.StabilitySmoothing = clampOr(c.StabilitySmoothing, 0.01, 1, d.StabilitySmoothing)
	return c
}

// PhaseTracker follows the primary hypothesis with a continuously
// advancing beat phase, corrected toward confirmed onsets in bounded steps.
type PhaseTracker struct {
	config     PhaseConfig
	hop        float64
	phase      float64
	valid      bool
	slot       int
	errEMA     float64
	correction float64
}

// NewPhaseTracker creates a phase tracker for the given hop length.
func NewPhaseTracker(cfg PhaseConfig, hopSamples int) *PhaseTracker {
	p := &PhaseTracker{hop: float64(hopSamples), slot: -1}
	p.SetConfig(cfg)
	return p
}

// SetConfig replaces the tunables.
func (p *PhaseTracker) SetConfig(cfg PhaseConfig) {
	p.config = cfg.Sanitize()
}

// Update advances the phase by hops analysis hops and applies a
// correction when the primary was confirmed by an onset at now. It must be
// called after Tracker.Advance for the same time.
func (p *PhaseTracker) Update(t *Tracker, now uint64, hops int, confirmed uint16) {
	p.correction = 0
	idx := t.Primary()
	if idx < 0 {
		p.valid = false
		p.slot = -1
		return
	}
	h := t.Hypothesis(idx)

	if !p.valid || p.slot != idx {
		p.phase = h.Phase(float64(now))
		p.slot = idx
		p.valid = true
		p.errEMA = p.config.LockWindow / 2
		return
	}

	p.phase = wrap(p.phase + float64(hops)*p.hop/h.Period)

	if confirmed&(1<<idx) == 0 {
		return
	}
	e := p.phase
	if e >= 0.5 {
		e -= 1
	}
	if math.Abs(e) > p.config.LockWindow {
		return
	}
	c := p.config.Gain * e
	if c > p.config.MaxCorrection {
		c = p.config.MaxCorrection
	} else if c < -p.config.MaxCorrection {
		c = -p.config.MaxCorrection
	}
	p.phase = wrap(p.phase - c)
	p.correction = c
	p.errEMA += p.config.StabilitySmoothing * (math.Abs(e) - p.errEMA)
}

// Phase returns the current phase in [0,1) and whether it is defined.
func (p *PhaseTracker) Phase() (float64, bool) {
	if !p.valid {
		return 0, false
	}
	return p.phase, true
}

// Stability maps the smoothed error magnitude to [0,1]; 1 is a tight lock.
// It is 0 when no phase is defined.
func (p *PhaseTracker) Stability() float64 {
	if !p.valid {
		return 0
	}
	return clampOr(1-p.errEMA/p.config.LockWindow, 0, 1, 0)
}

// LastCorrection returns the correction applied in the latest update.
func (p *PhaseTracker) LastCorrection() float64 {
	return p.correction
}

// Reset drops the phase.
func (p *PhaseTracker) Reset() {
	p.phase = 0
	p.valid = false
	p.slot = -1
	p.errEMA = 0
	p.correction = 0
}

func wrap(v float64) float64 {
	v -= math.Floor(v)
	if v >= 1 {
		v = 0
	}
	return v
}
