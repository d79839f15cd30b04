// internal/rhythm/blender.go
package rhythm

import "math"

// BlendConfig holds the rhythmStrength blender tunables.
type BlendConfig struct {
	// MaxStep bounds the change of rhythmStrength per hop (from config: blend.max_step)
	MaxStep float64
	// Smoothing is the fraction of the remaining distance moved per hop (from config: blend.smoothing)
	Smoothing float64
	// LostDecay multiplies the held target per hop while no primary exists (from config: blend.lost_decay)
	LostDecay float64
	// StabilityWeight is how much phase stability scales the target (from config: blend.stability_weight)
	StabilityWeight float64
	// AgreementWeight is how much the onset agreement rate scales the target (from config: blend.agreement_weight)
	AgreementWeight float64
	// AgreementSmoothing is the EMA factor of the agreement rate per onset (from config: blend.agreement_smoothing)
	AgreementSmoothing float64
	// TrendSmoothing is the EMA factor of the per-hop change (from config: blend.trend_smoothing)
	TrendSmoothing float64
}

// DefaultBlendConfig returns the stock blender tuning.
func DefaultBlendConfig() BlendConfig {
	return BlendConfig{
		MaxStep:            0.02,
		Smoothing:          0.1,
		LostDecay:          0.98,
		StabilityWeight:    0.4,
		AgreementWeight:    0.5,
		AgreementSmoothing: 0.2,
		TrendSmoothing:     0.05,
	}
}

// Sanitize clamps every field into its safe operating range.
func (c BlendConfig) Sanitize() BlendConfig {
	d := DefaultBlendConfig()
	c.MaxStep = clampOr(c.MaxStep, 0.001, 1, d.MaxStep)
	c.Smoothing = clampOr(c.Smoothing, 0.001, 1, d.Smoothing)
	c.LostDecay = clampOr(c.LostDecay, 0, 1, d.LostDecay)
	c.StabilityWeight = clampOr(c.StabilityWeight, 0, 1, d.StabilityWeight)
	c.AgreementWeight = clampOr(c.AgreementWeight, 0, 1, d.AgreementWeight)
	c.AgreementSmoothing = clampOr(c.AgreementSmoothing, 0.001, 1, d.AgreementSmoothing)
	c.TrendSmoothing = clampOr(c.TrendSmoothing, 0.001, 1, d.TrendSmoothing)
	return c
}

// State is the persisted rhythm state read by consumers every hop.
type State struct {
	// RhythmStrength in [0,1]: 0 is organic, 1 fully beat-synchronous
	RhythmStrength float64
	// LastTransition is the sample time RhythmStrength last crossed 0.5
	LastTransition uint64
	// Target is the value RhythmStrength is moving toward
	Target float64
	// Trend is the smoothed per-hop change of RhythmStrength
	Trend float64
}

// BlendInput is what the blender reads each hop.
type BlendInput struct {
	HasPrimary     bool
	Confidence     float64
	PhaseStability float64
}

// Blender owns State and moves RhythmStrength toward a target derived from
// tracker confidence, phase stability and onset agreement.
type Blender struct {
	config    BlendConfig
	state     State
	agreement float64
}

// NewBlender creates a blender in organic mode.
func NewBlender(cfg BlendConfig) *Blender {
	b := &Blender{}
	b.SetConfig(cfg)
	return b
}

// SetConfig replaces the tunables.
func (b *Blender) SetConfig(cfg BlendConfig) {
	b.config = cfg.Sanitize()
}

// ObserveOnset folds one fired onset into the agreement rate.
func (b *Blender) ObserveOnset(agreement int) {
	x := 0.0
	if agreement >= 2 {
		x = 1
	}
	b.agreement += b.config.AgreementSmoothing * (x - b.agreement)
}

// Update runs one hop at sample time now and returns the new state.
func (b *Blender) Update(in BlendInput, now uint64) State {
	if in.HasPrimary {
		ws, wa := b.config.StabilityWeight, b.config.AgreementWeight
		stab := clampOr(in.PhaseStability, 0, 1, 0)
		t := clampOr(in.Confidence, 0, 1, 0) * (1 - ws + ws*stab) * (1 - wa + wa*b.agreement)
		b.state.Target = t
	} else {
		b.state.Target *= b.config.LostDecay
	}

	prev := b.state.RhythmStrength
	delta := b.config.Smoothing * (b.state.Target - prev)
	if delta > b.config.MaxStep {
		delta = b.config.MaxStep
	} else if delta < -b.config.MaxStep {
		delta = -b.config.MaxStep
	}
	next := clampOr(prev+delta, 0, 1, 0)
	b.state.RhythmStrength = next
	b.state.Trend += b.config.TrendSmoothing * ((next - prev) - b.state.Trend)

	if (prev < 0.5) != (next < 0.5) {
		b.state.LastTransition = now
	}
	return b.state
}

// Skip runs hops updates without new inputs, as after dropped frames.
// from is the sample time of the first skipped hop. It stops early once
// nothing can change.
func (b *Blender) Skip(in BlendInput, from uint64, hops int, hopSamples uint64) State {
	for i := 0; i < hops; i++ {
		s := b.Update(in, from+uint64(i)*hopSamples)
		if !in.HasPrimary && s.Target < 1e-6 && s.RhythmStrength == 0 && math.Abs(s.Trend) < 1e-9 {
			break
		}
	}
	return b.state
}

// State returns the current rhythm state.
func (b *Blender) State() State {
	return b.state
}

// AgreementRate returns the smoothed fraction of corroborated onsets.
func (b *Blender) AgreementRate() float64 {
	return b.agreement
}

// Reset returns to organic mode.
func (b *Blender) Reset() {
	b.state = State{}
	b.agreement = 0
}

func clampOr(v, lo, hi, def float64) float64 {
	if math.IsNaN(v) {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
