// internal/rhythm/pulse.go
package rhythm

// PulseConfig shapes the per-hop energy and pulse outputs by beat phase.
type PulseConfig struct {
	// BoostOnBeat multiplies the pulse of onsets near phase 0 (from config: pulse.boost_on_beat)
	BoostOnBeat float64
	// SuppressOffBeat multiplies the pulse of onsets far from phase 0 (from config: pulse.suppress_off_beat)
	SuppressOffBeat float64
	// NearBeat is the phase distance still treated as on the beat (from config: pulse.near_beat)
	NearBeat float64
	// FarFromBeat is the phase distance from which onsets are suppressed (from config: pulse.far_from_beat)
	FarFromBeat float64
	// EnergyBoostOnBeat raises energy near phase 0 (from config: pulse.energy_boost)
	EnergyBoostOnBeat float64
	// Activation is the rhythmStrength above which phase shaping applies (from config: pulse.activation)
	Activation float64
}

// DefaultPulseConfig returns the stock pulse shaping.
func DefaultPulseConfig() PulseConfig {
	return PulseConfig{
		BoostOnBeat:       1.3,
		SuppressOffBeat:   0.6,
		NearBeat:          0.2,
		FarFromBeat:       0.3,
		EnergyBoostOnBeat: 0.3,
		Activation:        0.5,
	}
}

// Sanitize clamps every field into its safe operating range.
func (c PulseConfig) Sanitize() PulseConfig {
	d := DefaultPulseConfig()
	c.BoostOnBeat = clampOr(c.BoostOnBeat, 1, 4, d.BoostOnBeat)
	c.SuppressOffBeat = clampOr(c.SuppressOffBeat, 0, 1, d.SuppressOffBeat)
	c.NearBeat = clampOr(c.NearBeat, 0, 0.5, d.NearBeat)
	c.FarFromBeat = clampOr(c.FarFromBeat, 0, 0.5, d.FarFromBeat)
	if c.FarFromBeat < c.NearBeat {
		c.FarFromBeat = c.NearBeat
	}
	c.EnergyBoostOnBeat = clampOr(c.EnergyBoostOnBeat, 0, 2, d.EnergyBoostOnBeat)
	c.Activation = clampOr(c.Activation, 0, 1, d.Activation)
	return c
}

// beatDistance is the distance of phase from the nearest beat, in [0, 0.5].
func beatDistance(phase float64) float64 {
	if phase < 0.5 {
		return phase
	}
	return 1 - phase
}

// energy maps the normalized frame level to [0,1], with a steady signal at
// the AGC target landing near 0.5, and lifts it near the beat while the
// rhythm is locked.
func (c *PulseConfig) energy(level, target float64, out *Output) float64 {
	e := level / (2 * target)
	if out.PhaseValid && out.RhythmStrength > c.Activation {
		near := 1 - 2*beatDistance(out.Phase)
		e *= 1 + near*c.EnergyBoostOnBeat*out.RhythmStrength
	}
	return clampOr(e, 0, 1, 0)
}

// pulse is the onset strength mapped to [0,1], boosted on the beat and
// suppressed off it in proportion to rhythmStrength. It is 0 on hops
// without an onset.
func (c *PulseConfig) pulse(fireThreshold float64, out *Output) float64 {
	if !out.OnsetFired || out.OnsetStrength <= 0 {
		return 0
	}
	p := out.OnsetStrength / (out.OnsetStrength + fireThreshold)
	if out.PhaseValid && out.RhythmStrength > c.Activation {
		p *= 1 - out.RhythmStrength + c.modulation(out.Phase)*out.RhythmStrength
	}
	return clampOr(p, 0, 1, 0)
}

func (c *PulseConfig) modulation(phase float64) float64 {
	d := beatDistance(phase)
	switch {
	case d <= c.NearBeat:
		return c.BoostOnBeat
	case d >= c.FarFromBeat:
		return c.SuppressOffBeat
	}
	t := (d - c.NearBeat) / (c.FarFromBeat - c.NearBeat)
	return c.BoostOnBeat*(1-t) + c.SuppressOffBeat*t
}
