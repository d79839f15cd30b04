// internal/rhythm/config.go
package rhythm

import (
	"github.com/ColonelBlimp/beatsync/internal/dsp"
	"github.com/ColonelBlimp/beatsync/internal/onset"
	"github.com/ColonelBlimp/beatsync/internal/tempo"
)

// Default stream format: 16 ms hops at 16 kHz.
const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 256
)

// Config is the full engine configuration surface. SampleRate and
// FrameSize are fixed for the lifetime of an Engine; everything else is a
// tunable that is clamped rather than rejected.
type Config struct {
	SampleRate int
	FrameSize  int
	AGC        dsp.AGCConfig
	Onset      onset.Config
	Tempo      tempo.Config
	Phase      tempo.PhaseConfig
	Blend      BlendConfig
	Pulse      PulseConfig
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate: DefaultSampleRate,
		FrameSize:  DefaultFrameSize,
		AGC:        dsp.DefaultAGCConfig(),
		Onset:      onset.DefaultConfig(),
		Tempo:      tempo.DefaultConfig(),
		Phase:      tempo.DefaultPhaseConfig(),
		Blend:      DefaultBlendConfig(),
		Pulse:      DefaultPulseConfig(),
	}
}

// Sanitize clamps every tunable into its safe range. SampleRate and
// FrameSize are left alone; NewEngine validates them.
func (c Config) Sanitize() Config {
	c.AGC = c.AGC.Sanitize()
	c.Onset = c.Onset.Sanitize()
	c.Tempo = c.Tempo.Sanitize()
	c.Phase = c.Phase.Sanitize()
	c.Blend = c.Blend.Sanitize()
	c.Pulse = c.Pulse.Sanitize()
	return c
}

// HopSeconds returns the duration of one analysis hop.
func (c Config) HopSeconds() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(c.FrameSize) / float64(c.SampleRate)
}
