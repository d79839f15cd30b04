// internal/dsp/agc.go
package dsp

import (
	"errors"
	"math"
)

var (
	// ErrInvalidSampleRate indicates the sample rate is outside the supported range
	ErrInvalidSampleRate = errors.New("sample rate must be between 8000 and 96000 Hz")
	// ErrInvalidFrameSize indicates the frame size is not a supported power of two
	ErrInvalidFrameSize = errors.New("frame size must be a power of 2 between 64 and 4096")
)

// Sample rate and frame size limits shared by the AGC and the extractor.
const (
	MinSampleRate = 8000
	MaxSampleRate = 96000
	MinFrameSize  = 64
	MaxFrameSize  = 4096
)

// silenceRMS is the raw RMS below which a frame cannot seed the envelope.
const silenceRMS = 1e-4

// AGCConfig holds adaptive gain control tunables.
// All values should come from the application config file.
type AGCConfig struct {
	// TargetRMS is the loudness the envelope is steered toward (from config: agc.target)
	TargetRMS float64
	// AttackSeconds is the envelope rise time constant (from config: agc.attack)
	AttackSeconds float64
	// ReleaseSeconds is the envelope fall time constant (from config: agc.release)
	ReleaseSeconds float64
	// MinGain is the lowest applied gain (from config: agc.min_gain)
	MinGain float64
	// MaxGain caps amplification of quiet input so the noise floor never
	// reaches the detectors as signal (from config: agc.max_gain)
	MaxGain float64
}

// DefaultAGCConfig returns the stock AGC tuning.
func DefaultAGCConfig() AGCConfig {
	return AGCConfig{
		TargetRMS:      0.1,
		AttackSeconds:  0.25,
		ReleaseSeconds: 4.0,
		MinGain:        0.1,
		MaxGain:        8.0,
	}
}

// Sanitize clamps every field into its safe operating range.
func (c AGCConfig) Sanitize() AGCConfig {
	d := DefaultAGCConfig()
	c.TargetRMS = clampOr(c.TargetRMS, 0.01, 0.7, d.TargetRMS)
	c.AttackSeconds = clampOr(c.AttackSeconds, 0.005, 10, d.AttackSeconds)
	c.ReleaseSeconds = clampOr(c.ReleaseSeconds, 0.05, 60, d.ReleaseSeconds)
	c.MinGain = clampOr(c.MinGain, 0.01, 1, d.MinGain)
	c.MaxGain = clampOr(c.MaxGain, 1, 64, d.MaxGain)
	if c.MaxGain < c.MinGain {
		c.MaxGain = c.MinGain
	}
	return c
}

// AGC tracks a rolling RMS envelope and rescales frames toward TargetRMS.
// The envelope rises with the attack constant and falls with the release
// constant, both converted to per-hop coefficients.
type AGC struct {
	config      AGCConfig
	hopSeconds  float64
	attackCoef  float64
	releaseCoef float64

	envelope float64
	seeded   bool
	gain     float64
	inputRMS float64
}

// NewAGC creates an AGC for frames of frameSize samples at sampleRate.
func NewAGC(cfg AGCConfig, sampleRate, frameSize int) (*AGC, error) {
	if sampleRate < MinSampleRate || sampleRate > MaxSampleRate {
		return nil, ErrInvalidSampleRate
	}
	if frameSize < MinFrameSize || frameSize > MaxFrameSize {
		return nil, ErrInvalidFrameSize
	}
	a := &AGC{hopSeconds: float64(frameSize) / float64(sampleRate)}
	a.SetConfig(cfg)
	a.Reset()
	return a, nil
}

// SetConfig replaces the tunables without touching the envelope.
func (a *AGC) SetConfig(cfg AGCConfig) {
	a.config = cfg.Sanitize()
	a.attackCoef = 1 - math.Exp(-a.hopSeconds/a.config.AttackSeconds)
	a.releaseCoef = 1 - math.Exp(-a.hopSeconds/a.config.ReleaseSeconds)
}

// Process normalizes in into out (len(out) must be >= len(in)) and returns
// the gain that was applied. The gain is derived from the envelope as it
// stood before this frame, so a transient is not attenuated by itself.
func (a *AGC) Process(in []int16, out []float64) float64 {
	var sum float64
	for _, s := range in {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := 0.0
	if len(in) > 0 {
		rms = math.Sqrt(sum / float64(len(in)))
	}
	a.inputRMS = rms

	// First audible frame calibrates the envelope directly.
	if !a.seeded && rms > silenceRMS {
		a.envelope = rms
		a.seeded = true
	}

	a.gain = a.gainFor(a.envelope)

	if a.seeded {
		if rms > a.envelope {
			a.envelope += a.attackCoef * (rms - a.envelope)
		} else {
			a.envelope += a.releaseCoef * (rms - a.envelope)
		}
	}

	for i, s := range in {
		v := float64(s) / 32768.0 * a.gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = v
	}
	return a.gain
}

func (a *AGC) gainFor(envelope float64) float64 {
	if envelope < 1e-9 {
		return a.config.MaxGain
	}
	g := a.config.TargetRMS / envelope
	if g > a.config.MaxGain {
		return a.config.MaxGain
	}
	if g < a.config.MinGain {
		return a.config.MinGain
	}
	return g
}

// Gain returns the gain applied to the most recent frame.
func (a *AGC) Gain() float64 {
	return a.gain
}

// Envelope returns the current loudness estimate (raw RMS units).
func (a *AGC) Envelope() float64 {
	return a.envelope
}

// InputRMS returns the raw RMS of the most recent frame.
func (a *AGC) InputRMS() float64 {
	return a.inputRMS
}

// Reset returns the AGC to its unseeded state with maximum gain.
func (a *AGC) Reset() {
	a.envelope = 0
	a.seeded = false
	a.gain = a.config.MaxGain
	a.inputRMS = 0
}

// Config returns the sanitized configuration.
func (a *AGC) Config() AGCConfig {
	return a.config
}

// clampOr limits v to [lo, hi]; NaN becomes def.
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
