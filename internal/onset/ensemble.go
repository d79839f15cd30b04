// internal/onset/ensemble.go
package onset

import (
	"math"

	"github.com/ColonelBlimp/beatsync/internal/dsp"
)

const (
	// maxBaselineHops bounds the amplitude detector's level history
	maxBaselineHops = 16
	// noveltyEps keeps relative novelty finite when the previous frame is silent
	noveltyEps = 1e-3
)

// Event is a fired onset. It is a value type; every consumer gets a copy.
type Event struct {
	// Timestamp is the sample count at the start of the hop that fired
	Timestamp uint64
	// Strength is the boosted combined score (>= the firing threshold)
	Strength float64
	// Confidence in [0,1] from margin over threshold and agreement
	Confidence float64
	// Detectors that exceeded their own adaptive threshold
	Detectors Set
	// Agreement is the number of detectors in Detectors
	Agreement int
	// Dominant is the agreeing detector with the highest normalized score
	Dominant Kind
}

// DetectorConfig enables and weights one detector kind.
type DetectorConfig struct {
	Enabled bool
	// Weight is relative to the other enabled detectors; 0 disables
	Weight float64
}

// Config holds the ensemble tunables.
// All values should come from the application config file.
type Config struct {
	// Detectors is indexed by Kind (from config: detectors.<name>.enabled / .weight)
	Detectors [NumKinds]DetectorConfig
	// AgreementBonus multiplies the combined score when >= 2 detectors agree (from config: onset.agreement_bonus)
	AgreementBonus float64
	// FireThreshold is the global firing threshold on the boosted score (from config: onset.fire_threshold)
	FireThreshold float64
	// CooldownSeconds is the refractory period after a fired onset (from config: onset.cooldown)
	CooldownSeconds float64
	// NoiseGate is the minimum normalized frame level that may fire (from config: onset.noise_gate)
	NoiseGate float64
	// ThresholdWindow is the adaptive threshold history length in hops (from config: onset.threshold_window)
	ThresholdWindow int
	// ThresholdK scales the standard deviation term of the threshold (from config: onset.threshold_k)
	ThresholdK float64
	// MinNovelty is the floor of every adaptive threshold (from config: onset.min_novelty)
	MinNovelty float64
	// MaxNovelty clamps raw relative novelty (from config: onset.max_novelty)
	MaxNovelty float64
	// MaxScore caps each normalized detector score (from config: onset.max_score)
	MaxScore float64
	// WarmupHops is the number of primed hops before any onset may fire (from config: onset.warmup_hops)
	WarmupHops int
	// SustainHops vetoes the HFC detector once it stays above threshold longer than this,
	// rejecting cymbal wash and sibilance; 0 disables (from config: onset.sustain_hops)
	SustainHops int
	// BaselineHops is the amplitude detector's level baseline length (from config: onset.baseline_hops)
	BaselineHops int
}

// DefaultConfig returns the stock ensemble tuning. The mid band detector
// is off by default; it fires on vocal onsets more often than on beats.
func DefaultConfig() Config {
	return Config{
		Detectors: [NumKinds]DetectorConfig{
			Amplitude: {Enabled: true, Weight: 0.35},
			BassFlux:  {Enabled: true, Weight: 0.45},
			MidFlux:   {Enabled: false, Weight: 0.20},
			HFC:       {Enabled: true, Weight: 0.20},
			Broadband: {Enabled: true, Weight: 0.13},
		},
		AgreementBonus:  1.5,
		FireThreshold:   1.0,
		CooldownSeconds: 0.1,
		NoiseGate:       0.01,
		ThresholdWindow: 32,
		ThresholdK:      1.5,
		MinNovelty:      0.3,
		MaxNovelty:      10,
		MaxScore:        4,
		WarmupHops:      8,
		SustainHops:     3,
		BaselineHops:    4,
	}
}

// Sanitize clamps every field into its safe operating range.
func (c Config) Sanitize() Config {
	d := DefaultConfig()
	for k := range c.Detectors {
		c.Detectors[k].Weight = clampOr(c.Detectors[k].Weight, 0, 10, d.Detectors[k].Weight)
	}
	c.AgreementBonus = clampOr(c.AgreementBonus, 1, 5, d.AgreementBonus)
	c.FireThreshold = clampOr(c.FireThreshold, 0.1, 20, d.FireThreshold)
	c.CooldownSeconds = clampOr(c.CooldownSeconds, 0.01, 2, d.CooldownSeconds)
	c.NoiseGate = clampOr(c.NoiseGate, 0, 0.5, d.NoiseGate)
	c.ThresholdWindow = clampInt(c.ThresholdWindow, 4, MaxThresholdWindow)
	c.ThresholdK = clampOr(c.ThresholdK, 0, 10, d.ThresholdK)
	c.MinNovelty = clampOr(c.MinNovelty, 0.01, 10, d.MinNovelty)
	c.MaxNovelty = clampOr(c.MaxNovelty, 1, 100, d.MaxNovelty)
	c.MaxScore = clampOr(c.MaxScore, 1, 100, d.MaxScore)
	c.WarmupHops = clampInt(c.WarmupHops, 0, 1000)
	c.SustainHops = clampInt(c.SustainHops, 0, 100)
	c.BaselineHops = clampInt(c.BaselineHops, 1, maxBaselineHops)
	return c
}

// Score is one detector's contribution for a hop.
type Score struct {
	Raw        float64
	Threshold  float64
	Normalized float64
	Exceeded   bool
}

// Combination is the combiner output for a hop.
type Combination struct {
	// Combined is the weighted mean of normalized scores
	Combined float64
	// Boosted is Combined after the agreement bonus
	Boosted float64
	// Agreeing holds the detectors that exceeded their own threshold
	Agreeing Set
	// Active is the number of enabled detectors with weight > 0
	Active int
	// Dominant is the highest scoring agreeing detector, or the highest
	// scoring active one when none agree
	Dominant Kind
}

// Result describes one hop of the ensemble.
type Result struct {
	Scores [NumKinds]Score
	Combination
	Level float64
	// Gated is true when the frame level was below the noise gate
	Gated bool
	// Suppressed is true when an onset qualified but fell inside the cooldown
	Suppressed bool
	Fired      bool
	Event      Event
}

// Combine merges per-detector scores. Disabled detectors and detectors
// with zero weight are ignored; with none active the result is zero.
func Combine(cfg *Config, scores *[NumKinds]Score) Combination {
	var c Combination
	var acc, wsum float64
	best, bestAgreeing := -1.0, -1.0
	for k := Kind(0); k < NumKinds; k++ {
		dc := cfg.Detectors[k]
		if !dc.Enabled || dc.Weight <= 0 {
			continue
		}
		c.Active++
		wsum += dc.Weight
		s := scores[k].Normalized
		acc += dc.Weight * s
		if scores[k].Exceeded {
			c.Agreeing = c.Agreeing.Add(k)
			if s > bestAgreeing {
				bestAgreeing = s
				c.Dominant = k
			}
		} else if bestAgreeing < 0 && s > best {
			best = s
			c.Dominant = k
		}
	}
	if wsum == 0 {
		return Combination{}
	}
	c.Combined = acc / wsum
	c.Boosted = c.Combined
	if c.Agreeing.Count() >= 2 {
		c.Boosted *= cfg.AgreementBonus
	}
	return c
}

// Ensemble runs every detector kind over the feature stream and decides,
// once per hop, whether an onset fired.
type Ensemble struct {
	config     Config
	sampleRate int
	cooldown   uint64

	thresholds [NumKinds]adaptiveThreshold
	sustained  [NumKinds]int

	baseline      [maxBaselineHops]float64
	baselineNext  int
	baselineCount int

	primedHops int
	hasFired   bool
	lastFire   uint64
}

// NewEnsemble creates an ensemble for the given sample rate.
func NewEnsemble(cfg Config, sampleRate int) *Ensemble {
	e := &Ensemble{sampleRate: sampleRate}
	e.SetConfig(cfg)
	return e
}

// SetConfig replaces the tunables. Detector histories are kept.
func (e *Ensemble) SetConfig(cfg Config) {
	e.config = cfg.Sanitize()
	e.cooldown = uint64(math.Round(e.config.CooldownSeconds * float64(e.sampleRate)))
}

// Config returns the sanitized configuration.
func (e *Ensemble) Config() Config {
	return e.config
}

// Process scores one feature sample taken at sample time now.
func (e *Ensemble) Process(f *dsp.Features, now uint64) Result {
	var r Result
	r.Level = f.Level

	if !f.Primed {
		e.pushBaseline(f.Level)
		return r
	}

	var raw [NumKinds]float64
	raw[Amplitude] = e.amplitudeNovelty(f.Level)
	raw[BassFlux] = relative(f.Flux[dsp.BandLow], f.Prev[dsp.BandLow])
	raw[MidFlux] = relative(f.Flux[dsp.BandMid], f.Prev[dsp.BandMid])
	raw[HFC] = relative(f.HFC-f.PrevHFC, f.PrevHFC)
	var flux, prev float64
	for b := dsp.Band(0); b < dsp.NumBands; b++ {
		flux += f.Flux[b]
		prev += f.Prev[b]
	}
	raw[Broadband] = relative(flux, prev)
	e.pushBaseline(f.Level)

	warm := e.primedHops >= e.config.WarmupHops
	e.primedHops++

	for k := Kind(0); k < NumKinds; k++ {
		v := math.Min(raw[k], e.config.MaxNovelty)
		thr := e.thresholds[k].level(e.config.ThresholdWindow, e.config.ThresholdK, e.config.MinNovelty)
		e.thresholds[k].push(v)

		s := Score{Raw: v, Threshold: thr}
		s.Normalized = math.Min(v/thr, e.config.MaxScore)
		s.Exceeded = warm && v > thr

		if s.Exceeded {
			e.sustained[k]++
		} else {
			e.sustained[k] = 0
		}
		if k == HFC && e.config.SustainHops > 0 && e.sustained[k] > e.config.SustainHops {
			s.Normalized = 0
			s.Exceeded = false
		}
		r.Scores[k] = s
	}

	r.Combination = Combine(&e.config, &r.Scores)
	r.Gated = f.Level < e.config.NoiseGate

	if !warm || r.Gated || r.Boosted <= e.config.FireThreshold {
		return r
	}
	if e.hasFired && now-e.lastFire <= e.cooldown {
		r.Suppressed = true
		return r
	}

	e.hasFired = true
	e.lastFire = now
	r.Fired = true
	r.Event = Event{
		Timestamp:  now,
		Strength:   r.Boosted,
		Confidence: e.confidence(&r.Combination),
		Detectors:  r.Agreeing,
		Agreement:  r.Agreeing.Count(),
		Dominant:   r.Dominant,
	}
	return r
}

func (e *Ensemble) confidence(c *Combination) float64 {
	margin := clampOr((c.Boosted-e.config.FireThreshold)/e.config.FireThreshold, 0, 1, 0)
	agree := 0.0
	if c.Active > 0 {
		agree = float64(c.Agreeing.Count()) / float64(c.Active)
	}
	return clampOr(0.1+0.9*(0.5*margin+0.5*agree), 0, 1, 0)
}

// amplitudeNovelty is the relative rise of level over the baseline mean.
func (e *Ensemble) amplitudeNovelty(level float64) float64 {
	n := e.config.BaselineHops
	if n > e.baselineCount {
		n = e.baselineCount
	}
	if n == 0 {
		return 0
	}
	var sum float64
	idx := e.baselineNext
	for i := 0; i < n; i++ {
		idx = (idx - 1 + maxBaselineHops) % maxBaselineHops
		sum += e.baseline[idx]
	}
	return relative(level-sum/float64(n), sum/float64(n))
}

func (e *Ensemble) pushBaseline(level float64) {
	e.baseline[e.baselineNext] = level
	e.baselineNext = (e.baselineNext + 1) % maxBaselineHops
	if e.baselineCount < maxBaselineHops {
		e.baselineCount++
	}
}

// Reset clears every detector history and the cooldown.
func (e *Ensemble) Reset() {
	for k := range e.thresholds {
		e.thresholds[k].reset()
		e.sustained[k] = 0
	}
	e.baseline = [maxBaselineHops]float64{}
	e.baselineNext = 0
	e.baselineCount = 0
	e.primedHops = 0
	e.hasFired = false
	e.lastFire = 0
}

// relative returns max(rise, 0) / (base + eps).
func relative(rise, base float64) float64 {
	if rise <= 0 || math.IsNaN(rise) {
		return 0
	}
	if base < 0 {
		base = 0
	}
	return rise / (base + noveltyEps)
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

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
