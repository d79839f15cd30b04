// internal/tempo/tracker.go
package tempo

import (
	"math"
)

const (
	// MaxHypotheses is the size of the hypothesis arena
	MaxHypotheses = 8
	// IntervalHistory is the number of inter-onset intervals kept
	IntervalHistory = 16
	// maxCandidates bounds candidate periods considered per onset
	maxCandidates = 4
	// maxMissedPerAdvance bounds the missed-beat loop for one Advance call
	maxMissedPerAdvance = 64
)

// Config holds the tempo tracker tunables.
// All values should come from the application config file.
type Config struct {
	// MinBPM and MaxBPM bound candidate periods (from config: tempo.min_bpm / tempo.max_bpm)
	MinBPM float64
	MaxBPM float64
	// Hypotheses is the number of concurrent hypothesis slots (from config: tempo.hypotheses)
	Hypotheses int
	// MatchTolerance is the relative period difference treated as the same tempo (from config: tempo.match_tolerance)
	MatchTolerance float64
	// BeatTolerance is the fraction of a period an onset may deviate from a predicted beat (from config: tempo.beat_tolerance)
	BeatTolerance float64
	// MinBeats is the confirmed beat count needed for promotion (from config: tempo.min_beats)
	MinBeats int
	// PromotionMargin is the confidence lead required over every competitor (from config: tempo.promotion_margin)
	PromotionMargin float64
	// MinPromoteConfidence is the lowest confidence that may be promoted (from config: tempo.min_confidence)
	MinPromoteConfidence float64
	// DemoteConfidence drops the primary when its confidence falls below it (from config: tempo.demote_confidence)
	DemoteConfidence float64
	// ConfirmGain is the confidence step toward 1 per confirmed beat (from config: tempo.confirm_gain)
	ConfirmGain float64
	// PeriodSmoothing is the EMA factor applied to confirmed intervals (from config: tempo.period_smoothing)
	PeriodSmoothing float64
	// BeatDecay multiplies confidence per missed beat (from config: tempo.beat_decay)
	BeatDecay float64
	// RestBeats is the number of missed beats decayed with RestDecay instead (from config: tempo.rest_beats)
	RestBeats int
	// RestDecay multiplies confidence per missed beat during a rest (from config: tempo.rest_decay)
	RestDecay float64
	// SilenceSeconds is the onset-free time before silence decay starts (from config: tempo.silence_window)
	SilenceSeconds float64
	// SilenceDecay multiplies confidence per hop of silence (from config: tempo.silence_decay)
	SilenceDecay float64
	// EvictFloor frees a slot whose confidence drops below it (from config: tempo.evict_floor)
	EvictFloor float64
}

// DefaultConfig returns the stock tracker tuning.
func DefaultConfig() Config {
	return Config{
		MinBPM:               60,
		MaxBPM:               200,
		Hypotheses:           4,
		MatchTolerance:       0.05,
		BeatTolerance:        0.12,
		MinBeats:             8,
		PromotionMargin:      0.1,
		MinPromoteConfidence: 0.3,
		DemoteConfidence:     0.15,
		ConfirmGain:          0.15,
		PeriodSmoothing:      0.15,
		BeatDecay:            0.8,
		RestBeats:            2,
		RestDecay:            0.97,
		SilenceSeconds:       3,
		SilenceDecay:         0.9,
		EvictFloor:           0.05,
	}
}

// Sanitize clamps every field into its safe operating range.
func (c Config) Sanitize() Config {
	d := DefaultConfig()
	c.MinBPM = clampOr(c.MinBPM, 20, 300, d.MinBPM)
	c.MaxBPM = clampOr(c.MaxBPM, 30, 400, d.MaxBPM)
	if c.MaxBPM < c.MinBPM*1.1 {
		c.MaxBPM = c.MinBPM * 1.1
	}
	c.Hypotheses = clampInt(c.Hypotheses, 1, MaxHypotheses)
	c.MatchTolerance = clampOr(c.MatchTolerance, 0.005, 0.25, d.MatchTolerance)
	c.BeatTolerance = clampOr(c.BeatTolerance, 0.02, 0.45, d.BeatTolerance)
	c.MinBeats = clampInt(c.MinBeats, 1, 64)
	c.PromotionMargin = clampOr(c.PromotionMargin, 0, 1, d.PromotionMargin)
	c.MinPromoteConfidence = clampOr(c.MinPromoteConfidence, 0, 1, d.MinPromoteConfidence)
	c.ConfirmGain = clampOr(c.ConfirmGain, 0.01, 1, d.ConfirmGain)
	c.PeriodSmoothing = clampOr(c.PeriodSmoothing, 0, 1, d.PeriodSmoothing)
	c.BeatDecay = clampOr(c.BeatDecay, 0, 1, d.BeatDecay)
	c.RestBeats = clampInt(c.RestBeats, 0, 32)
	c.RestDecay = clampOr(c.RestDecay, 0, 1, d.RestDecay)
	c.SilenceSeconds = clampOr(c.SilenceSeconds, 0.1, 60, d.SilenceSeconds)
	c.SilenceDecay = clampOr(c.SilenceDecay, 0, 1, d.SilenceDecay)
	c.EvictFloor = clampOr(c.EvictFloor, 0.001, 0.5, d.EvictFloor)
	c.DemoteConfidence = clampOr(c.DemoteConfidence, c.EvictFloor, 1, d.DemoteConfidence)
	return c
}

// Hypothesis is one tempo belief. Times are in samples.
type Hypothesis struct {
	Active     bool
	Period     float64
	Confidence float64
	BeatCount  int
	// NextBeat is the predicted time of the next beat
	NextBeat float64
	// LastUpdate is the time of the last confirming or re-anchoring onset
	LastUpdate float64
	// DecayAccum counts consecutive predicted beats without confirmation
	DecayAccum int
}

// BPM converts the period to beats per minute.
func (h *Hypothesis) BPM(sampleRate float64) float64 {
	if h.Period <= 0 {
		return 0
	}
	return 60 * sampleRate / h.Period
}

// Phase returns the position in [0,1) within the beat cycle at time now.
func (h *Hypothesis) Phase(now float64) float64 {
	if h.Period <= 0 {
		return 0
	}
	p := 1 - (h.NextBeat-now)/h.Period
	return p - math.Floor(p)
}

type candidate struct {
	period  float64
	support int
}

// Tracker maintains a fixed arena of competing tempo hypotheses fed by
// onset timestamps, and designates at most one of them primary.
type Tracker struct {
	config     Config
	sampleRate float64
	hop        float64
	minPeriod  float64
	maxPeriod  float64

	slots   [MaxHypotheses]Hypothesis
	primary int

	intervals     [IntervalHistory]float64
	intervalNext  int
	intervalCount int

	hasOnset    bool
	lastOnset   float64
	lastAdvance float64
	advanced    bool

	pendingOnsets int
	density       float64

	candidates [maxCandidates]candidate
}

// NewTracker creates a tracker for the given sample rate and hop length.
func NewTracker(cfg Config, sampleRate, hopSamples int) *Tracker {
	t := &Tracker{
		sampleRate: float64(sampleRate),
		hop:        float64(hopSamples),
		primary:    -1,
	}
	t.SetConfig(cfg)
	return t
}

// SetConfig replaces the tunables. Slots beyond the new hypothesis count
// are freed; if the primary was among them it is dropped.
func (t *Tracker) SetConfig(cfg Config) {
	t.config = cfg.Sanitize()
	t.minPeriod = 60 * t.sampleRate / t.config.MaxBPM
	t.maxPeriod = 60 * t.sampleRate / t.config.MinBPM
	for i := t.config.Hypotheses; i < MaxHypotheses; i++ {
		t.evict(i)
	}
}

// Config returns the sanitized configuration.
func (t *Tracker) Config() Config {
	return t.config
}

// Observe feeds one onset at sample time ts and returns a bitmask of the
// slots whose predicted beat it confirmed.
func (t *Tracker) Observe(ts uint64) uint16 {
	now := float64(ts)
	t.pendingOnsets++

	// an interval spanning a silence says nothing about the tempo
	if t.hasOnset && now > t.lastOnset && now-t.lastOnset < t.silenceSamples() {
		t.pushInterval(now - t.lastOnset)
	}
	t.hasOnset = true
	t.lastOnset = now

	var confirmed uint16
	for i := 0; i < t.config.Hypotheses; i++ {
		h := &t.slots[i]
		if !h.Active {
			continue
		}
		if math.Abs(now-h.NextBeat) <= t.config.BeatTolerance*h.Period {
			t.confirm(h, now)
			confirmed |= 1 << i
		}
	}

	n := t.findCandidates()
	for c := 0; c < n; c++ {
		t.applyCandidate(t.candidates[c], now, confirmed)
	}
	return confirmed
}

func (t *Tracker) confirm(h *Hypothesis, now float64) {
	if dt := now - h.LastUpdate; dt > 0 {
		k := math.Round(dt / h.Period)
		if k >= 1 && k <= 4 {
			h.Period += t.config.PeriodSmoothing * (dt/k - h.Period)
			h.Period = clampOr(h.Period, t.minPeriod, t.maxPeriod, h.Period)
		}
	}
	h.BeatCount++
	h.Confidence += t.config.ConfirmGain * (1 - h.Confidence)
	h.DecayAccum = 0
	h.LastUpdate = now
	h.NextBeat = now + h.Period
}

// findCandidates fills t.candidates from the interval history and returns
// how many were found, strongest support first.
func (t *Tracker) findCandidates() int {
	n := 0
	for i := 0; i < t.intervalCount; i++ {
		p := t.span(i)
		if p < t.minPeriod || p > t.maxPeriod {
			continue
		}

		dup := false
		for c := 0; c < n; c++ {
			if relDiff(t.candidates[c].period, p) <= t.config.MatchTolerance {
				dup = true
				break
			}
		}
		if dup {
			continue
		}

		var sum float64
		support := 0
		for j := 0; j < t.intervalCount; j++ {
			if v := t.span(j); relDiff(v, p) <= t.config.MatchTolerance {
				sum += v
				support++
			}
		}
		if support == 0 {
			sum, support = p, 1
		}
		cand := candidate{period: sum / float64(support), support: support}

		if n < maxCandidates {
			t.candidates[n] = cand
			n++
		} else if weakest := t.weakestCandidate(n); cand.support > t.candidates[weakest].support {
			t.candidates[weakest] = cand
		}
	}

	// insertion sort by support, descending
	for i := 1; i < n; i++ {
		for j := i; j > 0 && t.candidates[j].support > t.candidates[j-1].support; j-- {
			t.candidates[j], t.candidates[j-1] = t.candidates[j-1], t.candidates[j]
		}
	}
	return n
}

func (t *Tracker) weakestCandidate(n int) int {
	w := 0
	for c := 1; c < n; c++ {
		if t.candidates[c].support < t.candidates[w].support {
			w = c
		}
	}
	return w
}

func (t *Tracker) applyCandidate(c candidate, now float64, confirmed uint16) {
	frac := float64(c.support) / float64(t.intervalCount)

	for i := 0; i < t.config.Hypotheses; i++ {
		h := &t.slots[i]
		if !h.Active || relDiff(h.Period, c.period) > t.config.MatchTolerance {
			continue
		}
		h.Period += 0.1 * (c.period - h.Period)
		h.Confidence += 0.05 * frac * (1 - h.Confidence)
		// Only a grid that has missed a beat since it was anchored may move
		// to an unconfirmed onset; off-beat onsets must not drag it.
		if confirmed&(1<<i) == 0 && h.NextBeat-h.LastUpdate > 1.5*h.Period {
			h.LastUpdate = now
			h.NextBeat = now + h.Period
		}
		return
	}

	evidence := 0.1 + 0.2*frac
	slot := -1
	for i := 0; i < t.config.Hypotheses; i++ {
		if !t.slots[i].Active {
			slot = i
			break
		}
	}
	if slot < 0 {
		lowest := -1
		for i := 0; i < t.config.Hypotheses; i++ {
			if i == t.primary {
				continue
			}
			if lowest < 0 || t.slots[i].Confidence < t.slots[lowest].Confidence {
				lowest = i
			}
		}
		if lowest < 0 || evidence <= t.slots[lowest].Confidence {
			return
		}
		slot = lowest
	}

	t.slots[slot] = Hypothesis{
		Active:     true,
		Period:     c.period,
		Confidence: evidence,
		NextBeat:   now + c.period,
		LastUpdate: now,
	}
}

// Advance applies missed-beat decay, silence decay, eviction and
// promotion for the time elapsed up to now. It must be called once per hop
// (after Observe when an onset fired) and once per skipped gap.
func (t *Tracker) Advance(ts uint64) {
	now := float64(ts)
	prev := t.lastAdvance
	if !t.advanced {
		prev = now - t.hop
		t.advanced = true
	}
	if now < prev {
		prev = now
	}
	t.lastAdvance = now

	t.updateDensity(now - prev)

	silenceHops := 0.0
	if t.hasOnset {
		start := math.Max(prev, t.lastOnset+t.silenceSamples())
		if now > start {
			silenceHops = (now - start) / t.hop
		}
	}
	silence := 1.0
	if silenceHops > 0 {
		silence = math.Pow(t.config.SilenceDecay, silenceHops)
		t.clearIntervals()
	}

	for i := 0; i < t.config.Hypotheses; i++ {
		h := &t.slots[i]
		if !h.Active {
			continue
		}
		t.decayMissed(h, now)
		h.Confidence *= silence
		if h.Confidence < t.config.EvictFloor {
			t.evict(i)
		}
	}

	if t.primary >= 0 && t.slots[t.primary].Confidence < t.config.DemoteConfidence {
		t.primary = -1
	}
	t.promote()
}

func (t *Tracker) decayMissed(h *Hypothesis, now float64) {
	late := t.config.BeatTolerance * h.Period
	for n := 0; now > h.NextBeat+late; n++ {
		if n == maxMissedPerAdvance {
			// skip the remaining grid points in one step
			missed := math.Floor((now-late-h.NextBeat)/h.Period) + 1
			h.NextBeat += missed * h.Period
			h.Confidence *= math.Pow(t.config.BeatDecay, missed)
			h.BeatCount = 0
			h.DecayAccum += int(missed)
			return
		}
		// rests are only forgiven once a groove is established
		established := 2*h.BeatCount >= t.config.MinBeats
		h.NextBeat += h.Period
		h.DecayAccum++
		h.BeatCount = h.BeatCount * 3 / 4
		if established && h.DecayAccum <= t.config.RestBeats {
			h.Confidence *= t.config.RestDecay
		} else {
			h.Confidence *= t.config.BeatDecay
		}
	}
}

func (t *Tracker) promote() {
	best := -1
	for i := 0; i < t.config.Hypotheses; i++ {
		if !t.slots[i].Active {
			continue
		}
		if best < 0 || t.slots[i].Confidence > t.slots[best].Confidence {
			best = i
		}
	}
	if best < 0 || best == t.primary {
		return
	}

	h := &t.slots[best]
	if h.BeatCount < t.config.MinBeats || h.Confidence < t.config.MinPromoteConfidence {
		return
	}
	for i := 0; i < t.config.Hypotheses; i++ {
		if i == best || !t.slots[i].Active {
			continue
		}
		if h.Confidence < t.slots[i].Confidence+t.config.PromotionMargin {
			return
		}
	}
	t.primary = best
}

func (t *Tracker) evict(i int) {
	t.slots[i] = Hypothesis{}
	if t.primary == i {
		t.primary = -1
	}
}

func (t *Tracker) updateDensity(elapsed float64) {
	if elapsed <= 0 {
		return
	}
	seconds := elapsed / t.sampleRate
	rate := float64(t.pendingOnsets) / seconds
	alpha := 1 - math.Exp(-seconds/2.0)
	t.density += alpha * (rate - t.density)
	t.pendingOnsets = 0
}

func (t *Tracker) pushInterval(v float64) {
	t.intervals[t.intervalNext] = v
	t.intervalNext = (t.intervalNext + 1) % IntervalHistory
	if t.intervalCount < IntervalHistory {
		t.intervalCount++
	}
}

// interval returns the i-th newest interval.
func (t *Tracker) interval(i int) float64 {
	return t.intervals[(t.intervalNext-1-i+2*IntervalHistory)%IntervalHistory]
}

// span returns the i-th newest interval, joined with the one before it
// when it is shorter than the minimum period (eighth notes, syncopation).
func (t *Tracker) span(i int) float64 {
	v := t.interval(i)
	if v < t.minPeriod && i+1 < t.intervalCount {
		v += t.interval(i + 1)
	}
	return v
}

func (t *Tracker) clearIntervals() {
	t.intervals = [IntervalHistory]float64{}
	t.intervalNext = 0
	t.intervalCount = 0
}

func (t *Tracker) silenceSamples() float64 {
	return t.config.SilenceSeconds * t.sampleRate
}

// Primary returns the primary slot index, or -1 when there is none.
func (t *Tracker) Primary() int {
	return t.primary
}

// PrimaryHypothesis returns a copy of the primary hypothesis.
func (t *Tracker) PrimaryHypothesis() (Hypothesis, bool) {
	if t.primary < 0 {
		return Hypothesis{}, false
	}
	return t.slots[t.primary], true
}

// Hypothesis returns a copy of slot i.
func (t *Tracker) Hypothesis(i int) Hypothesis {
	if i < 0 || i >= MaxHypotheses {
		return Hypothesis{}
	}
	return t.slots[i]
}

// Slots returns a copy of the arena and the number of configured slots.
func (t *Tracker) Slots() ([MaxHypotheses]Hypothesis, int) {
	return t.slots, t.config.Hypotheses
}

// SampleRate returns the sample rate used to convert periods to BPM.
func (t *Tracker) SampleRate() float64 {
	return t.sampleRate
}

// OnsetDensity returns the smoothed onset rate in onsets per second.
func (t *Tracker) OnsetDensity() float64 {
	return t.density
}

// BeatStability returns 1 minus the coefficient of variation of the
// recent intervals that match the primary period, clamped to [0,1]. It is
// 0 without a primary.
func (t *Tracker) BeatStability() float64 {
	if t.primary < 0 {
		return 0
	}
	p := t.slots[t.primary].Period
	var sum, sumSq float64
	n := 0
	for i := 0; i < t.intervalCount; i++ {
		v := t.span(i)
		if relDiff(v, p) <= 2*t.config.MatchTolerance {
			sum += v
			sumSq += v * v
			n++
		}
	}
	if n < 2 {
		return 0
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return clampOr(1-math.Sqrt(variance)/mean*10, 0, 1, 0)
}

// Reset frees every slot and clears the interval history.
func (t *Tracker) Reset() {
	t.slots = [MaxHypotheses]Hypothesis{}
	t.primary = -1
	t.clearIntervals()
	t.hasOnset = false
	t.lastOnset = 0
	t.lastAdvance = 0
	t.advanced = false
	t.pendingOnsets = 0
	t.density = 0
}

func relDiff(a, b float64) float64 {
	m := math.Max(a, b)
	if m <= 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / m
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
