// internal/tempo/tracker_test.go
package tempo

import (
	"fmt"
	"math"
	"testing"
)

const (
	trackerTestSampleRate = 16000
	trackerTestHop        = 256
)

func createTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(DefaultConfig(), trackerTestSampleRate, trackerTestHop)
}

// sim drives a tracker and phase tracker hop by hop.
type sim struct {
	tr    *Tracker
	ph    *PhaseTracker
	hop   int
	onset int
}

func newSim(t *testing.T) *sim {
	t.Helper()
	return &sim{
		tr: createTestTracker(t),
		ph: NewPhaseTracker(DefaultPhaseConfig(), trackerTestHop),
	}
}

func (s *sim) now() uint64 {
	return uint64(s.hop * trackerTestHop)
}

// step runs one hop, with an onset when fire is true.
func (s *sim) step(fire bool) {
	var confirmed uint16
	if fire {
		confirmed = s.tr.Observe(s.now())
		s.onset++
	}
	s.tr.Advance(s.now())
	s.ph.Update(s.tr, s.now(), 1, confirmed)
	s.hop++
}

// runBeats feeds beats onsets at the given tempo, quantized to hops, and
// returns the number of onsets observed when a primary first appeared
// (0 if never).
func (s *sim) runBeats(bpm float64, beats int) int {
	period := 60 * trackerTestSampleRate / bpm
	promotedAt := 0
	start := s.hop
	for k := 1; k <= beats; k++ {
		target := start + int(float64(k)*period)/trackerTestHop
		for s.hop < target {
			s.step(false)
		}
		s.step(true)
		if promotedAt == 0 && s.tr.Primary() >= 0 {
			promotedAt = s.onset
		}
	}
	return promotedAt
}

// runPattern feeds bars beats at bpm with an onset at each offset (in
// beats, ascending within [0,1)) and calls check after every hop.
func (s *sim) runPattern(bpm float64, offsets []float64, bars int, check func()) {
	period := 60 * trackerTestSampleRate / bpm
	start := s.hop
	for k := 1; k <= bars; k++ {
		for _, off := range offsets {
			target := start + int((float64(k)+off)*period)/trackerTestHop
			for s.hop < target {
				s.step(false)
				check()
			}
			s.step(true)
			check()
		}
	}
}

func (s *sim) runSilence(seconds float64) {
	hops := int(seconds * trackerTestSampleRate / trackerTestHop)
	for i := 0; i < hops; i++ {
		s.step(false)
	}
}

func TestTracker_PromotesSteadyTempo(t *testing.T) {
	s := newSim(t)
	promotedAt := s.runBeats(120, 12)

	if promotedAt == 0 {
		t.Fatal("no primary after 12 beats at 120 BPM")
	}
	h, ok := s.tr.PrimaryHypothesis()
	if !ok {
		t.Fatal("PrimaryHypothesis() reported none")
	}
	if h.BeatCount < DefaultConfig().MinBeats {
		t.Errorf("primary BeatCount = %d, want >= %d", h.BeatCount, DefaultConfig().MinBeats)
	}
}

func TestTracker_BPMAccuracy(t *testing.T) {
	tests := []struct {
		bpm float64
		tol float64
	}{
		{120, 0.02},
		{90, 0.05},
		{140, 0.05},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.0fbpm", tt.bpm), func(t *testing.T) {
			s := newSim(t)
			period := 60 * trackerTestSampleRate / tt.bpm
			start := s.hop
			checked := 0
			for k := 1; k <= 40; k++ {
				target := start + int(float64(k)*period)/trackerTestHop
				for s.hop < target {
					s.step(false)
				}
				s.step(true)

				h, ok := s.tr.PrimaryHypothesis()
				if !ok {
					if checked > 0 {
						t.Fatalf("primary lost at beat %d", k)
					}
					continue
				}
				checked++
				got := h.BPM(trackerTestSampleRate)
				if math.Abs(got-tt.bpm)/tt.bpm > tt.tol {
					t.Fatalf("beat %d: BPM = %.2f, want %.0f ±%.0f%%", k, got, tt.bpm, tt.tol*100)
				}
			}
			if checked == 0 {
				t.Fatal("never promoted")
			}
		})
	}
}

func TestTracker_SubdividedPatterns(t *testing.T) {
	tests := []struct {
		name    string
		offsets []float64
	}{
		{"quarter notes", []float64{0}},
		{"eighth notes", []float64{0, 0.5}},
		{"syncopated", []float64{0, 0.3}},
		{"offbeat push", []float64{0, 0.7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSim(t)
			promoted := false
			s.runPattern(120, tt.offsets, 40, func() {
				h, ok := s.tr.PrimaryHypothesis()
				if !ok {
					return
				}
				promoted = true
				if got := h.BPM(trackerTestSampleRate); math.Abs(got-120)/120 > 0.02 {
					t.Fatalf("hop %d: primary at %.1f BPM, want 120", s.hop, got)
				}
			})
			if !promoted {
				t.Fatal("never promoted 120 BPM")
			}
			h, _ := s.tr.PrimaryHypothesis()
			if h.BeatCount < DefaultConfig().MinBeats {
				t.Errorf("primary BeatCount = %d, want >= %d", h.BeatCount, DefaultConfig().MinBeats)
			}
		})
	}
}

func TestTracker_OffbeatOnsetsDoNotMoveGrid(t *testing.T) {
	tr := createTestTracker(t)
	tr.slots[0] = Hypothesis{Active: true, Period: 8000, Confidence: 0.5, NextBeat: 8000, LastUpdate: 0}
	tr.intervalCount = 1
	tr.intervals[0] = 8000
	tr.intervalNext = 1

	tr.applyCandidate(candidate{period: 8000, support: 1}, 4000, 0)

	h := tr.Hypothesis(0)
	if h.NextBeat != 8000 || h.LastUpdate != 0 {
		t.Errorf("grid moved by an off-beat onset: next=%v last=%v", h.NextBeat, h.LastUpdate)
	}
	if h.Confidence <= 0.5 {
		t.Errorf("Confidence = %v, want reinforced", h.Confidence)
	}
}

func TestTracker_MissedGridReanchors(t *testing.T) {
	tr := createTestTracker(t)
	// one predicted beat already missed since the anchor at 0
	tr.slots[0] = Hypothesis{Active: true, Period: 8000, Confidence: 0.5, NextBeat: 16000, LastUpdate: 0, DecayAccum: 1}
	tr.intervalCount = 1

	tr.applyCandidate(candidate{period: 8000, support: 1}, 12000, 0)

	h := tr.Hypothesis(0)
	if h.LastUpdate != 12000 || h.NextBeat != 20000 {
		t.Errorf("grid not re-anchored: next=%v last=%v", h.NextBeat, h.LastUpdate)
	}
}

func TestTracker_NewHypothesisStartsUnconfirmed(t *testing.T) {
	tr := createTestTracker(t)
	tr.intervalCount = 8
	tr.applyCandidate(candidate{period: 8000, support: 8}, 64000, 0)

	h := tr.Hypothesis(0)
	if !h.Active {
		t.Fatal("hypothesis not created")
	}
	if h.BeatCount != 0 {
		t.Errorf("BeatCount = %d, want 0 before any confirmed beat", h.BeatCount)
	}
}

func TestTracker_RepromotionAfterSilenceNeedsFreshBeats(t *testing.T) {
	s := newSim(t)
	s.runBeats(120, 20)
	if s.tr.Primary() < 0 {
		t.Fatal("no primary before silence")
	}
	s.runSilence(12)
	if s.tr.Primary() != -1 {
		t.Fatal("primary survived the silence")
	}
	if s.tr.intervalCount != 0 {
		t.Errorf("interval history holds %d entries after silence", s.tr.intervalCount)
	}

	before := s.onset
	s.runBeats(120, 4)
	if s.tr.Primary() != -1 {
		h, _ := s.tr.PrimaryHypothesis()
		t.Fatalf("re-promoted after 4 onsets: %+v", h)
	}

	promotedAt := s.runBeats(120, 12)
	if promotedAt == 0 {
		t.Fatal("never re-promoted")
	}
	// the first onset after the pause opens no interval and the second
	// only creates the hypothesis
	if got, min := promotedAt-before, DefaultConfig().MinBeats+2; got < min {
		t.Errorf("re-promoted after %d onsets, want >= %d", got, min)
	}
	h, _ := s.tr.PrimaryHypothesis()
	if h.BeatCount < DefaultConfig().MinBeats {
		t.Errorf("BeatCount = %d, want >= %d", h.BeatCount, DefaultConfig().MinBeats)
	}
}

func TestTracker_NoOnsetsNoPrimary(t *testing.T) {
	s := newSim(t)
	s.runSilence(10)
	if s.tr.Primary() != -1 {
		t.Errorf("Primary() = %d, want -1", s.tr.Primary())
	}
	if _, ok := s.ph.Phase(); ok {
		t.Error("phase should be undefined without a primary")
	}
}

func TestTracker_SilenceEvictsPrimary(t *testing.T) {
	s := newSim(t)
	s.runBeats(120, 20)
	if s.tr.Primary() < 0 {
		t.Fatal("no primary before silence")
	}

	s.runSilence(DefaultConfig().SilenceSeconds + 3)

	if s.tr.Primary() != -1 {
		t.Errorf("Primary() = %d after silence, want -1", s.tr.Primary())
	}
	slots, n := s.tr.Slots()
	for i := 0; i < n; i++ {
		if slots[i].Active {
			t.Errorf("slot %d still active after silence: %+v", i, slots[i])
		}
	}
}

func TestTracker_MissedBeatPartialDecay(t *testing.T) {
	tr := createTestTracker(t)
	tr.Advance(0)
	tr.slots[0] = Hypothesis{Active: true, Period: 8000, Confidence: 0.8, BeatCount: 8, NextBeat: 8000, LastUpdate: 0}
	tr.hasOnset = true

	// One beat late beyond tolerance: exactly one miss.
	tr.Advance(uint64(8000 + 0.2*8000))

	h := tr.Hypothesis(0)
	if h.BeatCount != 6 {
		t.Errorf("BeatCount = %d, want 6 (partial decay)", h.BeatCount)
	}
	if want := 0.8 * DefaultConfig().RestDecay; math.Abs(h.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %v, want %v (rest decay)", h.Confidence, want)
	}
	if h.NextBeat != 16000 {
		t.Errorf("NextBeat = %v, want 16000", h.NextBeat)
	}
}

func TestTracker_RestDecayGentlerThanBeatDecay(t *testing.T) {
	tr := createTestTracker(t)
	tr.Advance(0)
	tr.slots[0] = Hypothesis{Active: true, Period: 8000, Confidence: 1, BeatCount: 8, NextBeat: 8000}
	tr.hasOnset = true

	var drops []float64
	prev := 1.0
	for b := 1; b <= 4; b++ {
		tr.Advance(uint64(8000*b + 2000))
		c := tr.Hypothesis(0).Confidence
		drops = append(drops, prev-c)
		prev = c
	}
	if drops[0] >= drops[3] || drops[1] >= drops[3] {
		t.Errorf("rest drops %v should be smaller than later drops", drops)
	}
}

func TestTracker_ReplacementRequiresStrictlyBetterEvidence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hypotheses = 2
	tr := NewTracker(cfg, trackerTestSampleRate, trackerTestHop)

	tr.slots[0] = Hypothesis{Active: true, Period: 8000, Confidence: 0.9}
	tr.slots[1] = Hypothesis{Active: true, Period: 12000, Confidence: 0.3}
	tr.intervalCount = 1

	// support 1 of 1 -> evidence 0.3, not strictly above 0.3
	tr.applyCandidate(candidate{period: 6000, support: 1}, 0, 0)
	if tr.slots[1].Period != 12000 {
		t.Fatalf("slot replaced on equal evidence: %+v", tr.slots[1])
	}

	tr.slots[1].Confidence = 0.2
	tr.applyCandidate(candidate{period: 6000, support: 1}, 100, 0)
	if tr.slots[1].Period != 6000 {
		t.Errorf("lowest slot not replaced on stronger evidence: %+v", tr.slots[1])
	}
	if tr.slots[0].Period != 8000 {
		t.Errorf("stronger slot disturbed: %+v", tr.slots[0])
	}
}

func TestTracker_HarmonicsCompete(t *testing.T) {
	tr := createTestTracker(t)
	tr.slots[0] = Hypothesis{Active: true, Period: 8000, Confidence: 0.5, NextBeat: 8000}
	tr.slots[1] = Hypothesis{Active: true, Period: 16000, Confidence: 0.4, NextBeat: 16000}
	tr.intervalCount = 2

	tr.applyCandidate(candidate{period: 16000, support: 1}, 0, 0)

	if tr.slots[0].Period != 8000 {
		t.Errorf("half-period hypothesis changed: %v", tr.slots[0].Period)
	}
	if !tr.slots[1].Active || tr.slots[1].Confidence <= 0.4 {
		t.Errorf("double-period hypothesis not reinforced: %+v", tr.slots[1])
	}
}

func TestTracker_PromotionNeedsMargin(t *testing.T) {
	tr := createTestTracker(t)
	tr.slots[0] = Hypothesis{Active: true, Period: 8000, Confidence: 0.70, BeatCount: 10}
	tr.slots[1] = Hypothesis{Active: true, Period: 12000, Confidence: 0.65, BeatCount: 10}

	tr.promote()
	if tr.Primary() != -1 {
		t.Fatalf("promoted without margin: primary %d", tr.Primary())
	}

	tr.slots[1].Confidence = 0.5
	tr.promote()
	if tr.Primary() != 0 {
		t.Errorf("Primary() = %d, want 0", tr.Primary())
	}
}

func TestTracker_PromotionNeedsBeatCount(t *testing.T) {
	tr := createTestTracker(t)
	tr.slots[0] = Hypothesis{Active: true, Period: 8000, Confidence: 0.9, BeatCount: 7}
	tr.promote()
	if tr.Primary() != -1 {
		t.Errorf("promoted with BeatCount 7")
	}
}

func TestTracker_ChallengerNeedsMargin(t *testing.T) {
	tr := createTestTracker(t)
	tr.slots[0] = Hypothesis{Active: true, Period: 8000, Confidence: 0.6, BeatCount: 10}
	tr.primary = 0
	tr.slots[1] = Hypothesis{Active: true, Period: 12000, Confidence: 0.65, BeatCount: 10}

	tr.promote()
	if tr.Primary() != 0 {
		t.Fatalf("primary switched on a small lead: %d", tr.Primary())
	}

	tr.slots[1].Confidence = 0.8
	tr.promote()
	if tr.Primary() != 1 {
		t.Errorf("Primary() = %d, want challenger 1", tr.Primary())
	}
}

func TestTracker_SetConfigShrinksArena(t *testing.T) {
	tr := createTestTracker(t)
	tr.slots[3] = Hypothesis{Active: true, Period: 8000, Confidence: 0.9, BeatCount: 10}
	tr.primary = 3

	cfg := DefaultConfig()
	cfg.Hypotheses = 2
	tr.SetConfig(cfg)

	if tr.Primary() != -1 {
		t.Errorf("Primary() = %d, want -1 after shrinking", tr.Primary())
	}
	if tr.Hypothesis(3).Active {
		t.Error("slot 3 should be freed")
	}
}

func TestTracker_OnsetDensity(t *testing.T) {
	s := newSim(t)
	s.runBeats(120, 40)
	if d := s.tr.OnsetDensity(); d < 1.5 || d > 2.5 {
		t.Errorf("OnsetDensity() = %v, want ~2/s", d)
	}
}

func TestTracker_Reset(t *testing.T) {
	s := newSim(t)
	s.runBeats(120, 12)
	s.tr.Reset()
	if s.tr.Primary() != -1 {
		t.Errorf("Primary() = %d after reset", s.tr.Primary())
	}
	slots, _ := s.tr.Slots()
	for i, h := range slots {
		if h.Active {
			t.Errorf("slot %d active after reset", i)
		}
	}
}

func TestConfig_Sanitize(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want int
	}{
		{"too many", Config{Hypotheses: 100}, MaxHypotheses},
		{"zero", Config{Hypotheses: 0}, 1},
		{"negative", Config{Hypotheses: -4}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Sanitize()
			if got.Hypotheses != tt.want {
				t.Errorf("Hypotheses = %d, want %d", got.Hypotheses, tt.want)
			}
			if got.MaxBPM <= got.MinBPM {
				t.Errorf("MaxBPM %v <= MinBPM %v", got.MaxBPM, got.MinBPM)
			}
			if got.DemoteConfidence < got.EvictFloor {
				t.Errorf("DemoteConfidence %v < EvictFloor %v", got.DemoteConfidence, got.EvictFloor)
			}
		})
	}
}
