// internal/rhythm/blender_test.go
package rhythm

import (
	"math"
	"testing"
)

func TestBlender_StartsOrganic(t *testing.T) {
	b := NewBlender(DefaultBlendConfig())
	s := b.State()
	if s.RhythmStrength != 0 || s.Target != 0 || s.Trend != 0 {
		t.Errorf("initial state = %+v, want zero", s)
	}
}

func TestBlender_StepBounded(t *testing.T) {
	cfg := DefaultBlendConfig()
	cfg.Smoothing = 1
	b := NewBlender(cfg)
	for i := 0; i < 10; i++ {
		b.ObserveOnset(3)
	}

	prev := 0.0
	in := BlendInput{HasPrimary: true, Confidence: 1, PhaseStability: 1}
	for hop := 0; hop < 200; hop++ {
		if hop == 100 {
			in = BlendInput{}
		}
		s := b.Update(in, uint64(hop*256))
		if d := math.Abs(s.RhythmStrength - prev); d > cfg.MaxStep+1e-12 {
			t.Fatalf("hop %d: step %v exceeds %v", hop, d, cfg.MaxStep)
		}
		prev = s.RhythmStrength
	}
}

func TestBlender_RiseProportionalToConfidence(t *testing.T) {
	final := func(conf float64) float64 {
		b := NewBlender(DefaultBlendConfig())
		for i := 0; i < 30; i++ {
			b.ObserveOnset(2)
		}
		var s State
		for hop := 0; hop < 500; hop++ {
			s = b.Update(BlendInput{HasPrimary: true, Confidence: conf, PhaseStability: 1}, uint64(hop))
		}
		return s.RhythmStrength
	}

	low, high := final(0.3), final(0.9)
	if low >= high {
		t.Errorf("strength at conf 0.3 (%v) should be below conf 0.9 (%v)", low, high)
	}
	if math.Abs(high/low-3) > 0.05 {
		t.Errorf("strength ratio = %v, want about 3", high/low)
	}
}

func TestBlender_AgreementScalesTarget(t *testing.T) {
	in := BlendInput{HasPrimary: true, Confidence: 1, PhaseStability: 1}

	agreeing := NewBlender(DefaultBlendConfig())
	lone := NewBlender(DefaultBlendConfig())
	for i := 0; i < 30; i++ {
		agreeing.ObserveOnset(3)
		lone.ObserveOnset(1)
	}
	a := agreeing.Update(in, 0).Target
	l := lone.Update(in, 0).Target
	if a <= l {
		t.Errorf("agreeing target %v should exceed lone-detector target %v", a, l)
	}
	if rate := lone.AgreementRate(); rate != 0 {
		t.Errorf("AgreementRate = %v, want 0", rate)
	}
}

func TestBlender_OrganicDecay(t *testing.T) {
	b := NewBlender(DefaultBlendConfig())
	for i := 0; i < 30; i++ {
		b.ObserveOnset(2)
	}
	for hop := 0; hop < 300; hop++ {
		b.Update(BlendInput{HasPrimary: true, Confidence: 1, PhaseStability: 1}, uint64(hop))
	}
	peak := b.State().RhythmStrength

	prev := peak
	for hop := 0; hop < 400; hop++ {
		s := b.Update(BlendInput{}, uint64(300+hop))
		if s.RhythmStrength > prev {
			t.Fatalf("hop %d: strength rose to %v without a primary", hop, s.RhythmStrength)
		}
		prev = s.RhythmStrength
	}
	if prev > peak*0.05 {
		t.Errorf("strength = %v after 400 organic hops, peak %v", prev, peak)
	}
	if b.State().Trend >= 0 {
		t.Errorf("Trend = %v, want negative while decaying", b.State().Trend)
	}
}

func TestBlender_LastTransition(t *testing.T) {
	b := NewBlender(DefaultBlendConfig())
	for i := 0; i < 30; i++ {
		b.ObserveOnset(2)
	}
	var crossed uint64
	for hop := uint64(0); hop < 300; hop++ {
		prev := b.State().RhythmStrength
		s := b.Update(BlendInput{HasPrimary: true, Confidence: 1, PhaseStability: 1}, hop*256)
		if prev < 0.5 && s.RhythmStrength >= 0.5 {
			crossed = hop * 256
		}
	}
	if crossed == 0 {
		t.Fatal("strength never crossed 0.5")
	}
	if got := b.State().LastTransition; got != crossed {
		t.Errorf("LastTransition = %d, want %d", got, crossed)
	}
}

func TestBlender_SkipMatchesUpdates(t *testing.T) {
	in := BlendInput{HasPrimary: true, Confidence: 0.8, PhaseStability: 0.7}
	a := NewBlender(DefaultBlendConfig())
	b := NewBlender(DefaultBlendConfig())
	for hop := uint64(0); hop < 40; hop++ {
		a.Update(in, hop*256)
	}
	b.Skip(in, 0, 40, 256)
	if a.State() != b.State() {
		t.Errorf("Skip state %+v != Update state %+v", b.State(), a.State())
	}
}

func TestBlender_Reset(t *testing.T) {
	b := NewBlender(DefaultBlendConfig())
	b.ObserveOnset(2)
	b.Update(BlendInput{HasPrimary: true, Confidence: 1, PhaseStability: 1}, 0)
	b.Reset()
	if b.State() != (State{}) || b.AgreementRate() != 0 {
		t.Errorf("after Reset state = %+v, agreement = %v", b.State(), b.AgreementRate())
	}
}

func TestBlendConfig_Sanitize(t *testing.T) {
	c := BlendConfig{
		MaxStep:            math.NaN(),
		Smoothing:          5,
		LostDecay:          -1,
		StabilityWeight:    2,
		AgreementWeight:    -2,
		AgreementSmoothing: 0,
		TrendSmoothing:     math.Inf(1),
	}.Sanitize()

	d := DefaultBlendConfig()
	if c.MaxStep != d.MaxStep {
		t.Errorf("MaxStep = %v, want default %v", c.MaxStep, d.MaxStep)
	}
	if c.Smoothing != 1 || c.LostDecay != 0 || c.StabilityWeight != 1 || c.AgreementWeight != 0 {
		t.Errorf("unexpected clamp result %+v", c)
	}
	if c.AgreementSmoothing != 0.001 || c.TrendSmoothing != 1 {
		t.Errorf("unexpected clamp result %+v", c)
	}
}
