// internal/synth/synth.go
package synth

import (
	"math"
)

// Click shape: a decaying noise burst about 10 ms long.
const (
	clickSeconds = 0.010
	clickTau     = 0.002
)

// noise is a xorshift32 generator; the same seed always yields the same
// samples.
type noise uint32

func (n *noise) next() float64 {
	x := uint32(*n)
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	*n = noise(x)
	return float64(x)/float64(math.MaxUint32)*2 - 1
}

// ClickTrain returns seconds of mono audio with a click on every beat at
// bpm, starting at sample 0. amplitude is relative to full scale.
func ClickTrain(sampleRate int, bpm, seconds, amplitude float64) []int16 {
	total := int(seconds * float64(sampleRate))
	out := make([]int16, total)
	if bpm <= 0 {
		return out
	}
	period := 60 * float64(sampleRate) / bpm
	for k := 0; ; k++ {
		start := int(math.Round(float64(k) * period))
		if start >= total {
			break
		}
		AddClick(out, start, sampleRate, amplitude, uint32(k+1))
	}
	return out
}

// AddClick mixes one click into buf at sample offset start.
func AddClick(buf []int16, start, sampleRate int, amplitude float64, seed uint32) {
	n := noise(seed*2654435761 + 1)
	length := int(clickSeconds * float64(sampleRate))
	tau := clickTau * float64(sampleRate)
	for i := 0; i < length && start+i < len(buf); i++ {
		v := n.next() * amplitude * math.Exp(-float64(i)/tau)
		buf[start+i] = saturate(float64(buf[start+i]) + v*32767)
	}
}

// Tone returns seconds of a pure sine at freq Hz.
func Tone(sampleRate int, freq, seconds, amplitude float64) []int16 {
	total := int(seconds * float64(sampleRate))
	out := make([]int16, total)
	for i := range out {
		out[i] = saturate(amplitude * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

// Silence returns seconds of digital silence.
func Silence(sampleRate int, seconds float64) []int16 {
	return make([]int16, int(seconds*float64(sampleRate)))
}

// Concat joins signals end to end.
func Concat(parts ...[]int16) []int16 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]int16, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Mix sums b into a copy of a, saturating. The result has the length of a.
func Mix(a, b []int16) []int16 {
	out := make([]int16, len(a))
	for i := range a {
		v := float64(a[i])
		if i < len(b) {
			v += float64(b[i])
		}
		out[i] = saturate(v)
	}
	return out
}

// Frames splits samples into frameSize chunks; the last one is zero-padded.
func Frames(samples []int16, frameSize int) [][]int16 {
	var frames [][]int16
	for i := 0; i < len(samples); i += frameSize {
		f := make([]int16, frameSize)
		copy(f, samples[i:])
		frames = append(frames, f)
	}
	return frames
}

func saturate(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}
