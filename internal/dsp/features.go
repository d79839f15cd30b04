// internal/dsp/features.go
package dsp

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Band identifies one analysis band.
type Band int

const (
	BandLow Band = iota
	BandMid
	BandHigh
	NumBands
)

// Band edges in Hz. The high band runs to Nyquist.
const (
	LowBandMinHz  = 40.0
	LowBandMaxHz  = 300.0
	MidBandMaxHz  = 2000.0
	highBandMaxHz = math.MaxFloat64
)

func (b Band) String() string {
	switch b {
	case BandLow:
		return "low"
	case BandMid:
		return "mid"
	case BandHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Features is the per-hop feature sample handed to the onset detectors.
// Sum and Prev are band magnitude sums for the current and previous frame;
// Flux is the half-wave rectified magnitude rise per band.
type Features struct {
	Level     float64
	PrevLevel float64
	Sum       [NumBands]float64
	Prev      [NumBands]float64
	Flux      [NumBands]float64
	HFC       float64
	PrevHFC   float64
	// Primed is false for the first frame after a reset, when no previous
	// spectrum exists and no novelty can be measured.
	Primed bool
}

// Extractor turns normalized frames into Features using a Hann-windowed FFT.
// All buffers are allocated once in NewExtractor.
type Extractor struct {
	frameSize  int
	sampleRate int
	fft        *fourier.FFT
	window     []float64
	windowed   []float64
	coeffs     []complex128
	mags       []float64
	prevMags   []float64
	bandStart  [NumBands]int
	bandEnd    [NumBands]int
	features   Features
	primed     bool
}

// NewExtractor creates an extractor for frames of frameSize samples.
func NewExtractor(sampleRate, frameSize int) (*Extractor, error) {
	if sampleRate < MinSampleRate || sampleRate > MaxSampleRate {
		return nil, ErrInvalidSampleRate
	}
	if frameSize < MinFrameSize || frameSize > MaxFrameSize || frameSize&(frameSize-1) != 0 {
		return nil, ErrInvalidFrameSize
	}

	bins := frameSize/2 + 1
	e := &Extractor{
		frameSize:  frameSize,
		sampleRate: sampleRate,
		fft:        fourier.NewFFT(frameSize),
		window:     window.Hann(frameSize),
		windowed:   make([]float64, frameSize),
		coeffs:     make([]complex128, bins),
		mags:       make([]float64, bins),
		prevMags:   make([]float64, bins),
	}

	edges := [NumBands][2]float64{
		BandLow:  {LowBandMinHz, LowBandMaxHz},
		BandMid:  {LowBandMaxHz, MidBandMaxHz},
		BandHigh: {MidBandMaxHz, highBandMaxHz},
	}
	binHz := float64(sampleRate) / float64(frameSize)
	for b, edge := range edges {
		start := int(math.Ceil(edge[0] / binHz))
		if start < 1 {
			start = 1
		}
		end := bins
		if edge[1] < float64(sampleRate)/2 {
			end = int(math.Ceil(edge[1] / binHz))
		}
		if start > bins-1 {
			start = bins - 1
		}
		if end <= start {
			end = start + 1
		}
		e.bandStart[b] = start
		e.bandEnd[b] = end
	}
	return e, nil
}

// BandBins returns the [start, end) FFT bin range of a band.
func (e *Extractor) BandBins(b Band) (int, int) {
	return e.bandStart[b], e.bandEnd[b]
}

// Process computes features for one normalized frame. The returned pointer
// is owned by the extractor and valid until the next call.
func (e *Extractor) Process(frame []float64) *Features {
	f := &e.features
	f.PrevLevel = f.Level
	f.Prev = f.Sum
	f.PrevHFC = f.HFC

	var sq float64
	for i := 0; i < e.frameSize; i++ {
		v := 0.0
		if i < len(frame) {
			v = frame[i]
		}
		sq += v * v
		e.windowed[i] = v * e.window[i]
	}
	f.Level = math.Sqrt(sq / float64(e.frameSize))

	e.fft.Coefficients(e.coeffs, e.windowed)
	norm := 2.0 / float64(e.frameSize)
	for k, c := range e.coeffs {
		e.mags[k] = cmplx.Abs(c) * norm
	}

	f.HFC = 0
	for b := Band(0); b < NumBands; b++ {
		var sum, flux float64
		for k := e.bandStart[b]; k < e.bandEnd[b]; k++ {
			m := e.mags[k]
			sum += m
			if d := m - e.prevMags[k]; d > 0 {
				flux += d
			}
			if b == BandHigh {
				f.HFC += float64(k) * m * m
			}
		}
		f.Sum[b] = sum
		f.Flux[b] = flux
	}

	f.Primed = e.primed
	if !e.primed {
		f.Flux = [NumBands]float64{}
		e.primed = true
	}
	copy(e.prevMags, e.mags)
	return f
}

// Reset discards the previous spectrum.
func (e *Extractor) Reset() {
	for i := range e.prevMags {
		e.prevMags[i] = 0
	}
	e.features = Features{}
	e.primed = false
}

// FrameSize returns the analysis frame length in samples.
func (e *Extractor) FrameSize() int {
	return e.frameSize
}
