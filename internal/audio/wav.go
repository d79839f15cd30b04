// internal/audio/wav.go
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	ErrInvalidWAV     = errors.New("not a valid WAV file")
	ErrUnsupportedWAV = errors.New("unsupported WAV encoding")
)

// wavPCM is the WAVE_FORMAT_PCM tag; float and compressed files are rejected.
const wavPCM = 1

// WAVSource reads a PCM WAV file as mono analysis frames.
type WAVSource struct {
	closer     io.Closer
	dec        *wav.Decoder
	buf        *goaudio.IntBuffer
	channels   int
	bitDepth   int
	sampleRate int
	frameSize  int
	duration   time.Duration

	mono    []int16
	pending []int16
	done    bool
}

// OpenWAV opens path for framed reading.
func OpenWAV(path string, frameSize int) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	src, err := NewWAVSource(f, frameSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

// NewWAVSource decodes from r. 8, 16, 24 and 32-bit PCM are accepted and
// scaled to 16 bits; multi-channel audio is averaged to mono.
func NewWAVSource(r io.ReadSeeker, frameSize int) (*WAVSource, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size %d: %w", frameSize, ErrUnsupportedWAV)
	}
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	if dec.WavAudioFormat != wavPCM {
		return nil, fmt.Errorf("audio format %d: %w", dec.WavAudioFormat, ErrUnsupportedWAV)
	}
	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("bit depth %d: %w", dec.BitDepth, ErrUnsupportedWAV)
	}
	channels := int(dec.NumChans)
	if channels < 1 {
		return nil, fmt.Errorf("%d channels: %w", channels, ErrInvalidWAV)
	}

	duration, err := dec.Duration()
	if err != nil {
		return nil, fmt.Errorf("read wav duration: %w", err)
	}

	return &WAVSource{
		dec: dec,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{
				NumChannels: channels,
				SampleRate:  int(dec.SampleRate),
			},
			Data:           make([]int, frameSize*channels),
			SourceBitDepth: int(dec.BitDepth),
		},
		channels:   channels,
		bitDepth:   int(dec.BitDepth),
		sampleRate: int(dec.SampleRate),
		frameSize:  frameSize,
		duration:   duration,
	}, nil
}

// SampleRate returns the file's sample rate.
func (s *WAVSource) SampleRate() int {
	return s.sampleRate
}

// Channels returns the file's channel count before downmixing.
func (s *WAVSource) Channels() int {
	return s.channels
}

// Duration returns the file's playing time.
func (s *WAVSource) Duration() time.Duration {
	return s.duration
}

// Next fills dst with the next frame. The final partial frame is
// zero-padded; after it Next returns io.EOF. WAV files never have gaps.
func (s *WAVSource) Next(ctx context.Context, dst []int16) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for len(s.pending) < s.frameSize && !s.done {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	if len(s.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(dst, s.pending[:min(len(s.pending), s.frameSize)])
	clear(dst[n:])
	s.pending = s.pending[min(len(s.pending), s.frameSize):]
	return 0, nil
}

func (s *WAVSource) fill() error {
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read wav samples: %w", err)
	}
	if n == 0 || errors.Is(err, io.EOF) {
		s.done = true
	}
	frames := n / s.channels
	if cap(s.mono) < frames {
		s.mono = make([]int16, frames)
	}
	s.mono = s.mono[:frames]
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < s.channels; ch++ {
			sum += s.scale(s.buf.Data[i*s.channels+ch])
		}
		s.mono[i] = int16(sum / s.channels)
	}
	s.pending = append(s.pending, s.mono...)
	return nil
}

// scale maps one decoded sample to the int16 range.
func (s *WAVSource) scale(v int) int {
	switch s.bitDepth {
	case 8:
		return (v - 128) << 8
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	default:
		return v
	}
}

// Close releases the underlying file, if any.
func (s *WAVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

// WriteWAV writes mono 16-bit PCM samples to path.
func WriteWAV(path string, sampleRate int, samples []int16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, wavPCM)
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return f.Close()
}
