// internal/audio/capture.go
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

var (
	ErrNotInitialized = errors.New("audio capture not initialized")
	ErrAlreadyRunning = errors.New("audio capture already running")
	ErrNotRunning     = errors.New("audio capture not running")
)

// Config holds audio capture configuration
type Config struct {
	DeviceIndex int    // -1 for default device
	SampleRate  uint32 // e.g., 16000
	Channels    uint32 // captured channels, downmixed to mono
	BufferSize  uint32 // device frames per callback
	FrameSize   int    // samples per analysis frame
	RingFrames  int    // analysis frames buffered between audio thread and engine
}

// DefaultConfig returns sensible defaults for rhythm analysis
func DefaultConfig() Config {
	return Config{
		DeviceIndex: -1,
		SampleRate:  16000,
		Channels:    1,
		BufferSize:  256,
		FrameSize:   256,
		RingFrames:  64,
	}
}

// Source yields analysis frames in order.
type Source interface {
	// Next fills dst with the next frame. gap is the number of frames lost
	// immediately before it.
	Next(ctx context.Context, dst []int16) (gap int, err error)
}

// Capture handles real-time audio sampling from a capture device. The
// audio thread downmixes to mono, cuts the stream into analysis frames and
// pushes them into a FrameRing; the consumer reads them with Next.
type Capture struct {
	config  Config
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	running bool
	mu      sync.RWMutex

	ring  *FrameRing
	block *Reblocker
	mono  []int16
	ready chan struct{}
}

// New creates a new audio capture instance
func New(cfg Config) *Capture {
	d := DefaultConfig()
	if cfg.Channels == 0 {
		cfg.Channels = d.Channels
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = d.FrameSize
	}
	if cfg.RingFrames <= 0 {
		cfg.RingFrames = d.RingFrames
	}
	return &Capture{
		config: cfg,
		ring:   NewFrameRing(cfg.RingFrames, cfg.FrameSize),
		block:  NewReblocker(cfg.FrameSize),
		ready:  make(chan struct{}, 1),
	}
}

// Init initializes the audio backend
func (c *Capture) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctxConfig := malgo.ContextConfig{}
	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	c.ctx = ctx

	return nil
}

// ListDevices returns available capture devices
func (c *Capture) ListDevices() ([]malgo.DeviceInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.ctx == nil {
		return nil, ErrNotInitialized
	}

	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	return infos, nil
}

// Start begins audio capture. Capture stops when ctx is cancelled.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if c.ctx == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.mu.Unlock()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.SampleRate = c.config.SampleRate
	deviceConfig.PeriodSizeInFrames = c.config.BufferSize
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = c.config.Channels

	if c.config.DeviceIndex >= 0 {
		devices, err := c.ListDevices()
		if err != nil {
			return err
		}
		if c.config.DeviceIndex >= len(devices) {
			return fmt.Errorf("device index %d out of range (have %d devices)",
				c.config.DeviceIndex, len(devices))
		}
		deviceConfig.Capture.DeviceID = devices[c.config.DeviceIndex].ID.Pointer()
	}

	deviceCallbacks := malgo.DeviceCallbacks{
		Data: func(_, inputSamples []byte, _ uint32) {
			c.onSamples(inputSamples)
		},
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, deviceCallbacks)
	if err != nil {
		return fmt.Errorf("init device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start device: %w", err)
	}

	c.mu.Lock()
	c.device = device
	c.running = true
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()

	return nil
}

// onSamples runs on the audio thread.
func (c *Capture) onSamples(data []byte) {
	if len(data) == 0 {
		return
	}
	c.mono = downmixS16(data, int(c.config.Channels), c.mono)
	pushed := false
	c.block.Write(c.mono, func(frame []int16) {
		if c.ring.Push(frame) {
			pushed = true
		}
	})
	if pushed {
		select {
		case c.ready <- struct{}{}:
		default:
		}
	}
}

// Next blocks until a frame is available or ctx is done.
func (c *Capture) Next(ctx context.Context, dst []int16) (int, error) {
	for {
		if gap, ok := c.ring.Pop(dst); ok {
			return gap, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.ready:
		}
	}
}

// Dropped returns the number of frames lost because the consumer fell
// behind.
func (c *Capture) Dropped() uint64 {
	return c.ring.Dropped()
}

// Stop stops audio capture
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return ErrNotRunning
	}

	if c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}

	c.running = false
	return nil
}

// Close releases all audio resources
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running && c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
		c.device = nil
		c.running = false
	}

	if c.ctx != nil {
		if err := c.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninit context: %w", err)
		}
		c.ctx.Free()
		c.ctx = nil
	}

	return nil
}

// IsRunning returns true if capture is active
func (c *Capture) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// downmixS16 converts interleaved little-endian S16 bytes to mono by
// averaging channels. dst is reused when it has enough capacity.
func downmixS16(data []byte, channels int, dst []int16) []int16 {
	if channels < 1 {
		channels = 1
	}
	frames := len(data) / (2 * channels)
	if cap(dst) < frames {
		dst = make([]int16, frames)
	}
	dst = dst[:frames]
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			sum += int(int16(uint16(data[off]) | uint16(data[off+1])<<8))
		}
		dst[i] = int16(sum / channels)
	}
	return dst
}
