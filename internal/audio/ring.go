// internal/audio/ring.go
package audio

import "sync/atomic"

// FrameRing is a single-producer single-consumer queue of fixed-size
// frames. All slots are allocated up front so Push never allocates; it is
// safe to call from the audio thread.
type FrameRing struct {
	frameSize int
	slots     [][]int16
	gaps      []int
	mask      uint64

	head atomic.Uint64 // next slot to write, owned by the producer
	tail atomic.Uint64 // next slot to read, owned by the consumer

	// frames dropped since the last successful Push (producer only)
	pendingGap int
	dropped    atomic.Uint64
}

// NewFrameRing creates a ring holding at least capacity frames of
// frameSize samples. Capacity is rounded up to a power of two.
func NewFrameRing(capacity, frameSize int) *FrameRing {
	n := 1
	for n < capacity {
		n <<= 1
	}
	r := &FrameRing{
		frameSize: frameSize,
		slots:     make([][]int16, n),
		gaps:      make([]int, n),
		mask:      uint64(n - 1),
	}
	for i := range r.slots {
		r.slots[i] = make([]int16, frameSize)
	}
	return r
}

// Push copies frame into the ring. When the ring is full the frame is
// dropped, counted, and reported as a gap on the next frame that fits.
func (r *FrameRing) Push(frame []int16) bool {
	h := r.head.Load()
	if h-r.tail.Load() > r.mask {
		r.pendingGap++
		r.dropped.Add(1)
		return false
	}
	i := h & r.mask
	n := copy(r.slots[i], frame)
	clear(r.slots[i][n:])
	r.gaps[i] = r.pendingGap
	r.pendingGap = 0
	r.head.Store(h + 1)
	return true
}

// Pop copies the oldest frame into dst. gap is the number of frames
// dropped immediately before it.
func (r *FrameRing) Pop(dst []int16) (gap int, ok bool) {
	t := r.tail.Load()
	if t == r.head.Load() {
		return 0, false
	}
	i := t & r.mask
	copy(dst, r.slots[i])
	gap = r.gaps[i]
	r.tail.Store(t + 1)
	return gap, true
}

// Len returns the number of queued frames.
func (r *FrameRing) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the number of slots.
func (r *FrameRing) Cap() int {
	return len(r.slots)
}

// FrameSize returns the samples per frame.
func (r *FrameRing) FrameSize() int {
	return r.frameSize
}

// Dropped returns the total number of frames dropped on overflow.
func (r *FrameRing) Dropped() uint64 {
	return r.dropped.Load()
}

// Reblocker turns arbitrarily sized sample blocks into frames of a fixed
// size.
type Reblocker struct {
	buf []int16
	n   int
}

// NewReblocker creates a reblocker emitting frames of frameSize samples.
func NewReblocker(frameSize int) *Reblocker {
	return &Reblocker{buf: make([]int16, frameSize)}
}

// Write appends samples and calls emit for every completed frame. The
// slice passed to emit is reused after emit returns.
func (b *Reblocker) Write(samples []int16, emit func(frame []int16)) {
	for len(samples) > 0 {
		c := copy(b.buf[b.n:], samples)
		b.n += c
		samples = samples[c:]
		if b.n == len(b.buf) {
			emit(b.buf)
			b.n = 0
		}
	}
}

// Pending returns the number of buffered samples not yet emitted.
func (b *Reblocker) Pending() int {
	return b.n
}
