// internal/onset/threshold.go
package onset

import "math"

// MaxThresholdWindow is the capacity of every per-detector history ring.
const MaxThresholdWindow = 128

// adaptiveThreshold keeps a fixed ring of recent raw novelty values and
// derives a mean + k*std threshold from the newest window entries.
type adaptiveThreshold struct {
	buf   [MaxThresholdWindow]float64
	next  int
	count int
}

func (a *adaptiveThreshold) push(v float64) {
	a.buf[a.next] = v
	a.next = (a.next + 1) % MaxThresholdWindow
	if a.count < MaxThresholdWindow {
		a.count++
	}
}

// level returns max(mean + k*std, floor) over the newest window values.
// With no history it returns floor.
func (a *adaptiveThreshold) level(window int, k, floor float64) float64 {
	n := window
	if n > a.count {
		n = a.count
	}
	if n == 0 {
		return floor
	}

	var sum float64
	idx := a.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + MaxThresholdWindow) % MaxThresholdWindow
		sum += a.buf[idx]
	}
	mean := sum / float64(n)

	var ss float64
	idx = a.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + MaxThresholdWindow) % MaxThresholdWindow
		d := a.buf[idx] - mean
		ss += d * d
	}
	thr := mean + k*math.Sqrt(ss/float64(n))
	if thr < floor {
		return floor
	}
	return thr
}

func (a *adaptiveThreshold) reset() {
	*a = adaptiveThreshold{}
}
