package utils

import "sync"

// AvgVal accumulates a running mean over a stream of samples. The zero
// value is ready to use and reports 0 before the first sample.
type AvgVal struct {
	mu    sync.Mutex
	sum   float64
	count int64
}

func (a *AvgVal) Add(v float64) {
	a.mu.Lock()
	a.sum += v
	a.count++
	a.mu.Unlock()
}

func (a *AvgVal) Val() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}
