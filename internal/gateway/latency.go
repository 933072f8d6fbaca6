package gateway

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Percentiles is a latency summary in milliseconds.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// LatencyTracker keeps the last N broadcast fan-out durations in a circular
// buffer. Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64 // ms
	next    int
	filled  bool
}

// NewLatencyTracker holds the last size samples (default 10000).
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 10000
	}
	return &LatencyTracker{samples: make([]float64, size)}
}

// Observe records one duration.
func (lt *LatencyTracker) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	lt.mu.Lock()
	lt.samples[lt.next] = ms
	lt.next++
	if lt.next == len(lt.samples) {
		lt.next = 0
		lt.filled = true
	}
	lt.mu.Unlock()
}

// Len returns how many samples are held.
func (lt *LatencyTracker) Len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.filled {
		return len(lt.samples)
	}
	return lt.next
}

// Snapshot returns p50/p95/p99 over the held samples; zero when empty.
func (lt *LatencyTracker) Snapshot() Percentiles {
	lt.mu.Lock()
	n := lt.next
	if lt.filled {
		n = len(lt.samples)
	}
	sorted := make([]float64, n)
	copy(sorted, lt.samples[:n])
	lt.mu.Unlock()

	if n == 0 {
		return Percentiles{}
	}
	sort.Float64s(sorted)
	return Percentiles{
		P50: rank(sorted, 0.50),
		P95: rank(sorted, 0.95),
		P99: rank(sorted, 0.99),
	}
}

// rank linearly interpolates the q-quantile of a sorted slice.
func rank(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}
