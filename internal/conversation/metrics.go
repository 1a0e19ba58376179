package conversation

import (
	"sync/atomic"
	"time"
)

// Metrics tracks per-session response performance.
type Metrics struct {
	MessagesSent  int64
	TotalMs       int64
	MaxResponseMs int64
	SlowResponses int64
}

// Track records one completed generation latency. Responses over
// slowThreshold count as slow.
func (m *Metrics) Track(latency time.Duration, slowThreshold time.Duration) {
	ms := latency.Milliseconds()
	atomic.AddInt64(&m.MessagesSent, 1)
	atomic.AddInt64(&m.TotalMs, ms)
	if ms > slowThreshold.Milliseconds() {
		atomic.AddInt64(&m.SlowResponses, 1)
	}
	for {
		cur := atomic.LoadInt64(&m.MaxResponseMs)
		if ms <= cur || atomic.CompareAndSwapInt64(&m.MaxResponseMs, cur, ms) {
			break
		}
	}
}

// AvgMs returns the mean response latency in milliseconds.
func (m *Metrics) AvgMs() float64 {
	sent := atomic.LoadInt64(&m.MessagesSent)
	if sent == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.TotalMs)) / float64(sent)
}

// SlowRatio returns the fraction of responses that were slow.
func (m *Metrics) SlowRatio() float64 {
	sent := atomic.LoadInt64(&m.MessagesSent)
	if sent == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.SlowResponses)) / float64(sent)
}

// Degraded reports whether performance has crossed either degradation
// threshold: high average latency or too many slow responses.
func (m *Metrics) Degraded(avgThresholdMs float64, slowRatio float64) bool {
	if atomic.LoadInt64(&m.MessagesSent) == 0 {
		return false
	}
	return m.AvgMs() > avgThresholdMs || m.SlowRatio() > slowRatio
}
