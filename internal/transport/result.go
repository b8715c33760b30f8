package transport

import (
	"math"
	"slices"
	"time"
)

// EndCause says who ended a call.
type EndCause int

const (
	// EndedLocally means EndCall was called while the call was live.
	EndedLocally EndCause = iota

	// EndedRemotely means the voice service closed with a normal status.
	EndedRemotely

	// EndedReconnectExhausted means the call dropped and every reconnect
	// attempt failed.
	EndedReconnectExhausted
)

// String returns a short name suitable for logs and metric attributes.
func (c EndCause) String() string {
	switch c {
	case EndedLocally:
		return "local"
	case EndedRemotely:
		return "remote"
	case EndedReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "unknown"
	}
}

// Result is the read-only record of a finished call.
type Result struct {
	CallID    string
	UserID    string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Cause     EndCause

	// Transcript holds final fragments in receipt order.
	Transcript []string

	// Latencies holds latency samples in milliseconds, in receipt order.
	Latencies  []float64
	P50Latency float64
	P95Latency float64

	Reconnections int
	FramesSent    uint64
	FramesDropped uint64
}

// Percentile returns the sample at index floor(n × p) of a sorted copy of
// samples, clamped to the last element. An empty slice yields 0.
func Percentile(samples []float64, p float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	idx := int(math.Floor(float64(n) * p))
	idx = min(max(idx, 0), n-1)
	return sorted[idx]
}
