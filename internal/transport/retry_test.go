package transport_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voicecall/internal/transport"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := transport.DefaultRetryPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tc := range tests {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryPolicy_NextIsBounded(t *testing.T) {
	p := transport.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var s transport.RetryState
	var delays []time.Duration
	for {
		next, ok := p.Next(s, now)
		if !ok {
			if next != s {
				t.Error("exhausted Next must not change state")
			}
			break
		}
		if !next.NextAt.Equal(now.Add(next.Delay)) {
			t.Errorf("NextAt = %v, want now+%v", next.NextAt, next.Delay)
		}
		delays = append(delays, next.Delay)
		s = next
		if len(delays) > 10 {
			t.Fatal("retry did not stop")
		}
	}
	if s.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", s.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestPercentile(t *testing.T) {
	samples := []float64{50, 10, 40, 20, 30}
	if got := transport.Percentile(samples, 0.5); got != 30 {
		t.Errorf("P50 = %v, want 30", got)
	}
	if got := transport.Percentile(samples, 0.95); got != 50 {
		t.Errorf("P95 = %v, want 50", got)
	}
	if got := transport.Percentile(samples, 1); got != 50 {
		t.Errorf("P100 = %v, want 50 (clamped)", got)
	}
	if samples[0] != 50 {
		t.Error("Percentile must not reorder its input")
	}
	if transport.Percentile(nil, 0.5) != 0 || transport.Percentile(nil, 0.95) != 0 {
		t.Error("empty input must yield 0")
	}
}
