package transport

import "time"

// Default reconnection parameters.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 10 * time.Second
)

// RetryPolicy bounds reconnection after an unexpected close or a failed
// connect attempt.
type RetryPolicy struct {
	// MaxAttempts is the number of reconnect attempts allowed per call.
	// Defaults to 3.
	MaxAttempts int

	// BaseDelay is the delay before the first attempt. It doubles with every
	// attempt. Defaults to 1s.
	BaseDelay time.Duration

	// MaxDelay caps the delay. Defaults to 10s.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	return p
}

// Delay returns the backoff before the given zero-based attempt:
// min(BaseDelay × 2^attempt, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for range attempt {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// RetryState is the reconnection progress of one call.
type RetryState struct {
	// Attempts is the number of reconnect attempts scheduled so far.
	Attempts int

	// Delay is the backoff of the most recently scheduled attempt.
	Delay time.Duration

	// NextAt is when the most recently scheduled attempt runs.
	NextAt time.Time
}

// Next schedules another attempt after a failure observed at now. It reports
// false, leaving the state unchanged, when the budget is exhausted.
func (p RetryPolicy) Next(s RetryState, now time.Time) (RetryState, bool) {
	p = p.withDefaults()
	if s.Attempts >= p.MaxAttempts {
		return s, false
	}
	d := p.Delay(s.Attempts)
	return RetryState{
		Attempts: s.Attempts + 1,
		Delay:    d,
		NextAt:   now.Add(d),
	}, true
}
