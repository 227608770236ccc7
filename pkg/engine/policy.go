package engine

import "time"

const (
	defaultMaxRetries   = 3
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 10 * time.Second
	defaultBackoffScale = 2.0
)

// ErrorPolicy controls how the engine reacts to a failing stage: how many
// attempts a stage gets and how long to back off between them.
type ErrorPolicy struct {
	// MaxRetries is the number of attempts per stage, not the number of
	// re-attempts. With MaxRetries 3 a stage runs at most three times.
	MaxRetries int

	BaseDelay    time.Duration
	MaxDelay     time.Duration
	BackoffScale float64
}

// DefaultErrorPolicy returns the production policy: three attempts with
// exponential backoff starting at one second and capped at ten.
func DefaultErrorPolicy() ErrorPolicy {
	return ErrorPolicy{
		MaxRetries:   defaultMaxRetries,
		BaseDelay:    defaultBaseDelay,
		MaxDelay:     defaultMaxDelay,
		BackoffScale: defaultBackoffScale,
	}
}

// Backoff returns the delay before the given attempt, 1-based. The first
// retry waits BaseDelay and each subsequent retry scales it, capped at
// MaxDelay.
func (p ErrorPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay

	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffScale)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if delay > p.MaxDelay {
		return p.MaxDelay
	}

	return delay
}
