package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewBackOff builds a retry policy that never gives up on its own; callers
// stop it through context cancellation.
func (cfg BackoffConfig) NewBackOff() backoff.BackOff {
	if cfg.InitialDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	if cfg.Multiplier <= 1 && !cfg.Jitter {
		return backoff.NewConstantBackOff(cfg.InitialDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.Multiplier = max(cfg.Multiplier, 1)
	b.MaxElapsedTime = 0
	if cfg.MaxDelay > 0 {
		b.MaxInterval = cfg.MaxDelay
	}
	if !cfg.Jitter {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	b := cfg.NewBackOff()
	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}
