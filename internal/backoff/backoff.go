// Package backoff computes retry delays for chunk sends, processing retries and
// status channel reconnects.
package backoff

import (
	"math"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"

	"github.com/matt-primrose/video-ingest-service/internal/config"
)

// Policy is an exponential delay schedule capped at MaxDelay
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy is 1s doubling up to 10s
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}
}

// FromConfig builds a policy from the backoff section
func FromConfig(cfg config.BackoffConfig) Policy {
	return Policy{
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.Multiplier,
	}
}

// Delay returns min(InitialDelay * Multiplier^(attempt-1), MaxDelay).
// Attempt 0 is treated as attempt 1.
func (p Policy) Delay(attempt uint) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Sequence returns a fresh cenkalti BackOff that walks the policy from attempt 1.
// The sequence never stops on its own; bound it with WithMaxRetries.
func (p Policy) Sequence() cbackoff.BackOff {
	return &sequence{policy: p}
}

// WithMaxAttempts bounds the policy so that at most attempts operations run in
// total, including the first one.
func (p Policy) WithMaxAttempts(attempts int) cbackoff.BackOff {
	retries := 0
	if attempts > 1 {
		retries = attempts - 1
	}
	return cbackoff.WithMaxRetries(p.Sequence(), uint64(retries))
}

type sequence struct {
	policy  Policy
	attempt uint
}

func (s *sequence) NextBackOff() time.Duration {
	s.attempt++
	return s.policy.Delay(s.attempt)
}

func (s *sequence) Reset() {
	s.attempt = 0
}

// InstantTimer is a backoff.Timer that fires immediately. Tests use it to run
// retry loops without sleeping.
type InstantTimer struct {
	c     chan time.Time
	Waits []time.Duration
}

func NewInstantTimer() *InstantTimer {
	return &InstantTimer{c: make(chan time.Time, 1)}
}

func (t *InstantTimer) Start(d time.Duration) {
	t.Waits = append(t.Waits, d)
	select {
	case t.c <- time.Now():
	default:
	}
}

func (t *InstantTimer) Stop() {}

func (t *InstantTimer) C() <-chan time.Time {
	return t.c
}
