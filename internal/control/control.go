package control

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollPolicy bounds how long and how often an asynchronous remote job is polled.
type PollPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxWait         time.Duration
}

// DefaultPollPolicy returns the default assistant run polling schedule.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: time.Second,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
		MaxWait:         2 * time.Minute,
	}
}

// NewBackOff builds the exponential schedule for p. The schedule stops once
// MaxWait has elapsed or ctx is done.
func (p PollPolicy) NewBackOff(ctx context.Context) backoff.BackOffContext {
	def := DefaultPollPolicy()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = orDuration(p.InitialInterval, def.InitialInterval)
	b.MaxInterval = orDuration(p.MaxInterval, def.MaxInterval)
	b.MaxElapsedTime = orDuration(p.MaxWait, def.MaxWait)
	b.Multiplier = def.Multiplier
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// TimeoutError indicates a remote job did not reach a terminal state in time.
type TimeoutError struct {
	LastStatus string
	Polls      int
	Waited     time.Duration
	Limit      time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"wait limit reached status=%s polls=%d waited=%s limit=%s",
		e.LastStatus, e.Polls, e.Waited.Round(time.Millisecond), e.Limit,
	)
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
