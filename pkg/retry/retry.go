package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy is an exponential backoff schedule
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay, 0 disables
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  4,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error that must not be retried
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, the attempts run
// out or ctx ends. onRetry, when set, is told about every failed attempt
// that will be retried.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.delay(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.MaxAttempts, lastErr)
}

func (p Policy) delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}
