// Package retry provides exponential backoff with jitter for calls whose
// failure is transient: gateway timeouts, rate lookups and Postgres
// serialization conflicts.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy configures Do.
type Policy struct {
	Attempts  int           // total calls, including the first; <=0 means 1
	BaseDelay time.Duration // doubled after every failed attempt
	MaxDelay  time.Duration // cap for a single sleep; 0 means uncapped

	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries every error that is not wrapped with Permanent.
	Retryable func(error) bool
}

// Default is used for outbound gateway and FX calls.
var Default = Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent or non-retryable error,
// the attempts are exhausted, or ctx is cancelled. The delay doubles on each
// retry with +-25% jitter. The returned error is the last one from fn, with
// any PermanentError wrapper removed.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		sleep := delay
		if jitter := delay / 4; jitter > 0 {
			sleep = delay - jitter + time.Duration(cryptoInt63n(int64(2*jitter+1)))
		}
		if p.MaxDelay > 0 && sleep > p.MaxDelay {
			sleep = p.MaxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}

	return err
}

// cryptoInt63n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}
