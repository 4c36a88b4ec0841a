package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// Policy bounds an exponential backoff retry loop
type Policy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
}

// permanent marks an error that must not be retried
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do runs fn until it succeeds, returns a permanent error,
// the attempts are exhausted or ctx is done.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := &backoff.Backoff{
		Min:    p.Min,
		Max:    p.Max,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var perm permanent
		if errors.As(err, &perm) {
			return perm.err
		}

		if attempt == attempts {
			break
		}

		delay := b.Duration()
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("⚠️ Transient failure, retrying...")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return err
}
