package generation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Retry defaults.
const (
	DefaultMaxRetries = 2
	DefaultRetryDelay = time.Second
)

// RetryPolicy bounds the attempts made for one request.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Negative means DefaultMaxRetries.
	MaxRetries int
	// BaseDelay is the first backoff. Zero means DefaultRetryDelay.
	BaseDelay time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryDelay
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based):
// BaseDelay * 2^attempt scaled by a jitter factor in [0.5, 1.0).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	return time.Duration(base * (0.5 + rand.Float64()*0.5))
}

// Retry calls fn until it succeeds, returns a permanent error, the policy
// is exhausted or ctx ends. It returns the number of attempts made.
// Context expiry is reported as ErrTimeout.
func Retry(ctx context.Context, log *slog.Logger, p RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	p = p.normalized()
	if log == nil {
		log = slog.Default()
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt + 1, FromContext(ctxErr)
		}
		err = FromContext(err)
		if IsPermanent(err) {
			log.Warn("permanent generation error, not retrying",
				"attempt", attempt+1,
				"err", err,
			)
			return attempt + 1, err
		}
		if attempt >= p.MaxRetries {
			log.Warn("maximum retry attempts reached",
				"attempts", attempt+1,
				"err", err,
			)
			return attempt + 1, fmt.Errorf("%w: exceeded %d retries: %v", ErrTransientFailure, p.MaxRetries, err)
		}

		delay := p.Backoff(attempt)
		log.Info("retrying generation after delay",
			"attempt", attempt+1,
			"delay", delay,
			"err", err,
		)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt + 1, FromContext(ctx.Err())
		}
	}
}
