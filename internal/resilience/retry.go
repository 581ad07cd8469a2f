// Package resilience wraps fallible operations against the chat backend with bounded retries
// and a circuit breaker, so a struggling dependency degrades into a clear error instead of a
// hammering loop.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MegaGrindStone/chat-stream-kit/internal/api"
)

// RetryConfig bounds the retry loop. An operation is attempted at most MaxRetries+1 times, with
// a delay of BaseDelay*2^attempt between consecutive attempts.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Retry runs op with exponential backoff until it succeeds, the attempts are exhausted, or the
// context is canceled. User cancellation and auth failures are never retried; an open circuit
// is surfaced immediately since retrying cannot close it; rate limiting is retried like any
// other transient failure, but logged so the caller can show its dedicated message. The final
// exhausted failure is returned as-is.
func Retry[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	pol := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)

	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}

		switch {
		case errors.Is(err, context.Canceled):
			return v, backoff.Permanent(err)
		case api.IsAuth(err):
			return v, backoff.Permanent(err)
		case errors.Is(err, ErrCircuitOpen):
			return v, backoff.Permanent(err)
		case api.IsRateLimit(err):
			logger.Warn("Rate limited, backing off")
			return v, err
		default:
			logger.Debug("Retrying after failure", slog.String("err", err.Error()))
			return v, err
		}
	}, pol)
}
