package helper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"rag-gateway/internal/models"
)

// RetryPolicy bounds an exponential backoff
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// Retry runs fn until it succeeds, returns a permanent error or the policy
// gives up. The last error of fn is returned unchanged.
func Retry[T any](ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	return retry.DoValue(ctx, policy.backoff(), func(ctx context.Context) (T, error) {
		attempt++
		v, err := fn(ctx)
		if err != nil && ShouldRetry(err) {
			log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Retrying")
			return v, retry.RetryableError(err)
		}
		return v, err
	})
}

// ShouldRetry reports whether err is worth another attempt. Cancellation and
// bad input are permanent.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrParse) {
		return false
	}
	return true
}
