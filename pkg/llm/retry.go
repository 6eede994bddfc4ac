package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAttempts   = 3
	DefaultRetryDelay = 2 * time.Second
)

// Retry calls fn up to attempts times with a constant delay between calls.
// Only errors IsRetryable accepts are retried; anything else returns at once.
func Retry[T any](ctx context.Context, op string, attempts int, delay time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	var out T
	try := 0
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
	err := backoff.Retry(func() error {
		try++
		v, err := fn(ctx)
		if err == nil {
			out = v
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", try).Int("attempts", attempts).Msg("model call failed, retrying")
		return err
	}, b)
	return out, err
}
