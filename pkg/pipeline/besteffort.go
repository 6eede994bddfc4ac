package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// BestEffort runs fn and swallows its failure. Errors and panics are logged
// under name and reported as false; nothing propagates to the caller.
func BestEffort(ctx context.Context, name string, fn func(ctx context.Context) error) (ok bool) {
	_, ok = BestEffortValue(ctx, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return ok
}

// BestEffortValue is BestEffort for calls that produce a value. On failure
// the zero value is returned.
func BestEffortValue[T any](ctx context.Context, name string, fn func(ctx context.Context) (T, error)) (out T, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("step", name).Interface("panic", r).Msg(name)
			var zero T
			out, ok = zero, false
		}
	}()
	if fn == nil {
		return out, false
	}
	v, err := fn(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debug().Str("step", name).Msg("best effort step canceled")
		} else {
			log.Warn().Err(err).Str("step", name).Msg(name)
		}
		var zero T
		return zero, false
	}
	return v, true
}
