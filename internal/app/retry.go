package app

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/teleconsult/internal/domain"
)

// Retry runs fn up to attempts times with a linear backoff. Taxonomy errors
// (not found, conflict, ...) are answers, not failures, and return at once.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(backoff * time.Duration(i+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

// Retryable reports whether err is an infrastructure failure.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return domain.Code(err) == domain.CodeServer && !errors.Is(err, domain.ErrStale)
}
