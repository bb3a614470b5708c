package concurrency

import (
	"context"
	"time"
)

// WithTimeout runs fn under a context that is cancelled after d, returning
// ctx.Err() if fn did not finish in time; fn's goroutine is not stopped
// and keeps running until it observes the cancelled ctx (spec §5
// "cancellation via context.Context + a timeout wrapper").
func WithTimeout(parent context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
