package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithTimeout_ReturnsFnErrorWhenFastEnough(t *testing.T) {
	wantErr := errors.New("boom")
	err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		return wantErr
	})
	assert.Equal(t, wantErr, err)
}

func TestWithTimeout_ReturnsDeadlineExceededWhenFnHangs(t *testing.T) {
	err := WithTimeout(context.Background(), 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
