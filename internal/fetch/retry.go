package fetch

import (
	"context"
	"fmt"
	"time"
)

// retryDo runs fn up to attempts times, sleeping base, 2*base, 4*base...
// between tries. Cancellation of ctx wins over the backoff sleep. The policy
// lives here, away from any network code, so it can be tested on its own.
func retryDo(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	delay := base
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
