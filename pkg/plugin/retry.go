package plugin

import (
	"context"
	"time"
)

// retryOnFailure runs fn up to maxRetries+1 times with exponential backoff
// starting at backoff. Cancellation during a wait aborts with the context
// error.
func retryOnFailure(ctx context.Context, maxRetries int, backoff time.Duration, fn func(context.Context) error) error {
	var last error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if attempt < maxRetries {
			wait := backoff * (1 << attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return last
}
