package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/hashicorp/go-retryablehttp"
)

// withRetry calls fn until it succeeds, at most retries+1 times. Attempts are
// separated by exponential backoff. Errors that are not retryable and a done
// context end the loop early. It returns the number of attempts made.
func (t *Transfer) withRetry(ctx context.Context, retries int, stats *Stats, name string, fn func(attempt uint) error) (int, error) {
	attempts := 0
	err := retry.Times(uint(retries)).Wait(0).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			backoff := retryablehttp.DefaultBackoff(t.config.RetryWaitMin, t.config.RetryWaitMax, int(attempt)-1, nil)
			if err := sleepContext(ctx, backoff); err != nil {
				return fmt.Errorf("%s cancelled while waiting for retry: %w", name, err), true
			}
		}

		attempts++
		err := fn(attempt)
		if err == nil {
			return nil, true
		}

		if ctx.Err() != nil || !isRetryable(err) {
			return err, true
		}

		if int(attempt) < retries {
			if stats != nil {
				stats.AddRetry()
			}
			t.logger.Warnf("%s attempt %d failed, retrying: %s", name, attempt+1, err)
		}
		return err, false
	})

	return attempts, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
