package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"go.mongodb.org/mongo-driver/mongo"
)

const retryAttempts = 5

// newRetryBackOff starts at 0.5s and doubles up to 5s with up to 10%
// jitter.
func newRetryBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, retryAttempts-1), ctx)
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err)
}

// withRetry runs op and retries transient driver failures.
func withRetry(ctx context.Context, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		logx.Warnw(ctx, "mongo operation failed, retrying", "attempt", attempt, "error", err)
		return err
	}, newRetryBackOff(ctx))
}
