package nodes

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// DefaultCallTimeout bounds a single external call when the node does not configure it
const DefaultCallTimeout = 10 * time.Second

var (
	retryInitialInterval = 250 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

func callTimeout(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return DefaultCallTimeout
}

// withRetries runs op at most retries+1 times with exponential backoff.
// Errors wrapped with backoff.Permanent stop immediately.
func withRetries(ctx context.Context, retries int, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryInitialInterval
	expo.MaxInterval = retryMaxInterval
	expo.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(expo, uint64(retries))
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
