// Package poll provides a generic poll-until-predicate utility used by
// every waiting point against the external site: capacity discovery,
// score waiting, and download-button availability. Each caller gets a
// bounded attempt count instead of an ad hoc sleep loop.
package poll

import (
	"context"
	"fmt"
	"time"
)

// ErrTimeout is returned when the predicate never succeeded within the
// attempt budget.
var ErrTimeout = fmt.Errorf("polling timed out")

// Until calls fn up to maxAttempts times, sleeping interval between
// attempts. fn returns (done, err): done=true stops polling with
// success; a non-nil err stops polling immediately and is returned
// as-is (for non-retryable failures). Context cancellation is honored
// between attempts.
func Until(ctx context.Context, interval time.Duration, maxAttempts int, fn func(attempt int) (bool, error)) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		done, err := fn(attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return ErrTimeout
}
