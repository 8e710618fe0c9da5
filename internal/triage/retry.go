package triage

import (
	"context"
	"time"
)

// DefaultMaxRetries is the number of retries after the first attempt on quota errors.
const DefaultMaxRetries = 3

const (
	// ClassifyRetryDelay is the wait before retrying a quota-limited classification,
	// summary or smart-reply call.
	ClassifyRetryDelay = 5 * time.Second

	// AlertRetryDelay is the wait before retrying a quota-limited background alert scan.
	AlertRetryDelay = 10 * time.Second
)

// SleepFunc blocks for d or until ctx is done. Tests inject an instant stub.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy is a fixed-budget, fixed-delay retry on quota errors. No jitter, no growth.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// withQuotaRetry runs op and retries it after p.Delay while it fails with a quota error and
// retries remain. Any other error returns at once. onRetry, when set, is called before each wait.
func withQuotaRetry[T any](
	ctx context.Context,
	sleep SleepFunc,
	p RetryPolicy,
	onRetry func(attempt int, err error),
	op func(ctx context.Context) (T, error),
) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !IsQuotaError(err) || attempt >= p.MaxRetries {
			return v, err
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		if serr := sleep(ctx, p.Delay); serr != nil {
			var zero T
			return zero, serr
		}
	}
}
