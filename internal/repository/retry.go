package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/joseph-ayodele/bill-extractor/internal/common"
)

// RetryPolicy bounds how often a failed store write is re-attempted.
type RetryPolicy struct {
	Retries uint
	Delay   time.Duration
}

// WithRetry runs fn, retrying persistence failures with exponential backoff.
// Not-found and invalid-input errors are returned immediately.
func WithRetry(ctx context.Context, p RetryPolicy, logger *slog.Logger, op string, fn func() error) error {
	delay := p.Delay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(p.Retries+1),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, common.ErrPersistence)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("retrying store write", "op", op, "attempt", n+1, "error", err)
		}),
	)
}
