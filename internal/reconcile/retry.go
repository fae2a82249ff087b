package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// retryQuery runs fn up to attempts times. Non-retryable failures and
// cancellation end the loop at once.
func retryQuery[T any](ctx context.Context, s *Service, query string, fn func() (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		if attempt > 1 && s.metrics != nil {
			s.metrics.GetPrometheusMetrics().RecordQueryRetry(query)
		}

		value, err := fn()
		if err == nil {
			return value, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return value, backoff.Permanent(err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !utils.IsRetryable(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}

	return backoff.RetryNotifyWithData(operation, s.backOff(ctx), func(err error, wait time.Duration) {
		s.logger.WithError(err).WithField("query", query).WithField("wait", wait).Warn("Query failed, retrying")
	})
}

func (s *Service) backOff(ctx context.Context) backoff.BackOff {
	attempts := s.config.QueryRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 500 * time.Millisecond
	}
	b.MaxInterval = 10 * b.InitialInterval
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}
