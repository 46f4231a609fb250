package messaging

import (
	"context"
	"errors"
	"time"

	"ordersaga/internal/platform/observability"
	"ordersaga/internal/saga"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

const (
	retryDelay    = 50 * time.Millisecond
	retryMaxDelay = 2 * time.Second
)

// RetryingPublisher retries transient publish failures with exponential
// backoff before giving up.
type RetryingPublisher struct {
	next     Publisher
	attempts uint
	delay    time.Duration
	logger   observability.Logger
}

func NewRetryingPublisher(next Publisher, attempts uint, logger observability.Logger) *RetryingPublisher {
	return &RetryingPublisher{
		next:     next,
		attempts: max(attempts, 1),
		delay:    retryDelay,
		logger:   logger,
	}
}

func (p *RetryingPublisher) Publish(ctx context.Context, topic string, env saga.Envelope) error {
	return retry.Do(
		func() error {
			return p.next.Publish(ctx, topic, env)
		},
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("Publish failed, retrying",
				zap.String("topic", topic),
				zap.String("event_type", string(env.EventType)),
				zap.String("order_id", env.OrderID.String()),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
		retry.Delay(p.delay),
		retry.MaxDelay(retryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Attempts(p.attempts),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrClosed) &&
		!saga.IsProtocolError(err)
}
