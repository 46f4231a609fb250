package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/platform/observability"
	"ordersaga/internal/saga"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const fetchBackoff = 250 * time.Millisecond

// Handler processes one decoded envelope.
type Handler interface {
	Handle(ctx context.Context, env saga.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env saga.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env saga.Envelope) error { return f(ctx, env) }

// ConsumerService runs the fetch, decode, handle, commit loop for one
// consumer group member.
//
// Messages that can never be handled (malformed, unknown type, impossible
// transition) are logged and committed. Any other handler error, including a
// panic, is logged and the message is left uncommitted.
type ConsumerService struct {
	name     string
	consumer Consumer
	handler  Handler
	logger   observability.Logger
}

func NewConsumerService(name string, consumer Consumer, handler Handler, logger observability.Logger) *ConsumerService {
	return &ConsumerService{
		name:     name,
		consumer: consumer,
		handler:  handler,
		logger:   logger.With(zap.String("consumer", name)),
	}
}

// Start blocks until ctx is cancelled or the transport is closed.
func (c *ConsumerService) Start(ctx context.Context) error {
	c.logger.Info("Consumer started. Waiting for messages...")

	for {
		msg, err := c.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				c.logger.Info("Context done, exiting read loop.", zap.Error(err))
				break
			}
			c.logger.Error("Error fetching message", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(fetchBackoff):
			}
			continue
		}
		c.process(ctx, msg)
	}

	c.logger.Info("Consumer finished.")
	return nil
}

func (c *ConsumerService) process(ctx context.Context, msg Message) {
	msgCtx := extractTraceContext(ctx, msg.Headers)

	env, err := saga.Unmarshal(msg.Value)
	if err == nil {
		err = c.safeHandle(msgCtx, env)
	}

	fields := []zap.Field{
		zap.ByteString("key", msg.Key),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("event_type", string(env.EventType)),
	}
	switch {
	case err == nil:
	case saga.IsProtocolError(err):
		c.logger.Warn("Discarding message", append(fields, zap.Error(err))...)
	default:
		// Not committed here, but the next commit on the partition covers it.
		c.logger.Error("Failed to handle message, needs operator attention", append(fields, zap.Error(err))...)
		return
	}

	if err := c.consumer.Commit(ctx, msg); err != nil {
		c.logger.Error("Failed to commit message", append(fields, zap.Error(err))...)
	}
}

func (c *ConsumerService) safeHandle(ctx context.Context, env saga.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.Handle(ctx, env)
}

// extractTraceContext continues the producer's trace from message headers.
func extractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
