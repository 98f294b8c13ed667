package events

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/fincore/transact/transaction"
)

// MaxRetryAttempts is the number of times a failing event is retried before
// it is routed to the dead-letter queue.
const MaxRetryAttempts = 3

var (
	// ErrNilHandler indicates the consumer was built without a handler.
	ErrNilHandler = errors.New("events: handler is nil")

	// ErrNilRouter indicates the consumer was built without a router.
	ErrNilRouter = errors.New("events: router is nil")

	// ErrNilChannel indicates the consumer was built without a channel.
	ErrNilChannel = errors.New("events: channel is nil")
)

// Handler processes a lifecycle event. A returned error sends the event
// through the retry pipeline.
type Handler func(ctx context.Context, evt transaction.Event) error

// Router places events onto their next destination when processing fails.
// *Publisher satisfies it.
type Router interface {
	PublishRetry(ctx context.Context, evt transaction.Event) error
	PublishDead(ctx context.Context, evt transaction.Event) error
	PublishDeadRaw(ctx context.Context, body []byte) error
}

// ConsumerConfig configures the retry-pipeline consumer.
type ConsumerConfig struct {
	Queue       string
	ConsumerTag string
	Prefetch    int
	Logger      *zap.Logger
}

func (cfg *ConsumerConfig) normalize() {
	if cfg.Queue == "" {
		cfg.Queue = DefaultTopology().Queue
	}

	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "transact-events"
	}

	if cfg.Prefetch == 0 {
		cfg.Prefetch = 10
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Consumer drains the main event queue with at-least-once semantics. Each
// delivery is acknowledged only after the event either processed successfully
// or was durably placed on the retry or dead-letter queue.
type Consumer struct {
	cfg     ConsumerConfig
	ch      *amqp.Channel
	router  Router
	handler Handler
	logger  *zap.Logger
}

// NewConsumer builds a consumer over an open channel.
func NewConsumer(cfg ConsumerConfig, ch *amqp.Channel, router Router, handler Handler) (*Consumer, error) {
	if ch == nil {
		return nil, ErrNilChannel
	}

	if router == nil {
		return nil, ErrNilRouter
	}

	if handler == nil {
		return nil, ErrNilHandler
	}

	cfg.normalize()

	return &Consumer{
		cfg:     cfg,
		ch:      ch,
		router:  router,
		handler: handler,
		logger:  cfg.Logger,
	}, nil
}

// Run consumes deliveries until the context is cancelled or the channel
// closes.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("events: set qos: %w", err)
	}

	deliveries, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: consume %q: %w", c.cfg.Queue, err)
	}

	c.logger.Info("event consumer started", zap.String("queue", c.cfg.Queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}

			c.handle(ctx, delivery)
		}
	}
}

// handle routes a single delivery. Acks happen strictly after the event has a
// durable home; a failed placement leaves the delivery unacked for redelivery.
func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	evt, err := transaction.UnmarshalEvent(delivery.Body)
	if err != nil {
		c.logger.Error("malformed event payload, dead-lettering", zap.Error(err))

		if deadErr := c.router.PublishDeadRaw(ctx, delivery.Body); deadErr != nil {
			c.requeue(delivery, deadErr)

			return
		}

		c.ack(delivery)

		return
	}

	handlerErr := c.handler(ctx, evt)
	if handlerErr == nil {
		c.ack(delivery)

		return
	}

	if evt.RetryCount >= MaxRetryAttempts {
		c.logger.Error("event exhausted retries, dead-lettering",
			zap.String("transaction_id", evt.TransactionID.String()),
			zap.String("event_type", string(evt.EventType)),
			zap.Int("retry_count", evt.RetryCount),
			zap.Error(handlerErr),
		)

		evt.LastError = handlerErr.Error()

		if deadErr := c.router.PublishDead(ctx, evt); deadErr != nil {
			c.requeue(delivery, deadErr)

			return
		}

		c.ack(delivery)

		return
	}

	evt.RetryCount++
	evt.LastError = handlerErr.Error()

	c.logger.Warn("event processing failed, scheduling retry",
		zap.String("transaction_id", evt.TransactionID.String()),
		zap.String("event_type", string(evt.EventType)),
		zap.Int("retry_count", evt.RetryCount),
		zap.Error(handlerErr),
	)

	if retryErr := c.router.PublishRetry(ctx, evt); retryErr != nil {
		c.requeue(delivery, retryErr)

		return
	}

	c.ack(delivery)
}

func (c *Consumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("ack failed", zap.Uint64("delivery_tag", delivery.DeliveryTag), zap.Error(err))
	}
}

func (c *Consumer) requeue(delivery amqp.Delivery, cause error) {
	c.logger.Error("failed to place event, requeueing delivery",
		zap.Uint64("delivery_tag", delivery.DeliveryTag),
		zap.Error(cause),
	)

	if err := delivery.Nack(false, true); err != nil {
		c.logger.Error("nack failed", zap.Uint64("delivery_tag", delivery.DeliveryTag), zap.Error(err))
	}
}
