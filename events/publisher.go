package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/fincore/transact/transaction"
)

var (
	// ErrInvalidPublisherConfig indicates the publisher configuration is invalid.
	ErrInvalidPublisherConfig = errors.New("invalid publisher config")

	// ErrPublishNotConfirmed indicates the broker refused or never confirmed
	// a publish within the confirm timeout.
	ErrPublishNotConfirmed = errors.New("publish not confirmed by broker")

	// ErrPublisherClosed indicates a publish was attempted after Close.
	ErrPublisherClosed = errors.New("publisher is closed")
)

// PublisherConfig configures the RabbitMQ publisher.
type PublisherConfig struct {
	URL            string
	Topology       Topology
	ConfirmTimeout time.Duration
	Logger         *zap.Logger
}

func (cfg *PublisherConfig) normalize() error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("%w: URL is required", ErrInvalidPublisherConfig)
	}

	if cfg.Topology == (Topology{}) {
		cfg.Topology = DefaultTopology()
	}

	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return nil
}

// Publisher emits lifecycle events with publisher confirms. An event is only
// reported as published once the broker has acknowledged it.
type Publisher struct {
	mu             sync.Mutex
	conn           *amqp.Connection
	ch             *amqp.Channel
	topo           Topology
	confirmTimeout time.Duration
	logger         *zap.Logger
	closed         bool
}

// NewPublisher connects to the broker, switches the channel into confirm
// mode, and declares the pipeline topology.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("events: open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("events: enable confirms: %w", err)
	}

	if err := DeclareTopology(ch, cfg.Topology); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("events: %w", err)
	}

	cfg.Logger.Info("connected to rabbitmq",
		zap.String("exchange", cfg.Topology.Exchange),
	)

	return &Publisher{
		conn:           conn,
		ch:             ch,
		topo:           cfg.Topology,
		confirmTimeout: cfg.ConfirmTimeout,
		logger:         cfg.Logger,
	}, nil
}

// Close shuts down the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	if err := p.ch.Close(); err != nil {
		_ = p.conn.Close()

		return fmt.Errorf("events: close channel: %w", err)
	}

	return p.conn.Close()
}

// Publish emits a lifecycle event onto the main exchange.
func (p *Publisher) Publish(ctx context.Context, evt transaction.Event) error {
	return p.publishEvent(ctx, p.topo.Exchange, p.topo.RoutingKey, evt)
}

// PublishRetry places a failed event onto the retry queue. Its TTL routes it
// back to the main exchange after the configured delay.
func (p *Publisher) PublishRetry(ctx context.Context, evt transaction.Event) error {
	return p.publishEvent(ctx, p.topo.RetryExchange, p.topo.RetryQueue, evt)
}

// PublishDead places an event onto the dead-letter queue.
func (p *Publisher) PublishDead(ctx context.Context, evt transaction.Event) error {
	return p.publishEvent(ctx, p.topo.DeadExchange, p.topo.DeadQueue, evt)
}

// PublishDeadRaw dead-letters a payload that could not be decoded as an
// event, preserving it byte for byte for operator inspection.
func (p *Publisher) PublishDeadRaw(ctx context.Context, body []byte) error {
	return p.publish(ctx, p.topo.DeadExchange, p.topo.DeadQueue, body)
}

func (p *Publisher) publishEvent(ctx context.Context, exchange, key string, evt transaction.Event) error {
	body, err := evt.Marshal()
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	return p.publish(ctx, exchange, key, body)
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("events: publish to %q: %w", exchange, err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("events: confirm on %q: %w", exchange, err)
	}

	if !acked {
		return fmt.Errorf("events: %q: %w", exchange, ErrPublishNotConfirmed)
	}

	return nil
}
