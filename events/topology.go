package events

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchanges and queues of the event pipeline.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string

	RetryExchange string
	RetryQueue    string

	DeadExchange string
	DeadQueue    string

	// RetryDelay is how long a retried event rests in the retry queue before
	// its TTL expires and it is dead-lettered back onto the main exchange.
	RetryDelay time.Duration
}

// DefaultTopology returns the standard pipeline layout.
func DefaultTopology() Topology {
	return Topology{
		Exchange:      "transact.events",
		Queue:         "transact.events.process",
		RoutingKey:    "tx.lifecycle",
		RetryExchange: "transact.events.retry",
		RetryQueue:    "transact.events.retry",
		DeadExchange:  "transact.events.dead",
		DeadQueue:     "transact.events.dead",
		RetryDelay:    10 * time.Second,
	}
}

// DeclareTopology declares the exchanges, queues, and bindings of the
// pipeline. Declarations are idempotent; calling this on every startup is
// expected.
func DeclareTopology(ch *amqp.Channel, topo Topology) error {
	if err := ch.ExchangeDeclare(topo.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", topo.Exchange, err)
	}

	if err := ch.ExchangeDeclare(topo.RetryExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", topo.RetryExchange, err)
	}

	if err := ch.ExchangeDeclare(topo.DeadExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", topo.DeadExchange, err)
	}

	if _, err := ch.QueueDeclare(topo.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", topo.Queue, err)
	}

	if err := ch.QueueBind(topo.Queue, "tx.#", topo.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q: %w", topo.Queue, err)
	}

	// Expired retry messages are routed back onto the main exchange so the
	// consumer picks them up again after the delay.
	retryArgs := amqp.Table{
		"x-message-ttl":             topo.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    topo.Exchange,
		"x-dead-letter-routing-key": topo.RoutingKey,
	}

	if _, err := ch.QueueDeclare(topo.RetryQueue, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare queue %q: %w", topo.RetryQueue, err)
	}

	if err := ch.QueueBind(topo.RetryQueue, topo.RetryQueue, topo.RetryExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q: %w", topo.RetryQueue, err)
	}

	if _, err := ch.QueueDeclare(topo.DeadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", topo.DeadQueue, err)
	}

	if err := ch.QueueBind(topo.DeadQueue, topo.DeadQueue, topo.DeadExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q: %w", topo.DeadQueue, err)
	}

	return nil
}
