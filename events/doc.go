// Package events publishes transaction lifecycle events to RabbitMQ and runs
// the retry pipeline that consumes them.
//
// Three destinations exist: the main lifecycle exchange, a retry queue whose
// per-message TTL dead-letters expired messages back onto the main exchange,
// and a dead-letter queue for events that exhausted their retry budget.
// Publishes use publisher confirms; the consumer acknowledges a delivery only
// after the event is durably placed in its next destination.
package events
