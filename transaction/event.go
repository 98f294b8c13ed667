package transaction

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle transition published for downstream consumers.
type EventType string

const (
	// EventInitiated is emitted when a PENDING record is persisted.
	EventInitiated EventType = "TRANSACTION_INITIATED"
	// EventCompleted is emitted when balance effects are applied.
	EventCompleted EventType = "TRANSACTION_COMPLETED"
	// EventFailed is emitted when a balance mutation does not apply.
	EventFailed EventType = "TRANSACTION_FAILED"
	// EventCancelled is emitted when a pending transaction is withdrawn.
	EventCancelled EventType = "TRANSACTION_CANCELLED"
	// EventCompensated is emitted when compensation reverses balance effects.
	EventCompensated EventType = "TRANSACTION_COMPENSATED"
	// EventCompensationFailed is emitted when a reversal write fails and the
	// transaction is parked in ROLLBACK_FAILED for manual intervention.
	EventCompensationFailed EventType = "TRANSACTION_COMPENSATION_FAILED"
	// EventCompletedByRecovery is emitted when the recovery sweep completes a
	// transaction that the online processor left stuck in PENDING.
	EventCompletedByRecovery EventType = "TRANSACTION_COMPLETED_BY_RECOVERY"
)

// Event is the immutable envelope describing a transaction state transition.
// RetryCount and LastError are mutated only by the retry pipeline while the
// event travels between the retry and dead-letter destinations.
type Event struct {
	TransactionID uuid.UUID `json:"transactionId"`
	EventType     EventType `json:"eventType"`
	RetryCount    int       `json:"retryCount"`
	LastError     string    `json:"lastError,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEvent builds an event for a transition with a zero retry counter.
func NewEvent(transactionID uuid.UUID, eventType EventType) Event {
	return Event{
		TransactionID: transactionID,
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
	}
}

// NewEventWithDetail builds an event carrying a failure or compensation
// reason in the LastError field.
func NewEventWithDetail(transactionID uuid.UUID, eventType EventType, detail string) Event {
	evt := NewEvent(transactionID, eventType)
	evt.LastError = detail

	return evt
}

// Marshal serializes the event payload for the durable log.
func (e Event) Marshal() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction event: %w", err)
	}

	return payload, nil
}

// UnmarshalEvent parses an event payload received from the durable log.
func UnmarshalEvent(payload []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("unmarshal transaction event: %w", err)
	}

	if evt.TransactionID == uuid.Nil {
		return Event{}, NewDomainError(ErrorInvalidInput, "transactionId", "transaction id is required")
	}

	if evt.EventType == "" {
		return Event{}, NewDomainError(ErrorInvalidInput, "eventType", "event type is required")
	}

	return evt, nil
}
