package transaction

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type classifies the balance effect of a transaction.
type Type string

const (
	// TypeTransfer moves value from a source account to a destination account.
	TypeTransfer Type = "TRANSFER"
	// TypeDeposit credits a destination account.
	TypeDeposit Type = "DEPOSIT"
	// TypeWithdrawal debits a source account.
	TypeWithdrawal Type = "WITHDRAWAL"
)

// Status represents the lifecycle state of a transaction.
//
// Semantics:
//   - PENDING: persisted, balance effects in flight; the only initial state.
//   - COMPLETED: balance effects applied; terminal.
//   - FAILED: balance mutation rejected or errored; terminal.
//   - CANCELLED: withdrawn by the caller before mutation began; terminal.
//   - ROLLED_BACK: balance effects reversed by compensation; terminal.
//   - ROLLBACK_FAILED: a reversal write failed; terminal, requires manual
//     operator action and is never retried automatically.
//
// Transitions:
//
//	PENDING → COMPLETED | FAILED | CANCELLED | ROLLED_BACK
//	COMPLETED → ROLLED_BACK
//	PENDING | COMPLETED → ROLLBACK_FAILED (via a failed reversal attempt)
type Status string

const (
	// StatusPending marks a transaction as persisted with effects in flight.
	StatusPending Status = "PENDING"
	// StatusCompleted marks a transaction whose balance effects are applied.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed marks a transaction whose balance mutation did not apply.
	StatusFailed Status = "FAILED"
	// StatusCancelled marks a transaction withdrawn while still pending.
	StatusCancelled Status = "CANCELLED"
	// StatusRolledBack marks a transaction whose effects were compensated.
	StatusRolledBack Status = "ROLLED_BACK"
	// StatusRollbackFailed marks a failed compensation attempt.
	StatusRollbackFailed Status = "ROLLBACK_FAILED"
)

// Terminal reports whether the status is a settled outcome. The only legal
// transitions out of a terminal status are the compensation edges from
// COMPLETED; everything else is immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack, StatusRollbackFailed:
		return true
	default:
		return false
	}
}

// transitions is the legal edge set of the state machine.
var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack, StatusRollbackFailed},
	StatusCompleted: {StatusRolledBack, StatusRollbackFailed},
}

// CanTransition reports whether moving from one status to another is a legal
// state-machine edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// ErrorCode is a domain error code used by transaction validations.
type ErrorCode string

const (
	// ErrorInvalidInput indicates a structural invariant of the request failed.
	ErrorInvalidInput ErrorCode = "1001"
	// ErrorInvalidStateTransition indicates an illegal lifecycle transition was requested.
	ErrorInvalidStateTransition ErrorCode = "1002"
	// ErrorInsufficientFunds indicates the source balance cannot cover the amount.
	ErrorInsufficientFunds ErrorCode = "0018"
	// ErrorAccountIneligibility indicates the account cannot participate in the transaction.
	ErrorAccountIneligibility ErrorCode = "0019"
	// ErrorAccountStatusRestriction indicates account status blocks this transaction.
	ErrorAccountStatusRestriction ErrorCode = "0024"
	// ErrorLimitExceeded indicates a per-operation or rolling ceiling was exceeded.
	ErrorLimitExceeded ErrorCode = "0041"
	// ErrorFrequencyExceeded indicates an operation-count rate limit was exceeded.
	ErrorFrequencyExceeded ErrorCode = "0042"
	// ErrorLimitCheckUnavailable indicates limit enforcement infrastructure is
	// unavailable; per policy the operation fails closed.
	ErrorLimitCheckUnavailable ErrorCode = "0043"
	// ErrorResourceBusy indicates the actor lock could not be acquired in time.
	ErrorResourceBusy ErrorCode = "0051"
)

// DomainError represents a structured domain validation error. Validation and
// contention rejections are reported synchronously to the caller as values of
// this type; infrastructure failures are ordinary wrapped errors.
type DomainError struct {
	Code    ErrorCode
	Field   string
	Message string
}

// Error returns the formatted domain error string.
func (e DomainError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
}

// NewDomainError creates a domain error with code, field, and message.
func NewDomainError(code ErrorCode, field, message string) error {
	return DomainError{Code: code, Field: field, Message: message}
}

// Transaction is the central money-movement entity. It is append-only from
// the audit perspective: records are created once and only their status,
// error detail, and update timestamp change afterwards.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	Type          Type            `json:"type"`
	SourceID      string          `json:"sourceId,omitempty"`
	DestinationID string          `json:"destinationId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Status        Status          `json:"status"`
	Description   string          `json:"description,omitempty"`
	ErrorDetail   string          `json:"errorDetail,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// New validates structural invariants and returns a PENDING transaction.
//
// Invariants enforced:
//   - a TRANSFER has both source and destination, and they differ
//   - a DEPOSIT has only a destination
//   - a WITHDRAWAL has only a source
//   - the amount is strictly positive
func New(typ Type, sourceID, destinationID string, amount decimal.Decimal, description string) (*Transaction, error) {
	sourceID = strings.TrimSpace(sourceID)
	destinationID = strings.TrimSpace(destinationID)

	if !amount.IsPositive() {
		return nil, NewDomainError(ErrorInvalidInput, "amount", "amount must be greater than zero")
	}

	switch typ {
	case TypeTransfer:
		if sourceID == "" || destinationID == "" {
			return nil, NewDomainError(ErrorInvalidInput, "accounts", "transfer requires both source and destination")
		}

		if sourceID == destinationID {
			return nil, NewDomainError(ErrorInvalidInput, "accounts", "transfer source and destination must differ")
		}
	case TypeDeposit:
		if destinationID == "" {
			return nil, NewDomainError(ErrorInvalidInput, "destinationId", "deposit requires a destination")
		}

		if sourceID != "" {
			return nil, NewDomainError(ErrorInvalidInput, "sourceId", "deposit must not have a source")
		}
	case TypeWithdrawal:
		if sourceID == "" {
			return nil, NewDomainError(ErrorInvalidInput, "sourceId", "withdrawal requires a source")
		}

		if destinationID != "" {
			return nil, NewDomainError(ErrorInvalidInput, "destinationId", "withdrawal must not have a destination")
		}
	default:
		return nil, NewDomainError(ErrorInvalidInput, "type", fmt.Sprintf("unknown transaction type %q", typ))
	}

	now := time.Now().UTC()

	return &Transaction{
		ID:            uuid.New(),
		Type:          typ,
		SourceID:      sourceID,
		DestinationID: destinationID,
		Amount:        amount,
		Status:        StatusPending,
		Description:   strings.TrimSpace(description),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Accounts returns the account ids the transaction touches, source first.
func (t *Transaction) Accounts() []string {
	var ids []string
	if t.SourceID != "" {
		ids = append(ids, t.SourceID)
	}

	if t.DestinationID != "" {
		ids = append(ids, t.DestinationID)
	}

	return ids
}

// Actor returns the account whose limits and usage the transaction counts
// against: the source for transfers and withdrawals, the destination for
// deposits.
func (t *Transaction) Actor() string {
	if t.SourceID != "" {
		return t.SourceID
	}

	return t.DestinationID
}
