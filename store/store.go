package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fincore/transact/transaction"
)

var (
	// ErrAccountNotFound is returned when the account id has no record.
	ErrAccountNotFound = errors.New("account not found")
	// ErrTransactionNotFound is returned when the transaction id has no record.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTerminalState is returned when a status transition is attempted out
	// of a terminal state. Terminal transactions are immutable.
	ErrTerminalState = errors.New("transaction is in a terminal state")
	// ErrIllegalTransition is returned when the requested transition is not a
	// legal state-machine edge.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// AccountStatus is the lifecycle status of an account.
type AccountStatus string

const (
	// AccountActive allows the account to participate in transactions.
	AccountActive AccountStatus = "ACTIVE"
	// AccountInactive blocks new transactions.
	AccountInactive AccountStatus = "INACTIVE"
	// AccountFrozen blocks new transactions pending review.
	AccountFrozen AccountStatus = "FROZEN"
)

// Account is the core's view of the collaborator-owned account record: a
// mutable balance cell plus status, read and conditionally written under lock.
type Account struct {
	ID        string
	Balance   decimal.Decimal
	Status    AccountStatus
	UpdatedAt time.Time
}

// Active reports whether the account may participate in transactions.
func (a Account) Active() bool {
	return a.Status == AccountActive
}

// AccountStore is the actor/account lookup and balance-write boundary.
// Every balance write must happen while holding the actor lock; the store
// itself does not serialize callers.
type AccountStore interface {
	// Get returns the current account record.
	Get(ctx context.Context, id string) (Account, error)

	// UpdateBalance overwrites the account balance.
	UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error
}

// HistoryFilter bounds a transaction history query. Nil bounds are open.
type HistoryFilter struct {
	From *time.Time
	To   *time.Time
}

// TransactionStore persists the append-only transaction audit trail.
type TransactionStore interface {
	// Create persists a new transaction record.
	Create(ctx context.Context, tx *transaction.Transaction) error

	// UpdateStatus transitions a transaction, recording an optional error
	// detail. Transitions out of terminal states return ErrTerminalState;
	// edges outside the state machine return ErrIllegalTransition.
	UpdateStatus(ctx context.Context, id uuid.UUID, status transaction.Status, errorDetail string) error

	// GetByID returns the transaction record.
	GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error)

	// History lists transactions touching the account, newest first.
	History(ctx context.Context, accountID string, filter HistoryFilter) ([]*transaction.Transaction, error)

	// StalePending lists PENDING transactions created before the cutoff,
	// oldest first, up to limit.
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]*transaction.Transaction, error)

	// SumOutgoingSince totals the amounts of completed outgoing operations
	// (transfers and withdrawals) for the account since the given instant.
	// This is the bounded authoritative scan behind rolling-limit cache misses.
	SumOutgoingSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error)
}
