package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fincore/transact/transaction"
)

// MemoryStore is an in-memory AccountStore and TransactionStore. It applies
// the same transition guards as the postgres implementation and is safe for
// concurrent use.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	transactions map[uuid.UUID]*transaction.Transaction
}

var (
	_ AccountStore     = (*MemoryStore)(nil)
	_ TransactionStore = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]Account),
		transactions: make(map[uuid.UUID]*transaction.Transaction),
	}
}

// PutAccount inserts or replaces an account record.
func (m *MemoryStore) PutAccount(account Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account.UpdatedAt = time.Now().UTC()
	m.accounts[account.ID] = account
}

// Get returns the current account record.
func (m *MemoryStore) Get(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("account %q: %w", id, ErrAccountNotFound)
	}

	return account, nil
}

// UpdateBalance overwrites the account balance.
func (m *MemoryStore) UpdateBalance(_ context.Context, id string, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account %q: %w", id, ErrAccountNotFound)
	}

	account.Balance = balance
	account.UpdatedAt = time.Now().UTC()
	m.accounts[id] = account

	return nil
}

// Create persists a new transaction record.
func (m *MemoryStore) Create(_ context.Context, tx *transaction.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transactions[tx.ID]; exists {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}

	clone := *tx
	m.transactions[tx.ID] = &clone

	return nil
}

// UpdateStatus transitions a transaction with terminal-state and edge guards.
func (m *MemoryStore) UpdateStatus(_ context.Context, id uuid.UUID, status transaction.Status, errorDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrTransactionNotFound)
	}

	if !transaction.CanTransition(tx.Status, status) {
		if tx.Status.Terminal() {
			return fmt.Errorf("transaction %s is %s: %w", id, tx.Status, ErrTerminalState)
		}

		return fmt.Errorf("transaction %s: %s -> %s: %w", id, tx.Status, status, ErrIllegalTransition)
	}

	tx.Status = status
	tx.ErrorDetail = errorDetail
	tx.UpdatedAt = time.Now().UTC()

	return nil
}

// GetByID returns a copy of the transaction record.
func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionNotFound)
	}

	clone := *tx

	return &clone, nil
}

// History lists transactions touching the account, newest first.
func (m *MemoryStore) History(_ context.Context, accountID string, filter HistoryFilter) ([]*transaction.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*transaction.Transaction

	for _, tx := range m.transactions {
		if tx.SourceID != accountID && tx.DestinationID != accountID {
			continue
		}

		if filter.From != nil && tx.CreatedAt.Before(*filter.From) {
			continue
		}

		if filter.To != nil && tx.CreatedAt.After(*filter.To) {
			continue
		}

		clone := *tx
		result = append(result, &clone)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

// StalePending lists PENDING transactions created before the cutoff, oldest
// first, up to limit.
func (m *MemoryStore) StalePending(_ context.Context, cutoff time.Time, limit int) ([]*transaction.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*transaction.Transaction

	for _, tx := range m.transactions {
		if tx.Status != transaction.StatusPending || !tx.CreatedAt.Before(cutoff) {
			continue
		}

		clone := *tx
		result = append(result, &clone)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// SumOutgoingSince totals completed outgoing amounts for the account.
func (m *MemoryStore) SumOutgoingSince(_ context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero

	for _, tx := range m.transactions {
		if tx.SourceID != accountID || tx.Status != transaction.StatusCompleted {
			continue
		}

		if tx.CreatedAt.Before(since) {
			continue
		}

		total = total.Add(tx.Amount)
	}

	return total, nil
}
