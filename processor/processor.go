package processor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fincore/transact/cache"
	"github.com/fincore/transact/store"
	"github.com/fincore/transact/transaction"
)

var (
	// ErrNilAccounts indicates the processor was built without an account store.
	ErrNilAccounts = errors.New("processor: account store is nil")

	// ErrNilTransactions indicates the processor was built without a transaction store.
	ErrNilTransactions = errors.New("processor: transaction store is nil")

	// ErrNilValidator indicates the processor was built without a validator.
	ErrNilValidator = errors.New("processor: validator is nil")

	// ErrNilLocks indicates the processor was built without a lock manager.
	ErrNilLocks = errors.New("processor: lock manager is nil")

	// ErrNilPublisher indicates the processor was built without a publisher.
	ErrNilPublisher = errors.New("processor: publisher is nil")
)

// Validator approves or rejects an operation before any state is created and
// records usage once it completes.
type Validator interface {
	Check(ctx context.Context, actorID string, amount decimal.Decimal, typ transaction.Type) error
	RecordUsage(ctx context.Context, actorID string, amount decimal.Decimal) error
}

// Publisher emits lifecycle events onto the durable log.
type Publisher interface {
	Publish(ctx context.Context, evt transaction.Event) error
}

// Processor is the transaction state machine orchestrator.
type Processor struct {
	accounts     store.AccountStore
	transactions store.TransactionStore
	validator    Validator
	locks        cache.LockManager
	publisher    Publisher
	logger       *zap.Logger
}

// New builds a processor over its collaborators.
func New(accounts store.AccountStore, transactions store.TransactionStore, validator Validator, locks cache.LockManager, publisher Publisher, logger *zap.Logger) (*Processor, error) {
	if accounts == nil {
		return nil, ErrNilAccounts
	}

	if transactions == nil {
		return nil, ErrNilTransactions
	}

	if validator == nil {
		return nil, ErrNilValidator
	}

	if locks == nil {
		return nil, ErrNilLocks
	}

	if publisher == nil {
		return nil, ErrNilPublisher
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Processor{
		accounts:     accounts,
		transactions: transactions,
		validator:    validator,
		locks:        locks,
		publisher:    publisher,
		logger:       logger,
	}, nil
}

// Submit validates, serializes, and executes a money movement. On return the
// transaction is in a terminal state (COMPLETED or FAILED) unless validation
// or lock acquisition rejected it before any record was created.
func (p *Processor) Submit(ctx context.Context, typ transaction.Type, sourceID, destinationID string, amount decimal.Decimal, description string) (*transaction.Transaction, error) {
	tx, err := transaction.New(typ, sourceID, destinationID, amount, description)
	if err != nil {
		return nil, err
	}

	if err := p.validator.Check(ctx, tx.Actor(), amount, typ); err != nil {
		p.logger.Info("transaction rejected by validator",
			zap.String("actor_id", tx.Actor()),
			zap.String("type", string(typ)),
			zap.Error(err),
		)

		return nil, err
	}

	err = p.withActorLocks(ctx, tx.Accounts(), func(ctx context.Context) error {
		return p.execute(ctx, tx)
	})
	if err != nil {
		if errors.Is(err, cache.ErrLockBusy) {
			return nil, transaction.NewDomainError(transaction.ErrorResourceBusy, "actorId",
				"another operation on this account is in progress, try again")
		}

		return tx, err
	}

	return tx, nil
}

// execute runs under the actor locks: persist PENDING, apply the balance
// effects, and transition to the terminal state, emitting an event for each
// transition.
func (p *Processor) execute(ctx context.Context, tx *transaction.Transaction) error {
	if err := p.transactions.Create(ctx, tx); err != nil {
		return fmt.Errorf("persist transaction: %w", err)
	}

	p.emit(ctx, transaction.NewEvent(tx.ID, transaction.EventInitiated))

	if err := p.applyBalances(ctx, tx); err != nil {
		p.fail(ctx, tx, err)

		return err
	}

	if err := p.transactions.UpdateStatus(ctx, tx.ID, transaction.StatusCompleted, ""); err != nil {
		return fmt.Errorf("complete transaction %s: %w", tx.ID, err)
	}

	tx.Status = transaction.StatusCompleted
	tx.UpdatedAt = time.Now().UTC()

	if err := p.validator.RecordUsage(ctx, tx.Actor(), tx.Amount); err != nil {
		p.logger.Warn("failed to record usage",
			zap.String("actor_id", tx.Actor()),
			zap.Error(err),
		)
	}

	p.emit(ctx, transaction.NewEvent(tx.ID, transaction.EventCompleted))

	p.logger.Info("transaction completed",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.String()),
	)

	return nil
}

// applyBalances mutates the involved accounts. For a transfer the debit and
// credit must both land or neither: if the credit fails after the debit, the
// source balance is restored before the error propagates.
func (p *Processor) applyBalances(ctx context.Context, tx *transaction.Transaction) error {
	switch tx.Type {
	case transaction.TypeTransfer:
		return p.applyTransfer(ctx, tx)
	case transaction.TypeDeposit:
		destination, err := p.eligibleAccount(ctx, tx.DestinationID)
		if err != nil {
			return err
		}

		return p.accounts.UpdateBalance(ctx, destination.ID, destination.Balance.Add(tx.Amount))
	case transaction.TypeWithdrawal:
		source, err := p.debitableAccount(ctx, tx.SourceID, tx.Amount)
		if err != nil {
			return err
		}

		return p.accounts.UpdateBalance(ctx, source.ID, source.Balance.Sub(tx.Amount))
	default:
		return transaction.NewDomainError(transaction.ErrorInvalidInput, "type",
			fmt.Sprintf("unknown transaction type %q", tx.Type))
	}
}

func (p *Processor) applyTransfer(ctx context.Context, tx *transaction.Transaction) error {
	source, err := p.debitableAccount(ctx, tx.SourceID, tx.Amount)
	if err != nil {
		return err
	}

	destination, err := p.eligibleAccount(ctx, tx.DestinationID)
	if err != nil {
		return err
	}

	if err := p.accounts.UpdateBalance(ctx, source.ID, source.Balance.Sub(tx.Amount)); err != nil {
		return fmt.Errorf("debit %s: %w", source.ID, err)
	}

	if err := p.accounts.UpdateBalance(ctx, destination.ID, destination.Balance.Add(tx.Amount)); err != nil {
		if restoreErr := p.accounts.UpdateBalance(ctx, source.ID, source.Balance); restoreErr != nil {
			p.logger.Error("failed to restore source balance after credit failure",
				zap.String("transaction_id", tx.ID.String()),
				zap.String("source_id", source.ID),
				zap.Error(restoreErr),
			)
		}

		return fmt.Errorf("credit %s: %w", destination.ID, err)
	}

	return nil
}

func (p *Processor) eligibleAccount(ctx context.Context, id string) (store.Account, error) {
	account, err := p.accounts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return store.Account{}, transaction.NewDomainError(transaction.ErrorAccountIneligibility, "accountId",
				fmt.Sprintf("account %s does not exist", id))
		}

		return store.Account{}, err
	}

	if !account.Active() {
		return store.Account{}, transaction.NewDomainError(transaction.ErrorAccountStatusRestriction, "accountId",
			fmt.Sprintf("account %s is %s", id, account.Status))
	}

	return account, nil
}

func (p *Processor) debitableAccount(ctx context.Context, id string, amount decimal.Decimal) (store.Account, error) {
	account, err := p.eligibleAccount(ctx, id)
	if err != nil {
		return store.Account{}, err
	}

	if account.Balance.LessThan(amount) {
		return store.Account{}, transaction.NewDomainError(transaction.ErrorInsufficientFunds, "amount",
			fmt.Sprintf("account %s balance %s cannot cover %s", id, account.Balance, amount))
	}

	return account, nil
}

// fail transitions the transaction to FAILED with the cause recorded. The
// cause itself propagates to the caller; a failure to record it is logged but
// must not mask the original error.
func (p *Processor) fail(ctx context.Context, tx *transaction.Transaction, cause error) {
	if err := p.transactions.UpdateStatus(ctx, tx.ID, transaction.StatusFailed, cause.Error()); err != nil {
		p.logger.Error("failed to mark transaction FAILED",
			zap.String("transaction_id", tx.ID.String()),
			zap.Error(err),
		)

		return
	}

	tx.Status = transaction.StatusFailed
	tx.ErrorDetail = cause.Error()
	tx.UpdatedAt = time.Now().UTC()

	p.emit(ctx, transaction.NewEventWithDetail(tx.ID, transaction.EventFailed, cause.Error()))
}

// Cancel withdraws a transaction that has not started mutating balances. It
// is legal only while PENDING; any other status is an invalid operation.
func (p *Processor) Cancel(ctx context.Context, id uuid.UUID) error {
	tx, err := p.transactions.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return p.withActorLocks(ctx, tx.Accounts(), func(ctx context.Context) error {
		// Re-read under the lock: the processor may have driven it to a
		// terminal state while we waited.
		current, err := p.transactions.GetByID(ctx, id)
		if err != nil {
			return err
		}

		if current.Status != transaction.StatusPending {
			return transaction.NewDomainError(transaction.ErrorInvalidStateTransition, "status",
				fmt.Sprintf("cannot cancel a %s transaction", current.Status))
		}

		if err := p.transactions.UpdateStatus(ctx, id, transaction.StatusCancelled, "cancelled by caller"); err != nil {
			return fmt.Errorf("cancel transaction %s: %w", id, err)
		}

		p.emit(ctx, transaction.NewEvent(id, transaction.EventCancelled))

		p.logger.Info("transaction cancelled", zap.String("transaction_id", id.String()))

		return nil
	})
}

// GetByID returns the transaction record.
func (p *Processor) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return p.transactions.GetByID(ctx, id)
}

// GetHistory lists transactions touching the account within the optional
// time bounds, newest first.
func (p *Processor) GetHistory(ctx context.Context, accountID string, from, to *time.Time) ([]*transaction.Transaction, error) {
	return p.transactions.History(ctx, accountID, store.HistoryFilter{From: from, To: to})
}

// withActorLocks acquires the lock for every involved account in a fixed
// order before running fn. The ordering makes two mirror-image transfers
// acquire in the same sequence instead of deadlocking.
func (p *Processor) withActorLocks(ctx context.Context, accountIDs []string, fn func(context.Context) error) error {
	keys := OrderedLockKeys(accountIDs)

	var run func(ctx context.Context, remaining []string) error

	run = func(ctx context.Context, remaining []string) error {
		if len(remaining) == 0 {
			return fn(ctx)
		}

		return p.locks.WithLock(ctx, remaining[0], func(ctx context.Context) error {
			return run(ctx, remaining[1:])
		})
	}

	return run(ctx, keys)
}

// OrderedLockKeys maps account ids to their lock keys in a fixed total order.
// Any deterministic order prevents deadlock between overlapping lock sets;
// lexicographic comparison of the raw ids is the one used here.
func OrderedLockKeys(accountIDs []string) []string {
	ids := slices.Clone(accountIDs)
	slices.SortFunc(ids, strings.Compare)
	ids = slices.Compact(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cache.LockKey(id)
	}

	return keys
}

func (p *Processor) emit(ctx context.Context, evt transaction.Event) {
	if err := p.publisher.Publish(ctx, evt); err != nil {
		p.logger.Error("failed to publish lifecycle event",
			zap.String("transaction_id", evt.TransactionID.String()),
			zap.String("event_type", string(evt.EventType)),
			zap.Error(err),
		)
	}
}
