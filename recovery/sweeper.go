package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fincore/transact/cache"
	"github.com/fincore/transact/processor"
	"github.com/fincore/transact/store"
	"github.com/fincore/transact/transaction"
)

const (
	appliedMarkerPrefix = "recovery:applied:"
	appliedMarkerTTL    = 24 * time.Hour

	reasonUnableToComplete    = "unable to complete during recovery"
	reasonInconsistentBalance = "inconsistent balances during recovery"
)

var (
	// ErrNilTransactions indicates the sweeper was built without a transaction store.
	ErrNilTransactions = errors.New("recovery: transaction store is nil")

	// ErrNilAccounts indicates the sweeper was built without an account store.
	ErrNilAccounts = errors.New("recovery: account store is nil")

	// ErrNilLocks indicates the sweeper was built without a lock manager.
	ErrNilLocks = errors.New("recovery: lock manager is nil")

	// ErrNilCache indicates the sweeper was built without a cache client.
	ErrNilCache = errors.New("recovery: cache client is nil")

	// ErrNilCompensator indicates the sweeper was built without a compensator.
	ErrNilCompensator = errors.New("recovery: compensator is nil")

	// ErrNilPublisher indicates the sweeper was built without a publisher.
	ErrNilPublisher = errors.New("recovery: publisher is nil")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("recovery: sweeper already started")
)

// Compensator reverses a transaction that recovery cannot complete.
type Compensator interface {
	Compensate(ctx context.Context, tx *transaction.Transaction, reason string) error
}

// Publisher emits lifecycle events onto the durable log.
type Publisher interface {
	Publish(ctx context.Context, evt transaction.Event) error
}

// Config tunes the sweep cadence.
type Config struct {
	// Interval is the pause between sweeps.
	Interval time.Duration

	// StalenessThreshold is the age past which a PENDING transaction is
	// considered stuck.
	StalenessThreshold time.Duration

	// BatchSize bounds how many stuck transactions one sweep picks up.
	BatchSize int

	Logger *zap.Logger
}

func (cfg *Config) normalize() {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}

	if cfg.StalenessThreshold == 0 {
		cfg.StalenessThreshold = 15 * time.Minute
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Sweeper is the background recovery task.
type Sweeper struct {
	cfg          Config
	accounts     store.AccountStore
	transactions store.TransactionStore
	locks        cache.LockManager
	kv           *cache.Client
	compensator  Compensator
	publisher    Publisher
	logger       *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSweeper builds a recovery sweeper over its collaborators.
func NewSweeper(cfg Config, accounts store.AccountStore, transactions store.TransactionStore, locks cache.LockManager, kv *cache.Client, compensator Compensator, publisher Publisher) (*Sweeper, error) {
	if accounts == nil {
		return nil, ErrNilAccounts
	}

	if transactions == nil {
		return nil, ErrNilTransactions
	}

	if locks == nil {
		return nil, ErrNilLocks
	}

	if kv == nil {
		return nil, ErrNilCache
	}

	if compensator == nil {
		return nil, ErrNilCompensator
	}

	if publisher == nil {
		return nil, ErrNilPublisher
	}

	cfg.normalize()

	return &Sweeper{
		cfg:          cfg,
		accounts:     accounts,
		transactions: transactions,
		locks:        locks,
		kv:           kv,
		compensator:  compensator,
		publisher:    publisher,
		logger:       cfg.Logger,
	}, nil
}

// Start launches the periodic sweep until Stop is called or the context is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("recovery sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("staleness_threshold", s.cfg.StalenessThreshold),
	)

	return nil
}

// Stop halts the periodic sweep and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-stopped
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("recovery sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep performs one pass over stale PENDING transactions and returns how
// many it drove to a terminal state.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.StalenessThreshold)

	stale, err := s.transactions.StalePending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("recovery: list stale transactions: %w", err)
	}

	recovered := 0

	for _, tx := range stale {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}

		done, err := s.recover(ctx, tx)
		if err != nil {
			s.logger.Error("failed to recover transaction",
				zap.String("transaction_id", tx.ID.String()),
				zap.Error(err),
			)

			continue
		}

		if done {
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovery sweep finished",
			zap.Int("stale", len(stale)),
			zap.Int("recovered", recovered),
		)
	}

	return recovered, nil
}

// recover drives one stuck transaction to a terminal state under its actor
// locks. It reports true when the transaction reached a terminal state in
// this pass.
func (s *Sweeper) recover(ctx context.Context, tx *transaction.Transaction) (bool, error) {
	unlock, acquired, err := s.acquireAll(ctx, processor.OrderedLockKeys(tx.Accounts()))
	if err != nil {
		return false, err
	}

	if !acquired {
		// Another sweep instance or the processor owns the actor right now.
		return false, nil
	}

	defer unlock()

	// Re-read under the locks: the owner may have finished the job already.
	current, err := s.transactions.GetByID(ctx, tx.ID)
	if err != nil {
		return false, err
	}

	if current.Status != transaction.StatusPending {
		return false, nil
	}

	if reason := s.verify(ctx, current); reason != "" {
		s.logger.Warn("stale transaction cannot be completed, compensating",
			zap.String("transaction_id", current.ID.String()),
			zap.String("reason", reason),
		)

		if err := s.compensator.Compensate(ctx, current, reason); err != nil {
			return false, err
		}

		return true, nil
	}

	if err := s.complete(ctx, current); err != nil {
		return false, err
	}

	return true, nil
}

// verify checks that the transaction can still be applied: every involved
// account is active and the source covers the amount. An empty reason means
// the transaction is completable.
func (s *Sweeper) verify(ctx context.Context, tx *transaction.Transaction) string {
	for _, id := range tx.Accounts() {
		account, err := s.accounts.Get(ctx, id)
		if err != nil || !account.Active() {
			return reasonUnableToComplete
		}

		if id == tx.SourceID && account.Balance.LessThan(tx.Amount) {
			return reasonInconsistentBalance
		}
	}

	return ""
}

// complete applies the balance effects exactly once, guarded by the applied
// marker, then transitions to COMPLETED. If the marker is already present a
// previous pass applied the effects and crashed before the status write; only
// the transition remains.
func (s *Sweeper) complete(ctx context.Context, tx *transaction.Transaction) error {
	fresh, err := s.kv.SetIfAbsent(ctx, appliedMarkerPrefix+tx.ID.String(), "1", appliedMarkerTTL)
	if err != nil {
		return fmt.Errorf("recovery: applied marker for %s: %w", tx.ID, err)
	}

	if fresh {
		if err := s.applyBalances(ctx, tx); err != nil {
			if delErr := s.kv.Delete(ctx, appliedMarkerPrefix+tx.ID.String()); delErr != nil {
				s.logger.Error("failed to clear applied marker",
					zap.String("transaction_id", tx.ID.String()),
					zap.Error(delErr),
				)
			}

			// applyBalances leaves the accounts untouched on failure, so
			// there is nothing to reverse. Compensation here would undo
			// effects that were never applied.
			return s.fail(ctx, tx, fmt.Sprintf("%s: %v", reasonUnableToComplete, err))
		}
	}

	if err := s.transactions.UpdateStatus(ctx, tx.ID, transaction.StatusCompleted, ""); err != nil {
		return fmt.Errorf("recovery: complete %s: %w", tx.ID, err)
	}

	s.emit(ctx, transaction.NewEvent(tx.ID, transaction.EventCompletedByRecovery))

	s.logger.Info("transaction completed by recovery",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("type", string(tx.Type)),
	)

	return nil
}

// fail marks a stale transaction FAILED when its effects could not be
// applied, recording the cause.
func (s *Sweeper) fail(ctx context.Context, tx *transaction.Transaction, detail string) error {
	if err := s.transactions.UpdateStatus(ctx, tx.ID, transaction.StatusFailed, detail); err != nil {
		return fmt.Errorf("recovery: fail %s: %w", tx.ID, err)
	}

	s.emit(ctx, transaction.NewEventWithDetail(tx.ID, transaction.EventFailed, detail))

	s.logger.Warn("transaction failed during recovery",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("detail", detail),
	)

	return nil
}

func (s *Sweeper) applyBalances(ctx context.Context, tx *transaction.Transaction) error {
	if tx.SourceID != "" {
		source, err := s.accounts.Get(ctx, tx.SourceID)
		if err != nil {
			return err
		}

		if err := s.accounts.UpdateBalance(ctx, tx.SourceID, source.Balance.Sub(tx.Amount)); err != nil {
			return fmt.Errorf("debit %s: %w", tx.SourceID, err)
		}
	}

	if tx.DestinationID != "" {
		destination, err := s.accounts.Get(ctx, tx.DestinationID)
		if err != nil {
			return err
		}

		if err := s.accounts.UpdateBalance(ctx, tx.DestinationID, destination.Balance.Add(tx.Amount)); err != nil {
			if tx.SourceID != "" {
				source, getErr := s.accounts.Get(ctx, tx.SourceID)
				if getErr == nil {
					_ = s.accounts.UpdateBalance(ctx, tx.SourceID, source.Balance.Add(tx.Amount))
				}
			}

			return fmt.Errorf("credit %s: %w", tx.DestinationID, err)
		}
	}

	return nil
}

// acquireAll takes every lock with a single try each, releasing the ones
// taken so far when any is contended.
func (s *Sweeper) acquireAll(ctx context.Context, keys []string) (func(), bool, error) {
	handles := make([]cache.LockHandle, 0, len(keys))

	unlock := func() {
		for i := len(handles) - 1; i >= 0; i-- {
			if err := handles[i].Unlock(ctx); err != nil {
				s.logger.Warn("failed to release recovery lock", zap.Error(err))
			}
		}
	}

	for _, key := range keys {
		handle, acquired, err := s.locks.TryLock(ctx, key)
		if err != nil {
			unlock()

			return nil, false, err
		}

		if !acquired {
			unlock()

			return nil, false, nil
		}

		handles = append(handles, handle)
	}

	return unlock, true, nil
}

func (s *Sweeper) emit(ctx context.Context, evt transaction.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Error("failed to publish recovery event",
			zap.String("transaction_id", evt.TransactionID.String()),
			zap.String("event_type", string(evt.EventType)),
			zap.Error(err),
		)
	}
}
