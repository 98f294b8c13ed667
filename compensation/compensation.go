package compensation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fincore/transact/store"
	"github.com/fincore/transact/transaction"
)

var (
	// ErrNilAccounts indicates the service was built without an account store.
	ErrNilAccounts = errors.New("compensation: account store is nil")

	// ErrNilTransactions indicates the service was built without a transaction store.
	ErrNilTransactions = errors.New("compensation: transaction store is nil")

	// ErrNilPublisher indicates the service was built without a publisher.
	ErrNilPublisher = errors.New("compensation: publisher is nil")

	// ErrNilTransaction indicates Compensate was called with a nil transaction.
	ErrNilTransaction = errors.New("compensation: transaction is nil")
)

// Publisher emits lifecycle events onto the durable log.
type Publisher interface {
	Publish(ctx context.Context, evt transaction.Event) error
}

// Service reverses transactions.
type Service struct {
	accounts     store.AccountStore
	transactions store.TransactionStore
	publisher    Publisher
	logger       *zap.Logger
}

// NewService builds a compensation service.
func NewService(accounts store.AccountStore, transactions store.TransactionStore, publisher Publisher, logger *zap.Logger) (*Service, error) {
	if accounts == nil {
		return nil, ErrNilAccounts
	}

	if transactions == nil {
		return nil, ErrNilTransactions
	}

	if publisher == nil {
		return nil, ErrNilPublisher
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		accounts:     accounts,
		transactions: transactions,
		publisher:    publisher,
		logger:       logger,
	}, nil
}

// Compensate undoes the balance effects of the transaction and marks it
// ROLLED_BACK. If any reversal write fails the transaction is marked
// ROLLBACK_FAILED and the failure propagates; that state requires an
// operator. Every outcome emits a lifecycle event carrying the reason.
func (s *Service) Compensate(ctx context.Context, tx *transaction.Transaction, reason string) error {
	if tx == nil {
		return ErrNilTransaction
	}

	if err := s.reverse(ctx, tx); err != nil {
		detail := fmt.Sprintf("%s: %s", reason, err)

		if markErr := s.transactions.UpdateStatus(ctx, tx.ID, transaction.StatusRollbackFailed, detail); markErr != nil {
			s.logger.Error("failed to mark transaction ROLLBACK_FAILED",
				zap.String("transaction_id", tx.ID.String()),
				zap.Error(markErr),
			)
		}

		s.emit(ctx, transaction.NewEventWithDetail(tx.ID, transaction.EventCompensationFailed, detail))

		s.logger.Error("compensation failed, manual intervention required",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)

		return fmt.Errorf("compensate %s: %w", tx.ID, err)
	}

	if err := s.transactions.UpdateStatus(ctx, tx.ID, transaction.StatusRolledBack, reason); err != nil {
		return fmt.Errorf("compensate %s: mark rolled back: %w", tx.ID, err)
	}

	s.emit(ctx, transaction.NewEventWithDetail(tx.ID, transaction.EventCompensated, reason))

	s.logger.Info("transaction compensated",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("reason", reason),
	)

	return nil
}

// reverse applies the inverse balance delta for the transaction's type:
// transfers credit the source back and debit the destination, withdrawals
// credit the source, deposits debit the destination.
func (s *Service) reverse(ctx context.Context, tx *transaction.Transaction) error {
	if tx.SourceID != "" {
		source, err := s.accounts.Get(ctx, tx.SourceID)
		if err != nil {
			return fmt.Errorf("read source %s: %w", tx.SourceID, err)
		}

		if err := s.accounts.UpdateBalance(ctx, tx.SourceID, source.Balance.Add(tx.Amount)); err != nil {
			return fmt.Errorf("credit source %s: %w", tx.SourceID, err)
		}
	}

	if tx.DestinationID != "" {
		destination, err := s.accounts.Get(ctx, tx.DestinationID)
		if err != nil {
			return fmt.Errorf("read destination %s: %w", tx.DestinationID, err)
		}

		if err := s.accounts.UpdateBalance(ctx, tx.DestinationID, destination.Balance.Sub(tx.Amount)); err != nil {
			return fmt.Errorf("debit destination %s: %w", tx.DestinationID, err)
		}
	}

	return nil
}

func (s *Service) emit(ctx context.Context, evt transaction.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Error("failed to publish compensation event",
			zap.String("transaction_id", evt.TransactionID.String()),
			zap.String("event_type", string(evt.EventType)),
			zap.Error(err),
		)
	}
}
