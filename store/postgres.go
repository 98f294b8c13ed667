package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fincore/transact/transaction"
)

// ErrInvalidPostgresConfig indicates the postgres configuration is invalid.
var ErrInvalidPostgresConfig = errors.New("invalid postgres config")

// PostgresConfig defines primary/replica connection settings.
type PostgresConfig struct {
	// PrimaryDSN receives all mutations and transactional reads.
	PrimaryDSN string

	// ReplicaDSN serves history reads. Defaults to PrimaryDSN when empty.
	ReplicaDSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Logger *zap.Logger
}

func (cfg *PostgresConfig) normalize() error {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return fmt.Errorf("%w: primary DSN is required", ErrInvalidPostgresConfig)
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 20
	}

	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}

	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return nil
}

// PostgresStore implements AccountStore and TransactionStore on postgres.
// Mutations run on the primary; History and SumOutgoingSince are served by
// the resolver's replica side.
type PostgresStore struct {
	db     dbresolver.DB
	logger *zap.Logger
}

var (
	_ AccountStore     = (*PostgresStore)(nil)
	_ TransactionStore = (*PostgresStore)(nil)
)

// NewPostgresStore connects the primary and replica and returns a ready store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	primary, err := openDB(cfg, cfg.PrimaryDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connect primary: %w", err)
	}

	replica, err := openDB(cfg, cfg.ReplicaDSN)
	if err != nil {
		_ = primary.Close()

		return nil, fmt.Errorf("postgres connect replica: %w", err)
	}

	db := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	cfg.Logger.Info("connected to postgres")

	return &PostgresStore{db: db, logger: cfg.Logger}, nil
}

func openDB(cfg PostgresConfig, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// Close releases both connection pools.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Get returns the current account record.
func (p *PostgresStore) Get(ctx context.Context, id string) (Account, error) {
	const query = `
		SELECT id, balance, status, updated_at
		FROM accounts
		WHERE id = $1`

	var (
		account Account
		balance string
	)

	err := p.db.QueryRowContext(ctx, query, id).Scan(&account.ID, &balance, &account.Status, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("account %q: %w", id, ErrAccountNotFound)
	}

	if err != nil {
		return Account{}, fmt.Errorf("get account %q: %w", id, err)
	}

	account.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return Account{}, fmt.Errorf("account %q balance: %w", id, err)
	}

	return account, nil
}

// UpdateBalance overwrites the account balance on the primary.
func (p *PostgresStore) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	const query = `
		UPDATE accounts
		SET balance = $2, updated_at = now()
		WHERE id = $1`

	result, err := p.db.ExecContext(ctx, query, id, balance.String())
	if err != nil {
		return fmt.Errorf("update balance %q: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update balance %q: %w", id, err)
	}

	if affected == 0 {
		return fmt.Errorf("account %q: %w", id, ErrAccountNotFound)
	}

	return nil
}

// Create persists a new transaction record.
func (p *PostgresStore) Create(ctx context.Context, tx *transaction.Transaction) error {
	const query = `
		INSERT INTO transactions
			(id, type, source_id, destination_id, amount, status, description, error_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := p.db.ExecContext(ctx, query,
		tx.ID, string(tx.Type),
		nullableString(tx.SourceID), nullableString(tx.DestinationID),
		tx.Amount.String(), string(tx.Status),
		tx.Description, tx.ErrorDetail,
		tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create transaction %s: %w", tx.ID, err)
	}

	return nil
}

// UpdateStatus transitions a transaction under a row lock, enforcing the
// terminal-state and state-machine guards at the persistence boundary.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, status transaction.Status, errorDetail string) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update status %s: begin: %w", id, err)
	}
	defer func() { _ = dbTx.Rollback() }()

	var current transaction.Status

	err = dbTx.QueryRowContext(ctx,
		`SELECT status FROM transactions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("transaction %s: %w", id, ErrTransactionNotFound)
	}

	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}

	if !transaction.CanTransition(current, status) {
		if current.Terminal() {
			return fmt.Errorf("transaction %s is %s: %w", id, current, ErrTerminalState)
		}

		return fmt.Errorf("transaction %s: %s -> %s: %w", id, current, status, ErrIllegalTransition)
	}

	_, err = dbTx.ExecContext(ctx,
		`UPDATE transactions SET status = $2, error_detail = $3, updated_at = now() WHERE id = $1`,
		id, string(status), errorDetail,
	)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("update status %s: commit: %w", id, err)
	}

	return nil
}

// GetByID returns the transaction record.
func (p *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	const query = `
		SELECT id, type, source_id, destination_id, amount, status, description, error_detail, created_at, updated_at
		FROM transactions
		WHERE id = $1`

	tx, err := scanTransaction(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}

	return tx, nil
}

// History lists transactions touching the account, newest first.
func (p *PostgresStore) History(ctx context.Context, accountID string, filter HistoryFilter) ([]*transaction.Transaction, error) {
	query := `
		SELECT id, type, source_id, destination_id, amount, status, description, error_detail, created_at, updated_at
		FROM transactions
		WHERE (source_id = $1 OR destination_id = $1)`
	args := []any{accountID}

	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}

	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history %q: %w", accountID, err)
	}
	defer rows.Close()

	var result []*transaction.Transaction

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("history %q: %w", accountID, err)
		}

		result = append(result, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history %q: %w", accountID, err)
	}

	return result, nil
}

// StalePending lists PENDING transactions created before the cutoff.
func (p *PostgresStore) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]*transaction.Transaction, error) {
	const query = `
		SELECT id, type, source_id, destination_id, amount, status, description, error_detail, created_at, updated_at
		FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := p.db.QueryContext(ctx, query, string(transaction.StatusPending), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale pending: %w", err)
	}
	defer rows.Close()

	var result []*transaction.Transaction

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("stale pending: %w", err)
		}

		result = append(result, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale pending: %w", err)
	}

	return result, nil
}

// SumOutgoingSince totals completed outgoing amounts for the account.
func (p *PostgresStore) SumOutgoingSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	const query = `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE source_id = $1 AND status = $2 AND created_at >= $3`

	var total string

	err := p.db.QueryRowContext(ctx, query, accountID, string(transaction.StatusCompleted), since).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum outgoing %q: %w", accountID, err)
	}

	sum, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum outgoing %q: %w", accountID, err)
	}

	return sum, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var (
		tx           transaction.Transaction
		source, dest sql.NullString
		amount       string
	)

	err := row.Scan(
		&tx.ID, &tx.Type, &source, &dest, &amount,
		&tx.Status, &tx.Description, &tx.ErrorDetail,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.SourceID = source.String
	tx.DestinationID = dest.String

	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	return &tx, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
