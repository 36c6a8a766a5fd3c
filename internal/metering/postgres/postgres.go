package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/traindesk/traindesk/internal/metering"
)

const uniqueViolationCode = "23505"

// Store implements metering.Store backed by Postgres. The account's
// updated_at column is the optimistic-concurrency token; clock_timestamp()
// advances it on every successful deduction.
type Store struct {
	db *sql.DB
}

var _ metering.Store = (*Store)(nil)

// New opens a Postgres-backed ledger using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS token_accounts (
	user_id BIGINT PRIMARY KEY,
	balance BIGINT NOT NULL CHECK (balance >= 0),
	reset_at TIMESTAMPTZ NOT NULL,
	renewal_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_log (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES token_accounts(user_id),
	feature TEXT NOT NULL,
	mode TEXT NOT NULL,
	request_id TEXT,
	meta JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_log_request
	ON usage_log(user_id, feature, mode, request_id)
	WHERE request_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_usage_log_user_created
	ON usage_log(user_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a single transaction.
func (s *Store) InTx(ctx context.Context, fn func(metering.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Account reads the balance row outside a transaction.
func (s *Store) Account(ctx context.Context, userID int64) (*metering.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, accountQuery, userID))
}

// EnsureAccount provisions the user's ledger with the given grant if absent.
func (s *Store) EnsureAccount(ctx context.Context, userID, grant int64) (*metering.Account, error) {
	if userID == 0 {
		return nil, errors.New("user id required")
	}
	if grant < 0 {
		return nil, errors.New("grant must not be negative")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO token_accounts(user_id, balance, reset_at, renewal_at)
VALUES($1, $2, NOW(), NOW() + INTERVAL '1 month')
ON CONFLICT (user_id) DO NOTHING`, userID, grant)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return s.Account(ctx, userID)
}

// Credit adds tokens to an existing account.
func (s *Store) Credit(ctx context.Context, userID, amount int64) (*metering.Account, error) {
	if amount <= 0 {
		return nil, errors.New("credit amount must be positive")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE token_accounts SET balance = balance + $1, updated_at = clock_timestamp() WHERE user_id = $2`,
		amount, userID)
	if err != nil {
		return nil, fmt.Errorf("credit account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, metering.ErrAccountNotFound
	}
	return s.Account(ctx, userID)
}

// FindEntry is the non-transactional idempotency lookup.
func (s *Store) FindEntry(ctx context.Context, userID int64, feature string, mode metering.Mode, requestID string) (*metering.LogEntry, error) {
	return findEntry(ctx, s.db, userID, feature, mode, requestID)
}

// ListRecent returns the latest entries for a user, newest first. A feature
// filter narrows the listing when provided.
func (s *Store) ListRecent(ctx context.Context, userID int64, limit int, features ...string) ([]metering.LogEntry, error) {
	if userID == 0 {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, user_id, feature, mode, request_id, meta, created_at
FROM usage_log
WHERE user_id = $1`
	args := []any{userID}
	if len(features) > 0 {
		query += ` AND feature = ANY($2)`
		args = append(args, pq.Array(features))
	}
	query += fmt.Sprintf(`
ORDER BY created_at DESC, id DESC
LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []metering.LogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Summary aggregates charged tokens per feature for a user.
func (s *Store) Summary(ctx context.Context, userID int64) (metering.Summary, error) {
	if userID == 0 {
		return metering.Summary{}, errors.New("user id required")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT feature,
	COALESCE(SUM((meta->>'tokens_spent')::BIGINT), 0) AS spent,
	COUNT(*) AS entries
FROM usage_log
WHERE user_id = $1
GROUP BY feature`, userID)
	if err != nil {
		return metering.Summary{}, err
	}
	defer rows.Close()

	summary := metering.Summary{ByFeature: map[string]int64{}}
	for rows.Next() {
		var feature string
		var spent, count int64
		if err := rows.Scan(&feature, &spent, &count); err != nil {
			return metering.Summary{}, err
		}
		summary.ByFeature[feature] = spent
		summary.TotalCharged += spent
		summary.Entries += count
	}
	return summary, rows.Err()
}

// pgTx implements metering.Tx over one database transaction.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Account(ctx context.Context, userID int64) (*metering.Account, error) {
	return scanAccount(t.tx.QueryRowContext(ctx, accountQuery, userID))
}

func (t *pgTx) FindEntry(ctx context.Context, userID int64, feature string, mode metering.Mode, requestID string) (*metering.LogEntry, error) {
	return findEntry(ctx, t.tx, userID, feature, mode, requestID)
}

func (t *pgTx) DeductBalance(ctx context.Context, userID, amount int64, version time.Time) (int64, bool, error) {
	if amount < 0 {
		return 0, false, errors.New("deduct amount must not be negative")
	}
	var balance int64
	err := t.tx.QueryRowContext(ctx, `
UPDATE token_accounts
SET balance = balance - $1, updated_at = clock_timestamp()
WHERE user_id = $2 AND updated_at = $3 AND balance >= $1
RETURNING balance`,
		amount, userID, version).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("deduct update: %w", err)
	}
	return balance, true, nil
}

func (t *pgTx) InsertEntry(ctx context.Context, entry *metering.LogEntry) error {
	if entry.UserID == 0 {
		return errors.New("usage entry requires user id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	requestID := sql.NullString{String: entry.RequestID, Valid: entry.RequestID != ""}
	err := t.tx.QueryRowContext(ctx, `
INSERT INTO usage_log(user_id, feature, mode, request_id, meta, created_at)
VALUES($1, $2, $3, $4, $5, $6)
RETURNING id`,
		entry.UserID, entry.Feature, string(entry.Mode), requestID, entry.Meta, created).Scan(&entry.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return metering.ErrDuplicateEntry
		}
		return fmt.Errorf("insert usage entry: %w", err)
	}
	entry.CreatedAt = created
	return nil
}

const accountQuery = `
SELECT user_id, balance, reset_at, renewal_at, created_at, updated_at
FROM token_accounts
WHERE user_id = $1`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*metering.Account, error) {
	var acct metering.Account
	err := row.Scan(&acct.UserID, &acct.Balance, &acct.ResetAt, &acct.RenewalAt, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &acct, nil
}

func scanEntry(row rowScanner) (*metering.LogEntry, error) {
	var entry metering.LogEntry
	var requestID sql.NullString
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.Feature, &entry.Mode, &requestID, &entry.Meta, &entry.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan usage entry: %w", err)
	}
	entry.RequestID = requestID.String
	return &entry, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findEntry(ctx context.Context, q querier, userID int64, feature string, mode metering.Mode, requestID string) (*metering.LogEntry, error) {
	if requestID == "" {
		return nil, nil
	}
	entry, err := scanEntry(q.QueryRowContext(ctx, `
SELECT id, user_id, feature, mode, request_id, meta, created_at
FROM usage_log
WHERE user_id = $1 AND feature = $2 AND mode = $3 AND request_id = $4`,
		userID, feature, string(mode), requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
