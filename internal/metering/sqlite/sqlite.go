package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"

	"github.com/traindesk/traindesk/internal/metering"
)

// SQLite extended result codes for unique-constraint failures.
const (
	codeConstraintPrimaryKey = 1555
	codeConstraintUnique     = 2067
)

// Store implements metering.Store backed by SQLite. The account's version
// token is persisted as unix nanoseconds so the compare-and-swap match is
// exact rather than subject to timestamp string formatting.
type Store struct {
	db *sql.DB
}

var _ metering.Store = (*Store)(nil)

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single writer; concurrent chargers queue on the pool instead of
	// tripping SQLITE_BUSY mid-transaction.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
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
	user_id INTEGER PRIMARY KEY,
	balance INTEGER NOT NULL CHECK(balance >= 0),
	reset_at TIMESTAMP NOT NULL,
	renewal_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES token_accounts(user_id),
	feature TEXT NOT NULL,
	mode TEXT NOT NULL,
	request_id TEXT,
	meta TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
	if err := fn(&sqliteTx{tx: tx}); err != nil {
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
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO token_accounts(user_id, balance, reset_at, renewal_at, created_at, updated_at_ns)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO NOTHING`,
		userID, grant, now, now.AddDate(0, 1, 0), now, now.UnixNano())
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
UPDATE token_accounts SET balance = balance + ?, updated_at_ns = ? WHERE user_id = ?`,
		amount, time.Now().UTC().UnixNano(), userID)
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

// ListRecent returns the latest entries for a user, newest first.
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
WHERE user_id = ?`
	args := []any{userID}
	if len(features) > 0 {
		query += ` AND feature IN (?` + strings.Repeat(",?", len(features)-1) + `)`
		for _, f := range features {
			args = append(args, f)
		}
	}
	query += `
ORDER BY created_at DESC, id DESC
LIMIT ?`
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
	COALESCE(SUM(CAST(json_extract(meta, '$.tokens_spent') AS INTEGER)), 0) AS spent,
	COUNT(*) AS entries
FROM usage_log
WHERE user_id = ?
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

// sqliteTx implements metering.Tx over one database transaction.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Account(ctx context.Context, userID int64) (*metering.Account, error) {
	return scanAccount(t.tx.QueryRowContext(ctx, accountQuery, userID))
}

func (t *sqliteTx) FindEntry(ctx context.Context, userID int64, feature string, mode metering.Mode, requestID string) (*metering.LogEntry, error) {
	return findEntry(ctx, t.tx, userID, feature, mode, requestID)
}

func (t *sqliteTx) DeductBalance(ctx context.Context, userID, amount int64, version time.Time) (int64, bool, error) {
	if amount < 0 {
		return 0, false, errors.New("deduct amount must not be negative")
	}
	next := time.Now().UTC()
	if !next.After(version) {
		// The version token must advance even if the clock has not.
		next = version.Add(time.Nanosecond)
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE token_accounts
SET balance = balance - ?, updated_at_ns = ?
WHERE user_id = ? AND updated_at_ns = ? AND balance >= ?`,
		amount, next.UnixNano(), userID, version.UnixNano(), amount)
	if err != nil {
		return 0, false, fmt.Errorf("deduct update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		return 0, false, nil
	}
	var balance int64
	if err := t.tx.QueryRowContext(ctx, `SELECT balance FROM token_accounts WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return 0, false, fmt.Errorf("read balance after deduct: %w", err)
	}
	return balance, true, nil
}

func (t *sqliteTx) InsertEntry(ctx context.Context, entry *metering.LogEntry) error {
	if entry.UserID == 0 {
		return errors.New("usage entry requires user id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	requestID := sql.NullString{String: entry.RequestID, Valid: entry.RequestID != ""}
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO usage_log(user_id, feature, mode, request_id, meta, created_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		entry.UserID, entry.Feature, string(entry.Mode), requestID, entry.Meta, created)
	if err != nil {
		if isUniqueViolation(err) {
			return metering.ErrDuplicateEntry
		}
		return fmt.Errorf("insert usage entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	entry.CreatedAt = created
	return nil
}

const accountQuery = `
SELECT user_id, balance, reset_at, renewal_at, created_at, updated_at_ns
FROM token_accounts
WHERE user_id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*metering.Account, error) {
	var acct metering.Account
	var updatedNS int64
	err := row.Scan(&acct.UserID, &acct.Balance, &acct.ResetAt, &acct.RenewalAt, &acct.CreatedAt, &updatedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	acct.UpdatedAt = time.Unix(0, updatedNS).UTC()
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
	entry, err := scanEntryRow(q.QueryRowContext(ctx, `
SELECT id, user_id, feature, mode, request_id, meta, created_at
FROM usage_log
WHERE user_id = ? AND feature = ? AND mode = ? AND request_id = ?`,
		userID, feature, string(mode), requestID))
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func scanEntryRow(row *sql.Row) (*metering.LogEntry, error) {
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == codeConstraintUnique || code == codeConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
