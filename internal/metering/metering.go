package metering

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Mode distinguishes how a feature result was produced. Only AI results are
// billed today; the column exists so non-AI execution paths can share the
// usage log later without a schema change.
type Mode string

const (
	ModeAI Mode = "ai"
)

// Feature names used by the coaching backend. Callers may pass any non-empty
// string; these are the ones currently wired to AI endpoints.
const (
	FeatureTip           = "tip"
	FeatureTrainingPlan  = "training-plan"
	FeatureNutritionPlan = "nutrition-plan"
)

// Account is a user's prepaid token balance. Balance never goes below zero;
// UpdatedAt doubles as the optimistic-concurrency version token and must
// advance on every successful deduction.
type Account struct {
	UserID    int64     `json:"user_id"`
	Balance   int64     `json:"balance"`
	ResetAt   time.Time `json:"reset_at"`
	RenewalAt time.Time `json:"renewal_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usage is the provider's token-count breakdown for a single completion.
// Counts are float64 because some providers report fractional estimates;
// the charge is always rounded to whole ledger tokens.
type Usage struct {
	PromptTokens     float64 `json:"prompt_tokens"`
	CompletionTokens float64 `json:"completion_tokens"`
	TotalTokens      float64 `json:"total_tokens"`
}

// ExecutionResult carries what the AI call produced and everything the
// ledger needs to bill it. RequestID is caller-supplied and optional; when
// empty the charge is never treated as a retry.
type ExecutionResult struct {
	Payload   json.RawMessage `json:"payload,omitempty"`
	Model     string          `json:"model"`
	RequestID string          `json:"request_id,omitempty"`
	Usage     Usage           `json:"usage"`
}

// LogEntry is one billed operation. For a non-empty RequestID at most one
// committed entry exists per (UserID, Feature, Mode, RequestID); that
// uniqueness is the idempotency anchor.
type LogEntry struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Feature   string    `json:"feature"`
	Mode      Mode      `json:"mode"`
	RequestID string    `json:"request_id,omitempty"`
	Meta      JSONMap   `json:"meta"`
	CreatedAt time.Time `json:"created_at"`
}

// Meta keys written by the charger.
const (
	metaBalanceAfter     = "balance_after"
	metaTokensSpent      = "tokens_spent"
	metaModel            = "model"
	metaPromptTokens     = "prompt_tokens"
	metaCompletionTokens = "completion_tokens"
	metaTotalTokens      = "total_tokens"
	metaInputCost        = "input_cost"
	metaOutputCost       = "output_cost"
)

// BalanceAfter extracts the recorded post-charge balance from an entry's
// meta. JSON numbers decode as float64, so the lookup tolerates both.
func (e *LogEntry) BalanceAfter() (int64, bool) {
	v, ok := e.Meta[metaBalanceAfter]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// ChargeResult is returned to the caller after a charge attempt. A replayed
// request reports TokensSpent zero and the balance recorded by the original
// charge.
type ChargeResult struct {
	TokensSpent      int64 `json:"tokens_spent"`
	BalanceAfter     int64 `json:"balance_after"`
	IdempotentReplay bool  `json:"idempotent_replay"`
}

// Summary aggregates billed usage for a user.
type Summary struct {
	TotalCharged int64            `json:"total_charged"`
	Entries      int64            `json:"entries"`
	ByFeature    map[string]int64 `json:"by_feature"`
}

// Tx is the transactional view of the ledger. The idempotency lookup, the
// conditional deduction and the log insert all run against one Tx so a crash
// or cancellation can never charge a balance without the matching entry.
type Tx interface {
	// Account reads the balance row, or nil when the user has no ledger.
	Account(ctx context.Context, userID int64) (*Account, error)

	// FindEntry looks up a committed entry for the idempotency tuple.
	// Returns nil when no entry exists or requestID is empty.
	FindEntry(ctx context.Context, userID int64, feature string, mode Mode, requestID string) (*LogEntry, error)

	// DeductBalance performs the compare-and-swap:
	//   UPDATE ... SET balance = balance - amount, updated_at = now
	//   WHERE user_id = ? AND updated_at = version AND balance >= amount
	// ok reports whether a row was affected. A miss means the balance was
	// insufficient or another writer advanced the version first; callers
	// treat both the same and do not retry.
	DeductBalance(ctx context.Context, userID, amount int64, version time.Time) (newBalance int64, ok bool, err error)

	// InsertEntry appends the usage log row. A uniqueness violation on the
	// idempotency tuple is reported as ErrDuplicateEntry.
	InsertEntry(ctx context.Context, entry *LogEntry) error
}

// Store is the persistence boundary for the token ledger.
type Store interface {
	// InTx runs fn inside a single transaction; any error from fn rolls the
	// transaction back completely.
	InTx(ctx context.Context, fn func(Tx) error) error

	// Account reads the balance row outside a transaction.
	Account(ctx context.Context, userID int64) (*Account, error)

	// EnsureAccount creates the user's ledger with the given grant if it
	// does not exist yet, and returns the current row either way.
	// Provisioning is an admin concern, never part of the charge path.
	EnsureAccount(ctx context.Context, userID, grant int64) (*Account, error)

	// Credit adds tokens to an existing account (replenishment).
	Credit(ctx context.Context, userID, amount int64) (*Account, error)

	// FindEntry is the non-transactional idempotency lookup, used to
	// reconcile a lost insert race after rollback.
	FindEntry(ctx context.Context, userID int64, feature string, mode Mode, requestID string) (*LogEntry, error)

	// ListRecent returns the latest entries for a user, optionally filtered
	// to a set of features.
	ListRecent(ctx context.Context, userID int64, limit int, features ...string) ([]LogEntry, error)

	// Summary aggregates charged tokens per feature for a user.
	Summary(ctx context.Context, userID int64) (Summary, error)

	Close() error
}

// JSONMap stores free-form metadata as a JSON column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported meta type %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}
