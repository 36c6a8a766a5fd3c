package metering

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/traindesk/traindesk/internal/pricing"
)

// ExecuteFunc is the caller-supplied AI call. It runs before any ledger
// access so an upstream failure is always free, and it must not rely on the
// ledger holding any lock while it runs.
type ExecuteFunc func(ctx context.Context) (*ExecutionResult, error)

// Charger gates AI feature calls against the prepaid token ledger. It is
// safe for concurrent use; contention on a user's balance is resolved by the
// store's conditional update, not by locking in here.
type Charger struct {
	store  Store
	rates  pricing.Table
	logger *log.Logger
}

// NewCharger wires the charger to its store and rate table.
func NewCharger(store Store, rates pricing.Table) *Charger {
	return &Charger{
		store:  store,
		rates:  rates,
		logger: log.New(log.Writer(), "[metering] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default prefixed logger.
func (c *Charger) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// ChargeForExecution runs the AI call and bills its reported usage. If
// execute fails the error is surfaced as an upstream failure and the ledger
// is untouched: no deduction, no log entry.
//
// Two concurrent calls for the same user may both run execute; only the
// billing afterwards is serialized by the balance row's version check.
func (c *Charger) ChargeForExecution(ctx context.Context, userID int64, feature string, mode Mode, execute ExecuteFunc) (*ExecutionResult, *ChargeResult, error) {
	res, err := execute(ctx)
	if err != nil {
		return nil, nil, upstream(err)
	}
	if res == nil {
		return nil, nil, upstream(errors.New("execution returned no result"))
	}
	charge, err := c.ChargeForResult(ctx, userID, feature, mode, res)
	if err != nil {
		return res, nil, err
	}
	return res, charge, nil
}

// ChargeForResult bills an already-obtained execution result. The
// idempotency lookup, the conditional deduction and the log insert run in
// one transaction, so cancellation or a crash mid-charge leaves no partial
// state.
//
// A repeated request (same user, feature, mode and non-empty request id)
// replays the recorded outcome: TokensSpent 0, the original BalanceAfter,
// and no further mutation.
func (c *Charger) ChargeForResult(ctx context.Context, userID int64, feature string, mode Mode, res *ExecutionResult) (*ChargeResult, error) {
	if res == nil {
		return nil, internal(errors.New("nil execution result"))
	}
	if feature == "" {
		return nil, internal(errors.New("feature required"))
	}
	if mode == "" {
		mode = ModeAI
	}

	amount := ChargeAmount(res.Usage)
	var out *ChargeResult

	err := c.store.InTx(ctx, func(tx Tx) error {
		if res.RequestID != "" {
			prior, err := tx.FindEntry(ctx, userID, feature, mode, res.RequestID)
			if err != nil {
				return internal(fmt.Errorf("idempotency lookup: %w", err))
			}
			if prior != nil {
				replay, err := replayFrom(prior)
				if err != nil {
					return err
				}
				out = replay
				return nil
			}
		}

		acct, err := tx.Account(ctx, userID)
		if err != nil {
			return internal(fmt.Errorf("read account: %w", err))
		}
		if acct == nil {
			return internal(fmt.Errorf("user %d: %w", userID, ErrAccountNotFound))
		}
		if acct.Balance < amount {
			return insufficient()
		}

		newBalance, ok, err := tx.DeductBalance(ctx, userID, amount, acct.UpdatedAt)
		if err != nil {
			return internal(fmt.Errorf("deduct balance: %w", err))
		}
		if !ok {
			// Lost the version race or the stored balance dropped below the
			// amount since the read. Losers fail outright; the caller may
			// re-invoke the whole charge if it wants another attempt.
			return insufficient()
		}

		entry := &LogEntry{
			UserID:    userID,
			Feature:   feature,
			Mode:      mode,
			RequestID: res.RequestID,
			Meta:      c.entryMeta(res, amount, newBalance),
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			// ErrDuplicateEntry rolls the deduction back; reconciled below.
			return err
		}

		out = &ChargeResult{TokensSpent: amount, BalanceAfter: newBalance}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			return c.reconcileReplay(ctx, userID, feature, mode, res.RequestID)
		}
		var me *Error
		if errors.As(err, &me) {
			return nil, err
		}
		return nil, internal(err)
	}
	return out, nil
}

// reconcileReplay handles the losing side of a first-time idempotency race:
// both writers passed the lookup, the other one committed first, and our
// transaction rolled back on the unique constraint. The winner's entry is
// the authoritative outcome.
func (c *Charger) reconcileReplay(ctx context.Context, userID int64, feature string, mode Mode, requestID string) (*ChargeResult, error) {
	entry, err := c.store.FindEntry(ctx, userID, feature, mode, requestID)
	if err != nil {
		return nil, internal(fmt.Errorf("reconcile duplicate entry: %w", err))
	}
	if entry == nil {
		return nil, internal(fmt.Errorf("duplicate entry for user %d request %q vanished", userID, requestID))
	}
	c.logger.Printf("[INFO] reconciled duplicate charge user=%d feature=%s request_id=%s", userID, feature, requestID)
	return replayFrom(entry)
}

func replayFrom(entry *LogEntry) (*ChargeResult, error) {
	balance, ok := entry.BalanceAfter()
	if !ok {
		return nil, internal(fmt.Errorf("entry %d has no recorded balance", entry.ID))
	}
	return &ChargeResult{TokensSpent: 0, BalanceAfter: balance, IdempotentReplay: true}, nil
}

func (c *Charger) entryMeta(res *ExecutionResult, amount, newBalance int64) JSONMap {
	inputCost, outputCost := AuditCosts(res.Usage, c.rates.Lookup(res.Model))
	return JSONMap{
		metaBalanceAfter:     newBalance,
		metaTokensSpent:      amount,
		metaModel:            res.Model,
		metaPromptTokens:     res.Usage.PromptTokens,
		metaCompletionTokens: res.Usage.CompletionTokens,
		metaTotalTokens:      res.Usage.TotalTokens,
		metaInputCost:        inputCost,
		metaOutputCost:       outputCost,
	}
}
