package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/traindesk/traindesk/internal/pricing"
)

// fakeStore is an in-memory metering.Store with transaction rollback
// semantics: mutations inside InTx apply only when fn succeeds.
type fakeStore struct {
	mu          sync.Mutex
	accounts    map[int64]*Account
	entries     []*LogEntry
	deductCalls int
	insertHook  func(st *fakeStore, entry *LogEntry) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{accounts: map[int64]*Account{}}
}

func (f *fakeStore) seed(userID, balance int64) {
	f.accounts[userID] = &Account{
		UserID:    userID,
		Balance:   balance,
		UpdatedAt: time.Now().UTC(),
	}
}

type fakeTx struct {
	st       *fakeStore
	accounts map[int64]*Account
	entries  []*LogEntry
}

func (f *fakeStore) InTx(ctx context.Context, fn func(Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &fakeTx{st: f, accounts: map[int64]*Account{}, entries: append([]*LogEntry(nil), f.entries...)}
	for id, acct := range f.accounts {
		clone := *acct
		tx.accounts[id] = &clone
	}
	if err := fn(tx); err != nil {
		return err
	}
	f.accounts = tx.accounts
	f.entries = tx.entries
	return nil
}

func (t *fakeTx) Account(ctx context.Context, userID int64) (*Account, error) {
	acct, ok := t.accounts[userID]
	if !ok {
		return nil, nil
	}
	clone := *acct
	return &clone, nil
}

func (t *fakeTx) FindEntry(ctx context.Context, userID int64, feature string, mode Mode, requestID string) (*LogEntry, error) {
	return findFakeEntry(t.entries, userID, feature, mode, requestID), nil
}

func (t *fakeTx) DeductBalance(ctx context.Context, userID, amount int64, version time.Time) (int64, bool, error) {
	t.st.deductCalls++
	acct, ok := t.accounts[userID]
	if !ok || !acct.UpdatedAt.Equal(version) || acct.Balance < amount {
		return 0, false, nil
	}
	acct.Balance -= amount
	acct.UpdatedAt = acct.UpdatedAt.Add(time.Nanosecond)
	return acct.Balance, true, nil
}

func (t *fakeTx) InsertEntry(ctx context.Context, entry *LogEntry) error {
	if t.st.insertHook != nil {
		hook := t.st.insertHook
		t.st.insertHook = nil
		if err := hook(t.st, entry); err != nil {
			return err
		}
	}
	if entry.RequestID != "" && findFakeEntry(t.entries, entry.UserID, entry.Feature, entry.Mode, entry.RequestID) != nil {
		return ErrDuplicateEntry
	}
	entry.ID = int64(len(t.entries) + 1)
	t.entries = append(t.entries, entry)
	return nil
}

func (f *fakeStore) Account(ctx context.Context, userID int64) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[userID]
	if !ok {
		return nil, nil
	}
	clone := *acct
	return &clone, nil
}

func (f *fakeStore) EnsureAccount(ctx context.Context, userID, grant int64) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[userID]; !ok {
		f.seed(userID, grant)
	}
	clone := *f.accounts[userID]
	return &clone, nil
}

func (f *fakeStore) Credit(ctx context.Context, userID, amount int64) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct.Balance += amount
	acct.UpdatedAt = acct.UpdatedAt.Add(time.Nanosecond)
	clone := *acct
	return &clone, nil
}

func (f *fakeStore) FindEntry(ctx context.Context, userID int64, feature string, mode Mode, requestID string) (*LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return findFakeEntry(f.entries, userID, feature, mode, requestID), nil
}

func (f *fakeStore) ListRecent(ctx context.Context, userID int64, limit int, features ...string) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LogEntry
	for _, e := range f.entries {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeStore) Summary(ctx context.Context, userID int64) (Summary, error) {
	return Summary{}, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) entryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeStore) balance(userID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[userID].Balance
}

func findFakeEntry(entries []*LogEntry, userID int64, feature string, mode Mode, requestID string) *LogEntry {
	if requestID == "" {
		return nil
	}
	for _, e := range entries {
		if e.UserID == userID && e.Feature == feature && e.Mode == mode && e.RequestID == requestID {
			clone := *e
			return &clone
		}
	}
	return nil
}

func testResult(requestID string, prompt, completion, total float64) *ExecutionResult {
	return &ExecutionResult{
		Model:     "gpt-4o-mini",
		RequestID: requestID,
		Usage:     Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total},
	}
}

func TestChargeEqualsTotalTokens(t *testing.T) {
	st := newFakeStore()
	st.seed(1, 500)
	c := NewCharger(st, pricing.Table{"gpt-4o-mini": {InputPer1K: 0.15, OutputPer1K: 0.6}})

	charge, err := c.ChargeForResult(context.Background(), 1, FeatureTip, ModeAI, testResult("req-1", 40, 80, 120))
	if err != nil {
		t.Fatalf("ChargeForResult: %v", err)
	}
	if charge.TokensSpent != 120 {
		t.Fatalf("expected 120 tokens spent, got %d", charge.TokensSpent)
	}
	if charge.BalanceAfter != 380 {
		t.Fatalf("expected balance 380, got %d", charge.BalanceAfter)
	}
	if charge.IdempotentReplay {
		t.Fatalf("first charge must not be a replay")
	}
	if st.balance(1) != 380 {
		t.Fatalf("stored balance %d", st.balance(1))
	}
	if st.entryCount() != 1 {
		t.Fatalf("expected one log entry, got %d", st.entryCount())
	}

	entry, err := st.FindEntry(context.Background(), 1, FeatureTip, ModeAI, "req-1")
	if err != nil || entry == nil {
		t.Fatalf("FindEntry: %v %v", entry, err)
	}
	if after, ok := entry.BalanceAfter(); !ok || after != 380 {
		t.Fatalf("entry balance_after %d %v", after, ok)
	}
	if entry.Meta[metaModel] != "gpt-4o-mini" {
		t.Fatalf("entry model %v", entry.Meta[metaModel])
	}
}

func TestChargeSumsWhenTotalMissing(t *testing.T) {
	st := newFakeStore()
	st.seed(1, 500)
	c := NewCharger(st, nil)

	charge, err := c.ChargeForResult(context.Background(), 1, FeatureTip, ModeAI, testResult("", 40, 80, 0))
	if err != nil {
		t.Fatalf("ChargeForResult: %v", err)
	}
	if charge.TokensSpent != 120 {
		t.Fatalf("expected sum fallback 120, got %d", charge.TokensSpent)
	}
}

func TestIdempotentReplay(t *testing.T) {
	st := newFakeStore()
	st.seed(1, 500)
	c := NewCharger(st, nil)
	ctx := context.Background()

	first, err := c.ChargeForResult(ctx, 1, FeatureTrainingPlan, ModeAI, testResult("req-9", 40, 80, 120))
	if err != nil {
		t.Fatalf("first charge: %v", err)
	}
	second, err := c.ChargeForResult(ctx, 1, FeatureTrainingPlan, ModeAI, testResult("req-9", 40, 80, 120))
	if err != nil {
		t.Fatalf("second charge: %v", err)
	}
	if !second.IdempotentReplay {
		t.Fatalf("second charge must be a replay")
	}
	if second.TokensSpent != 0 {
		t.Fatalf("replay spent %d", second.TokensSpent)
	}
	if second.BalanceAfter != first.BalanceAfter {
		t.Fatalf("replay balance %d != %d", second.BalanceAfter, first.BalanceAfter)
	}
	if st.deductCalls != 1 {
		t.Fatalf("expected exactly one deduct call, got %d", st.deductCalls)
	}
	if st.entryCount() != 1 {
		t.Fatalf("expected one entry, got %d", st.entryCount())
	}
}

func TestMissingRequestIDAlwaysCharges(t *testing.T) {
	st := newFakeStore()
	st.seed(1, 500)
	c := NewCharger(st, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		charge, err := c.ChargeForResult(ctx, 1, FeatureTip, ModeAI, testResult("", 0, 0, 100))
		if err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
		if charge.IdempotentReplay {
			t.Fatalf("charge %d unexpectedly replayed", i)
		}
	}
	if st.balance(1) != 300 {
		t.Fatalf("expected both charges applied, balance %d", st.balance(1))
	}
	if st.entryCount() != 2 {
		t.Fatalf("expected two entries, got %d", st.entryCount())
	}
}

func TestUpstreamFailureIsFree(t *testing.T) {
	st := newFakeStore()
	st.seed(1, 500)
	c := NewCharger(st, nil)

	boom := errors.New("provider unavailable")
	_, _, err := c.ChargeForExecution(context.Background(), 1, FeatureTip, ModeAI,
		func(ctx context.Context) (*ExecutionResult, error) { return nil, boom })
	if err == nil {
		t.Fatalf("expected error")
	}
	if KindOf(err) != KindUpstreamFailure {
		t.Fatalf("expected upstream kind, got %s", KindOf(err))
	}
	if !errors.Is(err, boom) {
		t.Fatalf("provider error must be wrapped verbatim")
	}
	if st.balance(1) != 500 {
		t.Fatalf("balance mutated on upstream failure: %d", st.balance(1))
	}
	if st.entryCount() != 0 {
		t.Fatalf("log written on upstream failure")
	}
	if st.deductCalls != 0 {
		t.Fatalf("deduct attempted on upstream failure")
	}
}

func TestInsufficientBalanceLogsNothing(t *testing.T) {
	st := newFakeStore()
	st.seed(1, 100)
	c := NewCharger(st, nil)

	_, err := c.ChargeForResult(context.Background(), 1, FeatureTip, ModeAI, testResult("req-2", 0, 0, 120))
	if err == nil {
		t.Fatalf("expected error")
	}
	if KindOf(err) != KindInsufficientTokens {
		t.Fatalf("expected insufficient kind, got %s", KindOf(err))
	}
	if !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	if st.balance(1) != 100 {
		t.Fatalf("balance mutated: %d", st.balance(1))
	}
	if st.entryCount() != 0 {
		t.Fatalf("log entry created for rejected charge")
	}
}

func TestConcurrentExhaustionIsExclusive(t *testing.T) {
	st := newFakeStore()
	st.seed(1, 150)
	c := NewCharger(st, nil)
	ctx := context.Background()

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.ChargeForResult(ctx, 1, FeatureTip, ModeAI, testResult("", 0, 0, 100))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var succeeded, insufficient int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case KindOf(err) == KindInsufficientTokens:
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one winner, got %d successes %d refusals", succeeded, insufficient)
	}
	if st.balance(1) != 50 {
		t.Fatalf("expected balance 50, got %d", st.balance(1))
	}
	if st.entryCount() != 1 {
		t.Fatalf("expected one entry, got %d", st.entryCount())
	}
}

func TestDuplicateInsertReconcilesToReplay(t *testing.T) {
	st := newFakeStore()
	st.seed(1, 500)
	c := NewCharger(st, nil)
	ctx := context.Background()

	// Simulate losing the first-time idempotency race: just before our
	// insert lands, a concurrent writer commits the same tuple.
	st.insertHook = func(f *fakeStore, entry *LogEntry) error {
		winner := &LogEntry{
			ID:        99,
			UserID:    entry.UserID,
			Feature:   entry.Feature,
			Mode:      entry.Mode,
			RequestID: entry.RequestID,
			Meta:      JSONMap{"balance_after": int64(380), "tokens_spent": int64(120)},
			CreatedAt: time.Now().UTC(),
		}
		f.entries = append(f.entries, winner)
		f.accounts[entry.UserID].Balance = 380
		f.accounts[entry.UserID].UpdatedAt = f.accounts[entry.UserID].UpdatedAt.Add(time.Nanosecond)
		return ErrDuplicateEntry
	}

	charge, err := c.ChargeForResult(ctx, 1, FeatureTip, ModeAI, testResult("req-7", 40, 80, 120))
	if err != nil {
		t.Fatalf("expected reconciled replay, got error: %v", err)
	}
	if !charge.IdempotentReplay {
		t.Fatalf("expected replay result")
	}
	if charge.TokensSpent != 0 {
		t.Fatalf("replay spent %d", charge.TokensSpent)
	}
	if charge.BalanceAfter != 380 {
		t.Fatalf("replay balance %d", charge.BalanceAfter)
	}
	// The loser's own deduction rolled back with its transaction.
	if st.balance(1) != 380 {
		t.Fatalf("expected winner's balance only, got %d", st.balance(1))
	}
	if st.entryCount() != 1 {
		t.Fatalf("expected single committed entry, got %d", st.entryCount())
	}
}

func TestCancelledContextChargesNothing(t *testing.T) {
	st := newFakeStore()
	st.seed(1, 500)
	c := NewCharger(st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ChargeForResult(ctx, 1, FeatureTip, ModeAI, testResult("req-3", 0, 0, 100))
	if err == nil {
		t.Fatalf("expected error")
	}
	if st.balance(1) != 500 || st.entryCount() != 0 {
		t.Fatalf("ledger mutated after cancellation: balance=%d entries=%d", st.balance(1), st.entryCount())
	}
}

func TestMissingAccountIsInternal(t *testing.T) {
	st := newFakeStore()
	c := NewCharger(st, nil)

	_, err := c.ChargeForResult(context.Background(), 42, FeatureTip, ModeAI, testResult("", 0, 0, 10))
	if err == nil {
		t.Fatalf("expected error")
	}
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal kind, got %s", KindOf(err))
	}
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestModeDefaultsToAI(t *testing.T) {
	st := newFakeStore()
	st.seed(1, 500)
	c := NewCharger(st, nil)

	if _, err := c.ChargeForResult(context.Background(), 1, FeatureTip, "", testResult("req-5", 0, 0, 10)); err != nil {
		t.Fatalf("ChargeForResult: %v", err)
	}
	entry, err := st.FindEntry(context.Background(), 1, FeatureTip, ModeAI, "req-5")
	if err != nil || entry == nil {
		t.Fatalf("entry not found under default mode: %v", err)
	}
}
