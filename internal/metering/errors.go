package metering

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies charge failures for the serving layer. The set is fixed on
// purpose: route handlers translate kinds to status codes instead of the
// ledger accepting an error constructor from its callers.
type Kind string

const (
	// KindInsufficientTokens means the balance check or the conditional
	// update refused the deduction. Nothing was mutated or logged.
	KindInsufficientTokens Kind = "insufficient_tokens"

	// KindUpstreamFailure means the AI call itself failed. The provider
	// error is wrapped verbatim and the ledger was never touched.
	KindUpstreamFailure Kind = "upstream_failure"

	// KindInternal covers storage and reconciliation failures.
	KindInternal Kind = "internal"
)

// ErrInsufficientTokens is the sentinel behind KindInsufficientTokens.
var ErrInsufficientTokens = errors.New("insufficient tokens")

// ErrDuplicateEntry is returned by Tx.InsertEntry when the idempotency tuple
// already has a committed entry. It never escapes the charger: the losing
// writer reconciles it into a replay result.
var ErrDuplicateEntry = errors.New("usage entry already exists")

// ErrAccountNotFound is returned when a user has no ledger row. Accounts are
// provisioned by the billing process, so a charge against a missing account
// is a caller bug, not an insufficiency.
var ErrAccountNotFound = errors.New("ledger account not found")

// Error is the typed failure surfaced by the charger.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the kind to the HTTP status the serving layer responds with.
func (e *Error) Status() int {
	switch e.Kind {
	case KindInsufficientTokens:
		return http.StatusPaymentRequired
	case KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func insufficient() error {
	return &Error{Kind: KindInsufficientTokens, Err: ErrInsufficientTokens}
}

func upstream(err error) error {
	return &Error{Kind: KindUpstreamFailure, Err: err}
}

func internal(err error) error {
	return &Error{Kind: KindInternal, Err: err}
}

// KindOf extracts the failure kind, defaulting to KindInternal for errors
// that did not originate in the charger.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}
