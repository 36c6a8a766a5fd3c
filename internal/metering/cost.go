package metering

import (
	"math"

	"github.com/traindesk/traindesk/internal/pricing"
)

// ChargeAmount converts a provider usage report into ledger tokens.
//
// The charge is the provider's total token count, rounded to a whole token.
// When the provider omits the total, the prompt and completion counts are
// summed instead. Per-1k pricing rates are deliberately not part of this
// calculation; they only annotate the log entry for auditing.
func ChargeAmount(u Usage) int64 {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	if total <= 0 {
		return 0
	}
	return int64(math.Round(total))
}

// AuditCosts computes the monetary cost breakdown recorded in entry meta.
func AuditCosts(u Usage, r pricing.Rate) (inputCost, outputCost float64) {
	return u.PromptTokens / 1000 * r.InputPer1K, u.CompletionTokens / 1000 * r.OutputPer1K
}
