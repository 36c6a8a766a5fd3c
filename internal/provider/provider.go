// Package provider defines the narrow boundary to the AI backends. The
// metering layer never constructs prompts or picks models; it only consumes
// the usage report an adapter returns.
package provider

import (
	"context"

	"github.com/traindesk/traindesk/internal/metering"
)

// Result is what one completed AI call hands back to the charge pipeline.
type Result = metering.ExecutionResult

// Request is the feature-agnostic call shape the coaching backend sends to
// an adapter. Payload validation belongs to the feature handlers upstream.
type Request struct {
	Model     string `json:"model"`
	RequestID string `json:"request_id,omitempty"`
	Prompt    string `json:"prompt"`
}

// Adapter executes one AI call. Implementations are expected to honour ctx
// cancellation; the charge pipeline only starts after Execute returns.
type Adapter interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}
