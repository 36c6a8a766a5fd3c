package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/traindesk/traindesk/internal/metering"
	"github.com/traindesk/traindesk/internal/provider"
)

// Ensure Adapter implements provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)

// Adapter echoes the prompt back with a deterministic usage report. It keeps
// the daemon and the charge pipeline exercisable without an AI backend.
type Adapter struct{}

// New creates a loopback adapter instance.
func New() *Adapter {
	return &Adapter{}
}

// Execute fabricates a completion for the given request.
func (a *Adapter) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("no prompt provided")
	}

	reply := "[loopback] " + prompt
	payload, err := json.Marshal(map[string]string{"text": reply})
	if err != nil {
		return nil, err
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	model := req.Model
	if model == "" {
		model = "loopback"
	}

	promptTokens := float64(len(prompt) / 4)
	completionTokens := float64(len(reply) / 4)
	return &provider.Result{
		Payload:   payload,
		Model:     model,
		RequestID: requestID,
		Usage: metering.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}
