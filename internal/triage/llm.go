// internal/triage/llm.go
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider is the interface for any LLM backend.
type Provider interface {
	Send(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// LLMRequest is a single-turn prompt. JSON asks the backend for a JSON-only answer.
type LLMRequest struct {
	MaxTokens int
	System    string
	Prompt    string
	JSON      bool
}

// LLMResponse is the text produced by the provider along with the model and token usage.
type LLMResponse struct {
	Text  string
	Model string
	Usage Usage
}

// Usage reports the tokens consumed by a single call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// APIError is a provider failure that carried an HTTP status. Providers wrap their SDK
// errors in it so quota detection does not depend on a specific SDK.
type APIError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("llm api error %d (%s): %v", e.StatusCode, e.Status, e.Err)
	}
	return fmt.Sprintf("llm api error %d: %v", e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// ErrMalformedResponse marks model output that could not be parsed or validated.
// It takes the generic failure path: no retry, immediate fallback.
var ErrMalformedResponse = errors.New("malformed model response")

// IsQuotaError reports whether err signals rate-limit or quota exhaustion.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.Status == "RESOURCE_EXHAUSTED" {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "exhausted")
}
