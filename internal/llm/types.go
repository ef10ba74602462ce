// Package llm provides vendor-agnostic chat completion behind an ordered
// provider fallback chain, with per-provider monthly quota tracking, a
// bounded response cache, and collapse of concurrent identical requests.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request. An empty Model uses the
// provider's configured default; a zero MaxTokens uses the provider's cap.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float32
	JSONMode    bool
}

// Usage reports the token counts a provider charged for.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a completed request.
type Response struct {
	Provider string
	Model    string
	Content  string
	Usage    Usage
	Cached   bool
}

// Client is the completion contract the planner consumes.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Embedder computes embedding vectors, used by the playbook catalog.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrQuotaExceeded marks a provider skipped because its monthly spend
// crossed the configured threshold.
var ErrQuotaExceeded = errors.New("provider monthly quota threshold reached")

// ErrNoProviders is returned when the chain has no usable provider left.
var ErrNoProviders = errors.New("no usable llm provider")

// Error is a provider failure normalized across vendors. Retryable errors
// (timeouts, rate limits, 5xx) let the gateway fall through to the next
// provider in the chain; auth and model-not-found failures do not.
type Error struct {
	Provider  string
	Status    int
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (status %d, code %s)", e.Provider, e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// retryable reports whether the chain should fall through past this error.
// Unclassified errors (network failures, cancelled contexts on the
// per-provider timeout) are treated as transient.
func retryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return true
}
