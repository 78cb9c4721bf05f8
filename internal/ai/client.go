// Package ai provides clients for AI chat backends. The primary wire
// format is the OpenAI chat/completions API; Anthropic-format backends
// are supported through the official SDK.
package ai

import (
	"context"
	"errors"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request holds parameters for a chat completion. Temperature is a
// pointer so an explicit 0 survives to the wire; nil means the backend
// default.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response holds the backend's reply.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	FinishReason string `json:"finish_reason"`
}

// Client is the capability surface the bot consumes. Implementations
// are stateless beyond base URL and key.
type Client interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string

	// Complete sends a blocking chat completion request.
	Complete(ctx context.Context, req Request) (*Response, error)

	// CompleteStream sends a streaming request, delivering incremental
	// text chunks to onChunk. Malformed stream lines are skipped.
	CompleteStream(ctx context.Context, req Request, onChunk func(string)) error

	// GenerateImage asks the backend for an image and returns its URL.
	GenerateImage(ctx context.Context, prompt, model string) (string, error)
}

// ProviderError represents an AI backend error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
	Timeout    bool
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// IsTimeout reports whether err is a deadline expiry, either a typed
// provider timeout or a raw context deadline.
func IsTimeout(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Timeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// NewClient builds a client for the given wire format. An empty or
// unrecognized api string falls back to the OpenAI format.
func NewClient(api, name, baseURL, apiKey string) Client {
	if api == "anthropic" {
		return NewAnthropic(name, baseURL, apiKey)
	}
	return NewOpenAI(name, baseURL, apiKey)
}
