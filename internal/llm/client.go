package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Provider names the backing provider ("openai", "anthropic").
	Provider() string
}

// ErrRateLimited is matched by errors from a provider that rejected the
// request with HTTP 429.
var ErrRateLimited = errors.New("rate limited by provider")

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Is makes errors.Is(err, ErrRateLimited) true for 429 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}
