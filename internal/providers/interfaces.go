package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// Core provider interface - all providers must implement
type LLMProvider interface {
	GetProviderName() string
	GetSupportedModels() []types.ModelInfo
	Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error)
	HealthCheck(ctx context.Context) error
}

// Completer is the single LLM capability the shipping pipeline depends on.
// Implementations return text approximating the requested format; callers validate it.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ProviderError normalizes SDK failures so callers can tell transient from permanent errors
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same request may succeed
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 0:
		var netErr net.Error
		return errors.As(e.Err, &netErr) || errors.Is(e.Err, context.DeadlineExceeded)
	default:
		return false
	}
}

// IsRetryable reports whether err is a transient provider failure
func IsRetryable(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
