package types

import (
	"time"
)

// Completion request sent to an LLM provider
type CompletionRequest struct {
	ID           string   `json:"id"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	UserPrompt   string   `json:"user_prompt"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`

	// Metadata
	Timestamp time.Time `json:"timestamp"`
}

// Retry and backoff control
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"` // 1 = no retry
	BackoffType string        `json:"backoff_type" yaml:"backoff_type"` // "linear", "exponential"
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`     // Starting delay (e.g., 500ms)
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`       // Cap on delay (e.g., 5s)
}

// DefaultRetryConfig is used when the configuration leaves retry unset
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BackoffType: "exponential",
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}
