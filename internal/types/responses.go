package types

import (
	"time"
)

// Completion response returned by an LLM provider
type CompletionResponse struct {
	ID       string        `json:"id"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Text     string        `json:"text"`
	Usage    *Usage        `json:"usage,omitempty"`
	Latency  time.Duration `json:"latency"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Error response
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	Timestamp int64       `json:"timestamp"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
