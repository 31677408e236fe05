package types

// Model metadata reported by a provider
type ModelInfo struct {
	Name            string `json:"name" yaml:"name"`
	DisplayName     string `json:"display_name" yaml:"display_name"`
	MaxOutputTokens int    `json:"max_output_tokens" yaml:"max_output_tokens"`
}

// Health check types
type HealthStatus struct {
	Status       string `json:"status"` // "healthy", "unhealthy", "unknown"
	ResponseTime int64  `json:"response_time_ms"`
	LastChecked  int64  `json:"last_checked"`
	ErrorMessage string `json:"error_message,omitempty"`
}

const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)
