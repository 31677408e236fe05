package routing

import (
	"time"
)

// RoutingDecision records how a completion was routed across providers
type RoutingDecision struct {
	RequestID string `json:"request_id"`

	// The provider that produced the final answer, empty when all failed
	SelectedProvider string `json:"selected_provider"`

	// Human-readable reasoning for the decision
	Reasoning []string `json:"reasoning"`

	// Attempt accounting across retries and fallbacks
	AttemptCount    int      `json:"attempt_count"`
	FallbackUsed    bool     `json:"fallback_used"`
	FailedProviders []string `json:"failed_providers,omitempty"`
	RetryDelays     []int64  `json:"retry_delays_ms,omitempty"`

	Latency time.Duration `json:"latency"`

	// Additional routing context
	RoutingContext RoutingContext `json:"routing_context"`
}

// RoutingContext contains additional context about the routing decision
type RoutingContext struct {
	// Strategy used for routing
	Strategy string `json:"strategy"`

	// Provider health at time of routing
	ProviderHealth map[string]string `json:"provider_health"`

	// Providers in the order they were eligible to serve the request
	ConsideredProviders []string `json:"considered_providers"`

	// Routing decision timestamp
	Timestamp time.Time `json:"timestamp"`
}

// Succeeded reports whether a provider produced an answer
func (d *RoutingDecision) Succeeded() bool {
	return d.SelectedProvider != ""
}
