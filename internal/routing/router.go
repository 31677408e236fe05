package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/providers"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// ErrBackendUnavailable is returned when no provider could answer a completion.
// Pipeline stages propagate it as fatal; context cancellation is reported separately.
var ErrBackendUnavailable = errors.New("llm backend unavailable")

// RoutingStrategy defines the order providers are tried in
type RoutingStrategy string

const (
	RoutingStrategyPriority   RoutingStrategy = "priority"
	RoutingStrategyRoundRobin RoutingStrategy = "round_robin"
)

// Config controls retry, fallback and request defaults
type Config struct {
	Strategy            RoutingStrategy   `yaml:"strategy"`
	Retry               types.RetryConfig `yaml:"retry"`
	FallbackEnabled     bool              `yaml:"fallback_enabled"`
	HealthCheckInterval time.Duration     `yaml:"health_check_interval"`
	AttemptTimeout      time.Duration     `yaml:"attempt_timeout"`
	MaxTokens           int               `yaml:"max_tokens"`
	Temperature         float32           `yaml:"temperature"`
}

// DecisionHook observes every completed routing decision
type DecisionHook func(decision *RoutingDecision)

// Router dispatches completions to LLM providers with retry and fallback.
// It implements providers.Completer for the pipeline stages.
type Router struct {
	mu              sync.RWMutex
	providers       map[string]providers.LLMProvider
	providerNames   []string // registration order is priority order
	healthStatus    map[string]*types.HealthStatus
	roundRobinIndex atomic.Uint64
	hook            DecisionHook

	config Config
	logger *logrus.Logger
}

// NewRouter creates a new router instance
func NewRouter(config Config, logger *logrus.Logger) *Router {
	if config.Strategy == "" {
		config.Strategy = RoutingStrategyPriority
	}
	if config.Retry.MaxAttempts < 1 {
		config.Retry = types.DefaultRetryConfig()
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}

	return &Router{
		providers:     make(map[string]providers.LLMProvider),
		providerNames: make([]string, 0),
		healthStatus:  make(map[string]*types.HealthStatus),
		config:        config,
		logger:        logger,
	}
}

// RegisterProvider adds a provider to the router
func (r *Router) RegisterProvider(name string, provider providers.LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; !exists {
		r.providerNames = append(r.providerNames, name)
	}
	r.providers[name] = provider

	// Initialize health status
	r.healthStatus[name] = &types.HealthStatus{
		Status:      types.HealthUnknown,
		LastChecked: 0,
	}

	r.logger.WithField("provider", name).Info("Provider registered")
}

// SetDecisionHook registers a callback invoked after every routed completion
func (r *Router) SetDecisionHook(hook DecisionHook) {
	r.mu.Lock()
	r.hook = hook
	r.mu.Unlock()
}

// GetProvider returns a provider by name
func (r *Router) GetProvider(name string) (providers.LLMProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, exists := r.providers[name]
	return provider, exists
}

// ListProviders returns all registered provider names
func (r *Router) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.providerNames))
	copy(names, r.providerNames)
	return names
}

// Complete implements providers.Completer
func (r *Router) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := &types.CompletionRequest{
		ID:           uuid.NewString(),
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxTokens:    r.config.MaxTokens,
		Timestamp:    time.Now(),
	}
	temperature := r.config.Temperature
	req.Temperature = &temperature

	resp, _, err := r.Execute(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Execute routes a completion request, retrying transient failures and
// falling back along the provider chain when enabled
func (r *Router) Execute(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, *RoutingDecision, error) {
	start := time.Now()
	chain := r.buildChain()

	decision := &RoutingDecision{
		RequestID: req.ID,
		RoutingContext: RoutingContext{
			Strategy:            string(r.config.Strategy),
			ProviderHealth:      r.getProviderHealthStatuses(),
			ConsideredProviders: chain,
			Timestamp:           start,
		},
	}
	defer func() {
		decision.Latency = time.Since(start)
		r.notify(decision)
	}()

	if len(chain) == 0 {
		decision.Reasoning = append(decision.Reasoning, "No healthy providers available")
		return nil, decision, fmt.Errorf("%w: no healthy providers available", ErrBackendUnavailable)
	}

	var lastErr error
	for i, name := range chain {
		if i > 0 {
			if !r.config.FallbackEnabled {
				break
			}
			decision.FallbackUsed = true
			decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("Fallback to %s", name))
		}

		provider, ok := r.GetProvider(name)
		if !ok {
			continue
		}

		resp, err := r.completeWithRetry(ctx, name, provider, req, decision)
		if err == nil {
			decision.SelectedProvider = name
			decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("%s answered after %d attempt(s)", name, decision.AttemptCount))

			r.logger.WithFields(logrus.Fields{
				"request_id":    req.ID,
				"provider":      name,
				"attempts":      decision.AttemptCount,
				"fallback_used": decision.FallbackUsed,
				"duration_ms":   time.Since(start).Milliseconds(),
			}).Debug("Completion routed")

			return resp, decision, nil
		}

		lastErr = err
		decision.FailedProviders = append(decision.FailedProviders, name)

		// A cancelled caller is not a backend outage
		if ctx.Err() != nil {
			return nil, decision, fmt.Errorf("completion cancelled: %w", ctx.Err())
		}
	}

	r.logger.WithFields(logrus.Fields{
		"request_id":       req.ID,
		"failed_providers": decision.FailedProviders,
		"attempts":         decision.AttemptCount,
	}).WithError(lastErr).Warn("All providers failed")

	return nil, decision, fmt.Errorf("%w: %v", ErrBackendUnavailable, lastErr)
}

// completeWithRetry calls a single provider, retrying only transient failures
func (r *Router) completeWithRetry(ctx context.Context, name string, provider providers.LLMProvider, req *types.CompletionRequest, decision *RoutingDecision) (*types.CompletionResponse, error) {
	maxAttempts := r.config.Retry.MaxAttempts
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// For attempts beyond the first, apply backoff delay
		if attempt > 1 {
			delay := r.calculateBackoffDelay(&r.config.Retry, attempt-1)
			decision.RetryDelays = append(decision.RetryDelays, delay.Milliseconds())

			r.logger.WithFields(logrus.Fields{
				"provider": name,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			}).Debug("Retrying request after backoff delay")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("request cancelled during retry backoff: %w", ctx.Err())
			}
		}

		decision.AttemptCount++
		resp, err := r.attempt(ctx, provider, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !providers.IsRetryable(err) || ctx.Err() != nil {
			r.logger.WithError(err).WithField("provider", name).Debug("Provider error is not retryable")
			break
		}
	}

	return nil, lastErr
}

func (r *Router) attempt(ctx context.Context, provider providers.LLMProvider, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	if r.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.AttemptTimeout)
		defer cancel()
	}
	return provider.Complete(ctx, req)
}

// calculateBackoffDelay calculates retry delay based on backoff strategy
func (r *Router) calculateBackoffDelay(config *types.RetryConfig, attempt int) time.Duration {
	var delay time.Duration

	switch config.BackoffType {
	case "linear":
		// Linear backoff: baseDelay * attempt
		delay = time.Duration(int64(config.BaseDelay) * int64(attempt))
	default:
		// Exponential backoff: baseDelay * 2^(attempt-1)
		multiplier := math.Pow(2, float64(attempt-1))
		delay = time.Duration(float64(config.BaseDelay) * multiplier)
	}

	// Cap delay at MaxDelay
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	return delay
}

// buildChain orders the healthy providers according to the strategy
func (r *Router) buildChain() []string {
	r.mu.RLock()
	var healthy []string
	for _, name := range r.providerNames {
		if r.isProviderHealthyLocked(name) {
			healthy = append(healthy, name)
		}
	}
	r.mu.RUnlock()

	if r.config.Strategy != RoutingStrategyRoundRobin || len(healthy) < 2 {
		return healthy
	}

	// Rotate so the next provider in line goes first
	offset := int((r.roundRobinIndex.Add(1) - 1) % uint64(len(healthy)))
	return append(healthy[offset:len(healthy):len(healthy)], healthy[:offset]...)
}

// isProviderHealthyLocked treats untested providers as healthy; callers hold r.mu
func (r *Router) isProviderHealthyLocked(name string) bool {
	status, exists := r.healthStatus[name]
	if !exists {
		return false
	}
	return status.Status == types.HealthHealthy || status.Status == types.HealthUnknown
}

func (r *Router) notify(decision *RoutingDecision) {
	r.mu.RLock()
	hook := r.hook
	r.mu.RUnlock()
	if hook != nil {
		hook(decision)
	}
}

// StartHealthChecks probes every provider on the configured interval until ctx is done
func (r *Router) StartHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(r.config.HealthCheckInterval)
	defer ticker.Stop()

	r.UpdateHealthStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.UpdateHealthStatus(ctx)
		}
	}
}

// UpdateHealthStatus performs health checks on all providers
func (r *Router) UpdateHealthStatus(ctx context.Context) {
	for _, name := range r.ListProviders() {
		provider, ok := r.GetProvider(name)
		if !ok {
			continue
		}

		start := time.Now()
		err := provider.HealthCheck(ctx)
		duration := time.Since(start)

		status := &types.HealthStatus{
			LastChecked:  time.Now().Unix(),
			ResponseTime: duration.Milliseconds(),
		}

		if err != nil {
			status.Status = types.HealthUnhealthy
			status.ErrorMessage = err.Error()
			r.logger.WithError(err).Warnf("Health check failed for %s", name)
		} else {
			status.Status = types.HealthHealthy
			r.logger.WithField("provider", name).Debug("Health check passed")
		}

		r.mu.Lock()
		r.healthStatus[name] = status
		r.mu.Unlock()
	}
}

// GetHealthStatus returns the health status of all providers
func (r *Router) GetHealthStatus() map[string]*types.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[string]*types.HealthStatus)
	for name, health := range r.healthStatus {
		// Create a copy to avoid external modification
		copied := *health
		status[name] = &copied
	}
	return status
}

// getProviderHealthStatuses returns current health status of all providers
func (r *Router) getProviderHealthStatuses() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	healthStatuses := make(map[string]string)
	for name, status := range r.healthStatus {
		healthStatuses[name] = status.Status
	}
	return healthStatuses
}

// Ensure Router satisfies the pipeline's completion interface
var _ providers.Completer = (*Router)(nil)
