package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/shipping-assistant/internal/providers"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// scriptedProvider returns the queued errors in order, then answers with text
type scriptedProvider struct {
	mu        sync.Mutex
	name      string
	errs      []error
	text      string
	calls     int
	healthErr error
}

func (p *scriptedProvider) GetProviderName() string              { return p.name }
func (p *scriptedProvider) GetSupportedModels() []types.ModelInfo { return nil }
func (p *scriptedProvider) HealthCheck(ctx context.Context) error { return p.healthErr }

func (p *scriptedProvider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	return &types.CompletionResponse{ID: req.ID, Provider: p.name, Text: p.text}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func statusErr(provider string, status int) error {
	return &providers.ProviderError{Provider: provider, StatusCode: status, Err: fmt.Errorf("status %d", status)}
}

func TestRouter_RegisterProvider(t *testing.T) {
	router := createTestRouter(t, Config{})

	provider := &scriptedProvider{name: "anthropic"}
	router.RegisterProvider("anthropic", provider)
	router.RegisterProvider("anthropic", provider)

	assert.Equal(t, []string{"anthropic"}, router.ListProviders())

	retrieved, exists := router.GetProvider("anthropic")
	require.True(t, exists)
	assert.Equal(t, provider, retrieved)

	status := router.GetHealthStatus()
	assert.Equal(t, types.HealthUnknown, status["anthropic"].Status)
}

func TestRouter_Complete(t *testing.T) {
	router := createTestRouter(t, Config{})
	router.RegisterProvider("anthropic", &scriptedProvider{name: "anthropic", text: "YES"})

	text, err := router.Complete(context.Background(), "You are a query classifier.", "ship to zone 5")
	require.NoError(t, err)
	assert.Equal(t, "YES", text)
}

func TestRouter_RetryTransientErrors(t *testing.T) {
	tests := []struct {
		name         string
		errs         []error
		wantErr      bool
		wantAttempts int
	}{
		{
			name:         "Succeeds after two rate limits",
			errs:         []error{statusErr("p", http.StatusTooManyRequests), statusErr("p", http.StatusTooManyRequests)},
			wantAttempts: 3,
		},
		{
			name:         "Server errors exhaust attempts",
			errs:         []error{statusErr("p", 500), statusErr("p", 502), statusErr("p", 503)},
			wantErr:      true,
			wantAttempts: 3,
		},
		{
			name:         "Client error is not retried",
			errs:         []error{statusErr("p", http.StatusBadRequest)},
			wantErr:      true,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := createTestRouter(t, Config{})
			provider := &scriptedProvider{name: "p", errs: tt.errs, text: "ok"}
			router.RegisterProvider("p", provider)

			resp, decision, err := router.Execute(context.Background(), &types.CompletionRequest{ID: "r1", UserPrompt: "hi"})

			assert.Equal(t, tt.wantAttempts, decision.AttemptCount)
			assert.Equal(t, tt.wantAttempts, provider.callCount())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrBackendUnavailable))
				assert.False(t, decision.Succeeded())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ok", resp.Text)
			assert.Len(t, decision.RetryDelays, tt.wantAttempts-1)
		})
	}
}

func TestRouter_Fallback(t *testing.T) {
	primary := &scriptedProvider{name: "anthropic", errs: []error{statusErr("anthropic", http.StatusUnauthorized)}}
	secondary := &scriptedProvider{name: "openai", text: "NO"}

	t.Run("Enabled", func(t *testing.T) {
		router := createTestRouter(t, Config{FallbackEnabled: true})
		router.RegisterProvider("anthropic", primary)
		router.RegisterProvider("openai", secondary)

		resp, decision, err := router.Execute(context.Background(), &types.CompletionRequest{UserPrompt: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "NO", resp.Text)
		assert.Equal(t, "openai", decision.SelectedProvider)
		assert.True(t, decision.FallbackUsed)
		assert.Equal(t, []string{"anthropic"}, decision.FailedProviders)
	})

	t.Run("Disabled", func(t *testing.T) {
		router := createTestRouter(t, Config{FallbackEnabled: false})
		router.RegisterProvider("anthropic", &scriptedProvider{name: "anthropic", errs: []error{statusErr("anthropic", 401)}})
		router.RegisterProvider("openai", &scriptedProvider{name: "openai", text: "NO"})

		_, decision, err := router.Execute(context.Background(), &types.CompletionRequest{UserPrompt: "hi"})
		require.Error(t, err)
		assert.False(t, decision.FallbackUsed)
	})
}

func TestRouter_NoProviders(t *testing.T) {
	router := createTestRouter(t, Config{})

	_, err := router.Complete(context.Background(), "", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
}

func TestRouter_CancelledDuringBackoff(t *testing.T) {
	router := createTestRouter(t, Config{
		Retry: types.RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second},
	})
	router.RegisterProvider("p", &scriptedProvider{name: "p", errs: []error{statusErr("p", 503), statusErr("p", 503)}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := router.Complete(ctx, "", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrBackendUnavailable))
}

func TestRouter_HealthMonitoring(t *testing.T) {
	router := createTestRouter(t, Config{FallbackEnabled: true})
	down := &scriptedProvider{name: "anthropic", healthErr: errors.New("connection refused")}
	up := &scriptedProvider{name: "openai", text: "YES"}
	router.RegisterProvider("anthropic", down)
	router.RegisterProvider("openai", up)

	router.UpdateHealthStatus(context.Background())

	status := router.GetHealthStatus()
	assert.Equal(t, types.HealthUnhealthy, status["anthropic"].Status)
	assert.Equal(t, "connection refused", status["anthropic"].ErrorMessage)
	assert.Equal(t, types.HealthHealthy, status["openai"].Status)

	// Unhealthy providers are skipped entirely
	_, decision, err := router.Execute(context.Background(), &types.CompletionRequest{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai", decision.SelectedProvider)
	assert.Equal(t, 0, down.callCount())
	assert.Equal(t, []string{"openai"}, decision.RoutingContext.ConsideredProviders)
}

func TestRouter_RoundRobin(t *testing.T) {
	router := createTestRouter(t, Config{Strategy: RoutingStrategyRoundRobin})
	router.RegisterProvider("a", &scriptedProvider{name: "a", text: "a"})
	router.RegisterProvider("b", &scriptedProvider{name: "b", text: "b"})

	var selected []string
	for i := 0; i < 4; i++ {
		_, decision, err := router.Execute(context.Background(), &types.CompletionRequest{UserPrompt: "hi"})
		require.NoError(t, err)
		selected = append(selected, decision.SelectedProvider)
	}

	assert.Equal(t, []string{"a", "b", "a", "b"}, selected)
}

func TestRouter_DecisionHook(t *testing.T) {
	router := createTestRouter(t, Config{})
	router.RegisterProvider("p", &scriptedProvider{name: "p", text: "ok"})

	var seen []*RoutingDecision
	router.SetDecisionHook(func(d *RoutingDecision) { seen = append(seen, d) })

	_, err := router.Complete(context.Background(), "", "hi")
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "p", seen[0].SelectedProvider)
	assert.NotEmpty(t, seen[0].RequestID)
}

func TestRouter_CalculateBackoffDelay(t *testing.T) {
	router := createTestRouter(t, Config{})

	tests := []struct {
		name    string
		config  types.RetryConfig
		attempt int
		want    time.Duration
	}{
		{"Exponential first retry", types.RetryConfig{BackoffType: "exponential", BaseDelay: 100 * time.Millisecond}, 1, 100 * time.Millisecond},
		{"Exponential third retry", types.RetryConfig{BackoffType: "exponential", BaseDelay: 100 * time.Millisecond}, 3, 400 * time.Millisecond},
		{"Linear", types.RetryConfig{BackoffType: "linear", BaseDelay: 100 * time.Millisecond}, 3, 300 * time.Millisecond},
		{"Capped", types.RetryConfig{BackoffType: "exponential", BaseDelay: time.Second, MaxDelay: 2 * time.Second}, 5, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, router.calculateBackoffDelay(&tt.config, tt.attempt))
		})
	}
}

// Helper functions

func createTestRouter(t *testing.T, config Config) *Router {
	t.Helper()

	if config.Retry.MaxAttempts == 0 {
		config.Retry = types.RetryConfig{
			MaxAttempts: 3,
			BackoffType: "exponential",
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		}
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return NewRouter(config, logger)
}
