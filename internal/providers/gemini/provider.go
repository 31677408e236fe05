package gemini

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/tributary-ai/shipping-assistant/internal/providers"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

const (
	providerName = "gemini"
	defaultModel = "gemini-2.0-flash"
)

// GeminiProvider implements the LLMProvider interface for Google Gemini
type GeminiProvider struct {
	client *genai.Client
	config *GeminiConfig
	logger *logrus.Logger
}

// GeminiConfig holds Gemini-specific configuration
type GeminiConfig struct {
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	DefaultModel string            `yaml:"default_model"`
	Models       []types.ModelInfo `yaml:"models"`
	Timeout      time.Duration     `yaml:"timeout"`
}

// NewGeminiProvider creates a new Gemini provider instance
func NewGeminiProvider(ctx context.Context, config *GeminiConfig, logger *logrus.Logger) (*GeminiProvider, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = config.BaseURL
	}
	if config.Timeout > 0 {
		timeout := config.Timeout
		clientConfig.HTTPOptions.Timeout = &timeout
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// GetProviderName returns the provider name
func (p *GeminiProvider) GetProviderName() string {
	return providerName
}

// GetSupportedModels returns the configured models
func (p *GeminiProvider) GetSupportedModels() []types.ModelInfo {
	return p.config.Models
}

// Complete performs a single-turn generation
func (p *GeminiProvider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	start := time.Now()
	model := p.model(req.Model)

	contents := []*genai.Content{
		{Role: genai.RoleUser, Parts: []*genai.Part{{Text: req.UserPrompt}}},
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, p.generateConfig(req))
	if err != nil {
		p.logger.WithError(err).Warn("Gemini API call failed")
		return nil, wrapError(err)
	}

	out := &types.CompletionResponse{
		ID:       resp.ResponseID,
		Provider: providerName,
		Model:    model,
		Text:     resp.Text(),
		Latency:  time.Since(start),
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &types.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}

	return out, nil
}

// HealthCheck fetches the default model's metadata
func (p *GeminiProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, p.model(""), nil); err != nil {
		p.logger.WithError(err).Error("Gemini health check failed")
		return fmt.Errorf("gemini health check failed: %w", wrapError(err))
	}

	p.logger.Debug("Gemini health check passed")
	return nil
}

func (p *GeminiProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	if p.config.DefaultModel != "" {
		return p.config.DefaultModel
	}
	if len(p.config.Models) > 0 {
		return p.config.Models[0].Name
	}
	return defaultModel
}

func (p *GeminiProvider) generateConfig(req *types.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: req.Temperature,
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

// wrapError maps SDK errors onto ProviderError
func wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{Provider: providerName, StatusCode: apiErr.Code, Err: err}
	}
	return &providers.ProviderError{Provider: providerName, Err: err}
}

var _ providers.LLMProvider = (*GeminiProvider)(nil)
