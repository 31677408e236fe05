package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/providers"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

const providerName = "anthropic"

// AnthropicProvider implements the LLMProvider interface for Anthropic Claude
type AnthropicProvider struct {
	client *anthropic.Client
	config *AnthropicConfig
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	DefaultModel string            `yaml:"default_model"`
	Models       []types.ModelInfo `yaml:"models"`
	Timeout      time.Duration     `yaml:"timeout"`
}

// NewAnthropicProvider creates a new Anthropic provider instance
func NewAnthropicProvider(config *AnthropicConfig, logger *logrus.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		// retries are owned by the router
		option.WithMaxRetries(0),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client: &client,
		config: config,
		logger: logger,
	}
}

// GetProviderName returns the provider name
func (p *AnthropicProvider) GetProviderName() string {
	return providerName
}

// GetSupportedModels returns the configured models
func (p *AnthropicProvider) GetSupportedModels() []types.ModelInfo {
	return p.config.Models
}

// Complete performs a single-turn completion
func (p *AnthropicProvider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	start := time.Now()
	params := p.convertToAnthropicRequest(req)

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		p.logger.WithError(err).Warn("Anthropic API call failed")
		return nil, wrapError(err)
	}

	return p.convertFromAnthropicResponse(resp, time.Since(start)), nil
}

// HealthCheck performs a health check on the Anthropic API
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	testReq := anthropic.MessageNewParams{
		Model: anthropic.Model(p.model("")),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("test")),
		},
		MaxTokens: 1,
	}

	_, err := p.client.Messages.New(ctx, testReq)
	if err != nil {
		p.logger.WithError(err).Error("Anthropic health check failed")
		return fmt.Errorf("anthropic health check failed: %w", wrapError(err))
	}

	p.logger.Debug("Anthropic health check passed")
	return nil
}

// Helper functions

func (p *AnthropicProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	if p.config.DefaultModel != "" {
		return p.config.DefaultModel
	}
	if len(p.config.Models) > 0 {
		return p.config.Models[0].Name
	}
	return "claude-3-5-haiku-latest"
}

// convertToAnthropicRequest converts our request to Anthropic's format
func (p *AnthropicProvider) convertToAnthropicRequest(req *types.CompletionRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model: anthropic.Model(p.model(req.Model)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
		MaxTokens: 1024, // Anthropic requires max_tokens
	}

	// Claude handles system messages separately
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.SystemPrompt, Type: "text"},
		}
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}

	return params
}

// convertFromAnthropicResponse extracts the text blocks of a message
func (p *AnthropicProvider) convertFromAnthropicResponse(resp *anthropic.Message, latency time.Duration) *types.CompletionResponse {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var usage *types.Usage
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}
	}

	return &types.CompletionResponse{
		ID:       resp.ID,
		Provider: providerName,
		Model:    string(resp.Model),
		Text:     text.String(),
		Usage:    usage,
		Latency:  latency,
	}
}

// wrapError maps SDK errors onto ProviderError
func wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{Provider: providerName, StatusCode: apiErr.StatusCode, Err: err}
	}
	return &providers.ProviderError{Provider: providerName, Err: err}
}

// Ensure AnthropicProvider implements the interface
var _ providers.LLMProvider = (*AnthropicProvider)(nil)
