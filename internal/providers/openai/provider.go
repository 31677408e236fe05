package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/providers"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

const providerName = "openai"

// OpenAIProvider implements the LLMProvider interface for OpenAI
type OpenAIProvider struct {
	client *openai.Client
	config *OpenAIConfig
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	OrgID        string            `yaml:"org_id"`
	DefaultModel string            `yaml:"default_model"`
	Models       []types.ModelInfo `yaml:"models"`
	Timeout      time.Duration     `yaml:"timeout"`
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider(config *OpenAIConfig, logger *logrus.Logger) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}
	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	client := openai.NewClientWithConfig(clientConfig)

	return &OpenAIProvider{
		client: client,
		config: config,
		logger: logger,
	}
}

// GetProviderName returns the provider name
func (p *OpenAIProvider) GetProviderName() string {
	return providerName
}

// GetSupportedModels returns the configured models
func (p *OpenAIProvider) GetSupportedModels() []types.ModelInfo {
	return p.config.Models
}

// Complete performs a single-turn chat completion
func (p *OpenAIProvider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	start := time.Now()

	resp, err := p.client.CreateChatCompletion(ctx, p.convertToOpenAIRequest(req))
	if err != nil {
		p.logger.WithError(err).Warn("OpenAI API call failed")
		return nil, wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &providers.ProviderError{Provider: providerName, Err: fmt.Errorf("response contained no choices")}
	}

	return &types.CompletionResponse{
		ID:       resp.ID,
		Provider: providerName,
		Model:    resp.Model,
		Text:     resp.Choices[0].Message.Content,
		Usage: &types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// HealthCheck performs a health check on the OpenAI API
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	// Simple health check using models endpoint
	_, err := p.client.ListModels(ctx)
	if err != nil {
		p.logger.WithError(err).Error("OpenAI health check failed")
		return fmt.Errorf("openai health check failed: %w", wrapError(err))
	}

	p.logger.Debug("OpenAI health check passed")
	return nil
}

// Helper functions

func (p *OpenAIProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	if p.config.DefaultModel != "" {
		return p.config.DefaultModel
	}
	if len(p.config.Models) > 0 {
		return p.config.Models[0].Name
	}
	return openai.GPT4oMini
}

// convertToOpenAIRequest converts our request to OpenAI's format
func (p *OpenAIProvider) convertToOpenAIRequest(req *types.CompletionRequest) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	openaiReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		openaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}

	return openaiReq
}

// wrapError maps SDK errors onto ProviderError
func wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{Provider: providerName, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &providers.ProviderError{Provider: providerName, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &providers.ProviderError{Provider: providerName, Err: err}
}

// Ensure OpenAIProvider implements the interface
var _ providers.LLMProvider = (*OpenAIProvider)(nil)
