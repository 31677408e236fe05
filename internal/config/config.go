package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/shipping-assistant/internal/gate"
	"github.com/tributary-ai/shipping-assistant/internal/location"
	"github.com/tributary-ai/shipping-assistant/internal/middleware"
	"github.com/tributary-ai/shipping-assistant/internal/orchestrator"
	"github.com/tributary-ai/shipping-assistant/internal/parser"
	"github.com/tributary-ai/shipping-assistant/internal/providers/anthropic"
	"github.com/tributary-ai/shipping-assistant/internal/providers/gemini"
	"github.com/tributary-ai/shipping-assistant/internal/providers/openai"
	"github.com/tributary-ai/shipping-assistant/internal/rates"
	"github.com/tributary-ai/shipping-assistant/internal/reflection"
	"github.com/tributary-ai/shipping-assistant/internal/routing"
	"github.com/tributary-ai/shipping-assistant/internal/security"
	"github.com/tributary-ai/shipping-assistant/internal/server"
	"github.com/tributary-ai/shipping-assistant/internal/session"
	"github.com/tributary-ai/shipping-assistant/internal/telemetry"
	"github.com/tributary-ai/shipping-assistant/internal/types"
	"github.com/tributary-ai/shipping-assistant/internal/weight"
)

// Provider names accepted in llm.order
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

// Rate backends
const (
	RatesBackendStatic = "static"
	RatesBackendSQLite = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig                      `yaml:"server"`
	LLM           LLMConfig                         `yaml:"llm"`
	Pipeline      PipelineConfig                    `yaml:"pipeline"`
	Rates         RatesConfig                       `yaml:"rates"`
	Location      location.Config                   `yaml:"location"`
	Session       session.Config                    `yaml:"session"`
	Telemetry     telemetry.Config                  `yaml:"telemetry"`
	Logging       LoggingConfig                     `yaml:"logging"`
	Security      middleware.SecurityMiddlewareConfig `yaml:"security"`
	APIValidation middleware.SchemaValidationConfig  `yaml:"api_validation"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LLMConfig holds provider credentials and routing behaviour.
// Order is the preference order; providers without an API key are skipped.
type LLMConfig struct {
	Order     []string                   `yaml:"order"`
	Anthropic *anthropic.AnthropicConfig `yaml:"anthropic"`
	OpenAI    *openai.OpenAIConfig       `yaml:"openai"`
	Gemini    *gemini.GeminiConfig       `yaml:"gemini"`
	Routing   routing.Config             `yaml:"routing"`
}

// PipelineConfig holds the stage settings
type PipelineConfig struct {
	DefaultOrigin       string        `yaml:"default_origin"`
	DefaultWeightLbs    float64       `yaml:"default_weight_lbs"`
	StageTimeout        time.Duration `yaml:"stage_timeout"`
	Gate                gate.Config   `yaml:"gate"`
	ReflectionEnabled   bool          `yaml:"reflection_enabled"`
	SupervisorThreshold float64       `yaml:"supervisor_threshold"`
	SupervisorName      string        `yaml:"supervisor_name"`
	Weight              weight.Config `yaml:"weight"`
}

// RatesConfig selects the rate table backend
type RatesConfig struct {
	Backend string             `yaml:"backend"`
	SQLite  rates.SQLiteConfig `yaml:"sqlite"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   90 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		RequestTimeout: 60 * time.Second,
	}

	c.LLM = LLMConfig{
		Order: []string{ProviderAnthropic, ProviderOpenAI, ProviderGemini},
		Anthropic: &anthropic.AnthropicConfig{
			DefaultModel: "claude-3-5-haiku-latest",
			Timeout:      30 * time.Second,
		},
		OpenAI: &openai.OpenAIConfig{
			DefaultModel: "gpt-4o-mini",
			Timeout:      30 * time.Second,
		},
		Gemini: &gemini.GeminiConfig{
			DefaultModel: "gemini-2.0-flash",
			Timeout:      30 * time.Second,
		},
		Routing: routing.Config{
			Strategy:            routing.RoutingStrategyPriority,
			Retry:               types.DefaultRetryConfig(),
			FallbackEnabled:     true,
			HealthCheckInterval: time.Minute,
			AttemptTimeout:      20 * time.Second,
			MaxTokens:           1024,
		},
	}

	c.Pipeline = PipelineConfig{
		DefaultOrigin:    parser.DefaultOrigin,
		DefaultWeightLbs: parser.DefaultWeightLbs,
		StageTimeout:     20 * time.Second,
		Gate: gate.Config{
			Enabled:  true,
			FailMode: gate.FailClosed,
		},
		ReflectionEnabled:   true,
		SupervisorThreshold: 1000,
		Weight:              weight.Config{MaxConcurrent: 4},
	}

	c.Rates = RatesConfig{
		Backend: RatesBackendStatic,
		SQLite: rates.SQLiteConfig{
			DSN:          "data/rates.db",
			Seed:         true,
			BusyRetries:  5,
			BusyBackoff:  50 * time.Millisecond,
			QueryTimeout: 5 * time.Second,
		},
	}

	c.Location = location.Config{CacheSize: 1024}

	c.Session = session.Config{
		TTL:           30 * time.Minute,
		MaxHistory:    20,
		SweepInterval: 5 * time.Minute,
	}

	c.Telemetry = telemetry.Config{
		Enabled:       true,
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		MaxSummaryLen: 200,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = middleware.SecurityMiddlewareConfig{
		Auth: security.Config{
			JWTExpiry:   24 * time.Hour,
			JWTIssuer:   "shipping-assistant",
			PublicPaths: []string{"/health", "/docs"},
		},
		RateLimit: security.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
			IdleTimeout:       10 * time.Minute,
			CleanupInterval:   5 * time.Minute,
		},
		Validation: security.ValidationConfig{
			MaxRequestSize: 64 * 1024,
			MaxQueryLength: 2000,
			ContentTypes:   []string{"application/json"},
		},
	}

	c.APIValidation = middleware.SchemaValidationConfig{
		Enabled:  true,
		SpecPath: "docs/openapi.yaml",
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	if port := os.Getenv("SHIPPING_ASSISTANT_PORT"); port != "" {
		c.Server.Port = port
	}

	// Provider API keys
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if c.LLM.Anthropic == nil {
			c.LLM.Anthropic = &anthropic.AnthropicConfig{}
		}
		c.LLM.Anthropic.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.LLM.OpenAI == nil {
			c.LLM.OpenAI = &openai.OpenAIConfig{}
		}
		c.LLM.OpenAI.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.LLM.Gemini == nil {
			c.LLM.Gemini = &gemini.GeminiConfig{}
		}
		c.LLM.Gemini.APIKey = key
	}

	if level := os.Getenv("SHIPPING_ASSISTANT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("SHIPPING_ASSISTANT_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if dsn := os.Getenv("SHIPPING_ASSISTANT_RATES_DSN"); dsn != "" {
		c.Rates.Backend = RatesBackendSQLite
		c.Rates.SQLite.DSN = dsn
	}
	if mode := os.Getenv("SHIPPING_ASSISTANT_GATE_FAIL_MODE"); mode != "" {
		c.Pipeline.Gate.FailMode = gate.FailMode(mode)
	}
	if enabled := os.Getenv("SHIPPING_ASSISTANT_REFLECTION_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("SHIPPING_ASSISTANT_REFLECTION_ENABLED: %w", err)
		}
		c.Pipeline.ReflectionEnabled = v
	}

	if secret := os.Getenv("SHIPPING_ASSISTANT_JWT_SECRET"); secret != "" {
		c.Security.Auth.JWTSecret = secret
		c.Security.Auth.RequireAuth = true
	}
	if keys := os.Getenv("SHIPPING_ASSISTANT_API_KEYS"); keys != "" {
		c.Security.Auth.APIKeys = splitList(keys)
		c.Security.Auth.RequireAuth = true
	}

	return nil
}

// validate validates the configuration
func (c *Config) validate() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %q", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server request timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	switch c.Pipeline.Gate.FailMode {
	case gate.FailClosed, gate.FailOpen:
	default:
		return fmt.Errorf("invalid gate fail mode: %s", c.Pipeline.Gate.FailMode)
	}
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("pipeline stage timeout must be positive")
	}
	if c.Pipeline.DefaultWeightLbs < types.MinWeight || c.Pipeline.DefaultWeightLbs > types.MaxWeight {
		return fmt.Errorf("default weight must be between %d and %d lbs", types.MinWeight, types.MaxWeight)
	}
	if c.Pipeline.SupervisorThreshold <= 0 {
		return fmt.Errorf("supervisor threshold must be positive")
	}

	switch c.Rates.Backend {
	case RatesBackendStatic:
	case RatesBackendSQLite:
		if c.Rates.SQLite.DSN == "" {
			return fmt.Errorf("sqlite rates backend requires a dsn")
		}
	default:
		return fmt.Errorf("invalid rates backend: %s", c.Rates.Backend)
	}

	if c.Security.Auth.RequireAuth && len(c.Security.Auth.APIKeys) == 0 && c.Security.Auth.JWTSecret == "" {
		return fmt.Errorf("authentication requires api keys or a jwt secret")
	}

	for _, name := range c.LLM.Order {
		switch name {
		case ProviderAnthropic, ProviderOpenAI, ProviderGemini:
		default:
			return fmt.Errorf("unknown provider in llm order: %s", name)
		}
	}
	if len(c.GetEnabledProviders()) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	return nil
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() server.ServerConfig {
	return server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		IdleTimeout:    c.Server.IdleTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		RequestTimeout: c.Server.RequestTimeout,
		DocsSpecPath:   c.APIValidation.SpecPath,
	}
}

// ToOrchestratorConfig converts to orchestrator.Config
func (c *Config) ToOrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		DefaultWeightLbs:  c.Pipeline.DefaultWeightLbs,
		ReflectionEnabled: c.Pipeline.ReflectionEnabled,
	}
}

// ToParserConfig converts to parser.Config
func (c *Config) ToParserConfig() parser.Config {
	return parser.Config{
		DefaultOrigin: c.Pipeline.DefaultOrigin,
		Timeout:       c.Pipeline.StageTimeout,
	}
}

// ToGateConfig converts to gate.Config, applying the stage timeout when unset
func (c *Config) ToGateConfig() gate.Config {
	cfg := c.Pipeline.Gate
	if cfg.Timeout <= 0 {
		cfg.Timeout = c.Pipeline.StageTimeout
	}
	return cfg
}

// ToReflectionConfig converts to reflection.Config
func (c *Config) ToReflectionConfig() reflection.Config {
	return reflection.Config{Timeout: c.Pipeline.StageTimeout}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns the configured providers with credentials,
// in preference order
func (c *Config) GetEnabledProviders() []string {
	var providers []string
	for _, name := range c.LLM.Order {
		if c.providerHasKey(name) {
			providers = append(providers, name)
		}
	}
	return providers
}

func (c *Config) providerHasKey(name string) bool {
	switch name {
	case ProviderAnthropic:
		return c.LLM.Anthropic != nil && c.LLM.Anthropic.APIKey != ""
	case ProviderOpenAI:
		return c.LLM.OpenAI != nil && c.LLM.OpenAI.APIKey != ""
	case ProviderGemini:
		return c.LLM.Gemini != nil && c.LLM.Gemini.APIKey != ""
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
