package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/shipping-assistant/internal/config"
	"github.com/tributary-ai/shipping-assistant/internal/gate"
	"github.com/tributary-ai/shipping-assistant/internal/location"
	"github.com/tributary-ai/shipping-assistant/internal/middleware"
	"github.com/tributary-ai/shipping-assistant/internal/orchestrator"
	"github.com/tributary-ai/shipping-assistant/internal/parser"
	"github.com/tributary-ai/shipping-assistant/internal/providers/anthropic"
	"github.com/tributary-ai/shipping-assistant/internal/providers/gemini"
	"github.com/tributary-ai/shipping-assistant/internal/providers/openai"
	"github.com/tributary-ai/shipping-assistant/internal/ranking"
	"github.com/tributary-ai/shipping-assistant/internal/rates"
	"github.com/tributary-ai/shipping-assistant/internal/reflection"
	"github.com/tributary-ai/shipping-assistant/internal/routing"
	"github.com/tributary-ai/shipping-assistant/internal/security"
	"github.com/tributary-ai/shipping-assistant/internal/server"
	"github.com/tributary-ai/shipping-assistant/internal/session"
	"github.com/tributary-ai/shipping-assistant/internal/supervisor"
	"github.com/tributary-ai/shipping-assistant/internal/telemetry"
	"github.com/tributary-ai/shipping-assistant/internal/weight"
)

const version = "1.0.0"

// Application represents the main application
type Application struct {
	config       *config.Config
	router       *routing.Router
	sessions     *session.Store
	security     *middleware.SecurityMiddleware
	orchestrator *orchestrator.Orchestrator
	server       *server.Server
	logger       *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(ctx context.Context, configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	recorder, err := telemetry.NewRecorder(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry recorder: %w", err)
	}

	routerInstance := routing.NewRouter(cfg.LLM.Routing, logger)
	if err := registerProviders(ctx, routerInstance, cfg, logger); err != nil {
		recorder.Stop()
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}
	routerInstance.SetDecisionHook(func(d *routing.RoutingDecision) {
		if d.FallbackUsed && d.Succeeded() {
			recorder.Handoff(context.Background(), strings.Join(d.FailedProviders, ","), d.SelectedProvider, "provider fallback")
		}
	})

	repo, err := openRates(ctx, cfg.Rates, logger)
	if err != nil {
		recorder.Stop()
		return nil, fmt.Errorf("failed to open rate repository: %w", err)
	}

	resolver, err := location.NewResolver(routerInstance, cfg.Location, logger)
	if err != nil {
		recorder.Stop()
		repo.Close()
		return nil, fmt.Errorf("failed to create location resolver: %w", err)
	}
	estimator := weight.NewEstimator(routerInstance, cfg.Pipeline.Weight, logger)
	sessions := session.NewStore(cfg.Session, logger)
	ranker := ranking.NewRanker(cfg.Pipeline.SupervisorThreshold)

	orch, err := orchestrator.NewOrchestrator(cfg.ToOrchestratorConfig(), orchestrator.Dependencies{
		Gate:      gate.NewGate(routerInstance, security.NewInjectionScreener(nil), cfg.ToGateConfig(), recorder, logger),
		Parser:    parser.NewParser(routerInstance, cfg.ToParserConfig(), logger),
		Resolver:  resolver,
		Estimator: estimator,
		Rates:     repo,
		Ranker:    &ranker,
		Reflector: reflection.NewReflector(routerInstance, cfg.ToReflectionConfig(), logger),
		Reviewer:  supervisor.NewAutoApprover(cfg.Pipeline.SupervisorName, logger),
		Sessions:  sessions,
		Recorder:  recorder,
	}, logger)
	if err != nil {
		recorder.Stop()
		repo.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	securityMiddleware, err := middleware.NewSecurityMiddleware(cfg.Security, recorder, logger)
	if err != nil {
		orch.Close()
		return nil, fmt.Errorf("failed to create security middleware: %w", err)
	}

	var schema *middleware.ValidationMiddleware
	if cfg.APIValidation.Enabled {
		schema, err = middleware.NewValidationMiddleware(cfg.APIValidation, logger)
		if err != nil {
			orch.Close()
			return nil, fmt.Errorf("failed to create schema validation: %w", err)
		}
	}

	serverInstance, err := server.NewServer(cfg.ToServerConfig(), server.Dependencies{
		Orchestrator: orch,
		Rates:        repo,
		Resolver:     resolver,
		Estimator:    estimator,
		Health:       routerInstance,
		Security:     securityMiddleware,
		Schema:       schema,
	}, logger)
	if err != nil {
		orch.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:       cfg,
		router:       routerInstance,
		sessions:     sessions,
		security:     securityMiddleware,
		orchestrator: orch,
		server:       serverInstance,
		logger:       logger,
	}, nil
}

// Run starts the server and background workers and blocks until a
// shutdown signal arrives or one of them fails
func (app *Application) Run(ctx context.Context) error {
	app.logger.WithFields(logrus.Fields{
		"version":   version,
		"providers": app.router.ListProviders(),
		"rates":     app.config.Rates.Backend,
	}).Info("Starting shipping assistant")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return app.sessions.Run(gctx)
	})
	g.Go(func() error {
		app.router.StartHealthChecks(gctx)
		return nil
	})
	g.Go(func() error {
		return app.security.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := app.server.Stop(shutdownCtx); err != nil {
			app.logger.WithError(err).Error("Server shutdown error")
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if closeErr := app.orchestrator.Close(); closeErr != nil {
		app.logger.WithError(closeErr).Error("Pipeline shutdown error")
		err = errors.Join(err, closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// registerProviders registers the configured providers in preference order
func registerProviders(ctx context.Context, router *routing.Router, cfg *config.Config, logger *logrus.Logger) error {
	for _, name := range cfg.GetEnabledProviders() {
		switch name {
		case config.ProviderAnthropic:
			router.RegisterProvider(name, anthropic.NewAnthropicProvider(cfg.LLM.Anthropic, logger))
		case config.ProviderOpenAI:
			router.RegisterProvider(name, openai.NewOpenAIProvider(cfg.LLM.OpenAI, logger))
		case config.ProviderGemini:
			provider, err := gemini.NewGeminiProvider(ctx, cfg.LLM.Gemini, logger)
			if err != nil {
				return fmt.Errorf("failed to create gemini provider: %w", err)
			}
			router.RegisterProvider(name, provider)
		}
	}

	count := len(router.ListProviders())
	if count == 0 {
		return fmt.Errorf("no providers were registered - check your configuration and API keys")
	}

	logger.WithField("count", count).Info("Provider registration completed")
	return nil
}

// openRates opens the configured rate table backend
func openRates(ctx context.Context, cfg config.RatesConfig, logger *logrus.Logger) (rates.Repository, error) {
	if cfg.Backend == config.RatesBackendSQLite {
		return rates.OpenSQLite(ctx, cfg.SQLite, logger)
	}
	logger.Info("Using built-in rate table")
	return rates.NewDefaultTable(), nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY                   Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY                      OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  GEMINI_API_KEY                      Gemini API key\n")
	fmt.Fprintf(os.Stderr, "  SHIPPING_ASSISTANT_PORT             Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  SHIPPING_ASSISTANT_LOG_LEVEL        Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  SHIPPING_ASSISTANT_LOG_FORMAT       Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  SHIPPING_ASSISTANT_RATES_DSN        SQLite rate table path (selects the sqlite backend)\n")
	fmt.Fprintf(os.Stderr, "  SHIPPING_ASSISTANT_GATE_FAIL_MODE   Topic gate behaviour on classifier failure (closed,open)\n")
	fmt.Fprintf(os.Stderr, "  SHIPPING_ASSISTANT_JWT_SECRET       HS256 secret for bearer tokens\n")
	fmt.Fprintf(os.Stderr, "  SHIPPING_ASSISTANT_API_KEYS         Comma-separated API keys\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s -config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY=sk-ant-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("Shipping Assistant v%s\n", version)
		os.Exit(0)
	}

	// Missing .env is not an error
	_ = godotenv.Load()

	ctx := context.Background()
	app, err := NewApplication(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
