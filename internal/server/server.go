package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/location"
	"github.com/tributary-ai/shipping-assistant/internal/middleware"
	"github.com/tributary-ai/shipping-assistant/internal/orchestrator"
	"github.com/tributary-ai/shipping-assistant/internal/rates"
	"github.com/tributary-ai/shipping-assistant/internal/routing"
	"github.com/tributary-ai/shipping-assistant/internal/security"
	"github.com/tributary-ai/shipping-assistant/internal/session"
	"github.com/tributary-ai/shipping-assistant/internal/types"
	"github.com/tributary-ai/shipping-assistant/internal/weight"
)

const backendUnavailableMessage = "The language model backend is unavailable. Please try again later."

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	// RequestTimeout bounds one pipeline pass, including model calls
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// DocsSpecPath is the OpenAPI document served under /docs
	DocsSpecPath string `yaml:"docs_spec_path"`
}

// HealthReporter exposes provider health, implemented by routing.Router
type HealthReporter interface {
	GetHealthStatus() map[string]*types.HealthStatus
}

// Dependencies are the components behind the HTTP surface. Orchestrator,
// Rates, Resolver and Estimator are required.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Rates        rates.Repository
	Resolver     *location.Resolver
	Estimator    *weight.Estimator
	Health       HealthReporter
	Security     *middleware.SecurityMiddleware
	Schema       *middleware.ValidationMiddleware
}

// Server represents the HTTP server
type Server struct {
	deps       Dependencies
	validator  *security.RequestValidator
	httpServer *http.Server
	logger     *logrus.Logger
	config     ServerConfig
	started    time.Time
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, deps Dependencies, logger *logrus.Logger) (*Server, error) {
	switch {
	case deps.Orchestrator == nil:
		return nil, errors.New("server requires an orchestrator")
	case deps.Rates == nil:
		return nil, errors.New("server requires a rate repository")
	case deps.Resolver == nil:
		return nil, errors.New("server requires a location resolver")
	case deps.Estimator == nil:
		return nil, errors.New("server requires a weight estimator")
	}

	if config.Port == "" {
		config.Port = "8080"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if config.DocsSpecPath == "" {
		config.DocsSpecPath = "docs/openapi.yaml"
	}

	var validator *security.RequestValidator
	if deps.Security != nil {
		validator = deps.Security.Validator()
	} else {
		var err error
		if validator, err = security.NewRequestValidator(security.ValidationConfig{}, logger); err != nil {
			return nil, fmt.Errorf("failed to create request validator: %w", err)
		}
	}

	return &Server{
		deps:      deps,
		validator: validator,
		logger:    logger,
		config:    config,
		started:   time.Now(),
	}, nil
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting shipping assistant server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping shipping assistant server")
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	if s.deps.Schema != nil {
		r.Use(s.deps.Schema.Middleware)
	}

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/chat/ws", s.handleChatWS).Methods(http.MethodGet)

	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)

	api.HandleFunc("/rates", s.handleRates).Methods(http.MethodGet)
	api.HandleFunc("/locations/resolve", s.handleResolveLocation).Methods(http.MethodGet)
	api.HandleFunc("/weights/estimate", s.handleEstimateWeights).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)
	s.setupSwaggerRoutes(r)

	// Security wraps the router so unmatched routes and preflights pass through it too
	if s.deps.Security != nil {
		return s.deps.Security.Handler()(r)
	}
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// handleChat runs one message through the pipeline
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	result, apiErr := s.process(r.Context(), req)
	if apiErr != nil {
		s.writeErrorResponse(w, apiErr.status, apiErr.errType, apiErr.message)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// apiError is a failed chat turn as reported to the client
type apiError struct {
	status  int
	errType string
	message string
}

// process validates a chat message and runs the pipeline
func (s *Server) process(ctx context.Context, req chatRequest) (types.Result, *apiError) {
	message := s.validator.SanitizeInput(req.Message)
	if check := s.validator.ValidateQuery(message); !check.Valid {
		return types.Result{}, &apiError{http.StatusBadRequest, "validation_error", strings.Join(check.Errors, "; ")}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	result, err := s.deps.Orchestrator.ProcessRequest(ctx, strings.TrimSpace(req.SessionID), message)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, routing.ErrBackendUnavailable):
		return types.Result{}, &apiError{http.StatusBadGateway, "backend_unavailable", backendUnavailableMessage}
	case errors.Is(err, context.DeadlineExceeded):
		return types.Result{}, &apiError{http.StatusGatewayTimeout, "timeout", "The request took too long to process."}
	case errors.Is(err, context.Canceled):
		return types.Result{}, &apiError{http.StatusServiceUnavailable, "cancelled", "The request was cancelled."}
	default:
		s.logger.WithError(err).Error("Chat request failed")
		return types.Result{}, &apiError{http.StatusInternalServerError, "internal_error", "Failed to process the request."}
	}
}

type sessionResponse struct {
	session.Info
	Messages []session.Message `json:"messages"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	info := s.deps.Orchestrator.Sessions().Create()
	s.writeJSON(w, http.StatusCreated, sessionResponse{Info: info, Messages: []session.Message{}})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	store := s.deps.Orchestrator.Sessions()

	info, err := store.Get(id)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	messages, err := store.History(id, 0)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}

	s.writeJSON(w, http.StatusOK, sessionResponse{Info: info, Messages: messages})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Orchestrator.Sessions().Delete(id); err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSessionError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %s not found", id))
		return
	}
	s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", err.Error())
}

// handleRates returns the priced options for one zone and weight
func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	zone, err := strconv.Atoi(query.Get("zone"))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "zone must be an integer")
		return
	}
	lbs, err := strconv.ParseFloat(query.Get("weight"), 64)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "weight must be a number")
		return
	}

	row, found, err := s.deps.Rates.Lookup(r.Context(), zone, lbs)
	if err != nil {
		s.logger.WithError(err).Error("Rate lookup failed")
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Rate lookup failed")
		return
	}
	if !found {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found",
			fmt.Sprintf("No rates for zone %d and %d lbs", zone, rates.RoundWeight(lbs)))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"zone":    row.Zone,
		"weight":  row.Weight,
		"row":     row,
		"options": row.Options(),
	})
}

func (s *Server) handleResolveLocation(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "q is required")
		return
	}

	res, err := s.deps.Resolver.Resolve(r.Context(), q)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type weightRequest struct {
	Items []weight.Item `json:"items"`
}

func (s *Server) handleEstimateWeights(w http.ResponseWriter, r *http.Request) {
	var req weightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if len(req.Items) == 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "items must not be empty")
		return
	}

	total, err := s.deps.Estimator.EstimateItems(r.Context(), req.Items)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, total)
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	if errors.Is(err, routing.ErrBackendUnavailable) {
		s.writeErrorResponse(w, http.StatusBadGateway, "backend_unavailable", backendUnavailableMessage)
		return
	}
	s.logger.WithError(err).Error("Lookup failed")
	s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", err.Error())
}

// handleHealthCheck reports provider health. The service is unhealthy only
// when no provider can serve completions.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var health map[string]*types.HealthStatus
	if s.deps.Health != nil {
		health = s.deps.Health.GetHealthStatus()
	}

	usable := 0
	for _, status := range health {
		if status.Status != types.HealthUnhealthy {
			usable++
		}
	}

	overall := types.HealthHealthy
	statusCode := http.StatusOK
	switch {
	case usable == 0:
		overall = types.HealthUnhealthy
		statusCode = http.StatusServiceUnavailable
	case usable < len(health):
		overall = "degraded"
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"status":         overall,
		"providers":      health,
		"sessions":       s.deps.Orchestrator.Sessions().Len(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().Unix(),
	})
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errType, message string) {
	security.WriteError(w, statusCode, errType, message)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack is required for websocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
