package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/security"
	"github.com/tributary-ai/shipping-assistant/internal/telemetry"
)

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Auth       security.Config           `yaml:"auth"`
	RateLimit  security.RateLimitConfig  `yaml:"rate_limit"`
	Validation security.ValidationConfig `yaml:"validation"`
	CORS       CORSConfig                `yaml:"cors"`
}

// CORSConfig lists the origins allowed to call the API from a browser
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SecurityMiddleware combines all security middleware components
type SecurityMiddleware struct {
	auth      *security.Authenticator
	limiter   *security.RateLimiter
	validator *security.RequestValidator
	recorder  *telemetry.Recorder
	origins   []string
	logger    *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack. The rate
// limiter is only built when enabled; a nil recorder disables request events.
func NewSecurityMiddleware(config SecurityMiddlewareConfig, recorder *telemetry.Recorder, logger *logrus.Logger) (*SecurityMiddleware, error) {
	validator, err := security.NewRequestValidator(config.Validation, logger)
	if err != nil {
		return nil, err
	}

	var limiter *security.RateLimiter
	if config.RateLimit.Enabled {
		limiter = security.NewRateLimiter(config.RateLimit, logger)
	}

	return &SecurityMiddleware{
		auth:      security.NewAuthenticator(config.Auth, recorder, logger),
		limiter:   limiter,
		validator: validator,
		recorder:  recorder,
		origins:   config.CORS.AllowedOrigins,
		logger:    logger,
	}, nil
}

// Handler creates the complete security middleware chain
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// Build middleware chain in reverse order (innermost first)
		handler := s.securityHeadersMiddleware()(next)

		// Request validation (innermost - validates each request)
		handler = s.validator.Middleware()(handler)

		// Rate limiting (after auth to use user-based limits)
		if s.limiter != nil {
			handler = s.limiter.Middleware(s.recorder)(handler)
		}

		// Authentication (before rate limiting to identify users)
		handler = s.auth.Middleware()(handler)

		// CORS preflight must succeed without credentials
		if len(s.origins) > 0 {
			handler = s.CORSMiddleware(s.origins)(handler)
		}

		// Request events (outermost - sees every response status)
		return s.recorder.Middleware()(handler)
	}
}

// Authenticator exposes the authenticator, e.g. for issuing tokens
func (s *SecurityMiddleware) Authenticator() *security.Authenticator {
	return s.auth
}

// Validator exposes the request validator for message checks in handlers
func (s *SecurityMiddleware) Validator() *security.RequestValidator {
	return s.validator
}

// Run evicts idle rate limit buckets until ctx is done
func (s *SecurityMiddleware) Run(ctx context.Context) error {
	if s.limiter == nil {
		<-ctx.Done()
		return nil
	}
	return s.limiter.Run(ctx)
}

// GetStats returns security middleware statistics
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"request_events_recorded": s.recorder.EventCount(),
		"request_events_dropped":  s.recorder.DroppedCount(),
		"rate_limiter_enabled":    s.limiter != nil,
		"cors_enabled":            len(s.origins) > 0,
	}
}

// securityHeadersMiddleware adds security headers to responses
func (s *SecurityMiddleware) securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			// The docs page loads Swagger UI from a CDN
			if !strings.HasPrefix(r.URL.Path, "/docs") {
				w.Header().Set("Content-Security-Policy", "default-src 'self'")
			}

			w.Header().Set("Server", "Shipping-Assistant/1.0")
			w.Header().Set("X-API-Version", "1.0")
			if id := telemetry.RequestIDFrom(r.Context()); id != "" {
				w.Header().Set(telemetry.RequestIDHeader, id)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware creates CORS middleware for cross-origin requests
func (s *SecurityMiddleware) CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}

			// Handle preflight OPTIONS requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
