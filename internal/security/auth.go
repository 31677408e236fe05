package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/telemetry"
)

// Permissions granted to API callers
const (
	PermissionChat  = "chat:write"
	PermissionRates = "rates:read"
)

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// AuthInfo contains authenticated caller information
type AuthInfo struct {
	UserID      string            `json:"user_id"`
	AuthType    string            `json:"auth_type"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// HasPermission reports whether the caller holds the permission
func (a *AuthInfo) HasPermission(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

// JWTClaims represents JWT token claims
type JWTClaims struct {
	UserID      string            `json:"user_id"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration
type Config struct {
	RequireAuth bool          `yaml:"require_auth"`
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	JWTIssuer   string        `yaml:"jwt_issuer"`
	PublicPaths []string      `yaml:"public_paths"`
}

// Authenticator validates API keys and HS256 JWTs
type Authenticator struct {
	config   Config
	logger   *logrus.Logger
	recorder *telemetry.Recorder
	now      func() time.Time
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(config Config, recorder *telemetry.Recorder, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	if config.JWTIssuer == "" {
		config.JWTIssuer = "shipping-assistant"
	}
	if len(config.PublicPaths) == 0 {
		config.PublicPaths = []string{"/health", "/docs"}
	}

	return &Authenticator{
		config:   config,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
	}
}

// Authenticate validates a token, trying API keys first and then JWT
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	if info, ok := a.validateAPIKey(token); ok {
		return info, nil
	}

	claims, err := a.ValidateJWT(token)
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"token_prefix": maskKey(token),
			"client_ip":    telemetry.ClientIPFrom(ctx),
		}).Debug("Token rejected")
		return nil, ErrInvalidToken
	}

	info := &AuthInfo{
		UserID:      claims.UserID,
		AuthType:    "jwt",
		Permissions: claims.Permissions,
		Metadata:    claims.Metadata,
	}
	if claims.ExpiresAt != nil {
		expires := claims.ExpiresAt.Time
		info.ExpiresAt = &expires
	}
	return info, nil
}

func (a *Authenticator) validateAPIKey(apiKey string) (*AuthInfo, bool) {
	for _, validKey := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return &AuthInfo{
				UserID:      userIDForKey(apiKey),
				AuthType:    "api_key",
				Permissions: []string{PermissionChat, PermissionRates},
			}, true
		}
	}
	return nil, false
}

// GenerateJWT issues a signed token for a user
func (a *Authenticator) GenerateJWT(userID string, permissions []string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("jwt secret not configured")
	}

	now := a.now()
	claims := &JWTClaims{
		UserID:      userID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.JWTIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses and verifies a token
func (a *Authenticator) ValidateJWT(tokenString string) (*JWTClaims, error) {
	if a.config.JWTSecret == "" {
		return nil, errors.New("jwt secret not configured")
	}

	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(a.config.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.config.JWTIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Middleware rejects unauthenticated requests and stores AuthInfo in the context
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.RequireAuth || a.isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			info, err := a.Authenticate(r.Context(), ExtractToken(r))
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"error":     err.Error(),
					"path":      r.URL.Path,
					"method":    r.Method,
					"client_ip": telemetry.ClientIP(r),
				}).Warn("Authentication failed")

				a.recorder.Record(r.Context(), telemetry.Event{
					Type:   telemetry.AuthFailure,
					Stage:  "auth",
					Input:  r.Method + " " + r.URL.Path,
					Output: err.Error(),
				})

				WriteError(w, http.StatusUnauthorized, "authentication_error", err.Error())
				return
			}

			a.logger.WithFields(logrus.Fields{
				"user_id":   info.UserID,
				"auth_type": info.AuthType,
				"path":      r.URL.Path,
			}).Debug("Authentication successful")

			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), info)))
		})
	}
}

func (a *Authenticator) isPublic(path string) bool {
	for _, prefix := range a.config.PublicPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ExtractToken reads a bearer token or X-API-Key header
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.Header.Get("X-API-Key")
}

func userIDForKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "key_" + hex.EncodeToString(sum[:])[:12]
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}

type authInfoKey struct{}

// WithAuthInfo stores caller info in the context
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// GetAuthInfo extracts authentication info from the context
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info, ok
}
