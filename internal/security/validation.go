package security

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/telemetry"
)

// ValidationConfig holds request validation configuration
type ValidationConfig struct {
	MaxRequestSize  int64    `yaml:"max_request_size"`
	MaxQueryLength  int      `yaml:"max_query_length"`
	ContentTypes    []string `yaml:"allowed_content_types"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
	IPAllowlist     []string `yaml:"ip_allowlist"`
	IPBlocklist     []string `yaml:"ip_blocklist"`
}

// ValidationResult contains the result of request validation
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// RequestValidator checks transport-level properties of incoming requests
// and sanitizes chat messages before they reach the pipeline.
type RequestValidator struct {
	config         ValidationConfig
	logger         *logrus.Logger
	blockedRegexes []*regexp.Regexp
	allow          []*net.IPNet
	block          []*net.IPNet
}

// NewRequestValidator creates a new request validator
func NewRequestValidator(config ValidationConfig, logger *logrus.Logger) (*RequestValidator, error) {
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 64 * 1024
	}
	if config.MaxQueryLength <= 0 {
		config.MaxQueryLength = 2000
	}
	if len(config.ContentTypes) == 0 {
		config.ContentTypes = []string{"application/json"}
	}

	v := &RequestValidator{config: config, logger: logger}

	for _, pattern := range config.BlockedPatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern '%s': %w", pattern, err)
		}
		v.blockedRegexes = append(v.blockedRegexes, regex)
	}

	var err error
	if v.allow, err = parseNetworks(config.IPAllowlist); err != nil {
		return nil, fmt.Errorf("invalid ip allowlist: %w", err)
	}
	if v.block, err = parseNetworks(config.IPBlocklist); err != nil {
		return nil, fmt.Errorf("invalid ip blocklist: %w", err)
	}

	return v, nil
}

// ValidateRequest checks size, content type and client address
func (v *RequestValidator) ValidateRequest(r *http.Request, clientIP string) ValidationResult {
	result := ValidationResult{Valid: true}

	if r.ContentLength > v.config.MaxRequestSize {
		result.fail("Request size %d exceeds maximum %d", r.ContentLength, v.config.MaxRequestSize)
	}

	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		contentType := r.Header.Get("Content-Type")
		if !v.isAllowedContentType(contentType) {
			result.fail("Content-Type %s not allowed", contentType)
		}
	}

	ip := net.ParseIP(clientIP)
	if len(v.allow) > 0 && !containsIP(v.allow, ip) {
		result.fail("IP %s not allowed", clientIP)
	}
	if containsIP(v.block, ip) {
		result.fail("IP %s is blocked", clientIP)
	}

	return result
}

// ValidateQuery checks a chat message after sanitizing it
func (v *RequestValidator) ValidateQuery(query string) ValidationResult {
	result := ValidationResult{Valid: true}

	if !utf8.ValidString(query) {
		result.fail("Message contains invalid UTF-8")
		return result
	}
	if strings.TrimSpace(query) == "" {
		result.fail("Message is empty")
	}
	if n := utf8.RuneCountInString(query); n > v.config.MaxQueryLength {
		result.fail("Message length %d exceeds maximum %d", n, v.config.MaxQueryLength)
	}
	for _, regex := range v.blockedRegexes {
		if regex.MatchString(query) {
			result.fail("Message contains blocked patterns")
			break
		}
	}

	return result
}

// SanitizeInput removes null bytes and control characters except newline and tab
func (v *RequestValidator) SanitizeInput(input string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)
}

// MaxRequestSize is the body limit used by handlers
func (v *RequestValidator) MaxRequestSize() int64 {
	return v.config.MaxRequestSize
}

// Middleware rejects requests that fail ValidateRequest
func (v *RequestValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := telemetry.ClientIP(r)
			result := v.ValidateRequest(r, clientIP)
			if !result.Valid {
				v.logger.WithFields(logrus.Fields{
					"method":    r.Method,
					"path":      r.URL.Path,
					"client_ip": clientIP,
					"errors":    result.Errors,
				}).Warn("Request validation failed")

				writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "Request validation failed", result.Errors))
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, v.config.MaxRequestSize)
			next.ServeHTTP(w, r)
		})
	}
}

func (v *RequestValidator) isAllowedContentType(contentType string) bool {
	mainType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	for _, allowed := range v.config.ContentTypes {
		if strings.EqualFold(mainType, allowed) {
			return true
		}
	}
	return false
}

func parseNetworks(entries []string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil && ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, err
		}
		networks = append(networks, network)
	}
	return networks, nil
}

func containsIP(networks []*net.IPNet, ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// WriteError writes the API's JSON error envelope
func WriteError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody(errType, message, nil))
}

func errorBody(errType, message string, details []string) map[string]interface{} {
	body := map[string]interface{}{
		"message": message,
		"type":    errType,
		"code":    0,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	return map[string]interface{}{
		"error":     body,
		"timestamp": time.Now().Unix(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]interface{}) {
	if errBody, ok := payload["error"].(map[string]interface{}); ok {
		errBody["code"] = status
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
