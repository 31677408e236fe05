package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/shipping-assistant/internal/security"
)

// SchemaValidationConfig configures OpenAPI request validation
type SchemaValidationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpecPath string `yaml:"spec_path"`
}

// ValidationMiddleware validates request parameters and bodies against the
// OpenAPI document. Routes the document does not describe pass through.
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// NewValidationMiddleware creates a new validation middleware
func NewValidationMiddleware(config SchemaValidationConfig, logger *logrus.Logger) (*ValidationMiddleware, error) {
	vm := &ValidationMiddleware{
		logger:  logger,
		enabled: config.Enabled,
	}

	if !config.Enabled {
		logger.Info("API schema validation disabled")
		return vm, nil
	}

	if config.SpecPath == "" {
		config.SpecPath = "docs/openapi.yaml"
	}

	doc, err := LoadOpenAPISpec(config.SpecPath)
	if err != nil {
		return nil, err
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAPI router: %w", err)
	}
	vm.router = router

	logger.WithField("spec_path", config.SpecPath).Info("API schema validation enabled")
	return vm, nil
}

// LoadOpenAPISpec loads and validates the OpenAPI document. A relative path
// that does not exist is retried from the repository root.
func LoadOpenAPISpec(specPath string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()

	doc, err := loader.LoadFromFile(specPath)
	if err != nil && !filepath.IsAbs(specPath) {
		rootPath := filepath.Join("..", "..", specPath)
		var rootErr error
		if doc, rootErr = loader.LoadFromFile(rootPath); rootErr == nil {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec from %s: %w", specPath, err)
	}

	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}
	return doc, nil
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request schema validation failed")

			security.WriteError(w, http.StatusBadRequest, "validation_error", describeValidationError(err))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		// Undocumented routes and methods are left to the mux
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			// Credentials are checked by the security middleware
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			MultiError:         true,
		},
	}

	err = openapi3filter.ValidateRequest(r.Context(), input)

	// Downstream handlers read the body again
	r.Body = io.NopCloser(bytes.NewReader(body))
	return err
}

// describeValidationError flattens kin-openapi errors into one readable line
func describeValidationError(err error) string {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		parts := make([]string, 0, len(multi))
		for _, e := range multi {
			parts = append(parts, describeValidationError(e))
		}
		return strings.Join(parts, "; ")
	}

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.RequestBody != nil:
			return "Invalid request body: " + schemaReason(reqErr.Err)
		case reqErr.Parameter != nil:
			return fmt.Sprintf("Invalid %s parameter %q: %s", reqErr.Parameter.In, reqErr.Parameter.Name, schemaReason(reqErr.Err))
		}
		return reqErr.Error()
	}
	return err.Error()
}

func schemaReason(err error) string {
	if err == nil {
		return "value is required"
	}
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if field := strings.Join(schemaErr.JSONPointer(), "."); field != "" {
			return fmt.Sprintf("%s: %s", field, schemaErr.Reason)
		}
		return schemaErr.Reason
	}
	return err.Error()
}
