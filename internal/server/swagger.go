package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"
)

// setupSwaggerRoutes sets up Swagger UI routes for API documentation
func (s *Server) setupSwaggerRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPIYAML).Methods(http.MethodGet)
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPIJSON).Methods(http.MethodGet)

	r.HandleFunc("/docs", s.handleSwaggerUI).Methods(http.MethodGet)
	r.HandleFunc("/docs/", s.handleSwaggerUI).Methods(http.MethodGet)
}

// readSpec reads the OpenAPI document, falling back to the repository root
// when running from a package directory
func (s *Server) readSpec() ([]byte, error) {
	data, err := os.ReadFile(s.config.DocsSpecPath)
	if err != nil && !filepath.IsAbs(s.config.DocsSpecPath) {
		if rootData, rootErr := os.ReadFile(filepath.Join("..", "..", s.config.DocsSpecPath)); rootErr == nil {
			return rootData, nil
		}
	}
	return data, err
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	data, err := s.readSpec()
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", "OpenAPI spec not found")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	data, err := s.readSpec()
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", "OpenAPI spec not found")
		return
	}

	jsonData, err := yamlToJSON(data)
	if err != nil {
		s.logger.WithError(err).Error("Failed to convert OpenAPI spec")
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Error converting OpenAPI spec")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonData)
}

// yamlToJSON converts a YAML document to indented JSON
func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return json.MarshalIndent(stringKeys(doc), "", "  ")
}

// stringKeys rewrites the map[interface{}]interface{} values yaml.v2
// produces into maps encoding/json can marshal
func stringKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = stringKeys(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = stringKeys(val)
		}
		return t
	default:
		return v
	}
}

// handleSwaggerUI serves the Swagger UI interface
func (s *Server) handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, swaggerPage, getBaseURL(r)+"/docs/openapi.json")
}

const swaggerPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Shipping Assistant - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
    <style>
        body { margin: 0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
        .custom-header { background: #1f2937; color: white; padding: 1rem 2rem; }
        .custom-header h1 { margin: 0; font-size: 1.5rem; }
    </style>
</head>
<body>
    <div class="custom-header">
        <h1>Shipping Assistant API</h1>
    </div>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '%s',
                dom_id: '#swagger-ui',
                deepLinking: true,
                docExpansion: "list",
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`

// getBaseURL extracts the base URL from the request
func getBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	// Check for forwarded headers (common in reverse proxy setups)
	if forwardedProto := r.Header.Get("X-Forwarded-Proto"); forwardedProto != "" {
		scheme = forwardedProto
	}

	host := r.Host
	if forwardedHost := r.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
		host = forwardedHost
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
