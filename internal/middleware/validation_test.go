package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestValidationMiddleware(t *testing.T) *ValidationMiddleware {
	t.Helper()
	vm, err := NewValidationMiddleware(SchemaValidationConfig{Enabled: true, SpecPath: "docs/openapi.yaml"}, quietLogger())
	require.NoError(t, err)
	return vm
}

func TestNewValidationMiddleware_Disabled(t *testing.T) {
	vm, err := NewValidationMiddleware(SchemaValidationConfig{Enabled: false}, quietLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	vm.Middleware(okHandler).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewValidationMiddleware_MissingSpec(t *testing.T) {
	_, err := NewValidationMiddleware(SchemaValidationConfig{Enabled: true, SpecPath: "docs/missing.yaml"}, quietLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load OpenAPI spec")
}

func TestValidationMiddleware_Requests(t *testing.T) {
	vm := createTestValidationMiddleware(t)

	var seenBody string
	handler := vm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		seenBody = string(data)
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
	}{
		{"valid chat", http.MethodPost, "/v1/chat", `{"message": "ship 5 lbs to zone 3"}`, http.StatusOK},
		{"chat without message", http.MethodPost, "/v1/chat", `{"session_id": "abc"}`, http.StatusBadRequest},
		{"chat with empty message", http.MethodPost, "/v1/chat", `{"message": ""}`, http.StatusBadRequest},
		{"chat with wrong type", http.MethodPost, "/v1/chat", `{"message": 42}`, http.StatusBadRequest},
		{"rates with params", http.MethodGet, "/v1/rates?zone=5&weight=10", "", http.StatusOK},
		{"rates without zone", http.MethodGet, "/v1/rates?weight=10", "", http.StatusBadRequest},
		{"rates with non-numeric zone", http.MethodGet, "/v1/rates?zone=five&weight=10", "", http.StatusBadRequest},
		{"empty weight items", http.MethodPost, "/v1/weights/estimate", `{"items": []}`, http.StatusBadRequest},
		{"undocumented route", http.MethodGet, "/metrics", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenBody = ""
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.body, seenBody)
				return
			}

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errBody := body["error"].(map[string]interface{})
			assert.Equal(t, "validation_error", errBody["type"])
			assert.NotEmpty(t, errBody["message"])
		})
	}
}
