package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	campaignHandler "x402-engine/internal/campaign/handler"
	kolHandler "x402-engine/internal/kol/handler"
	"x402-engine/internal/observability"
	settlementHandler "x402-engine/internal/settlement/handler"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	logger := observability.NewNopLogger()
	a := New(r.Group("/"), APIKeyMiddleware([]string{"secret-key", " other "}, logger),
		campaignHandler.Handler{}, settlementHandler.Handler{}, kolHandler.Handler{}, nil)
	a.RegisterRoutes()
	return r
}

func TestHealthAndVersionArePublic(t *testing.T) {
	r := newRouter()

	for _, path := range []string{"/v1/health", "/v1/version"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong key", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Authorization", "Basic secret-key", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer secret-key", http.StatusTeapot},
		{"trimmed configured key", "Authorization", "bearer other", http.StatusTeapot},
		{"header", "X-API-Key", "secret-key", http.StatusTeapot},
	}
	gin.SetMode(gin.TestMode)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(APIKeyMiddleware([]string{"secret-key", " other "}, observability.NewNopLogger()))
			r.GET("/", func(c *gin.Context) { c.Status(http.StatusTeapot) })

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	r := newRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/campaigns/launch", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing API key")
}
