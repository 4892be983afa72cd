package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/JuanPabloHerrera/openapi/internal/config"
	"github.com/JuanPabloHerrera/openapi/internal/gateway"
	"github.com/JuanPabloHerrera/openapi/internal/upstream"
	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Handle(ctx context.Context, req gateway.Request) (*upstream.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*upstream.Response), args.Error(1)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:           "0",
			Env:            "test",
			AllowedOrigins: []string{"https://app.example.com"},
			MaxBodyBytes:   1024,
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}
}

func setupServer(t *testing.T, cfg *config.Config, gw *MockGateway, db fakePinger) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return New(cfg, zap.NewNop(), Deps{Gateway: gw, DB: db})
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var env struct {
		Error api.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error
}

func TestHealth(t *testing.T) {
	s := setupServer(t, testConfig(), new(MockGateway), fakePinger{})

	w := do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Version)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestReady(t *testing.T) {
	s := setupServer(t, testConfig(), new(MockGateway), fakePinger{})
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/ready", "", nil).Code)

	s = setupServer(t, testConfig(), new(MockGateway), fakePinger{err: errors.New("db gone")})
	w := do(s, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Database unavailable", decodeEnvelope(t, w).Message)
}

func TestListModels_StaticWithoutAuth(t *testing.T) {
	gw := new(MockGateway)
	s := setupServer(t, testConfig(), gw, fakePinger{})

	w := do(s, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var list api.ModelList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	assert.NotEmpty(t, list.Data)
	gw.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestProxy_RelaysUpstreamResponse(t *testing.T) {
	gw := new(MockGateway)
	body := `{"model":"openai/gpt-4","messages":[]}`
	gw.On("Handle", mock.Anything, gateway.Request{
		Authorization: "Bearer sk_live_x",
		Path:          "/chat/completions",
		Body:          []byte(body),
	}).Return(&upstream.Response{
		Status:      http.StatusOK,
		Body:        []byte(`{"id":"gen-1"}`),
		ContentType: "application/json; charset=utf-8",
	}, nil)

	s := setupServer(t, testConfig(), gw, fakePinger{})
	w := do(s, http.MethodPost, "/v1/chat/completions", body, map[string]string{"Authorization": "Bearer sk_live_x"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"gen-1"}`, w.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	gw.AssertExpectations(t)
}

func TestProxy_RendersGatewayErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		message  string
		errType  string
		internal bool
	}{
		{"unauthorized", api.Unauthorized(), http.StatusUnauthorized, "Invalid API key", api.TypeAuthentication, false},
		{"insufficient", api.InsufficientCredits(0.012, 0.001), http.StatusPaymentRequired, "Insufficient credits. Required: $0.012000, Available: $0.001000", api.TypeInsufficient, false},
		{"rate limited", api.RateLimited("minute", 5), http.StatusTooManyRequests, "Rate limit exceeded: 5 requests per minute", api.TypeRateLimit, false},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError, "Internal server error", api.TypeAPI, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := new(MockGateway)
			gw.On("Handle", mock.Anything, mock.Anything).Return(nil, tt.err)

			s := setupServer(t, testConfig(), gw, fakePinger{})
			w := do(s, http.MethodPost, "/v1/chat/completions", `{}`, nil)

			assert.Equal(t, tt.status, w.Code)
			env := decodeEnvelope(t, w)
			assert.Equal(t, tt.message, env.Message)
			assert.Equal(t, tt.errType, env.Type)
			if tt.internal {
				assert.NotContains(t, w.Body.String(), "boom")
			}
		})
	}
}

func TestProxy_BodyTooLarge(t *testing.T) {
	gw := new(MockGateway)
	s := setupServer(t, testConfig(), gw, fakePinger{})

	w := do(s, http.MethodPost, "/v1/chat/completions", strings.Repeat("a", 2048), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	gw.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestNoRoute(t *testing.T) {
	s := setupServer(t, testConfig(), new(MockGateway), fakePinger{})

	w := do(s, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, api.TypeNotFound, decodeEnvelope(t, w).Type)
}

func TestCORS(t *testing.T) {
	s := setupServer(t, testConfig(), new(MockGateway), fakePinger{})

	w := do(s, http.MethodOptions, "/v1/chat/completions", "", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(s, http.MethodGet, "/health", "", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(s, http.MethodGet, "/health", "", map[string]string{"Origin": "https://evil.example.com"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestFloodGuard(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	gw := new(MockGateway)
	gw.On("Handle", mock.Anything, mock.Anything).Return(nil, api.Unauthorized())

	s := setupServer(t, cfg, gw, fakePinger{})

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodPost, "/v1/chat/completions", `{}`, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodPost, "/v1/chat/completions", `{}`, nil).Code)

	w := do(s, http.MethodPost, "/v1/chat/completions", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "ip_rate_limited", decodeEnvelope(t, w).Code)

	// Health is outside the guarded group.
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "", nil).Code)
	gw.AssertNumberOfCalls(t, "Handle", 2)
}
