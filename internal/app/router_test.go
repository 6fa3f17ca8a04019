package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-pay/internal/auth"
	"github.com/odyssey-erp/odyssey-pay/internal/health"
	"github.com/odyssey-erp/odyssey-pay/internal/lifecycle"
	"github.com/odyssey-erp/odyssey-pay/internal/observability"
	"github.com/odyssey-erp/odyssey-pay/internal/payments"
	_ "github.com/odyssey-erp/odyssey-pay/testing"
)

type idleServer struct{}

func (idleServer) Shutdown(context.Context) error { return nil }
func (idleServer) Close() error                   { return nil }

type testApp struct {
	handler     http.Handler
	coordinator *lifecycle.Coordinator
}

func newTestApp(t *testing.T) testApp {
	t.Helper()
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"ch_1"}`)
	}))
	t.Cleanup(gateway.Close)

	cfg := &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second}
	repo := auth.NewMemoryRepository()
	issuer, err := auth.NewTokenIssuer([]byte("router-test-secret"), time.Hour)
	require.NoError(t, err)
	metrics := observability.NewMetrics()
	svc := auth.NewService(repo, issuer, auth.ServiceConfig{
		Hasher:  auth.NewBcryptHasher(bcrypt.MinCost),
		Policy:  auth.NewLockoutPolicy(3, time.Minute),
		Metrics: metrics,
	})
	monitor := health.NewMonitor(repo, time.Second, health.WithMemoryReader(func(context.Context) health.MemoryUsage {
		return health.MemoryUsage{RSSBytes: 1}
	}))
	coordinator := lifecycle.New(idleServer{}, time.Second, nil)

	handler := NewRouter(RouterParams{
		Config:          cfg,
		AuthHandler:     auth.NewHandler(nil, svc),
		TokenVerifier:   issuer,
		PaymentsHandler: payments.NewHandler(nil, payments.NewClient(gateway.URL, time.Second)),
		Health:          monitor.Handler(),
		Drain:           coordinator.Middleware,
		Metrics:         metrics,
	})
	return testApp{handler: handler, coordinator: coordinator}
}

func (a testApp) do(method, path, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func TestRouterAuthAndPaymentsFlow(t *testing.T) {
	a := newTestApp(t)

	rr := a.do(http.MethodPost, "/auth/register", `{"email":"Alice@Example.com","password":"correct horse battery"}`, "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))

	rr = a.do(http.MethodPost, "/auth/login", `{"email":"alice@example.com","password":"correct horse battery"}`, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	rr = a.do(http.MethodPost, "/payments", `{"amount":100,"currency":"EUR","source":"tok_1"}`, login.Token)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"id":"ch_1"}`, rr.Body.String())

	rr = a.do(http.MethodPost, "/payments", `{"amount":100,"currency":"EUR","source":"tok_1"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = a.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `odyssey_auth_login_total{outcome="success"} 1`)
	assert.Contains(t, rr.Body.String(), `route="/auth/register"`)
}

func TestRouterHealthz(t *testing.T) {
	a := newTestApp(t)
	rr := a.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var snap health.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, health.StatusOK, snap.Status)
	assert.True(t, snap.StorageReachable)
}

func TestRouterEchoesRequestID(t *testing.T) {
	a := newTestApp(t)

	rr := a.do(http.MethodGet, "/healthz", "", "")
	generated := rr.Header().Get("X-Request-Id")
	assert.NotEmpty(t, generated)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":`))
	req.Header.Set("X-Request-Id", "req-from-client")
	rr = httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "req-from-client", rr.Header().Get("X-Request-Id"))
}

func TestRouterRefusesRequestsWhileDraining(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.coordinator.Shutdown(context.Background()))

	rr := a.do(http.MethodPost, "/auth/login", `{"email":"a@example.com","password":"whatever-password"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "application/problem+json"))

	rr = a.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouterRateLimit(t *testing.T) {
	cfg := &Config{AppEnv: "test", RateLimitPerMinute: 2}
	handler := NewRouter(RouterParams{
		Config:      cfg,
		AuthHandler: auth.NewHandler(nil, nil),
		Health: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	})
	var codes []int
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
