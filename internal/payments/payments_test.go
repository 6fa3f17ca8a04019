package payments

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

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pay/internal/auth"
	_ "github.com/odyssey-erp/odyssey-pay/testing"
)

type capturedCharge struct {
	key    string
	charge ChargeRequest
}

func fakeGateway(t *testing.T, status int, body string) (*httptest.Server, <-chan capturedCharge) {
	t.Helper()
	seen := make(chan capturedCharge, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(status)
			return
		}
		require.Equal(t, "/charges", r.URL.Path)
		var charge ChargeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&charge))
		seen <- capturedCharge{key: r.Header.Get(idempotencyHeader), charge: charge}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func newRouter(t *testing.T, gatewayURL string) (http.Handler, string) {
	t.Helper()
	issuer, err := auth.NewTokenIssuer([]byte("payments-test-secret"), time.Hour)
	require.NoError(t, err)
	token, err := issuer.Issue("acct-42", auth.RoleUser)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/payments", func(pr chi.Router) {
		pr.Use(auth.RequireToken(issuer))
		NewHandler(nil, NewClient(gatewayURL, time.Second)).MountRoutes(pr)
	})
	return r, token.Value
}

func postCharge(router http.Handler, token, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

const validCharge = `{"amount":1250,"currency":"USD","source":"tok_visa","description":"order 17"}`

func TestChargeForwardsToGateway(t *testing.T) {
	gw, seen := fakeGateway(t, http.StatusCreated, `{"id":"ch_1","status":"pending"}`)
	router, token := newRouter(t, gw.URL)

	rr := postCharge(router, token, validCharge, http.Header{idempotencyHeader: {"order-17"}})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"id":"ch_1","status":"pending"}`, rr.Body.String())
	assert.Equal(t, "order-17", rr.Header().Get(idempotencyHeader))

	got := <-seen
	assert.Equal(t, "order-17", got.key)
	assert.Equal(t, "acct-42", got.charge.AccountID)
	assert.Equal(t, int64(1250), got.charge.Amount)
	assert.Equal(t, "USD", got.charge.Currency)
}

func TestChargeGeneratesIdempotencyKey(t *testing.T) {
	gw, seen := fakeGateway(t, http.StatusOK, `{}`)
	router, token := newRouter(t, gw.URL)

	rr := postCharge(router, token, validCharge, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	got := <-seen
	assert.Len(t, got.key, 36)
	assert.Equal(t, got.key, rr.Header().Get(idempotencyHeader))
}

func TestChargeRequiresToken(t *testing.T) {
	gw, _ := fakeGateway(t, http.StatusOK, `{}`)
	router, _ := newRouter(t, gw.URL)

	rr := postCharge(router, "", validCharge, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = postCharge(router, "not-a-token", validCharge, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestChargeValidation(t *testing.T) {
	gw, _ := fakeGateway(t, http.StatusOK, `{}`)
	router, token := newRouter(t, gw.URL)

	rr := postCharge(router, token, `{"amount":0,"currency":"XXX1","source":""}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var body struct {
		Errors map[string]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "required", body.Errors["amount"])
	assert.Equal(t, "iso4217", body.Errors["currency"])
	assert.Equal(t, "required", body.Errors["source"])

	rr = postCharge(router, token, `{"amount":`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChargeGatewayFailureIsBadGateway(t *testing.T) {
	gw, _ := fakeGateway(t, http.StatusInternalServerError, `{"error":"boom"}`)
	router, token := newRouter(t, gw.URL)

	rr := postCharge(router, token, validCharge, nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.NotContains(t, rr.Body.String(), "boom")
}

func TestChargeGatewayUnreachable(t *testing.T) {
	gw, _ := fakeGateway(t, http.StatusOK, `{}`)
	url := gw.URL
	gw.Close()
	router, token := newRouter(t, url)

	rr := postCharge(router, token, validCharge, nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestClientPing(t *testing.T) {
	ok, _ := fakeGateway(t, http.StatusOK, "")
	require.NoError(t, NewClient(ok.URL+"/", time.Second).Ping(context.Background()))

	down, _ := fakeGateway(t, http.StatusServiceUnavailable, "")
	err := NewClient(down.URL, time.Second).Ping(context.Background())
	require.ErrorIs(t, err, ErrGateway)
	assert.True(t, strings.Contains(err.Error(), "503"))
}
