package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pay/internal/platform/httpx"
	_ "github.com/odyssey-erp/odyssey-pay/testing"
)

func newAuthRouter(svc Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Route("/auth", NewHandler(nil, svc).MountRoutes)
	return r
}

func postJSON(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandlerRegister(t *testing.T) {
	f := newServiceFixture(t, 3)
	router := newAuthRouter(f.service)

	rr := postJSON(router, "/auth/register", `{"email":" Dana@Example.com ","password":"long enough password"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created registerResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "dana@example.com", created.Email)

	rr = postJSON(router, "/auth/register", `{"email":"dana@example.com","password":"another long password"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = postJSON(router, "/auth/register", `{"email":"nope","password":"short"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var problem httpx.ValidationProblem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.Contains(t, problem.Errors, "email")
	assert.Contains(t, problem.Errors, "password")

	rr = postJSON(router, "/auth/register", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerLogin(t *testing.T) {
	f := newServiceFixture(t, 3)
	router := newAuthRouter(f.service)
	_, err := f.service.Register(context.Background(), "erin@example.com", "long enough password")
	require.NoError(t, err)

	rr := postJSON(router, "/auth/login", `{"email":"ERIN@example.com","password":"long enough password"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var login loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))
	assert.Equal(t, "Bearer", login.TokenType)
	assert.NotEmpty(t, login.Token)
	assert.False(t, login.ExpiresAt.IsZero())

	rr = postJSON(router, "/auth/login", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerLoginHidesLockState(t *testing.T) {
	f := newServiceFixture(t, 2)
	router := newAuthRouter(f.service)
	_, err := f.service.Register(context.Background(), "fay@example.com", "long enough password")
	require.NoError(t, err)

	wrong := postJSON(router, "/auth/login", `{"email":"fay@example.com","password":"wrong password!!"}`)
	require.Equal(t, http.StatusUnauthorized, wrong.Code)
	unknown := postJSON(router, "/auth/login", `{"email":"ghost@example.com","password":"wrong password!!"}`)
	require.Equal(t, http.StatusUnauthorized, unknown.Code)

	// Second failure locks the account.
	postJSON(router, "/auth/login", `{"email":"fay@example.com","password":"wrong password!!"}`)
	locked := postJSON(router, "/auth/login", `{"email":"fay@example.com","password":"long enough password"}`)
	require.Equal(t, http.StatusUnauthorized, locked.Code)

	assert.Equal(t, wrong.Body.String(), unknown.Body.String())
	assert.Equal(t, wrong.Body.String(), locked.Body.String())
}

type failingAuthenticator struct{}

func (failingAuthenticator) Register(context.Context, string, string) (string, error) {
	return "", errors.Join(ErrStorageUnreachable, errors.New("dial tcp: refused"))
}

func (failingAuthenticator) Login(context.Context, string, string) (Token, error) {
	return Token{}, errors.Join(ErrStorageUnreachable, errors.New("dial tcp: refused"))
}

func TestHandlerInternalErrorsAreGeneric(t *testing.T) {
	router := newAuthRouter(failingAuthenticator{})

	for _, path := range []string{"/auth/register", "/auth/login"} {
		rr := postJSON(router, path, `{"email":"a@example.com","password":"long enough password"}`)
		assert.Equal(t, http.StatusInternalServerError, rr.Code, path)
		assert.NotContains(t, rr.Body.String(), "dial tcp", path)
	}
}
