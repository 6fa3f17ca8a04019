package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-pay/internal/platform/httpx"
)

// Authenticator is the service contract used by Handler.
type Authenticator interface {
	Register(ctx context.Context, email, password string) (string, error)
	Login(ctx context.Context, email, password string) (Token, error)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger  *slog.Logger
	service Authenticator
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service Authenticator) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	id, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			httpx.InvalidFields(w, verr.Fields)
		case errors.Is(err, ErrDuplicateAccount):
			httpx.Problem(w, http.StatusConflict, "Duplicate", "account already exists")
		default:
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	httpx.JSON(w, http.StatusCreated, registerResponse{ID: id, Email: NormalizeEmail(req.Email)})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	token, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrAccountLocked) {
			// Same response for both so callers cannot probe lock state.
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
			return
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, loginResponse{
		Token:     token.Value,
		TokenType: "Bearer",
		ExpiresAt: token.ExpiresAt,
	})
}
