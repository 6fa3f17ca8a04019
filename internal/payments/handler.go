package payments

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pay/internal/auth"
	"github.com/odyssey-erp/odyssey-pay/internal/platform/httpx"
)

// Gateway is the charge contract used by Handler.
type Gateway interface {
	Charge(ctx context.Context, charge ChargeRequest, idempotencyKey string) (GatewayResponse, error)
}

// Handler exposes payment initiation.
type Handler struct {
	logger   *slog.Logger
	gateway  Gateway
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, gateway Gateway) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, gateway: gateway, validate: validate}
}

// MountRoutes registers payment routes. Callers must mount them behind
// auth.RequireToken.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCharge)
}

func (h *Handler) handleCharge(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req ChargeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	req.AccountID = principal.AccountID
	if err := h.validate.Struct(req); err != nil {
		httpx.InvalidFields(w, fieldErrors(err))
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if key == "" {
		key = uuid.NewString()
	}
	resp, err := h.gateway.Charge(r.Context(), req, key)
	if err != nil {
		h.logger.Error("charge failed",
			slog.String("account_id", principal.AccountID),
			slog.String("idempotency_key", key),
			slog.Any("error", err),
		)
		httpx.RespondError(w, err)
		return
	}

	w.Header().Set(idempotencyHeader, key)
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(resp.Body)
}

func fieldErrors(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["body"] = err.Error()
		return out
	}
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
