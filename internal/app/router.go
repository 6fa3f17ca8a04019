package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-pay/internal/auth"
	"github.com/odyssey-erp/odyssey-pay/internal/observability"
	"github.com/odyssey-erp/odyssey-pay/internal/payments"
	"github.com/odyssey-erp/odyssey-pay/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	AuthHandler     *auth.Handler
	TokenVerifier   auth.TokenVerifier
	PaymentsHandler *payments.Handler
	JobHandler      *jobs.Handler
	Health          http.Handler
	Drain           func(http.Handler) http.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
		Drain:   params.Drain,
	}) {
		r.Use(mw)
	}

	if !params.Config.IsProduction() && !InTestMode() {
		r.Use(chimw.Logger)
	}

	if params.Health != nil {
		r.Method(http.MethodGet, "/healthz", params.Health)
	}
	r.Route("/auth", params.AuthHandler.MountRoutes)
	if params.PaymentsHandler != nil && params.TokenVerifier != nil {
		r.Route("/payments", func(r chi.Router) {
			r.Use(auth.RequireToken(params.TokenVerifier))
			params.PaymentsHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
