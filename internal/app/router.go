// Package app wires the HTTP surface and background loops of the service.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/lusterai/enhance/internal/adapter/httpserver"
	"github.com/lusterai/enhance/internal/adapter/observability"
	"github.com/lusterai/enhance/internal/config"
	"github.com/lusterai/enhance/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, verifier domain.TokenVerifier, users domain.UserRepository) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Authenticated API
	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.RequireAuth(verifier, users))

		ar.Get("/v1/shoots", srv.ListShootsHandler())
		ar.Get("/v1/shoots/{id}/assets", srv.ListShootAssetsHandler())
		ar.Get("/v1/jobs/{id}", srv.GetJobHandler())
		ar.Get("/v1/credits", srv.CreditsHandler())

		// Rate limit mutating endpoints per client IP.
		ar.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/v1/shoots", srv.CreateShootHandler())
			wr.Delete("/v1/shoots/{id}", srv.DeleteShootHandler())
			wr.Post("/v1/uploads/presign", srv.PresignUploadHandler())
			wr.Post("/v1/uploads/confirm", srv.ConfirmUploadHandler())
			wr.Post("/v1/jobs", srv.CreateJobHandler())
			wr.Post("/v1/jobs/{id}/refund", srv.RefundJobHandler())
		})
	})

	// Webhook authenticates by signature, not bearer token.
	r.Post("/v1/webhooks/billing", srv.BillingWebhookHandler())

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
