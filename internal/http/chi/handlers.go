package chi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/marcelsud/payment-inbox/event"
)

// Handlers sets up the intake API routes
// The metrics handler may be nil when metrics are disabled
func Handlers(ctx context.Context, service event.UseCase, metricsHandler http.Handler) *chi.Mux {
	logger := httplog.NewLogger("payment-inbox-api", httplog.Options{
		JSON: true,
	})

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	if metricsHandler != nil {
		r.Get("/metrics", metricsHandler.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		// Payment processor intake
		r.Post("/events", postEvent(service).ServeHTTP)

		// Audit and recovery surface for operators
		r.Get("/events/{event_id}", getEvent(service).ServeHTTP)
		r.Post("/events/retry-failed", retryFailedEvents(service).ServeHTTP)
	})

	return r
}
