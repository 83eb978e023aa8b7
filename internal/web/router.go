package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/makt28/plugwatch/internal/config"
	"github.com/makt28/plugwatch/internal/monitor"
)

// Runner is satisfied by *monitor.Runner.
type Runner interface {
	ReportSource
	RunCycle(ctx context.Context) (monitor.CycleResult, error)
}

// Deps wires the HTTP surface. Webhook is nil unless the push update source
// is active.
type Deps struct {
	Runner       Runner
	Webhook      http.Handler
	Admin        config.AdminConfig
	CycleTimeout time.Duration
}

// NewRouter sets up all routes and returns the http.Handler.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)

	r.Get("/healthz", NewHealthHandler(d.Runner).ServeHTTP)

	if d.Webhook != nil {
		r.Post("/webhook", d.Webhook.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(BasicAuth(d.Admin))
		r.Get("/check", checkHandler(d.Runner, d.CycleTimeout))
	})

	return r
}

// checkHandler runs one cycle on demand and reports its result.
func checkHandler(runner Runner, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		res, err := runner.RunCycle(ctx)

		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(res)
	}
}
