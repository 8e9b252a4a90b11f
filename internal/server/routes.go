package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rcourtman/billing-reconciler/internal/logging"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the HTTP routes: the Stripe webhook, liveness and
// readiness probes, and Prometheus metrics.
func NewRouter(webhook http.Handler, ready ...pinger) http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)

	r.Handle("/webhooks/stripe", otelhttp.NewHandler(webhook, "stripe.webhook"))
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/readyz", handleReadyz(ready...)).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		zerolog.Ctx(ctx).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready only when every dependency answers a ping.
func handleReadyz(deps ...pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		for _, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Readiness check failed")
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
