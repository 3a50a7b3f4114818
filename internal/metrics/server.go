package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyFunc reports whether a dependency is usable.
type ReadyFunc func(ctx context.Context) error

// Handler serves /metrics (Prometheus), /healthz and /readyz. /readyz runs
// every check and answers 503 when one fails.
func Handler(checks map[string]ReadyFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(name + ": " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// NewServer creates an HTTP server for Handler.
func NewServer(addr string, checks map[string]ReadyFunc) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           Handler(checks),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
