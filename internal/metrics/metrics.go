// =============================================================================
// METRICS REGISTRY AND EXPOSITION
// =============================================================================
//
// WHAT: An application-owned Prometheus registry plus the /metrics HTTP
// listener. A private registry (rather than the client library's global
// default) keeps tests isolated and lets us attach the Go runtime and
// process collectors explicitly.
//
// NAMING: {namespace}_{subsystem}_{name}_{unit}, namespace "logbroker".
//
// =============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace prefixes every metric this broker exports.
const namespace = "logbroker"

// Registry wraps the Prometheus registry and its HTTP listener.
type Registry struct {
	// Prometheus is the underlying registry collectors attach to.
	Prometheus *prometheus.Registry

	server *http.Server
	logger *slog.Logger
}

// NewRegistry creates a registry with the standard runtime collectors.
func NewRegistry(logger *slog.Logger) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		Prometheus: reg,
		logger:     logger.With("component", "metrics"),
	}
}

// Serve starts the /metrics listener on addr. Non-blocking.
func (r *Registry) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.Prometheus, promhttp.HandlerOpts{}))

	r.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		r.logger.Info("metrics listener started", "addr", addr)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics listener failed", "error", err)
		}
	}()
}

// Close stops the /metrics listener.
func (r *Registry) Close() error {
	if r.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.server.Shutdown(ctx)
}
