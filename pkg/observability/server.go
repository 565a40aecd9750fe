package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadyCheck reports whether one component of the agent can serve work. A
// nil error means ready.
type ReadyCheck func() error

// MetricsServer exposes the agent's diagnostics over HTTP: Prometheus
// metrics, a liveness probe, and a readiness probe aggregated from the
// registered component checks.
type MetricsServer struct {
	addr   string
	logger *zap.Logger
	server *http.Server

	mu     sync.Mutex
	checks map[string]ReadyCheck
}

// NewMetricsServer creates the diagnostics server. Components register
// their readiness checks before Start.
func NewMetricsServer(addr string, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{
		addr:   addr,
		logger: logger,
		checks: make(map[string]ReadyCheck),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", ms.handleHealth)
	mux.HandleFunc("/ready", ms.handleReady)
	ms.server = &http.Server{Addr: addr, Handler: mux}
	return ms
}

// RegisterReadiness adds a named component check to the /ready aggregate.
func (ms *MetricsServer) RegisterReadiness(component string, check ReadyCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.checks[component] = check
}

// Start binds the listener and begins serving. A bind failure is reported
// to the caller rather than logged from a goroutine.
func (ms *MetricsServer) Start() error {
	listener, err := net.Listen("tcp", ms.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ms.addr, err)
	}

	ms.logger.Info("Serving diagnostics",
		zap.String("address", listener.Addr().String()),
	)
	go func() {
		if err := ms.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			ms.logger.Error("Diagnostics server failed",
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (ms *MetricsServer) Stop(ctx context.Context) error {
	ms.logger.Info("Stopping diagnostics server")
	if err := ms.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown diagnostics server: %w", err)
	}
	return nil
}

// handleHealth is the liveness probe: the process is up and serving HTTP.
func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady runs every registered component check and reports the
// per-component outcome. Any failing component makes the probe fail.
func (ms *MetricsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	names := make([]string, 0, len(ms.checks))
	for name := range ms.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]ReadyCheck, len(names))
	for i, name := range names {
		checks[i] = ms.checks[name]
	}
	ms.mu.Unlock()

	components := make(map[string]string, len(names))
	ready := true
	for i, name := range names {
		if err := checks[i](); err != nil {
			components[name] = err.Error()
			ready = false
		} else {
			components[name] = "ok"
		}
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"ready":      ready,
		"components": components,
	})
}
