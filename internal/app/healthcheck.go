package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vk/rnaflow/internal/ctxlog"
	"github.com/vk/rnaflow/internal/run"
)

// statusDoc is the body of /status.
type statusDoc struct {
	RunID   string             `json:"run_id"`
	Samples []run.SampleStatus `json:"samples"`
}

// Handler serves /health, /metrics and /status.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.HandleFunc("/status", a.statusHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(a.coord.Metrics().Registry, promhttp.HandlerOpts{}))
	return mux
}

// healthHandler answers liveness probes.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h := a.currentHandle()
	if h == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "no run started"})
		return
	}
	if err := json.NewEncoder(w).Encode(statusDoc{RunID: h.RunID(), Samples: h.Status()}); err != nil {
		a.logger.Warn("Writing status failed.", "error", err)
	}
}

// startStatusServer runs the status server in the background when a port is
// configured.
func (a *App) startStatusServer(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	if a.config.StatusPort <= 0 {
		logger.Debug("Status server not started: disabled")
		return
	}
	addr := fmt.Sprintf(":%d", a.config.StatusPort)
	srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
	a.mu.Lock()
	a.httpServer = srv
	a.mu.Unlock()

	go func() {
		logger.Info("🩺 Status server starting", "address", fmt.Sprintf("http://localhost%s/status", addr))
		// ListenAndServe returns ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server failed unexpectedly", "error", err)
		}
	}()
}

func (a *App) closeStatusServer(ctx context.Context) {
	a.mu.Lock()
	srv := a.httpServer
	a.httpServer = nil
	a.mu.Unlock()
	if srv == nil {
		return
	}
	logger := ctxlog.FromContext(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	logger.Info("🩺 Shutting down status server...")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Status server shutdown failed", "error", err)
	}
}
