package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/events"
	"github.com/hpungsan/margin/internal/supervisor"
)

// Options configures the HTTP server.
type Options struct {
	Version string
	Bind    string
	Port    int
	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// NewServer creates the HTTP server for the session API.
func NewServer(sv *supervisor.Supervisor, cfg *config.Config, hub *events.Hub, opts Options) *http.Server {
	h := NewHandlers(sv, cfg, hub, opts.Version)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /sessions", h.HandleList)
	mux.HandleFunc("POST /sessions", h.HandleOpen)
	mux.HandleFunc("GET /sessions/{id}", h.HandleStatus)
	mux.HandleFunc("POST /sessions/{id}/evidence", h.HandleEvidence)
	mux.HandleFunc("POST /sessions/{id}/checkpoint", h.HandleCheckpoint)
	mux.HandleFunc("POST /sessions/{id}/close", h.HandleClose)
	mux.HandleFunc("GET /sessions/{id}/notes", h.HandleNotes)
	mux.HandleFunc("GET /sessions/{id}/notes.html", h.HandleNotesPage)
	mux.HandleFunc("GET /sessions/{id}/ws", h.HandleWebSocket)

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Bind, opts.Port),
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and shuts it down on SIGINT/SIGTERM, then
// checkpoints and stops every running session.
func Run(srv *http.Server, sv *supervisor.Supervisor, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("margin listening", "addr", "http://"+srv.Addr)
	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		logger.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-sigCh:
		logger.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && serveErr == nil {
		serveErr = err
	}
	if err := sv.Shutdown(ctx); err != nil && serveErr == nil {
		serveErr = err
	}
	if serveErr == http.ErrServerClosed {
		return nil
	}
	return serveErr
}
