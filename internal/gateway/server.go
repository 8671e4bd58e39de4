package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nextlevelbuilder/wecomgw/internal/channels"
	"github.com/nextlevelbuilder/wecomgw/internal/config"
	"github.com/nextlevelbuilder/wecomgw/internal/metrics"
)

const (
	defaultReadTimeout = 10 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Server is the gateway's HTTP listener: health, metrics and the webhook
// routes of every channel that serves callbacks.
type Server struct {
	cfg      *config.Config
	channels *channels.Manager

	httpServer *http.Server
}

// NewServer creates a gateway server. Webhook routes are collected from the
// manager when the router is built, so register channels first.
func NewServer(cfg *config.Config, mgr *channels.Manager) *Server {
	return &Server{cfg: cfg, channels: mgr}
}

// BuildRouter wires middleware and routes.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(trustedRealIP(parseTrustedProxies(s.cfg.Gateway.TrustedProxies)))
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.cfg.Gateway.MetricsOn() {
		r.Handle("/metrics", metrics.Handler())
	}

	for _, wc := range s.channels.WebhookChannels() {
		for _, pattern := range wc.WebhookRoutes() {
			r.Handle(pattern, wc)
			slog.Info("webhook route mounted", "channel", wc.Name(), "pattern", pattern)
		}
	}
	return r
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Gateway.Host, fmt.Sprint(s.cfg.Gateway.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	slog.Info("gateway starting", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln and shuts it down gracefully when ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	readTimeout := defaultReadTimeout
	if sec := s.cfg.Gateway.ReadTimeoutSec; sec > 0 {
		readTimeout = time.Duration(sec) * time.Second
	}
	s.httpServer = &http.Server{
		Handler:           s.BuildRouter(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports which channels are running.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.channels.GetStatus()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs method, path and status. Bodies are never logged since
// they carry encrypted user messages.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}
