// Package transport is the relay's front door: the HTTP mux, the
// websocket upgrade handler that turns a request into a Subscriber, and
// the surrounding observability/rate-limit middleware. The session core
// never imports this package — it only depends on session.Conn.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hambonethewise/yt-chat-relay/config"
	"github.com/Hambonethewise/yt-chat-relay/session"
	"github.com/Hambonethewise/yt-chat-relay/telemetry"
)

// Server bundles the registry and config needed to serve the relay's
// HTTP surface.
type Server struct {
	cfg       *config.Config
	registry  *session.Registry
	bootstrap session.Bootstrapper
	limiter   *IPRateLimiter
	startedAt time.Time
}

// NewServer constructs a Server. bootstrap is passed through to every
// session the registry creates on this server's behalf.
func NewServer(cfg *config.Config, registry *session.Registry, bootstrap session.Bootstrapper) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		bootstrap: bootstrap,
		limiter:   NewIPRateLimiter(cfg.ConnectRatePerIP, cfg.ConnectBurstPerIP),
		startedAt: time.Now(),
	}
}

// Mux returns the HTTP handler with every route wired (SPEC_FULL.md §5).
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/live/", s.rateLimited(s.handleLive))

	return s.withObservability(mux)
}

// withObservability injects a correlation id, starts a trace span, and
// logs request start, mirroring the teacher's request wrapper.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "yt-chat-relay", r.Method+" "+r.URL.Path)
		defer span.End()

		slog.Debug("request start", "method", r.Method, "path", r.URL.Path, "correlation_id", corr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimited applies the per-IP connect limiter in front of handler
// (spec.md §6: the front door throttles new connections per IP).
func (s *Server) rateLimited(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		handler(w, r)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// The relay has no external dependency that must be warmed up before
	// it can serve traffic — readiness mirrors liveness.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"active_sessions": s.registry.Len(),
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := writeJSON(w, resp); err != nil {
		slog.Error("status handler failed to encode response", "error", telemetry.Wrap(err, "encode status"))
	}
}

// ErrUnsupportedVideoID is the error text handleLive sends with its 400
// response for a malformed path segment.
var ErrUnsupportedVideoID = fmt.Errorf("video id must be 11 characters of [A-Za-z0-9_-]")

// StartAndServe runs the HTTP server and blocks until ctx is cancelled,
// then shuts it down gracefully (spec.md §2, mirroring the teacher's
// graceful-shutdown pattern).
func (s *Server) StartAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Mux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
