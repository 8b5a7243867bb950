// Package app wires the call bridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Serve runs the HTTP server until the context ends, and Shutdown
// tears everything down in order.
//
// HTTP routes:
//
//	GET    /media              WebSocket media endpoint (gateway)
//	GET    /healthz, /readyz   liveness and readiness
//	GET    /metrics            Prometheus scrape endpoint
//	GET    /sessions           JSON list of bridged calls
//	DELETE /sessions/{callID}  hang up a call
//
// For testing, inject doubles via functional options (WithMetrics,
// WithLogger, etc.).
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/gateway"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/internal/session"
	"github.com/MrWong99/callbridge/pkg/processor"
)

// readHeaderTimeout bounds request header reads on the HTTP server.
const readHeaderTimeout = 10 * time.Second

// Processors holds the configured processing backends. Primary is required;
// Fallbacks are tried in order when it fails or its circuit is open.
// Populated by main.go via the config registry.
type Processors struct {
	Primary   processor.Processor
	Fallbacks []processor.Processor
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics
	log     *slog.Logger
	level   *slog.LevelVar

	proc       *resilience.ProcessorFallback
	dispatcher *bridge.Dispatcher
	controller *session.Controller
	gateway    *gateway.Server
	health     *health.Handler
	handler    http.Handler
	server     *http.Server

	// closers release processor resources after the bridge has stopped.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger replaces [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.Reload] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. ps comes from main.go
// (populated via the config registry).
func New(cfg *config.Config, ps *Processors, opts ...Option) (*App, error) {
	if ps == nil || ps.Primary == nil {
		return nil, errors.New("app: primary processor is required")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Processor chain ───────────────────────────────────────────────
	a.proc = resilience.NewProcessorFallback(ps.Primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			HalfOpenMax:  cfg.Resilience.HalfOpenMax,
		},
		Logger: a.log,
	})
	a.addCloser(ps.Primary)
	for _, fb := range ps.Fallbacks {
		a.proc.AddFallback(fb)
		a.addCloser(fb)
	}

	// ── 2. Dispatcher ────────────────────────────────────────────────────
	d, err := bridge.NewDispatcher(bridge.DispatcherConfig{
		Processor:   a.proc,
		MaxInFlight: cfg.Bridge.MaxInFlight,
		Timeout:     cfg.Bridge.ProcessingTimeout,
		Metrics:     a.metrics,
		Logger:      a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init dispatcher: %w", err)
	}
	a.dispatcher = d

	// ── 3. Session controller ────────────────────────────────────────────
	c, err := session.NewController(session.Config{
		Submitter:     d,
		Closer:        a.proc,
		ChunkDuration: cfg.Bridge.ChunkDuration,
		MaxSessions:   cfg.Bridge.MaxSessions,
		QueueLimit:    cfg.Bridge.QueueLimit,
		Metrics:       a.metrics,
		Logger:        a.log,
	})
	if err != nil {
		_ = d.Shutdown(context.Background())
		return nil, fmt.Errorf("app: init controller: %w", err)
	}
	a.controller = c

	// ── 4. Media gateway ─────────────────────────────────────────────────
	gw, err := gateway.New(gateway.Config{
		Events:         c,
		OriginPatterns: cfg.Server.OriginPatterns,
		Logger:         a.log,
	})
	if err != nil {
		_ = d.Shutdown(context.Background())
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	a.gateway = gw

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	a.health = health.New(
		health.ProcessorCheck(a.proc),
		health.CapacityCheck(c.Len, c.MaxSessions),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /media", gw)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /sessions", a.listSessions)
	mux.HandleFunc("DELETE /sessions/{callID}", a.hangup)
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

func (a *App) addCloser(p processor.Processor) {
	if c, ok := p.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// Handler returns the root HTTP handler with observability middleware
// applied.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.controller }

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or the server fails. It
// does not stop the server; call [App.Shutdown] for that.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.log.Info("server listening", "addr", ln.Addr().String(), "processor", a.proc.Name())

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Reload applies the hot-reloadable fields of a config change. Sections that
// need a restart are only logged.
func (a *App) Reload(d config.ConfigDiff, _ *config.Config) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ChunkDurationChanged {
		if err := a.controller.SetChunkDuration(d.NewChunkDuration); err != nil {
			a.log.Warn("chunk duration not applied", "err", err)
		} else {
			a.log.Info("chunk duration changed", "chunk_duration", d.NewChunkDuration)
		}
	}
	if d.MaxSessionsChanged {
		if err := a.controller.SetMaxSessions(d.NewMaxSessions); err != nil {
			a.log.Warn("max sessions not applied", "err", err)
		} else {
			a.log.Info("max sessions changed", "max_sessions", d.NewMaxSessions)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config change requires restart", "sections", d.RestartRequired)
	}
}

// ─── Admin API ───────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.controller.Sessions())
}

func (a *App) hangup(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")
	err := a.controller.Hangup(r.Context(), callID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrNoSession):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		a.log.Error("hangup failed", "call_id", callID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting calls, hangs up and tears down every session, then
// joins in-flight processing and releases processor resources. Steps that
// fail are logged and shutdown continues; their errors are joined.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.controller.Len(), "in_flight", a.dispatcher.InFlight())
		a.health.SetDraining(true)

		steps := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"http server", a.server.Shutdown},
			{"sessions", a.controller.Shutdown},
			{"gateway", a.gateway.Shutdown},
			{"dispatcher", a.dispatcher.Shutdown},
		}
		for _, s := range steps {
			if err := s.fn(ctx); err != nil {
				a.log.Warn("shutdown step failed", "step", s.name, "err", err)
				errs = append(errs, err)
			}
		}
		for _, closer := range a.closers {
			if err := closer(); err != nil {
				a.log.Warn("processor close error", "err", err)
				errs = append(errs, err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
