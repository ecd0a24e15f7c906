// Package app wires all livecaption subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates the history store and
// the session manager and builds the HTTP surface, Run serves it until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistory,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livecaption/internal/caption"
	"github.com/MrWong99/livecaption/internal/config"
	"github.com/MrWong99/livecaption/internal/health"
	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/pipeline"
	"github.com/MrWong99/livecaption/internal/transcript"
	"github.com/MrWong99/livecaption/internal/transcript/postgres"
	"github.com/MrWong99/livecaption/pkg/capture/wsbridge"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

const (
	// shutdownTimeout bounds the graceful HTTP shutdown in Run.
	shutdownTimeout = 10 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes of the caption service.
type App struct {
	cfg      *config.Config
	provider stt.Provider

	history        transcript.Store
	metrics        *observe.Metrics
	metricsHandler http.Handler
	checkers       []health.Checker
	clock          clockwork.Clock
	logLevel       *slog.LevelVar

	sessions *SessionManager
	handler  http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistory injects a caption history store instead of creating one from
// config.
func WithHistory(s transcript.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMetrics records session and HTTP activity on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithChecker adds readiness checks besides the built-in ones.
func WithChecker(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// WithClock injects the clock driving the sessions.
func WithClock(c clockwork.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithLogLevel lets configuration reloads change the level of v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// New creates an App. The provider is usually a fallback chain built by
// main.go from the config registry; when it reports backend health it is
// part of the readiness check.
func New(ctx context.Context, cfg *config.Config, provider stt.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: transcription provider is required")
	}
	a := &App{
		cfg:      cfg,
		provider: provider,
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	if b, ok := provider.(health.Backends); ok {
		a.checkers = append(a.checkers, health.BackendsChecker("transcription", b))
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Provider: provider,
		Session:  cfg.Session(),
		Glossary: cfg.Captions.BuildGlossary(),
		History:  a.history,
		Metrics:  a.metrics,
		Clock:    a.clock,
	})
	a.closers = append([]func() error{a.sessions.Close}, a.closers...)

	a.handler = a.routes()
	return a, nil
}

// initHistory connects the PostgreSQL store when a DSN is configured and
// falls back to an in-memory store otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		a.history = transcript.NewMemStore(a.cfg.History.MaxPerSession)
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.history = store
	a.checkers = append(a.checkers, health.PingChecker("history", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// routes builds the HTTP surface.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	bridgeOpts := []wsbridge.Option{wsbridge.WithClock(a.clock)}
	if origins := a.cfg.Server.AllowedOrigins; len(origins) > 0 {
		bridgeOpts = append(bridgeOpts, wsbridge.WithOriginPatterns(origins...))
	}
	bridge := wsbridge.NewServer(a.sessions.Factory(), bridgeOpts...)
	mux.Handle("GET /v1/captions/ws", bridge)
	mux.HandleFunc("GET /v1/sessions", a.listSessions)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.stopSession)
	mux.HandleFunc("GET /v1/sessions/{id}/captions.vtt", a.captionsVTT)

	health.New(a.checkers...).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	if a.metrics != nil {
		return observe.Middleware(a.metrics)(mux)
	}
	return mux
}

// Handler returns the HTTP handler serving all routes.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// History returns the caption history store.
func (a *App) History() transcript.Store { return a.history }

// Run listens on the configured address and serves until ctx is cancelled.
// When ctx is done, Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. Request contexts, including
// those of caption sockets, derive from ctx.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable parts of a changed configuration:
// log level, session tuning and the glossary. Changes that need a restart
// are logged and otherwise ignored. It has the signature of a config
// watcher callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.sessions.Reconfigure(new.Session())
	}
	if d.GlossaryChanged {
		a.sessions.SetGlossary(new.Captions.BuildGlossary())
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// Shutdown tears down all subsystems in order: live sessions first, then
// the history store. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// sessionView is the JSON form of a live session.
type sessionView struct {
	ID            string    `json:"id"`
	ElementID     string    `json:"element_id"`
	StartedAt     time.Time `json:"started_at"`
	Mode          string    `json:"mode"`
	State         string    `json:"state"`
	Playing       bool      `json:"playing"`
	Busy          bool      `json:"busy"`
	Pending       int       `json:"pending_captions"`
	Sealed        int64     `json:"segments_sealed"`
	DroppedBusy   int64     `json:"segments_dropped_busy"`
	Discarded     int64     `json:"segments_discarded"`
	Failures      int64     `json:"transcription_failures"`
	DroppedFrames int64     `json:"dropped_frames"`
}

func newSessionView(s pipeline.Stats) sessionView {
	return sessionView{
		ID:            s.ID,
		ElementID:     s.ElementID,
		StartedAt:     s.StartedAt,
		Mode:          s.Mode.String(),
		State:         s.State.String(),
		Playing:       s.Playing,
		Busy:          s.Busy,
		Pending:       s.Pending,
		Sealed:        s.Sealed,
		DroppedBusy:   s.DroppedBusy,
		Discarded:     s.Discarded,
		Failures:      s.Failures,
		DroppedFrames: s.DroppedFrames,
	}
}

func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	stats := a.sessions.List()
	views := make([]sessionView, len(stats))
	for i, s := range stats {
		views[i] = newSessionView(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (a *App) stopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sessions.Stop(id); err != nil {
		if errors.Is(err, ErrUnknownSession) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// captionsVTT exports the caption history of a session, live or finished,
// as WebVTT.
func (a *App) captionsVTT(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := a.history.List(r.Context(), id)
	if errors.Is(err, transcript.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		observe.Logger(r.Context()).Error("list caption history", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", caption.VTTContentType)
	if err := caption.WriteVTT(w, transcript.Cues(entries)); err != nil {
		observe.Logger(r.Context()).Warn("write vtt", "session_id", id, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
