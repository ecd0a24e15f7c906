package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/pipeline"
	"github.com/MrWong99/livecaption/internal/transcript"
	"github.com/MrWong99/livecaption/pkg/capture/wsbridge"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// ErrManagerClosed is returned by [SessionManager.Start] after Close.
var ErrManagerClosed = errors.New("app: session manager closed")

// ErrUnknownSession is returned when no live session has the given ID.
var ErrUnknownSession = errors.New("app: unknown session")

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Provider transcribes the segments of every session.
	Provider stt.Provider

	// Session is the template configuration of new sessions. Its ID is
	// ignored; every session gets a fresh one.
	Session pipeline.Config

	// Glossary corrects recognised text. May be nil.
	Glossary *transcript.Glossary

	// History records captions. May be nil.
	History transcript.Store

	// Metrics records session activity. May be nil.
	Metrics *observe.Metrics

	// Clock drives the sessions. Defaults to the real clock.
	Clock clockwork.Clock
}

// SessionManager owns the live caption sessions, one per captioned element.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	provider stt.Provider
	history  transcript.Store
	metrics  *observe.Metrics
	clock    clockwork.Clock
	glossary glossaryCorrector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	cfg      pipeline.Config
	sessions map[string]*pipeline.Session
	closed   bool
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sm := &SessionManager{
		provider: cfg.Provider,
		history:  cfg.History,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg.Session,
		sessions: make(map[string]*pipeline.Session),
	}
	sm.glossary.Set(cfg.Glossary)
	return sm
}

// Start creates a session for video and runs it in the background until it
// is stopped or the manager closes.
func (sm *SessionManager) Start(video pipeline.Video, r pipeline.Renderer) (*pipeline.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, ErrManagerClosed
	}

	cfg := sm.cfg
	cfg.ID = ""
	opts := []pipeline.Option{
		pipeline.WithClock(sm.clock),
		pipeline.WithCorrector(&sm.glossary),
	}
	if sm.metrics != nil {
		opts = append(opts, pipeline.WithMetrics(sm.metrics))
	}
	if sm.history != nil {
		opts = append(opts, pipeline.WithHistory(sm.history))
	}
	s := pipeline.New(video, r, sm.provider, cfg, opts...)
	sm.sessions[s.ID()] = s

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		if err := s.Run(sm.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("session ended with error", "session_id", s.ID(), "err", err)
		}
		sm.mu.Lock()
		delete(sm.sessions, s.ID())
		sm.mu.Unlock()
	}()
	return s, nil
}

// Stop closes the session with the given ID and waits for it to finish.
func (sm *SessionManager) Stop(id string) error {
	s, ok := sm.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.Close()
}

// Get returns the live session with the given ID.
func (sm *SessionManager) Get(id string) (*pipeline.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// List returns a snapshot of every live session, oldest first.
func (sm *SessionManager) List() []pipeline.Stats {
	sm.mu.Lock()
	stats := make([]pipeline.Stats, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		stats = append(stats, s.Stats())
	}
	sm.mu.Unlock()

	slices.SortFunc(stats, func(a, b pipeline.Stats) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return stats
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Reconfigure changes the template of new sessions and retunes the live
// ones. Transcription settings only apply to sessions started afterwards.
func (sm *SessionManager) Reconfigure(cfg pipeline.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
	for _, s := range sm.sessions {
		s.Reconfigure(cfg)
	}
	slog.Info("session tuning updated", "sessions", len(sm.sessions))
}

// SetGlossary swaps the glossary used by every session. Nil disables
// correction.
func (sm *SessionManager) SetGlossary(g *transcript.Glossary) {
	sm.glossary.Set(g)
	n := 0
	if g != nil {
		n = g.Len()
	}
	slog.Info("glossary updated", "terms", n)
}

// Factory returns a [wsbridge.Factory] starting a session per attached
// element.
func (sm *SessionManager) Factory() wsbridge.Factory {
	return func(_ context.Context, el *wsbridge.Element, r *wsbridge.Renderer) (wsbridge.Session, error) {
		s, err := sm.Start(el, r)
		if err != nil {
			return nil, err
		}
		return bridgeSession{s}, nil
	}
}

// Close stops every session and waits for them. Later calls to Start fail.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil
	}
	sm.closed = true
	sm.mu.Unlock()

	sm.cancel()
	sm.wg.Wait()
	return nil
}

// bridgeSession adapts a pipeline session to the shim's control messages.
type bridgeSession struct {
	s *pipeline.Session
}

func (b bridgeSession) Control(c wsbridge.Control) {
	switch c {
	case wsbridge.ControlPlay:
		b.s.Notify(pipeline.Event{Kind: pipeline.EventPlay})
	case wsbridge.ControlPause:
		b.s.Notify(pipeline.Event{Kind: pipeline.EventPause})
	case wsbridge.ControlEnded:
		b.s.Notify(pipeline.Event{Kind: pipeline.EventEnded})
	}
}

func (b bridgeSession) Close() error { return b.s.Close() }

// glossaryCorrector is a [pipeline.Corrector] whose glossary can be swapped
// while sessions run.
type glossaryCorrector struct {
	g atomic.Pointer[transcript.Glossary]
}

var _ pipeline.Corrector = (*glossaryCorrector)(nil)

func (c *glossaryCorrector) Set(g *transcript.Glossary) { c.g.Store(g) }

func (c *glossaryCorrector) Apply(text string) string {
	if g := c.g.Load(); g != nil {
		return g.Apply(text)
	}
	return text
}
