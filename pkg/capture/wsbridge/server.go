package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	defaultReadLimit   = 1 << 20
	defaultRenderQueue = 32
)

// Control is a playback event reported by the shim.
type Control int

const (
	ControlPlay Control = iota
	ControlPause
	ControlEnded
)

// String returns the protocol name of the control.
func (c Control) String() string {
	switch c {
	case ControlPlay:
		return TypePlay
	case ControlPause:
		return TypePause
	case ControlEnded:
		return TypeEnded
	default:
		return "unknown"
	}
}

// Session is whatever the application runs for one element.
type Session interface {
	Control(c Control)
	Close() error
}

// Factory builds a Session for a newly announced element. r sends render
// commands back to the page.
type Factory func(ctx context.Context, el *Element, r *Renderer) (Session, error)

// Option is a functional option for [NewServer].
type Option func(*Server)

// WithOriginPatterns sets the origins allowed to connect. The shim runs on
// third-party video sites, so the default allows every origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithReadLimit sets the largest accepted message in bytes. Default 1 MiB.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithClock injects the clock used to extrapolate element playback time.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// Server accepts shim connections. It implements [http.Handler].
type Server struct {
	factory   Factory
	origins   []string
	readLimit int64
	clock     clockwork.Clock
}

// NewServer creates a Server that builds sessions with f.
func NewServer(f Factory, opts ...Option) *Server {
	s := &Server{
		factory:   f,
		origins:   []string{"*"},
		readLimit: defaultReadLimit,
		clock:     clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		slog.Warn("wsbridge: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if err := s.Serve(r.Context(), conn); err != nil {
		slog.Warn("wsbridge: connection ended with error", "remote", r.RemoteAddr, "err", err)
	}
}

// Serve runs the protocol on an accepted connection. It returns nil when the
// peer closes normally or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn.SetReadLimit(s.readLimit)

	c := &connection{
		server:   s,
		conn:     conn,
		renderer: newRenderer(ctx, conn, defaultRenderQueue),
	}
	err := c.readLoop(ctx)
	c.close()

	switch {
	case err == nil, ctx.Err() != nil:
		conn.Close(websocket.StatusNormalClosure, "bye")
		return nil
	case errors.Is(err, ErrProtocol):
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return err
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	conn.Close(websocket.StatusInternalError, "internal error")
	return err
}

// connection is the per-socket state. Only readLoop touches it.
type connection struct {
	server   *Server
	conn     *websocket.Conn
	renderer *Renderer

	element *Element
	decoder *Decoder
	session Session
	log     *slog.Logger
}

func (c *connection) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageText:
			if err := c.handleText(ctx, data); err != nil {
				return err
			}
		case websocket.MessageBinary:
			c.handleAudio(data)
		}
	}
}

func (c *connection) handleText(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: malformed message: %v", ErrProtocol, err)
	}

	switch env.Type {
	case TypeHello:
		var h Hello
		if err := json.Unmarshal(data, &h); err != nil {
			return fmt.Errorf("%w: malformed hello: %v", ErrProtocol, err)
		}
		return c.hello(ctx, h)
	case TypeClock:
		var m Clock
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("%w: malformed clock: %v", ErrProtocol, err)
		}
		if c.element != nil {
			c.element.SetClock(m.Position(), m.Paused)
		}
	case TypePlay:
		c.control(ControlPlay)
	case TypePause:
		c.control(ControlPause)
	case TypeEnded:
		c.control(ControlEnded)
	default:
		slog.Debug("wsbridge: ignoring message", "type", env.Type)
	}
	return nil
}

// hello switches the connection to a new element. A repeated hello for the
// current element is ignored.
func (c *connection) hello(ctx context.Context, h Hello) error {
	if err := h.Normalize(); err != nil {
		return err
	}
	if c.element != nil && c.element.ID() == h.ElementID {
		return nil
	}
	c.closeSession()

	dec, err := NewDecoder(h)
	if err != nil {
		return err
	}
	el := NewElement(h, c.server.clock)
	sess, err := c.server.factory(ctx, el, c.renderer)
	if err != nil {
		_ = el.Close()
		return fmt.Errorf("wsbridge: start session for %q: %w", h.ElementID, err)
	}

	c.element, c.decoder, c.session = el, dec, sess
	c.log = slog.With("element_id", h.ElementID)
	c.log.Info("wsbridge: element attached",
		"codec", h.Codec,
		"sample_rate", h.SampleRate,
		"channels", h.Channels,
		"capture", *h.Capture,
	)
	return nil
}

func (c *connection) control(ctl Control) {
	if c.element == nil {
		slog.Debug("wsbridge: control before hello", "control", ctl)
		return
	}
	switch ctl {
	case ControlPlay:
		c.element.SetPaused(false)
	case ControlPause, ControlEnded:
		c.element.SetPaused(true)
	}
	c.session.Control(ctl)
}

func (c *connection) handleAudio(data []byte) {
	if c.decoder == nil {
		return
	}
	f, err := c.decoder.Decode(data)
	if err != nil {
		c.log.Debug("wsbridge: dropping undecodable audio", "err", err)
		return
	}
	c.element.Feed(f)
}

func (c *connection) closeSession() {
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.log.Warn("wsbridge: close session", "err", err)
		}
		c.session = nil
	}
	if c.element != nil {
		_ = c.element.Close()
		c.log.Info("wsbridge: element detached", "dropped_frames", c.element.Dropped())
		c.element = nil
		c.decoder = nil
	}
}

func (c *connection) close() {
	c.closeSession()
	c.renderer.stop()
}

// Renderer sends render commands to the page. Commands are queued and
// written by a background goroutine so a slow page never blocks the caller;
// when the queue is full the command is dropped.
type Renderer struct {
	conn  *websocket.Conn
	queue chan Command
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newRenderer(ctx context.Context, conn *websocket.Conn, size int) *Renderer {
	r := &Renderer{
		conn:  conn,
		queue: make(chan Command, size),
		done:  make(chan struct{}),
	}
	go r.writeLoop(ctx)
	return r
}

// ShowCaption displays text.
func (r *Renderer) ShowCaption(text string) {
	r.send(Command{Type: TypeCaption, Text: text})
}

// HideCaption clears the caption.
func (r *Renderer) HideCaption() { r.send(Command{Type: TypeHide}) }

// ShowProcessingIndicator toggles the page's processing indicator.
func (r *Renderer) ShowProcessingIndicator(active bool) {
	r.send(Command{Type: TypeProcessing, Active: &active})
}

// ShowNotice displays a persistent message.
func (r *Renderer) ShowNotice(text string) {
	r.send(Command{Type: TypeNotice, Text: text})
}

func (r *Renderer) send(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- cmd:
	default:
		slog.Warn("wsbridge: render queue full, dropping command", "type", cmd.Type)
	}
}

func (r *Renderer) writeLoop(ctx context.Context) {
	defer close(r.done)
	for cmd := range r.queue {
		data, err := json.Marshal(cmd)
		if err != nil {
			continue
		}
		if err := r.conn.Write(ctx, websocket.MessageText, data); err != nil {
			if ctx.Err() == nil {
				slog.Debug("wsbridge: write render command", "type", cmd.Type, "err", err)
			}
		}
	}
}

// stop flushes queued commands and ends the write loop.
func (r *Renderer) stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}
