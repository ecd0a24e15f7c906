// Package pipeline runs the caption pipeline for one video element.
//
// A [Session] owns the capture graph, the segment buffer, the voice activity
// detector, the single-flight transcription slot and the caption scheduler
// of exactly one element. All mutable pipeline state is confined to the
// goroutine running [Session.Run]; the other exported methods only hand
// messages to that loop, so they are safe for concurrent use.
//
// Typical lifecycle:
//
//	s := pipeline.New(video, renderer, provider, cfg, pipeline.WithMetrics(m))
//	go s.Run(ctx)
//	s.Notify(pipeline.Event{Kind: pipeline.EventPlay})
//	...
//	s.Close()
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livecaption/internal/caption"
	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/segment"
	"github.com/MrWong99/livecaption/internal/transcribe"
	"github.com/MrWong99/livecaption/internal/transcript"
	"github.com/MrWong99/livecaption/internal/vad"
	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/capture"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

const (
	defaultVADInterval     = 50 * time.Millisecond
	defaultCaptionInterval = 100 * time.Millisecond
	defaultPollInterval    = 250 * time.Millisecond
	defaultSampleRate      = 16000
	defaultFrameQueue      = 64

	// DefaultFailureNotice is shown when a segment fails after all retries.
	DefaultFailureNotice = "Recognition failed"

	// DefaultCaptureNotice is shown when the element cannot be captured.
	DefaultCaptureNotice = "Live captions are unavailable for this video"

	historyQueue   = 64
	historyTimeout = 5 * time.Second
)

// ErrAlreadyRunning is returned by [Session.Run] when called twice.
var ErrAlreadyRunning = errors.New("pipeline: session already running")

// Video is the media element a session captions. Besides being capturable
// it exposes its playback clock. Elements that also implement
// [capture.Prober] get degraded polling capture when the capture stream is
// unsupported.
type Video interface {
	capture.Element

	// CurrentTime returns the playback position.
	CurrentTime() time.Duration

	// Paused reports whether playback is paused.
	Paused() bool
}

// Renderer displays the session's output. The session calls it only from
// the Run goroutine and only when the displayed state changes.
type Renderer interface {
	ShowCaption(text string)
	HideCaption()
	ShowProcessingIndicator(active bool)

	// ShowNotice displays a persistent message such as a fatal capture
	// error.
	ShowNotice(text string)
}

// Corrector rewrites recognised text before it is scheduled.
// *transcript.Glossary implements it.
type Corrector interface {
	Apply(text string) string
}

// EventKind identifies a playback event.
type EventKind int

const (
	EventPlay EventKind = iota
	EventPause
	EventEnded
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is a playback event of the element.
type Event struct {
	Kind EventKind
}

// Config holds the tuning of one session. Zero values take defaults.
type Config struct {
	// ID identifies the session. A random UUID is used when empty.
	ID string

	// SampleRate is the mono rate audio is captured and segmented at.
	SampleRate int

	// FrameQueue is the capacity of the capture frame channel.
	FrameQueue int

	// PollInterval paces degraded polling capture.
	PollInterval time.Duration

	// VADInterval is how often the detector samples the level.
	VADInterval time.Duration

	// CaptionInterval is how often the displayed caption is refreshed.
	CaptionInterval time.Duration

	VAD vad.Config

	// Segment limits. A zero MinDuration takes segment.DefaultMinDuration;
	// a negative one disables the minimum. SampleRate is ignored.
	Segment       segment.Config
	Transcription transcribe.Config
	Captions      caption.Config

	// NoticeDuration is how long a failure notice caption stays visible.
	NoticeDuration time.Duration

	FailureNotice string
	CaptureNotice string
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.FrameQueue <= 0 {
		c.FrameQueue = defaultFrameQueue
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.VADInterval <= 0 {
		c.VADInterval = defaultVADInterval
	}
	if c.CaptionInterval <= 0 {
		c.CaptionInterval = defaultCaptionInterval
	}
	if c.NoticeDuration <= 0 {
		c.NoticeDuration = caption.DefaultNoticeDuration
	}
	if c.FailureNotice == "" {
		c.FailureNotice = DefaultFailureNotice
	}
	if c.CaptureNotice == "" {
		c.CaptureNotice = DefaultCaptureNotice
	}
	c.Segment.SampleRate = c.SampleRate
	if c.Segment.MinDuration == 0 {
		c.Segment.MinDuration = segment.DefaultMinDuration
	}
}

// Option is a functional option for [New].
type Option func(*Session)

// WithClock injects the clock driving tickers, timeouts and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithMetrics records session activity on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithCorrector applies c to every recognised text.
func WithCorrector(c Corrector) Option {
	return func(s *Session) { s.corrector = c }
}

// WithHistory records every scheduled caption and notice in store.
func WithHistory(store transcript.Store) Option {
	return func(s *Session) { s.history = store }
}

// Stats is a point-in-time snapshot of a session.
type Stats struct {
	ID        string
	ElementID string
	StartedAt time.Time

	Mode    capture.Mode
	State   vad.State
	Playing bool
	Busy    bool

	// Pending is the number of scheduled captions not yet evicted.
	Pending int

	Sealed        int64
	DroppedBusy   int64
	Discarded     int64
	Failures      int64
	DroppedFrames int64
}

// outcome is a transcription outcome tagged with the playback epoch it was
// submitted in.
type outcome struct {
	epoch uint64
	transcribe.Outcome
}

// Session is the caption pipeline of one video element.
type Session struct {
	cfg       Config
	video     Video
	renderer  Renderer
	clock     clockwork.Clock
	metrics   *observe.Metrics
	corrector Corrector
	history   transcript.Store
	log       *slog.Logger
	startedAt time.Time

	source *capture.Source
	buf    *segment.Buffer
	det    *vad.Detector
	client *transcribe.Client
	sched  *caption.Scheduler

	events  chan Event
	reconf  chan Config
	results chan outcome
	busyCh  chan struct{}
	stop    chan struct{}
	done    chan struct{}

	started  atomic.Bool
	stopOnce sync.Once

	state    atomic.Int32
	playing  atomic.Bool
	sealed   atomic.Int64
	dropped  atomic.Int64
	discards atomic.Int64
	failures atomic.Int64

	// Loop-owned state.
	ctx            context.Context
	epoch          uint64
	failed         bool
	showing        bool
	shownSeq       uint64
	shownBusy      bool
	noticeDuration time.Duration
	failureNotice  string
	historyCh      chan transcript.Entry
	historyWG      sync.WaitGroup
}

// New creates a Session for video. Transcription requests go to p.
func New(video Video, r Renderer, p stt.Provider, cfg Config, opts ...Option) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:      cfg,
		video:    video,
		renderer: r,
		clock:    clockwork.NewRealClock(),
		events:   make(chan Event, 16),
		reconf:   make(chan Config, 1),
		results:  make(chan outcome, 1),
		busyCh:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      context.Background(),

		noticeDuration: cfg.NoticeDuration,
		failureNotice:  cfg.FailureNotice,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = slog.With("session_id", cfg.ID, "element_id", video.ID())
	s.startedAt = s.clock.Now()

	s.source = capture.New(
		capture.WithSampleRate(cfg.SampleRate),
		capture.WithQueueSize(cfg.FrameQueue),
		capture.WithClock(s.clock),
		capture.WithDropHook(s.onDroppedFrame),
	)
	s.buf = segment.NewBuffer(cfg.Segment,
		segment.WithClock(s.clock),
		segment.WithOnFull(func() { s.det.ForceFinish(s.reading()) }),
	)
	s.det = vad.New(cfg.VAD, s.buf,
		vad.WithDispatch(s.dispatch),
		vad.WithTransitionHook(s.onTransition),
		vad.WithDiscardHook(s.onDiscard),
	)

	clientOpts := []transcribe.Option{
		transcribe.WithClock(s.clock),
		transcribe.WithBusyHook(s.onBusy),
	}
	if s.metrics != nil {
		clientOpts = append(clientOpts, transcribe.WithMetrics(s.metrics))
	}
	s.client = transcribe.New(p, cfg.Transcription, clientOpts...)
	s.sched = caption.NewScheduler(cfg.Captions)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// ElementID returns the identifier of the captioned element.
func (s *Session) ElementID() string { return s.video.ID() }

// Config returns the configuration the session was created with, defaults
// applied. Later reconfiguration is not reflected.
func (s *Session) Config() Config { return s.cfg }

// Notify delivers a playback event to the loop. It never blocks once the
// session is closed.
func (s *Session) Notify(ev Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	case <-s.done:
	}
}

// Reconfigure replaces the detector, buffer and caption timing. The
// transcription settings of a running session cannot change. A pending
// reconfiguration not yet applied is replaced.
func (s *Session) Reconfigure(cfg Config) {
	for {
		select {
		case s.reconf <- cfg:
			return
		case <-s.stop:
			return
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.reconf:
		default:
		}
	}
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		ID:            s.cfg.ID,
		ElementID:     s.video.ID(),
		StartedAt:     s.startedAt,
		Mode:          s.source.Mode(),
		State:         vad.State(s.state.Load()),
		Playing:       s.playing.Load(),
		Busy:          s.client.Busy(),
		Pending:       s.sched.Len(),
		Sealed:        s.sealed.Load(),
		DroppedBusy:   s.dropped.Load(),
		Discarded:     s.discards.Load(),
		Failures:      s.failures.Load(),
		DroppedFrames: s.source.Dropped(),
	}
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close stops the loop, tearing down capture and aborting any request in
// flight, and waits for Run to return. Safe to call more than once and
// before Run.
func (s *Session) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
	return nil
}

// Run drives the session until ctx is cancelled or Close is called. If the
// element is already playing, capture starts immediately.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	if s.history != nil {
		s.historyCh = make(chan transcript.Entry, historyQueue)
		s.historyWG.Add(1)
		go s.writeHistory()
		defer func() {
			close(s.historyCh)
			s.historyWG.Wait()
		}()
	}

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
		defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	vadTicker := s.clock.NewTicker(s.cfg.VADInterval)
	defer vadTicker.Stop()
	captionTicker := s.clock.NewTicker(s.cfg.CaptionInterval)
	defer captionTicker.Stop()

	s.log.Info("caption session started")
	defer s.log.Info("caption session stopped")

	if !s.video.Paused() {
		s.play()
	}

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case <-s.stop:
			s.teardown()
			return nil
		case f := <-s.source.Frames():
			s.onFrame(f)
		case <-vadTicker.Chan():
			s.observe()
		case <-captionTicker.Chan():
			s.render()
		case o := <-s.results:
			s.handleOutcome(o)
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-s.busyCh:
			s.syncIndicator()
		case cfg := <-s.reconf:
			s.applyConfig(cfg)
		}
	}
}

// handleEvent reacts to a playback event.
func (s *Session) handleEvent(ev Event) {
	s.log.Debug("playback event", "event", ev.Kind)
	switch ev.Kind {
	case EventPlay:
		s.play()
	case EventPause, EventEnded:
		s.teardown()
	}
}

// play attaches capture. An element without a capture stream falls back to
// polling when it can be probed; any other failure is shown once and leaves
// the session idle until the next pause or end.
func (s *Session) play() {
	if s.playing.Load() || s.failed {
		return
	}

	err := s.source.Attach(s.ctx, s.video)
	if errors.Is(err, capture.ErrUnsupportedAPI) {
		if p, ok := s.video.(capture.Prober); ok {
			s.log.Warn("capture stream unsupported, falling back to polling", "err", err)
			err = s.source.AttachPolling(s.ctx, s.video.ID(), p, s.cfg.PollInterval)
			if err == nil && s.metrics != nil {
				s.metrics.CaptureFallbacks.Add(s.ctx, 1)
			}
		}
	}
	if err != nil {
		s.failed = true
		s.log.Error("audio capture unavailable", "err", err)
		s.renderer.ShowNotice(s.cfg.CaptureNotice)
		return
	}
	s.playing.Store(true)
	s.log.Debug("capture attached", "mode", s.source.Mode())
}

// teardown stops all audio work for the current playback run and lets the
// next play retry capture. Scheduled captions are kept so they can show
// again if playback resumes within the retention window. Idempotent.
func (s *Session) teardown() {
	s.epoch++
	s.failed = false
	s.client.Abort()
	s.det.Reset()
	if err := s.source.Detach(); err != nil {
		s.log.Warn("detach capture", "err", err)
	}
	s.playing.Store(false)

	if s.showing {
		s.renderer.HideCaption()
		s.showing = false
	}
	if s.shownBusy {
		s.renderer.ShowProcessingIndicator(false)
		s.shownBusy = false
	}
}

func (s *Session) onFrame(f audio.Frame) {
	s.buf.Append(f)
}

// reading samples the current level, wall time and playback position.
func (s *Session) reading() vad.Reading {
	return vad.Reading{
		Level:     s.source.Level(),
		At:        s.clock.Now(),
		VideoTime: s.video.CurrentTime(),
	}
}

func (s *Session) observe() {
	if !s.playing.Load() {
		return
	}
	s.det.Observe(s.reading())
}

// render shows the caption due at the current playback position.
func (s *Session) render() {
	if !s.playing.Load() {
		return
	}
	c, ok := s.sched.Tick(s.video.CurrentTime())
	switch {
	case ok && (!s.showing || c.Seq != s.shownSeq):
		s.renderer.ShowCaption(c.Text)
		s.showing = true
		s.shownSeq = c.Seq
		if s.metrics != nil {
			s.metrics.CaptionsShown.Add(s.ctx, 1)
		}
	case !ok && s.showing:
		s.renderer.HideCaption()
		s.showing = false
	}
}

// syncIndicator mirrors the transcription slot's busy state. The slot is
// read directly; hook notifications from a finishing request may arrive
// after those of the next one.
func (s *Session) syncIndicator() {
	busy := s.client.Busy() && s.playing.Load()
	if busy == s.shownBusy {
		return
	}
	s.renderer.ShowProcessingIndicator(busy)
	s.shownBusy = busy
}

// dispatch submits a sealed segment. It runs inside the detector and must
// not block.
func (s *Session) dispatch(seg *segment.Segment) {
	out, err := s.client.Submit(s.ctx, seg)
	if errors.Is(err, stt.ErrBusy) {
		s.dropped.Add(1)
		s.log.Debug("segment dropped, transcription busy",
			"segment_id", seg.ID, "duration", seg.Duration)
		s.recordSegment("dropped", "busy")
		return
	}
	if err != nil {
		s.log.Warn("submit segment", "segment_id", seg.ID, "err", err)
		return
	}
	s.sealed.Add(1)
	s.recordSegment("sealed", "")

	epoch := s.epoch
	go func() {
		o, ok := <-out
		if !ok {
			return
		}
		select {
		case s.results <- outcome{epoch: epoch, Outcome: o}:
		case <-s.done:
		}
	}()
}

// handleOutcome schedules a finished transcription. Outcomes from an
// earlier playback run and aborted requests are ignored.
func (s *Session) handleOutcome(o outcome) {
	if o.epoch != s.epoch || errors.Is(o.Err, stt.ErrAborted) {
		return
	}
	if o.Err != nil {
		s.failures.Add(1)
		s.log.Warn("transcription failed", "attempts", o.Attempts, "err", o.Err)
		if s.playing.Load() {
			c := s.sched.AddNotice(s.failureNotice, s.video.CurrentTime(), s.noticeDuration)
			s.record(transcript.FromCaption(s.cfg.ID, c, "", s.clock.Now()))
		}
		return
	}
	if o.Result == nil {
		return
	}

	res, raws := s.correct(*o.Result)
	caps := s.sched.Add(res)
	if s.metrics != nil {
		s.metrics.CaptionLatency.Record(s.ctx, res.Latency.Seconds())
	}
	s.log.Debug("captions scheduled",
		"segment_id", res.SegmentID,
		"captions", len(caps),
		"latency", res.Latency,
		"attempts", o.Attempts,
	)

	now := s.clock.Now()
	for i, c := range caps {
		raw := ""
		if len(raws) == len(caps) {
			raw = raws[i]
		}
		s.record(transcript.FromCaption(s.cfg.ID, c, raw, now))
	}
}

// correct applies the corrector to res and returns the uncorrected text of
// every caption the result will produce, in order.
func (s *Session) correct(res stt.Result) (stt.Result, []string) {
	var raws []string
	for _, ch := range res.Chunks {
		if t := strings.TrimSpace(ch.Text); t != "" {
			raws = append(raws, t)
		}
	}
	if len(raws) == 0 {
		if t := strings.TrimSpace(res.Text); t != "" {
			raws = []string{t}
		}
	}
	if s.corrector == nil {
		return res, raws
	}

	res.Text = s.corrector.Apply(res.Text)
	if len(res.Chunks) > 0 {
		chunks := make([]stt.Chunk, len(res.Chunks))
		copy(chunks, res.Chunks)
		for i := range chunks {
			chunks[i].Text = s.corrector.Apply(chunks[i].Text)
		}
		res.Chunks = chunks
	}
	return res, raws
}

// applyConfig updates the tuning of the running components.
func (s *Session) applyConfig(cfg Config) {
	cfg.applyDefaults()
	s.det.SetConfig(cfg.VAD)
	s.buf.SetLimits(cfg.Segment.MinDuration, cfg.Segment.MaxDuration)
	s.sched.SetConfig(cfg.Captions)
	if cfg.NoticeDuration > 0 {
		s.noticeDuration = cfg.NoticeDuration
	}
	if cfg.FailureNotice != "" {
		s.failureNotice = cfg.FailureNotice
	}
	s.log.Info("session reconfigured")
}

// record queues e for the history writer without blocking the loop.
func (s *Session) record(e transcript.Entry) {
	if s.historyCh == nil {
		return
	}
	select {
	case s.historyCh <- e:
	default:
		s.log.Warn("caption history queue full, entry dropped", "seq", e.Seq)
	}
}

func (s *Session) writeHistory() {
	defer s.historyWG.Done()
	for e := range s.historyCh {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := s.history.Append(ctx, e); err != nil {
			s.log.Warn("append caption history", "seq", e.Seq, "err", err)
		}
		cancel()
	}
}

// onBusy wakes the loop to resync the processing indicator.
func (s *Session) onBusy(bool) {
	select {
	case s.busyCh <- struct{}{}:
	default:
	}
}

func (s *Session) onTransition(from, to vad.State) {
	s.state.Store(int32(to))
	s.log.Debug("vad transition", "from", from, "to", to)
}

func (s *Session) onDiscard(reason vad.DiscardReason) {
	s.discards.Add(1)
	s.log.Debug("segment discarded", "reason", reason)
	s.recordSegment("dropped", string(reason))
}

func (s *Session) onDroppedFrame() {
	if s.metrics != nil {
		s.metrics.DroppedFrames.Add(context.Background(), 1)
	}
}

func (s *Session) recordSegment(result, reason string) {
	if s.metrics != nil {
		s.metrics.RecordSegment(s.ctx, result, reason)
	}
}
