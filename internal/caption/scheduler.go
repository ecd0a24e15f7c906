// Package caption schedules transcription results against the playback
// clock.
//
// Results arrive late: a segment is only sent once speech ended, and the
// backend needs time to answer. The [Scheduler] therefore selects captions
// against a delayed virtual time, now minus [Scheduler.Delay], so that a
// caption for audio that ended at video time T is shown roughly when
// playback reaches T again. Selection uses interval containment, never
// arrival order, so a slow result can not displace a newer one by arriving
// late; it simply never matches and ages out.
package caption

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// Defaults for zero Config fields.
const (
	DefaultRetention          = 20 * time.Second
	DefaultAccumulationWindow = 3 * time.Second
	DefaultProcessingEstimate = time.Second
	DefaultNoticeDuration     = 3 * time.Second

	defaultSmoothing = 0.2
	defaultMaxDelay  = 15 * time.Second
)

// Caption is one displayable line anchored to a video-time interval. Start
// and End are inclusive.
type Caption struct {
	// Seq is the enqueue order; higher is newer.
	Seq uint64

	Text  string
	Start time.Duration
	End   time.Duration

	SegmentID string

	// Notice marks transient status messages such as "recognition failed".
	Notice bool
}

// Contains reports whether t lies within [Start, End].
func (c Caption) Contains(t time.Duration) bool {
	return t >= c.Start && t <= c.End
}

// Config tunes a [Scheduler].
type Config struct {
	// Retention is how far behind the current video time a caption may end
	// before it is evicted. Default 20s.
	Retention time.Duration

	// AccumulationWindow plus ProcessingEstimate form the fixed display
	// delay. Defaults 3s and 1s. Set both negative for no delay.
	AccumulationWindow time.Duration
	ProcessingEstimate time.Duration

	// Adaptive replaces ProcessingEstimate with a moving average of the
	// observed pipeline lag, clamped to [MinDelay, MaxDelay].
	Adaptive bool
	MinDelay time.Duration
	MaxDelay time.Duration

	// Smoothing is the EWMA weight of a new lag sample in (0, 1].
	// Default 0.2.
	Smoothing float64
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	switch {
	case c.AccumulationWindow == 0:
		c.AccumulationWindow = DefaultAccumulationWindow
	case c.AccumulationWindow < 0:
		c.AccumulationWindow = 0
	}
	switch {
	case c.ProcessingEstimate == 0:
		c.ProcessingEstimate = DefaultProcessingEstimate
	case c.ProcessingEstimate < 0:
		c.ProcessingEstimate = 0
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = defaultSmoothing
	}
}

// Scheduler holds pending captions and picks the one to display. It is safe
// for concurrent use, though a pipeline session normally drives it from a
// single goroutine.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	entries []Caption
	seq     uint64

	// lag is the EWMA of observed pipeline lag; zero until the first
	// sample.
	lag time.Duration
}

// NewScheduler returns an empty Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{cfg: cfg}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the timing configuration. Pending captions are kept.
func (s *Scheduler) SetConfig(cfg Config) {
	cfg.applyDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Delay returns the current offset between the playback clock and the
// virtual time captions are matched against.
func (s *Scheduler) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayLocked()
}

func (s *Scheduler) delayLocked() time.Duration {
	if !s.cfg.Adaptive || s.lag == 0 {
		return s.cfg.AccumulationWindow + s.cfg.ProcessingEstimate
	}
	d := s.lag
	if d < s.cfg.MinDelay {
		d = s.cfg.MinDelay
	}
	if d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}
	return d
}

// Add enqueues the captions of res and returns them. A result with timed
// chunks yields one caption per non-blank chunk, offset by the segment
// start; a chunk with an open end runs to the segment end. Otherwise the
// whole text becomes one caption spanning the segment. Empty results add
// nothing.
func (s *Scheduler) Add(res stt.Result) []Caption {
	caps := split(res)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.observeLag(res)
	for i := range caps {
		s.seq++
		caps[i].Seq = s.seq
		s.entries = append(s.entries, caps[i])
	}
	return caps
}

func split(res stt.Result) []Caption {
	start, end := res.SegmentStart, res.SegmentEnd
	if end < start {
		end = start
	}

	var caps []Caption
	for _, ch := range res.Chunks {
		text := strings.TrimSpace(ch.Text)
		if text == "" {
			continue
		}
		c := Caption{Text: text, Start: start + ch.Start, End: end, SegmentID: res.SegmentID}
		if ch.End > 0 {
			c.End = start + ch.End
		}
		if c.End < c.Start {
			c.End = c.Start
		}
		caps = append(caps, c)
	}
	if len(caps) > 0 {
		return caps
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return nil
	}
	return []Caption{{Text: text, Start: start, End: end, SegmentID: res.SegmentID}}
}

// observeLag folds the lag implied by res into the moving average: to be
// shown from its start, a caption needs a delay of at least the segment
// span plus the time the result took to arrive.
func (s *Scheduler) observeLag(res stt.Result) {
	if !s.cfg.Adaptive {
		return
	}
	span := res.SegmentEnd - res.SegmentStart
	if span < 0 {
		span = 0
	}
	sample := span + res.Latency
	if s.lag == 0 {
		s.lag = sample
		return
	}
	a := s.cfg.Smoothing
	s.lag = time.Duration(a*float64(sample) + (1-a)*float64(s.lag))
}

// AddNotice enqueues a transient caption visible for d from the current
// delayed time. A non-positive d uses DefaultNoticeDuration.
func (s *Scheduler) AddNotice(text string, now, d time.Duration) Caption {
	if d <= 0 {
		d = DefaultNoticeDuration
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at := now - s.delayLocked()
	s.seq++
	c := Caption{Seq: s.seq, Text: text, Start: at, End: at + d, Notice: true}
	s.entries = append(s.entries, c)
	return c
}

// Tick evicts expired captions and returns the caption to display at
// playback time now, if any. Among the captions whose interval contains the
// delayed time, the most recently enqueued wins.
func (s *Scheduler) Tick(now time.Duration) (Caption, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(now)

	at := now - s.delayLocked()
	var (
		best  Caption
		found bool
	)
	for _, c := range s.entries {
		if c.Contains(at) && (!found || c.Seq > best.Seq) {
			best, found = c, true
		}
	}
	return best, found
}

// evictLocked drops captions ending more than Retention before now.
func (s *Scheduler) evictLocked(now time.Duration) {
	cutoff := now - s.cfg.Retention
	kept := s.entries[:0]
	for _, c := range s.entries {
		if c.End >= cutoff {
			kept = append(kept, c)
		}
	}
	clear(s.entries[len(kept):])
	s.entries = kept
}

// Len returns the number of pending captions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear drops every pending caption and resets the lag estimate.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.lag = 0
}
