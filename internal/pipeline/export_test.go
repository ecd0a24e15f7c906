package pipeline

import (
	"testing"
	"time"
)

// The helpers below drive the loop handlers directly so tests can step the
// session deterministically without running Run.

func (s *Session) HandleEvent(ev Event) { s.handleEvent(ev) }

func (s *Session) ObserveTick() { s.observe() }

func (s *Session) RenderTick() { s.render() }

func (s *Session) SyncIndicator() { s.syncIndicator() }

// NotifyBusy delivers a busy hook notification as the client would.
func (s *Session) NotifyBusy(busy bool) { s.onBusy(busy) }

// NextFrame waits for one captured frame and feeds it to the buffer.
func (s *Session) NextFrame(t *testing.T) {
	t.Helper()
	select {
	case f := <-s.source.Frames():
		s.onFrame(f)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a captured frame")
	}
}

// AwaitOutcome waits for the pending transcription and handles it.
func (s *Session) AwaitOutcome(t *testing.T) {
	t.Helper()
	select {
	case o := <-s.results:
		s.handleOutcome(o)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transcription outcome")
	}
}
