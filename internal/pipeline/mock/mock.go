// Package mock provides test doubles for the pipeline collaborators.
//
// Renderer records every call so tests can assert on what the viewer saw:
//
//	r := &mock.Renderer{}
//	s := pipeline.New(video, r, provider, cfg)
//	...
//	if got := r.Captions(); len(got) != 1 { … }
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/livecaption/internal/pipeline"
	"github.com/MrWong99/livecaption/pkg/capture"
	capturemock "github.com/MrWong99/livecaption/pkg/capture/mock"
)

// Call is one recorded renderer call.
type Call struct {
	// Method is "caption", "hide", "processing" or "notice".
	Method string
	Text   string
	Active bool
}

// Renderer is a mock implementation of pipeline.Renderer.
type Renderer struct {
	mu    sync.Mutex
	calls []Call
}

// ShowCaption records the call.
func (r *Renderer) ShowCaption(text string) { r.add(Call{Method: "caption", Text: text}) }

// HideCaption records the call.
func (r *Renderer) HideCaption() { r.add(Call{Method: "hide"}) }

// ShowProcessingIndicator records the call.
func (r *Renderer) ShowProcessingIndicator(active bool) {
	r.add(Call{Method: "processing", Active: active})
}

// ShowNotice records the call.
func (r *Renderer) ShowNotice(text string) { r.add(Call{Method: "notice", Text: text}) }

func (r *Renderer) add(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// Calls returns a copy of all recorded calls in order.
func (r *Renderer) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Captions returns the texts passed to ShowCaption in order.
func (r *Renderer) Captions() []string {
	return r.texts("caption")
}

// Notices returns the texts passed to ShowNotice in order.
func (r *Renderer) Notices() []string {
	return r.texts("notice")
}

// Count returns how many calls of method were recorded.
func (r *Renderer) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (r *Renderer) texts(method string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c.Text)
		}
	}
	return out
}

// Video is a mock implementation of pipeline.Video. Its capture behaviour
// comes from the embedded capture mock element.
type Video struct {
	*capturemock.Element

	mu     sync.Mutex
	now    time.Duration
	paused bool
}

// NewVideo returns a paused Video with the given element ID whose capture
// stream is stream.
func NewVideo(id string, stream capture.Stream) *Video {
	return &Video{
		Element: &capturemock.Element{ElementID: id, Stream: stream},
		paused:  true,
	}
}

// CurrentTime returns the playback position set by SetTime.
func (v *Video) CurrentTime() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// SetTime moves the playback position.
func (v *Video) SetTime(t time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = t
}

// Paused reports the value set by SetPaused.
func (v *Video) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

// SetPaused sets the paused flag.
func (v *Video) SetPaused(p bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused = p
}

// ProbedVideo is a Video that can also be probed for degraded capture.
type ProbedVideo struct {
	*Video
	*capturemock.Prober
}

var (
	_ pipeline.Renderer = (*Renderer)(nil)
	_ pipeline.Video    = (*Video)(nil)
	_ pipeline.Video    = (*ProbedVideo)(nil)
	_ capture.Prober    = (*ProbedVideo)(nil)
)
