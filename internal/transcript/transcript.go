// Package transcript keeps what a session has captioned and cleans up
// recognised text before it is shown.
//
// A [Store] records every caption of a session as an [Entry] so the history
// can be exported as WebVTT after the fact. [MemStore] keeps a bounded
// history in memory; the postgres sub-package persists it.
//
// A [Glossary] corrects recognised text against known terms (names, titles,
// jargon) in two stages: exact alias substitution, which also works for
// scripts without word spacing, and phonetic matching of Latin-script words.
//
// Implementations of Store must be safe for concurrent use.
package transcript

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/livecaption/internal/caption"
)

// ErrSessionNotFound is returned by [Store.List] for unknown sessions.
var ErrSessionNotFound = errors.New("transcript: session not found")

// Entry is one caption shown during a session.
type Entry struct {
	SessionID string
	SegmentID string

	// Seq orders entries within a session.
	Seq uint64

	// Text is the caption as displayed; RawText is the backend's text
	// before glossary correction.
	Text    string
	RawText string

	// Start and End are video times.
	Start time.Duration
	End   time.Duration

	Notice    bool
	CreatedAt time.Time
}

// Store is the caption history.
type Store interface {
	// Append records e under e.SessionID.
	Append(ctx context.Context, e Entry) error

	// List returns the entries of sessionID ordered by Start, then Seq.
	List(ctx context.Context, sessionID string) ([]Entry, error)

	// Delete drops the history of sessionID. Deleting an unknown session is
	// not an error.
	Delete(ctx context.Context, sessionID string) error
}

// FromCaption builds the history entry for c.
func FromCaption(sessionID string, c caption.Caption, raw string, at time.Time) Entry {
	if raw == "" {
		raw = c.Text
	}
	return Entry{
		SessionID: sessionID,
		SegmentID: c.SegmentID,
		Seq:       c.Seq,
		Text:      c.Text,
		RawText:   raw,
		Start:     c.Start,
		End:       c.End,
		Notice:    c.Notice,
		CreatedAt: at,
	}
}

// Cues converts entries to captions for WebVTT export. Notices are left
// out.
func Cues(entries []Entry) []caption.Caption {
	cues := make([]caption.Caption, 0, len(entries))
	for _, e := range entries {
		if e.Notice {
			continue
		}
		cues = append(cues, caption.Caption{
			Seq:       e.Seq,
			Text:      e.Text,
			Start:     e.Start,
			End:       e.End,
			SegmentID: e.SegmentID,
		})
	}
	return cues
}
