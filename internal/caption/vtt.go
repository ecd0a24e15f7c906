package caption

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// VTTContentType is the MIME type of WebVTT output.
const VTTContentType = "text/vtt; charset=utf-8"

// WriteVTT writes cues as a WebVTT document. Cues are written in the given
// order; negative times are clamped to zero and blank cues are skipped.
func WriteVTT(w io.Writer, cues []Caption) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("WEBVTT\n"); err != nil {
		return fmt.Errorf("caption: write vtt header: %w", err)
	}
	n := 0
	for _, c := range cues {
		text := vttText(c.Text)
		if text == "" {
			continue
		}
		n++
		start, end := max(c.Start, 0), max(c.End, 0)
		if end < start {
			end = start
		}
		if _, err := fmt.Fprintf(bw, "\n%d\n%s --> %s\n%s\n", n, VTTTimestamp(start), VTTTimestamp(end), text); err != nil {
			return fmt.Errorf("caption: write vtt cue %d: %w", n, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("caption: flush vtt: %w", err)
	}
	return nil
}

// VTTTimestamp formats d as HH:MM:SS.mmm.
func VTTTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// vttText trims the cue text and removes blank lines and "-->", which would
// end the cue or be read as a timing line.
func vttText(s string) string {
	s = strings.ReplaceAll(s, "-->", "->")
	lines := strings.Split(strings.TrimSpace(s), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}
