package config

import (
	"maps"
	"reflect"
	"slices"

	"github.com/MrWong99/livecaption/internal/transcript"
)

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes are flagged individually; everything else is listed in
// RestartRequired by section name.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is set when VAD, segment or caption tuning changed.
	// Running sessions pick the new values up through Reconfigure.
	SessionChanged bool

	// GlossaryChanged is set when the correction terms changed.
	GlossaryChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart, e.g. "server" or "transcription".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.GlossaryChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldCaps, newCaps := old.Captions, new.Captions
	oldCaps.Glossary, newCaps.Glossary = nil, nil
	oldCaps.PhoneticMatch, newCaps.PhoneticMatch = false, false
	if old.VAD != new.VAD || old.Segment != new.Segment || !reflect.DeepEqual(oldCaps, newCaps) {
		d.SessionChanged = true
	}

	if old.Captions.PhoneticMatch != new.Captions.PhoneticMatch ||
		!slices.EqualFunc(old.Captions.Glossary, new.Captions.Glossary, termEqual) {
		d.GlossaryChanged = true
	}

	oldSrv, newSrv := old.Server, new.Server
	oldSrv.LogLevel, newSrv.LogLevel = "", ""
	if !reflect.DeepEqual(oldSrv, newSrv) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if !transcriptionEqual(old.Transcription, new.Transcription) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}

func termEqual(a, b transcript.Term) bool {
	return a.Text == b.Text && slices.Equal(a.Aliases, b.Aliases)
}

func transcriptionEqual(a, b TranscriptionConfig) bool {
	if !backendEqual(a.BackendConfig, b.BackendConfig) ||
		a.Task != b.Task || a.Timeout != b.Timeout || a.RetryDelay != b.RetryDelay ||
		a.CircuitBreaker != b.CircuitBreaker {
		return false
	}
	if (a.MaxRetries == nil) != (b.MaxRetries == nil) ||
		(a.MaxRetries != nil && *a.MaxRetries != *b.MaxRetries) {
		return false
	}
	return slices.EqualFunc(a.Fallbacks, b.Fallbacks, backendEqual)
}

func backendEqual(a, b BackendConfig) bool {
	return a.Backend == b.Backend && a.Endpoint == b.Endpoint && a.APIKey == b.APIKey &&
		a.Model == b.Model && a.Language == b.Language &&
		maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}
