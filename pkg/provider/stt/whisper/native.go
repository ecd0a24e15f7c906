// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// whisper.cpp models expect 16 kHz mono input.
const nativeSampleRate = 16000

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings.
// The model is loaded once and shared; each call gets its own whisper
// context. Inference runs one segment at a time.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	sem      chan struct{}
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code used when a request carries
// none. Defaults to "zh".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// modelPath. The caller must call Close when the provider is no longer
// needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
		sem:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

type nativeResult struct {
	tr  *stt.Transcript
	err error
}

// Transcribe runs inference on req.Samples (or the decoded req.Audio when no
// samples are attached). whisper.cpp cannot be interrupted mid-run, so when
// ctx ends first Transcribe returns immediately and the result of the
// running inference is discarded.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already done: %w", err)
	}
	samples, err := nativeSamples(req)
	if err != nil {
		return nil, err
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("whisper: wait for model: %w", ctx.Err())
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	done := make(chan nativeResult, 1)
	go func() {
		defer func() { <-p.sem }()
		tr, err := p.infer(samples, lang)
		done <- nativeResult{tr: tr, err: err}
	}()

	select {
	case r := <-done:
		return r.tr, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("whisper: native inference: %w", ctx.Err())
	}
}

func nativeSamples(req stt.Request) ([]float32, error) {
	samples, rate := req.Samples, req.SampleRate
	if len(samples) == 0 {
		var err error
		samples, rate, err = audio.DecodeWAV(bytes.NewReader(req.Audio))
		if err != nil {
			return nil, fmt.Errorf("whisper: decode segment: %w", err)
		}
	}
	if rate != nativeSampleRate {
		samples = audio.Resample(samples, rate, nativeSampleRate)
	}
	return samples, nil
}

// infer creates a fresh whisper context, runs inference and collects the
// segments as chunks.
func (p *NativeProvider) infer(samples []float32, lang string) (*stt.Transcript, error) {
	// Contexts are not thread-safe; the model is.
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	tr := &stt.Transcript{Language: lang}
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		tr.Chunks = append(tr.Chunks, stt.Chunk{Text: text, Start: seg.Start, End: seg.End})
	}
	tr.Text = stt.JoinChunks(tr.Chunks)
	return tr, nil
}
