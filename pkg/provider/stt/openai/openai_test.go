package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

// TestNew_DefaultModel verifies that an empty model string defaults to whisper-1.
func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

func TestTranscribe_VerboseJSON(t *testing.T) {
	var gotFormat, gotLang, gotModel, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFormat = r.FormValue("response_format")
		gotLang = r.FormValue("language")
		gotModel = r.FormValue("model")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"task":"transcribe","language":"chinese","duration":2.0,
			"text":"你好世界",
			"segments":[{"id":0,"start":0.0,"end":1.0,"text":"你好"},{"id":1,"start":1.0,"end":2.0,"text":"世界"}]}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"), WithLanguage("zh"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr, err := p.Transcribe(context.Background(), stt.Request{SegmentID: "s1", Audio: []byte("RIFF")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if gotPath != "/v1/audio/transcriptions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotFormat != "verbose_json" || gotLang != "zh" || gotModel != "whisper-1" {
		t.Errorf("form: response_format=%q language=%q model=%q", gotFormat, gotLang, gotModel)
	}
	if tr.Text != "你好世界" {
		t.Errorf("Text = %q", tr.Text)
	}
	if len(tr.Chunks) != 2 || tr.Chunks[1].Start != time.Second || tr.Chunks[1].End != 2*time.Second {
		t.Errorf("chunks = %+v", tr.Chunks)
	}
}

func TestTranscribe_APIErrorIsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit","code":"rate_limit","param":null}}`)
	}))
	defer srv.Close()

	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"))
	_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("RIFF")})
	var herr *stt.HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("error = %v, want *stt.HTTPError", err)
	}
	if herr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", herr.StatusCode)
	}
}

func TestVerboseSegments_InvalidJSON(t *testing.T) {
	chunks, lang := verboseSegments("{", "zh")
	if chunks != nil || lang != "zh" {
		t.Errorf("got %v %q", chunks, lang)
	}
}
