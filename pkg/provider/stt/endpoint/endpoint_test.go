package endpoint_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
	"github.com/MrWong99/livecaption/pkg/provider/stt/endpoint"
)

func newRequest() stt.Request {
	return stt.Request{
		SegmentID:   "abc",
		Audio:       audio.EncodeWAV(make([]float32, 1600), 16000),
		ContentType: audio.WAVContentType,
		Attempt:     1,
	}
}

func TestNew_EmptyURL(t *testing.T) {
	if _, err := endpoint.New(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestTranscribe_SendsMultipartForm(t *testing.T) {
	t.Parallel()
	var (
		gotFields   = map[string]string{}
		gotFileName string
		gotFileType string
		gotAuth     string
		gotAudioLen int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for k, v := range r.MultipartForm.Value {
			gotFields[k] = v[0]
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		gotAudioLen = len(b)
		gotFileName = hdr.Filename
		gotFileType = hdr.Header.Get("Content-Type")
		_, _ = io.WriteString(w, `{"text":"你好"}`)
	}))
	defer srv.Close()

	p, err := endpoint.New(srv.URL, endpoint.WithHeader("Authorization", "Bearer t"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := newRequest()
	tr, err := p.Transcribe(context.Background(), req)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "你好" {
		t.Errorf("Text = %q, want 你好", tr.Text)
	}
	if gotFileName != "segment-abc.wav" {
		t.Errorf("filename = %q, want segment-abc.wav", gotFileName)
	}
	if gotFileType != "audio/wav" {
		t.Errorf("file content type = %q, want audio/wav", gotFileType)
	}
	if gotAudioLen != len(req.Audio) {
		t.Errorf("audio bytes = %d, want %d", gotAudioLen, len(req.Audio))
	}
	want := map[string]string{"language": "zh", "task": "transcribe", "subtask": "transcribe"}
	for k, v := range want {
		if gotFields[k] != v {
			t.Errorf("field %s = %q, want %q", k, gotFields[k], v)
		}
	}
	if gotAuth != "Bearer t" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestTranscribe_RequestLanguageOverridesDefault(t *testing.T) {
	t.Parallel()
	var lang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lang = r.FormValue("language")
		_, _ = io.WriteString(w, `{"text":"hi"}`)
	}))
	defer srv.Close()

	p, _ := endpoint.New(srv.URL, endpoint.WithLanguage("de"))
	req := newRequest()
	req.Language = "en"
	if _, err := p.Transcribe(context.Background(), req); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if lang != "en" {
		t.Errorf("language = %q, want en", lang)
	}
}

func TestTranscribe_Non2xxIsHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		// A success body must not be trusted on a failed status.
		_, _ = io.WriteString(w, `{"text":"should be ignored"}`)
	}))
	defer srv.Close()

	p, _ := endpoint.New(srv.URL)
	tr, err := p.Transcribe(context.Background(), newRequest())
	if tr != nil {
		t.Errorf("expected nil transcript, got %+v", tr)
	}
	var herr *stt.HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("error = %v, want *stt.HTTPError", err)
	}
	if herr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", herr.StatusCode)
	}
}

func TestTranscribe_ContextDeadline(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := endpoint.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Transcribe(ctx, newRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		body       string
		wantText   string
		wantChunks []stt.Chunk
		wantErr    error
	}{
		{
			name:     "top-level text",
			body:     `{"text":" hello ","success":true}`,
			wantText: "hello",
		},
		{
			name:     "nested data text",
			body:     `{"data":{"text":"nested"}}`,
			wantText: "nested",
		},
		{
			name:     "text wins over chunks",
			body:     `{"text":"full","chunks":[{"text":"a","timestamp":[0,1]}]}`,
			wantText: "full",
			wantChunks: []stt.Chunk{
				{Text: "a", Start: 0, End: time.Second},
			},
		},
		{
			name:     "chunks joined with spaces",
			body:     `{"chunks":[{"text":"one","timestamp":[0,1.5]},{"text":"two","timestamp":[1.5,null]}]}`,
			wantText: "one two",
			wantChunks: []stt.Chunk{
				{Text: "one", Start: 0, End: 1500 * time.Millisecond},
				{Text: "two", Start: 1500 * time.Millisecond, End: 0},
			},
		},
		{
			name:     "missing success is success",
			body:     `{"text":"ok"}`,
			wantText: "ok",
		},
		{
			name:    "success false",
			body:    `{"success":false,"error":"model crashed"}`,
			wantErr: stt.ErrRecognition,
		},
		{
			name:     "empty result",
			body:     `{}`,
			wantText: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := endpoint.Parse([]byte(tc.body))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if tr.Text != tc.wantText {
				t.Errorf("Text = %q, want %q", tr.Text, tc.wantText)
			}
			if len(tr.Chunks) != len(tc.wantChunks) {
				t.Fatalf("chunks = %+v, want %+v", tr.Chunks, tc.wantChunks)
			}
			for i := range tc.wantChunks {
				if tr.Chunks[i] != tc.wantChunks[i] {
					t.Errorf("chunk %d = %+v, want %+v", i, tr.Chunks[i], tc.wantChunks[i])
				}
			}
		})
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	if _, err := endpoint.Parse([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
