// Package endpoint provides an stt.Provider for the generic transcription
// endpoint: a single POST carrying the segment as multipart/form-data and
// answering with a JSON body.
//
// Request fields:
//
//	audio     the WAV file, named segment-<id>.wav
//	language  recognition language (default "zh")
//	task      "transcribe"
//	subtask   "transcribe"
//
// The JSON response is normalised once, here: text is taken from "text",
// then "data.text", then the "chunks" texts joined by spaces. Chunk
// timestamps are [start, end] seconds relative to the segment start, where
// end may be null. A body with "success": false is a failure; a body without
// a "success" field is a success. Any non-2xx status is an *stt.HTTPError
// and the body is never parsed.
//
// Usage:
//
//	p, err := endpoint.New("http://localhost:9000/transcribe",
//	    endpoint.WithLanguage("zh"),
//	)
//	tr, err := p.Transcribe(ctx, req)
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

const (
	defaultLanguage = "zh"
	defaultTask     = "transcribe"

	// maxErrorBody bounds how much of a failed response is kept in
	// stt.HTTPError.
	maxErrorBody = 512
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default language sent when the request carries
// none. Defaults to "zh".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the HTTP client. The client should not carry its
// own timeout; per-attempt deadlines come from the caller's context.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithHeader adds a header to every request, e.g. an Authorization token.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers.Set(key, value) }
}

// Provider implements stt.Provider against a multipart transcription
// endpoint.
type Provider struct {
	url        string
	language   string
	headers    http.Header
	httpClient *http.Client
}

// New creates a Provider posting to url. url must be non-empty.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("endpoint: url must not be empty")
	}
	p := &Provider{
		url:        url,
		language:   defaultLanguage,
		headers:    make(http.Header),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe posts req.Audio and normalises the JSON answer.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	body, contentType, err := p.buildForm(req)
	if err != nil {
		return nil, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, body)
	if err != nil {
		return nil, fmt.Errorf("endpoint: create request: %w", err)
	}
	for k, v := range p.headers {
		hreq.Header[k] = v
	}
	hreq.Header.Set("Content-Type", contentType)
	hreq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("endpoint: http request: %w", ctxErr)
		}
		return nil, fmt.Errorf("endpoint: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &stt.HTTPError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("endpoint: read response body: %w", err)
	}
	return Parse(data)
}

func (p *Provider) buildForm(req stt.Request) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	ct := req.ContentType
	if ct == "" {
		ct = audio.WAVContentType
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="audio"; filename="%s"`, fileName(req.SegmentID)))
	h.Set("Content-Type", ct)
	fw, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("endpoint: create form file: %w", err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, "", fmt.Errorf("endpoint: write audio: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	task := req.Task
	if task == "" {
		task = defaultTask
	}
	for _, f := range [][2]string{
		{"language", lang},
		{"task", task},
		{"subtask", task},
	} {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("endpoint: write %s field: %w", f[0], err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("endpoint: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

func fileName(segmentID string) string {
	if segmentID == "" {
		segmentID = "audio"
	}
	return "segment-" + segmentID + ".wav"
}

// response is the union of the answer shapes the endpoint produces.
type response struct {
	Success *bool   `json:"success"`
	Error   string  `json:"error"`
	Text    *string `json:"text"`
	Data    *struct {
		Text *string `json:"text"`
	} `json:"data"`
	Chunks []struct {
		Text      string     `json:"text"`
		Timestamp []*float64 `json:"timestamp"`
	} `json:"chunks"`
	Language string `json:"language"`
}

// Parse normalises an endpoint response body into a Transcript.
func Parse(data []byte) (*stt.Transcript, error) {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("endpoint: parse JSON response: %w", err)
	}
	if r.Success != nil && !*r.Success {
		msg := r.Error
		if msg == "" {
			msg = "no error message"
		}
		return nil, fmt.Errorf("endpoint: %w: %s", stt.ErrRecognition, msg)
	}

	tr := &stt.Transcript{Language: r.Language}
	for _, c := range r.Chunks {
		ch := stt.Chunk{Text: strings.TrimSpace(c.Text)}
		if len(c.Timestamp) > 0 && c.Timestamp[0] != nil {
			ch.Start = seconds(*c.Timestamp[0])
		}
		if len(c.Timestamp) > 1 && c.Timestamp[1] != nil {
			ch.End = seconds(*c.Timestamp[1])
		}
		tr.Chunks = append(tr.Chunks, ch)
	}

	switch {
	case r.Text != nil && strings.TrimSpace(*r.Text) != "":
		tr.Text = strings.TrimSpace(*r.Text)
	case r.Data != nil && r.Data.Text != nil && strings.TrimSpace(*r.Data.Text) != "":
		tr.Text = strings.TrimSpace(*r.Data.Text)
	default:
		tr.Text = stt.JoinChunks(tr.Chunks)
	}
	return tr, nil
}

func seconds(s float64) time.Duration {
	if s < 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
