package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// serverRecognizer posts segments to a whisper.cpp HTTP server.
type serverRecognizer struct {
	endpoint string
	language string
	client   *http.Client
	ready    atomic.Bool
}

// NewServerRecognizer targets cfg.Endpoint. A nil client uses
// http.DefaultClient; deadlines come from the request context.
func NewServerRecognizer(cfg config.STTConfig, client *http.Client) (Recognizer, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid stt endpoint %q: %w", cfg.Endpoint, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &serverRecognizer{endpoint: endpoint, language: cfg.Language, client: client}, nil
}

// Initialize probes the server root; any HTTP answer means it is up.
func (r *serverRecognizer) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/", nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe stt server: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	r.ready.Store(true)
	return nil
}

func (r *serverRecognizer) Transcribe(ctx context.Context, segment audio.Segment) (TranscriptResult, error) {
	if !r.ready.Load() {
		return TranscriptResult{}, ErrNotInitialized
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(segment.Data); err != nil {
		return TranscriptResult{}, fmt.Errorf("write segment: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return TranscriptResult{}, fmt.Errorf("write response_format field: %w", err)
	}
	if r.language != "" {
		if err := mw.WriteField("language", r.language); err != nil {
			return TranscriptResult{}, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return TranscriptResult{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/inference", &body)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		return TranscriptResult{}, fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return TranscriptResult{}, fmt.Errorf("%w: server returned HTTP %d", ErrInvalidState, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return TranscriptResult{}, fmt.Errorf("stt server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(result.Text)}, nil
}

func (r *serverRecognizer) Close() error {
	r.ready.Store(false)
	return nil
}
