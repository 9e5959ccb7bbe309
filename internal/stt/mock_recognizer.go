package stt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

type mockRecognizer struct {
	text  string
	delay time.Duration
	ready atomic.Bool
}

// NewMockRecognizer returns a recognizer that answers with a fixed phrase,
// or a length tag when none is configured.
func NewMockRecognizer(cfg config.STTConfig) Recognizer {
	return &mockRecognizer{
		text:  cfg.MockText,
		delay: time.Duration(cfg.MockDelay) * time.Millisecond,
	}
}

func (m *mockRecognizer) Initialize(context.Context) error {
	m.ready.Store(true)
	return nil
}

func (m *mockRecognizer) Transcribe(ctx context.Context, segment audio.Segment) (TranscriptResult, error) {
	if !m.ready.Load() {
		return TranscriptResult{}, ErrNotInitialized
	}
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return TranscriptResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	text := m.text
	if text == "" {
		text = fmt.Sprintf("heard %d ms of audio", segment.DurationMs())
	}
	return TranscriptResult{Text: text, Confidence: 1}, nil
}

func (m *mockRecognizer) Close() error {
	m.ready.Store(false)
	return nil
}
