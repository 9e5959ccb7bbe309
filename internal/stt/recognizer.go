package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

var (
	// ErrNotInitialized is returned when Transcribe is called before
	// Initialize succeeded or after Close.
	ErrNotInitialized = errors.New("stt: recognizer not initialized")
	// ErrInvalidState is returned when the backend is loaded but can no
	// longer serve requests.
	ErrInvalidState = errors.New("stt: recognizer in invalid state")
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Transcribe should honour ctx; a
// backend that cannot be interrupted returns whenever it finishes and the
// caller discards late results.
type Recognizer interface {
	Initialize(ctx context.Context) error
	Transcribe(ctx context.Context, segment audio.Segment) (TranscriptResult, error)
	Close() error
}

// Factory builds a fresh, uninitialized recognizer.
type Factory func() (Recognizer, error)

// NewFactory returns a Factory for the configured backend.
func NewFactory(cfg config.STTConfig, log *slog.Logger) (Factory, error) {
	switch cfg.Mode {
	case "", "mock":
		return func() (Recognizer, error) { return NewMockRecognizer(cfg), nil }, nil
	case "exec":
		return func() (Recognizer, error) { return NewExecRecognizer(cfg) }, nil
	case "whisper":
		return func() (Recognizer, error) { return NewWhisperRecognizer(cfg, log) }, nil
	case "server":
		return func() (Recognizer, error) { return NewServerRecognizer(cfg, nil) }, nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// IsRecoverable reports whether err calls for recreating the recognizer.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrNotInitialized) || errors.Is(err, ErrInvalidState)
}
