//go:build !whisper

package stt

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// NewWhisperRecognizer is unavailable without the whisper build tag, which
// requires libwhisper and its headers at link time.
func NewWhisperRecognizer(config.STTConfig, *slog.Logger) (Recognizer, error) {
	return nil, errors.New("stt: built without whisper support (rebuild with -tags whisper)")
}
