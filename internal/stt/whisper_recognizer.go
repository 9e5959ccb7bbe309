//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// whisperRecognizer runs a local ggml model through the whisper.cpp
// bindings. Inference cannot be interrupted once started, so a cancelled
// call still runs to completion and its result is dropped by the caller.
type whisperRecognizer struct {
	cfg   config.STTConfig
	log   *slog.Logger
	mu    sync.Mutex
	model whisperlib.Model
}

func NewWhisperRecognizer(cfg config.STTConfig, log *slog.Logger) (Recognizer, error) {
	return &whisperRecognizer{cfg: cfg, log: log.With(slog.String("component", "whisper"))}, nil
}

func (r *whisperRecognizer) Initialize(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		return nil
	}
	path, err := ResolveModelPath(r.cfg.ModelPath)
	if err != nil {
		return err
	}
	r.log.Info("loading whisper model", slog.String("path", path))
	model, err := whisperlib.New(path)
	if err != nil {
		return fmt.Errorf("load whisper model %q: %w", path, err)
	}
	r.model = model
	return nil
}

func (r *whisperRecognizer) Transcribe(ctx context.Context, segment audio.Segment) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return TranscriptResult{}, ErrNotInitialized
	}

	format, samples, err := audio.DecodeWAV(segment.Data)
	if err != nil {
		return TranscriptResult{}, err
	}
	if format.SampleRate != 16000 || format.Channels != 1 {
		return TranscriptResult{}, fmt.Errorf("whisper requires 16 kHz mono, got %+v", format)
	}
	pcm := audio.Float32(audio.SamplesToPCM(samples))

	wctx, err := r.model.NewContext()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("%w: create context: %v", ErrInvalidState, err)
	}
	if r.cfg.Language != "" {
		if err := wctx.SetLanguage(r.cfg.Language); err != nil {
			r.log.Warn("failed to set language, using model default", slog.String("language", r.cfg.Language), slog.String("error", err.Error()))
		}
	}
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper process: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return TranscriptResult{}, fmt.Errorf("whisper segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" || strings.Contains(text, "[BLANK_AUDIO]") {
			continue
		}
		parts = append(parts, text)
	}
	return TranscriptResult{Text: strings.Join(parts, " ")}, nil
}

func (r *whisperRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return nil
	}
	err := r.model.Close()
	r.model = nil
	return err
}
