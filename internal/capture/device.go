// Package capture opens audio input sources that push fixed-size PCM
// chunks to a callback.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// ErrDevice marks failures to open or run a capture device. A session
// that hits it cannot continue.
var ErrDevice = errors.New("capture device error")

// Stream is an open device. Close stops delivery and releases the device;
// it is safe to call more than once.
type Stream interface {
	Close() error
}

// Device opens a stream that calls deliver once per chunk from its own
// goroutine. deliver must not block.
type Device interface {
	Open(format audio.Format, chunk time.Duration, deliver func(audio.Chunk)) (Stream, error)
}

// New returns the device selected by cfg.Mode.
func New(cfg config.CaptureConfig, log *slog.Logger) (Device, error) {
	switch cfg.Mode {
	case "", "portaudio":
		return NewPortAudioDevice(log), nil
	case "file":
		return NewFileDevice(cfg.FilePath, cfg.Loop), nil
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

// FormatFrom converts capture configuration to an audio format.
func FormatFrom(cfg config.CaptureConfig) audio.Format {
	return audio.Format{
		SampleRate:    cfg.SampleRate,
		BitsPerSample: cfg.BitsPerSample,
		Channels:      cfg.Channels,
	}
}

func deviceError(op string, err error) error {
	if errors.Is(err, ErrDevice) {
		return err
	}
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDevice, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrDevice, op, err)
}
