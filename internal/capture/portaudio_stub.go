//go:build !portaudio

package capture

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// PortAudioDevice is unavailable in builds without the portaudio tag.
type PortAudioDevice struct{}

func NewPortAudioDevice(*slog.Logger) *PortAudioDevice {
	return &PortAudioDevice{}
}

func (d *PortAudioDevice) Open(audio.Format, time.Duration, func(audio.Chunk)) (Stream, error) {
	return nil, deviceError("built without portaudio support (rebuild with -tags portaudio)", nil)
}
