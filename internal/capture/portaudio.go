//go:build portaudio

package capture

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// PortAudioDevice captures from the default system input device.
type PortAudioDevice struct {
	log *slog.Logger
}

func NewPortAudioDevice(log *slog.Logger) *PortAudioDevice {
	return &PortAudioDevice{log: log.With(slog.String("component", "portaudio"))}
}

func (d *PortAudioDevice) Open(format audio.Format, chunk time.Duration, deliver func(audio.Chunk)) (Stream, error) {
	if format.BitsPerSample != 16 {
		return nil, deviceError("portaudio capture requires 16-bit samples", nil)
	}
	frames := format.SampleRate * int(chunk/time.Millisecond) / 1000
	if frames <= 0 {
		return nil, deviceError("chunk duration too small", nil)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, deviceError("initialize portaudio", err)
	}

	callback := func(in []int16) {
		buf := make([]byte, len(in)*2)
		for i, sample := range in {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
		}
		deliver(audio.Chunk{Data: buf, CapturedAt: time.Now()})
	}

	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), frames, callback)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, deviceError("open input stream", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, deviceError("start input stream", err)
	}
	d.log.Debug("input stream started", slog.Int("frames_per_buffer", frames), slog.Int("sample_rate", format.SampleRate))
	return &portAudioStream{stream: stream}, nil
}

type portAudioStream struct {
	stream *portaudio.Stream
	once   sync.Once
	err    error
}

func (s *portAudioStream) Close() error {
	s.once.Do(func() {
		s.err = errors.Join(s.stream.Stop(), s.stream.Close(), portaudio.Terminate())
	})
	return s.err
}
