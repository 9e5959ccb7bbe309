package capture

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// FileDevice replays a 16-bit PCM WAV file in real time. After the file
// is exhausted it keeps delivering silence, or starts over when loop is
// set, so a session always sees a steady chunk cadence.
type FileDevice struct {
	path string
	loop bool
}

func NewFileDevice(path string, loop bool) *FileDevice {
	return &FileDevice{path: path, loop: loop}
}

func (d *FileDevice) Open(format audio.Format, chunk time.Duration, deliver func(audio.Chunk)) (Stream, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, deviceError("read capture file", err)
	}
	fileFormat, samples, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, deviceError("decode capture file", err)
	}
	if fileFormat != format {
		return nil, deviceError(fmt.Sprintf("capture file format %+v does not match %+v", fileFormat, format), nil)
	}
	chunkBytes := format.BytesFor(chunk)
	if chunkBytes <= 0 {
		return nil, deviceError("chunk duration too small", nil)
	}

	s := &replayStream{
		pcm:        audio.SamplesToPCM(samples),
		chunkBytes: chunkBytes,
		loop:       d.loop,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.run(chunk, deliver)
	return s, nil
}

type replayStream struct {
	pcm        []byte
	chunkBytes int
	loop       bool
	offset     int
	stop       chan struct{}
	done       chan struct{}
	once       sync.Once
}

func (s *replayStream) run(period time.Duration, deliver func(audio.Chunk)) {
	defer close(s.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			deliver(audio.Chunk{Data: s.next(), CapturedAt: now})
		}
	}
}

func (s *replayStream) next() []byte {
	out := make([]byte, s.chunkBytes)
	if s.offset >= len(s.pcm) && s.loop && len(s.pcm) > 0 {
		s.offset = 0
	}
	if s.offset < len(s.pcm) {
		n := copy(out, s.pcm[s.offset:])
		s.offset += n
	}
	return out
}

func (s *replayStream) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
