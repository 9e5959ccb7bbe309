package capture

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

func writeWAV(t *testing.T, format audio.Format, pcm []byte) string {
	t.Helper()
	data, err := audio.EncodeWAV(format, pcm)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	path := filepath.Join(t.TempDir(), "input.wav")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestFileDeviceReplaysThenSilence(t *testing.T) {
	format := audio.DefaultFormat()
	chunk := 5 * time.Millisecond
	chunkBytes := format.BytesFor(chunk)
	pcm := bytes.Repeat([]byte{0x10, 0x20}, chunkBytes/2)
	path := writeWAV(t, format, pcm)

	got := make(chan audio.Chunk, 16)
	stream, err := NewFileDevice(path, false).Open(format, chunk, func(c audio.Chunk) {
		select {
		case got <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	first := <-got
	second := <-got
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if !bytes.Equal(first.Data, pcm) {
		t.Fatalf("first chunk should replay the file")
	}
	if len(second.Data) != chunkBytes || !bytes.Equal(second.Data, make([]byte, chunkBytes)) {
		t.Fatalf("expected silence after end of file")
	}
}

func TestFileDeviceLoops(t *testing.T) {
	format := audio.DefaultFormat()
	chunk := 5 * time.Millisecond
	pcm := bytes.Repeat([]byte{0x01, 0x02}, format.BytesFor(chunk)/2)
	path := writeWAV(t, format, pcm)

	got := make(chan audio.Chunk, 16)
	stream, err := NewFileDevice(path, true).Open(format, chunk, func(c audio.Chunk) {
		select {
		case got <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	<-got
	if second := <-got; !bytes.Equal(second.Data, pcm) {
		t.Fatalf("expected looped audio")
	}
}

func TestFileDeviceErrors(t *testing.T) {
	format := audio.DefaultFormat()
	if _, err := NewFileDevice(filepath.Join(t.TempDir(), "missing.wav"), false).Open(format, 50*time.Millisecond, func(audio.Chunk) {}); !errors.Is(err, ErrDevice) {
		t.Fatalf("expected device error for missing file, got %v", err)
	}

	other := audio.Format{SampleRate: 8000, BitsPerSample: 16, Channels: 1}
	path := writeWAV(t, other, make([]byte, 160))
	if _, err := NewFileDevice(path, false).Open(format, 50*time.Millisecond, func(audio.Chunk) {}); !errors.Is(err, ErrDevice) {
		t.Fatalf("expected device error for format mismatch, got %v", err)
	}
}

func TestNewSelectsMode(t *testing.T) {
	dev, err := New(config.CaptureConfig{Mode: "file", FilePath: "x.wav"}, nil)
	if err != nil {
		t.Fatalf("new file device: %v", err)
	}
	if _, ok := dev.(*FileDevice); !ok {
		t.Fatalf("expected file device, got %T", dev)
	}
	if _, err := New(config.CaptureConfig{Mode: "alsa"}, nil); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
