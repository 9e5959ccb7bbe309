package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// HeaderSize is the length of the canonical PCM WAV header written by
// EncodeWAV.
const HeaderSize = 44

// EncodeWAV wraps 16-bit little-endian samples in a RIFF/WAVE container.
func EncodeWAV(format Format, pcm []byte) ([]byte, error) {
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", format.BitsPerSample)
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: format.BitsPerSample,
	}

	out := &writeSeeker{}
	enc := wav.NewEncoder(out, format.SampleRate, format.BitsPerSample, format.Channels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// DecodeWAV parses a PCM WAV container and returns its format and samples.
func DecodeWAV(data []byte) (Format, []int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Format{}, nil, errors.New("invalid wav data")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("decode wav: %w", err)
	}
	format := Format{
		SampleRate:    int(dec.SampleRate),
		BitsPerSample: int(dec.BitDepth),
		Channels:      int(dec.NumChans),
	}
	return format, buf.Data, nil
}

// SamplesToPCM packs 16-bit samples into little-endian bytes.
func SamplesToPCM(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back
// to patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	w.pos = int(next)
	return next, nil
}
