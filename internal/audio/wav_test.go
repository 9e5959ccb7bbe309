package audio

import (
	"bytes"
	"testing"
)

func TestEncodeWAVHeaderLength(t *testing.T) {
	pcm := pcmOf(1, -2, 3, -4, 32767, -32768)
	data, err := EncodeWAV(DefaultFormat(), pcm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != HeaderSize+len(pcm) {
		t.Fatalf("expected %d bytes, got %d", HeaderSize+len(pcm), len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[36:40]) != "data" {
		t.Fatalf("unexpected header %q", data[:HeaderSize])
	}
	if !bytes.Equal(data[HeaderSize:], pcm) {
		t.Fatalf("sample region not preserved")
	}
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	pcm := pcmOf(100, -200, 300)
	data, err := EncodeWAV(DefaultFormat(), pcm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	format, samples, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if format != DefaultFormat() {
		t.Fatalf("unexpected format %+v", format)
	}
	if !bytes.Equal(SamplesToPCM(samples), pcm) {
		t.Fatalf("unexpected samples %v", samples)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV([]byte("definitely not a wav file at all, nope")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEncodeWAVRejectsBitDepth(t *testing.T) {
	if _, err := EncodeWAV(Format{SampleRate: 16000, BitsPerSample: 8, Channels: 1}, nil); err == nil {
		t.Fatalf("expected error for 8-bit format")
	}
}

func TestSegmentPCM(t *testing.T) {
	seg := Segment{Data: append(make([]byte, HeaderSize), 1, 2)}
	if got := seg.PCM(); !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("unexpected pcm %v", got)
	}
	if (Segment{}).PCM() != nil {
		t.Fatalf("expected nil pcm for empty segment")
	}
}
