package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func pcmOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func constantPCM(value int16, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = value
		} else {
			samples[i] = -value
		}
	}
	return pcmOf(samples...)
}

func TestLoudnessEmpty(t *testing.T) {
	if got := Loudness(nil); got != 0 {
		t.Fatalf("expected 0 for empty chunk, got %v", got)
	}
	if got := Loudness([]byte{0x7f}); got != 0 {
		t.Fatalf("expected 0 for single byte, got %v", got)
	}
}

func TestLoudnessMeanAbsolute(t *testing.T) {
	got := Loudness(pcmOf(16384, -16384, 0, 0))
	if math.Abs(got-0.25) > 1e-9 {
		t.Fatalf("expected 0.25, got %v", got)
	}
	if got := Loudness(pcmOf(-32768)); got != 1 {
		t.Fatalf("expected full scale 1, got %v", got)
	}
}

func TestLoudnessThresholdBoundary(t *testing.T) {
	// One sample of 16384 among 25 averages to exactly 0.02.
	samples := make([]int16, 25)
	samples[0] = 16384
	got := Loudness(pcmOf(samples...))
	if got != 16384.0/32768/25 {
		t.Fatalf("unexpected loudness %v", got)
	}
	if got > 0.02 {
		t.Fatalf("loudness %v must not exceed threshold", got)
	}
}

func TestNormalizeLoudAudioUnchanged(t *testing.T) {
	header := bytes.Repeat([]byte{0xAB}, HeaderSize)
	data := append(append([]byte{}, header...), pcmOf(20000, -100, 5)...)
	out := Normalize(data, HeaderSize, DefaultMaxGain)
	if !bytes.Equal(out, data) {
		t.Fatalf("expected loud audio to pass through unchanged")
	}
	out[HeaderSize] = 0
	if data[HeaderSize] == 0 {
		t.Fatalf("normalize must not alias its input")
	}
}

func TestNormalizeAppliesBoundedGain(t *testing.T) {
	header := bytes.Repeat([]byte{0x11}, HeaderSize)
	data := append(append([]byte{}, header...), pcmOf(1000, -500, 0)...)
	out := Normalize(data, HeaderSize, DefaultMaxGain)
	if len(out) != len(data) {
		t.Fatalf("length changed: %d != %d", len(out), len(data))
	}
	if !bytes.Equal(out[:HeaderSize], header) {
		t.Fatalf("header modified")
	}
	got := []int16{
		int16(binary.LittleEndian.Uint16(out[HeaderSize:])),
		int16(binary.LittleEndian.Uint16(out[HeaderSize+2:])),
		int16(binary.LittleEndian.Uint16(out[HeaderSize+4:])),
	}
	want := []int16{4000, -2000, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: want %d got %d", i, want[i], got[i])
		}
	}
}

func TestNormalizeScalesToFullRange(t *testing.T) {
	data := append(make([]byte, HeaderSize), pcmOf(8192, -8192)...)
	out := Normalize(data, HeaderSize, DefaultMaxGain)
	first := int16(binary.LittleEndian.Uint16(out[HeaderSize:]))
	second := int16(binary.LittleEndian.Uint16(out[HeaderSize+2:]))
	if first != 32767 || second != -32767 {
		t.Fatalf("expected peak scaled to 32767, got %d %d", first, second)
	}
}

func TestNormalizeNeverExceedsRange(t *testing.T) {
	for peak := 1; peak <= 32767; peak += 97 {
		gain := Gain(peak, DefaultMaxGain)
		if gain > DefaultMaxGain {
			t.Fatalf("peak %d: gain %v exceeds max", peak, gain)
		}
		data := append(make([]byte, HeaderSize), pcmOf(int16(peak), int16(-peak), int16(peak/2))...)
		out := Normalize(data, HeaderSize, DefaultMaxGain)
		for i := HeaderSize; i+1 < len(out); i += 2 {
			v := int(int16(binary.LittleEndian.Uint16(out[i:])))
			if v > 32767 || v < -32767 {
				t.Fatalf("peak %d: sample %d out of range", peak, v)
			}
		}
	}
}

func TestGainCapsConfiguredMaximum(t *testing.T) {
	if got := Gain(100, 10); got != DefaultMaxGain {
		t.Fatalf("gain %v exceeds %v", got, DefaultMaxGain)
	}
	if got := Gain(100, 2); got != 2 {
		t.Fatalf("expected lower cap to apply, got %v", got)
	}
}

func TestNormalizeHeaderOnly(t *testing.T) {
	data := make([]byte, HeaderSize)
	if out := Normalize(data, HeaderSize, DefaultMaxGain); len(out) != HeaderSize {
		t.Fatalf("unexpected length %d", len(out))
	}
}

func TestFormatByteMath(t *testing.T) {
	f := DefaultFormat()
	if got := f.BytesFor(500 * time.Millisecond); got != 16000 {
		t.Fatalf("expected 16000 bytes for 500ms, got %d", got)
	}
	if got := f.Duration(32000); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
	if got := (Format{}).Duration(100); got != 0 {
		t.Fatalf("expected zero duration for empty format, got %v", got)
	}
}
