package audio

import "time"

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate    int `json:"sample_rate"`
	BitsPerSample int `json:"bits_per_sample"`
	Channels      int `json:"channels"`
}

// DefaultFormat is 16 kHz, 16-bit mono, the layout speech models expect.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, BitsPerSample: 16, Channels: 1}
}

// ByteRate returns the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BitsPerSample * f.Channels / 8
}

// BytesFor returns the byte count covering d of audio. The arithmetic
// multiplies before dividing so 500ms at 16 kHz mono yields exactly 16000.
func (f Format) BytesFor(d time.Duration) int {
	return f.ByteRate() * int(d/time.Millisecond) / 1000
}

// Duration returns how long n bytes of samples play for.
func (f Format) Duration(n int) time.Duration {
	rate := f.ByteRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// Chunk is one device buffer of PCM delivered by a capture callback.
type Chunk struct {
	Data       []byte
	CapturedAt time.Time
}

// Len reports the number of bytes recorded in the chunk.
func (c Chunk) Len() int {
	return len(c.Data)
}

// Segment is a finished recording: a WAV header followed by samples.
// Segments are immutable once produced.
type Segment struct {
	Data       []byte
	Format     Format
	Duration   time.Duration
	HasSpeech  bool
	Sequence   uint64
	CapturedAt time.Time
}

// PCM returns the sample region of the segment.
func (s Segment) PCM() []byte {
	if len(s.Data) <= HeaderSize {
		return nil
	}
	return s.Data[HeaderSize:]
}

// DurationMs is the audio length in whole milliseconds.
func (s Segment) DurationMs() int64 {
	return s.Duration.Milliseconds()
}
