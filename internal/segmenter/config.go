package segmenter

import (
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Config holds the segmentation thresholds.
type Config struct {
	Format           audio.Format
	ChunkDuration    time.Duration
	QueueChunks      int
	SilenceThreshold float64
	SilenceChunks    int
	Tick             time.Duration
	MaxRecording     time.Duration
	MinAudio         time.Duration
	MaxGain          float64
}

// DefaultConfig mirrors config.Default.
func DefaultConfig() Config {
	d := config.Default()
	return ConfigFrom(d.Segmenter, d.Capture)
}

func ConfigFrom(seg config.SegmenterConfig, capture config.CaptureConfig) Config {
	return Config{
		Format: audio.Format{
			SampleRate:    capture.SampleRate,
			BitsPerSample: capture.BitsPerSample,
			Channels:      capture.Channels,
		},
		ChunkDuration:    time.Duration(capture.ChunkMS) * time.Millisecond,
		QueueChunks:      capture.QueueChunks,
		SilenceThreshold: seg.SilenceThreshold,
		SilenceChunks:    seg.SilenceChunks,
		Tick:             time.Duration(seg.TickMS) * time.Millisecond,
		MaxRecording:     time.Duration(seg.MaxRecordingMS) * time.Millisecond,
		MinAudio:         time.Duration(seg.MinAudioMS) * time.Millisecond,
		MaxGain:          seg.MaxGain,
	}
}

// MinBytes is the smallest segment, header included, that is forwarded.
func (c Config) MinBytes() int {
	return c.Format.BytesFor(c.MinAudio)
}
