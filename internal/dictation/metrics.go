package dictation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	transcriptions metric.Int64Counter
	duration       metric.Float64Histogram
	recoveries     metric.Int64Counter
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/dictation")
	m := &metrics{}
	var err error
	if m.transcriptions, err = meter.Int64Counter("loqa.dictation.transcriptions",
		metric.WithDescription("Transcription attempts by result")); err != nil {
		log.Warn("failed to create transcription counter", slogError(err))
	}
	if m.duration, err = meter.Float64Histogram("loqa.dictation.transcription.duration",
		metric.WithDescription("Recognizer latency for completed calls"), metric.WithUnit("s")); err != nil {
		log.Warn("failed to create duration histogram", slogError(err))
	}
	if m.recoveries, err = meter.Int64Counter("loqa.dictation.recoveries",
		metric.WithDescription("Recognizer rebuilds after state errors")); err != nil {
		log.Warn("failed to create recovery counter", slogError(err))
	}
	return m
}

func (m *metrics) result(ctx context.Context, result string) {
	if m.transcriptions != nil {
		m.transcriptions.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *metrics) latency(ctx context.Context, d time.Duration) {
	if m.duration != nil {
		m.duration.Record(context.WithoutCancel(ctx), d.Seconds())
	}
}

func (m *metrics) recovered(ctx context.Context, ok bool) {
	if m.recoveries != nil {
		m.recoveries.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.Bool("success", ok)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
