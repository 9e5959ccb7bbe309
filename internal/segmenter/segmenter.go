// Package segmenter splits live microphone audio into utterances using an
// amplitude gate.
package segmenter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Segmenter owns the capture device and turns its chunk stream into
// utterance-sized segments. At most one Session is open at a time.
type Segmenter struct {
	cfg       Config
	device    capture.Device
	sink      events.Sink
	log       *slog.Logger
	newTicker func(time.Duration) Ticker

	gate   chan struct{}
	mu     sync.Mutex
	active *Session
	seq    atomic.Uint64

	outcomes metric.Int64Counter
	dropped  metric.Int64Counter

	afterTick func() // test hook, called when a tick did not end the session
}

type Option func(*Segmenter)

// WithSink routes status and recording events.
func WithSink(sink events.Sink) Option {
	return func(s *Segmenter) { s.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Segmenter) { s.log = log }
}

// WithTicker replaces the boundary-decision clock.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(s *Segmenter) { s.newTicker = fn }
}

func New(cfg Config, device capture.Device, opts ...Option) *Segmenter {
	s := &Segmenter{
		cfg:       cfg,
		device:    device,
		sink:      events.Discard,
		log:       slog.Default(),
		newTicker: newRealTicker,
		gate:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "segmenter"))
	if s.cfg.QueueChunks <= 0 {
		s.cfg.QueueChunks = 64
	}
	s.initMetrics()
	return s
}

func (s *Segmenter) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/segmenter")
	var err error
	if s.outcomes, err = meter.Int64Counter("loqa.dictation.segments", metric.WithDescription("Finished capture sessions by outcome")); err != nil {
		s.log.Warn("failed to create segment counter", slogError(err))
	}
	if s.dropped, err = meter.Int64Counter("loqa.capture.chunks.dropped", metric.WithDescription("Chunks dropped because the segmenter queue was full")); err != nil {
		s.log.Warn("failed to create drop counter", slogError(err))
	}
}

// Session is one open recording.
type Session struct {
	ID        uint64
	StartedAt time.Time

	chunks  chan audio.Chunk
	stopReq chan bool
	done    chan struct{}
	dropped atomic.Int64

	result Result
	err    error
}

// deliver is the device callback. It never blocks: when the queue is
// full the chunk is dropped and counted.
func (sess *Session) deliver(c audio.Chunk) {
	select {
	case sess.chunks <- c:
	default:
		sess.dropped.Add(1)
	}
}

// Done is closed once the session has released the device.
func (sess *Session) Done() <-chan struct{} {
	return sess.done
}

// Stop ends the session. With emit false the recording is discarded.
// Stopping a finished session returns the result it already produced.
func (sess *Session) Stop(emit bool) (Result, error) {
	select {
	case sess.stopReq <- emit:
	default:
	}
	<-sess.done
	return sess.result, sess.err
}

// Wait blocks until the session finishes on its own or ctx ends.
func (sess *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-sess.done:
		return sess.result, sess.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Recording reports whether a session is open.
func (s *Segmenter) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return false
	}
	select {
	case <-s.active.done:
		return false
	default:
		return true
	}
}

// Start opens the device and begins a session. If one is already open it
// is returned unchanged. The session stops on its own when an utterance
// ends, when the maximum length is reached, or when ctx is cancelled.
func (s *Segmenter) Start(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		select {
		case <-s.active.done:
		default:
			return s.active, nil
		}
	}

	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sess := &Session{
		ID:        s.seq.Add(1),
		StartedAt: time.Now().UTC(),
		chunks:    make(chan audio.Chunk, s.cfg.QueueChunks),
		stopReq:   make(chan bool, 1),
		done:      make(chan struct{}),
	}

	events.Emit(ctx, s.sink, events.Status("Starting audio capture..."))
	stream, err := s.device.Open(s.cfg.Format, s.cfg.ChunkDuration, sess.deliver)
	if err != nil {
		<-s.gate
		if !errors.Is(err, capture.ErrDevice) {
			err = fmt.Errorf("%w: %w", capture.ErrDevice, err)
		}
		events.Emit(ctx, s.sink, events.Status("Audio capture error: "+err.Error()))
		return nil, err
	}

	s.active = sess
	events.Emit(ctx, s.sink, events.Recording(true))
	go s.run(ctx, sess, stream)
	return sess, nil
}

// Capture runs one full start/stop cycle and returns its result.
func (s *Segmenter) Capture(ctx context.Context) (Result, error) {
	sess, err := s.Start(ctx)
	if err != nil {
		return Result{}, err
	}
	<-sess.done
	return sess.result, sess.err
}

type captureState struct {
	buf        bytes.Buffer
	hasSpeech  bool
	silenceRun int
	elapsed    time.Duration
}

func (s *Segmenter) run(ctx context.Context, sess *Session, stream capture.Stream) {
	defer close(sess.done)
	defer func() { <-s.gate }()
	closeStream := sync.OnceValue(stream.Close)
	defer closeStream()

	ticker := s.newTicker(s.cfg.Tick)
	defer ticker.Stop()

	st := &captureState{}
	emit := true
	var reason Reason

loop:
	for {
		select {
		case <-ctx.Done():
			reason = ReasonCancelled
			break loop
		case emit = <-sess.stopReq:
			reason = ReasonManual
			break loop
		case c := <-sess.chunks:
			s.observe(st, c)
		case <-ticker.C():
			s.drain(st, sess)
			st.elapsed += s.cfg.Tick
			if st.hasSpeech && st.silenceRun >= s.cfg.SilenceChunks {
				reason = ReasonSpeechEnded
				events.Emit(ctx, s.sink, events.Status("Word detected, processing..."))
				break loop
			}
			if st.elapsed >= s.cfg.MaxRecording {
				reason = ReasonForcedCutoff
				break loop
			}
			if s.afterTick != nil {
				s.afterTick()
			}
		}
	}

	if reason != ReasonCancelled {
		s.drain(st, sess)
	}

	res := Result{Reason: reason, HasSpeech: st.hasSpeech, Elapsed: st.elapsed}
	switch reason {
	case ReasonCancelled:
		emit = false
		res.Outcome = OutcomeCancelled
	case ReasonManual:
		if !emit {
			res.Outcome = OutcomeDiscarded
		}
	default:
		if !st.hasSpeech && st.elapsed < s.cfg.MinAudio {
			events.Emit(ctx, s.sink, events.Status("No speech detected, discarding..."))
			emit = false
			res.Outcome = OutcomeNoSpeech
		}
	}

	events.Emit(ctx, s.sink, events.Status("Stopping audio capture..."))
	if err := closeStream(); err != nil {
		s.log.Warn("capture device close failed", slogError(err))
		events.Emit(ctx, s.sink, events.Status("Error stopping recording: "+err.Error()))
	}
	events.Emit(ctx, s.sink, events.Recording(false))

	var err error
	if emit {
		err = s.finish(ctx, sess, st, &res)
	}
	res.Dropped = sess.dropped.Load()
	sess.result, sess.err = res, err

	mctx := context.WithoutCancel(ctx)
	if s.outcomes != nil {
		s.outcomes.Add(mctx, 1, metric.WithAttributes(
			attribute.String("outcome", res.Outcome.String()),
			attribute.String("reason", res.Reason.String()),
		))
	}
	if res.Dropped > 0 && s.dropped != nil {
		s.dropped.Add(mctx, res.Dropped)
	}
	s.log.Debug("capture session finished",
		slog.Uint64("session", sess.ID),
		slog.String("outcome", res.Outcome.String()),
		slog.String("reason", res.Reason.String()),
		slog.Bool("has_speech", res.HasSpeech),
		slog.Duration("elapsed", res.Elapsed),
		slog.Int("bytes", res.Bytes),
		slog.Int64("dropped", res.Dropped))
}

func (s *Segmenter) observe(st *captureState, c audio.Chunk) {
	if audio.Loudness(c.Data) > s.cfg.SilenceThreshold {
		st.hasSpeech = true
		st.silenceRun = 0
	} else if st.hasSpeech {
		st.silenceRun++
	}
	st.buf.Write(c.Data)
}

// drain consumes every chunk already queued so a tick decides on all
// audio delivered before it.
func (s *Segmenter) drain(st *captureState, sess *Session) {
	for {
		select {
		case c := <-sess.chunks:
			s.observe(st, c)
		default:
			return
		}
	}
}

func (s *Segmenter) finish(ctx context.Context, sess *Session, st *captureState, res *Result) error {
	data, err := audio.EncodeWAV(s.cfg.Format, st.buf.Bytes())
	if err != nil {
		events.Emit(ctx, s.sink, events.Status("Error processing audio data: "+err.Error()))
		res.Outcome = OutcomeDiscarded
		return fmt.Errorf("encode segment: %w", err)
	}
	res.Bytes = len(data)
	if len(data) < s.cfg.MinBytes() {
		events.Emit(ctx, s.sink, events.Status("Audio too short, ignoring"))
		res.Outcome = OutcomeTooShort
		return nil
	}

	events.Emit(ctx, s.sink, events.Status(fmt.Sprintf("Audio captured: %d bytes", len(data))))
	res.Segment = &audio.Segment{
		Data:       audio.Normalize(data, audio.HeaderSize, s.cfg.MaxGain),
		Format:     s.cfg.Format,
		Duration:   s.cfg.Format.Duration(len(data) - audio.HeaderSize),
		HasSpeech:  st.hasSpeech,
		Sequence:   sess.ID,
		CapturedAt: sess.StartedAt,
	}
	res.Outcome = OutcomeSegment
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
