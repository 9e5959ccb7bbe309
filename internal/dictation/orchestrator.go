// Package dictation drives the capture, transcribe and emit cycle.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/segmenter"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

const (
	statusReady      = "Recognizer ready, listening"
	statusStopped    = "Dictation stopped"
	statusBusy       = "Still processing previous audio, skipping"
	statusTimedOut   = "Recognition timed out, continuing"
	statusNoSpeech   = "No speech detected, ready for next capture"
	statusRecovered  = "Recognizer reinitialized"
	defaultTraceName = "github.com/loqalabs/loqa-dictate/dictation"
)

// Capturer produces one capture session's result per call.
type Capturer interface {
	Capture(ctx context.Context) (segmenter.Result, error)
}

// Cleaner post-processes recognizer text. An empty return means nothing
// worth emitting was heard.
type Cleaner interface {
	Clean(text string) string
}

type Options struct {
	Deadline   DeadlinePolicy
	CycleDelay time.Duration
	Cleaner    Cleaner
	Sink       events.Sink
	Logger     *slog.Logger
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	Inflight   bool      `json:"inflight"`
	SessionID  string    `json:"session_id,omitempty"`
	Segments   uint64    `json:"segments"`
	Texts      uint64    `json:"texts"`
	Empty      uint64    `json:"empty"`
	Skipped    uint64    `json:"skipped"`
	Timeouts   uint64    `json:"timeouts"`
	Errors     uint64    `json:"errors"`
	Recoveries uint64    `json:"recoveries"`
	LastText   string    `json:"last_text,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Orchestrator owns the recognizer and runs the dictation loop. At most one
// recognizer call holds the slot at any time. A call abandoned on timeout
// gives the slot up immediately and its eventual result is discarded.
type Orchestrator struct {
	capturer Capturer
	factory  stt.Factory
	opts     Options
	log      *slog.Logger
	sink     events.Sink
	tracer   trace.Tracer
	metrics  *metrics

	engineMu sync.Mutex
	engine   stt.Recognizer

	statsMu sync.Mutex
	stats   Snapshot

	state   atomic.Int32
	running atomic.Bool
	slot    atomic.Uint64
	callGen atomic.Uint64
	calls   sync.WaitGroup
	textSeq atomic.Uint64
}

func New(capturer Capturer, factory stt.Factory, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Discard
	}
	return &Orchestrator{
		capturer: capturer,
		factory:  factory,
		opts:     opts,
		log:      log,
		sink:     sink,
		tracer:   otel.Tracer(defaultTraceName),
		metrics:  newMetrics(log),
	}
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.statsMu.Lock()
	s := o.stats
	o.statsMu.Unlock()
	s.State = o.State().String()
	s.Running = o.running.Load()
	s.Inflight = o.slot.Load() != 0
	return s
}

// Run loops until ctx is cancelled, the capture device fails, or the
// recognizer cannot be recovered. Cancellation returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.running.Store(false)

	sessionID := uuid.NewString()
	ctx = events.WithSession(ctx, sessionID)
	o.update(func(s *Snapshot) {
		s.SessionID = sessionID
		s.LastError = ""
	})
	defer o.setState(ctx, StateIdle)

	o.log.Info("dictation loop starting", slog.String("session_id", sessionID))
	if err := o.ensureEngine(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		o.fail(ctx, "Recognizer initialization failed: "+err.Error(), err)
		return fmt.Errorf("initialize recognizer: %w", err)
	}
	o.status(ctx, statusReady)

	for {
		if ctx.Err() != nil {
			o.status(ctx, statusStopped)
			o.log.Info("dictation loop stopped", slog.String("session_id", sessionID))
			return nil
		}

		o.setState(ctx, StateCapturing)
		res, err := o.capturer.Capture(ctx)
		if err != nil && ctx.Err() == nil {
			if errors.Is(err, capture.ErrDevice) {
				o.fail(ctx, "Audio device failed, dictation halted: "+err.Error(), err)
				return fmt.Errorf("capture: %w", err)
			}
			o.fail(ctx, "Audio capture error: "+err.Error(), err)
		}
		o.setState(ctx, StateIdle)

		if res.Segment != nil && ctx.Err() == nil {
			if err := o.process(ctx, *res.Segment); err != nil {
				return err
			}
			o.setState(ctx, StateIdle)
		}
		o.pause(ctx)
	}
}

func (o *Orchestrator) process(ctx context.Context, seg audio.Segment) error {
	o.update(func(s *Snapshot) { s.Segments++ })

	gen := o.callGen.Add(1)
	if !o.slot.CompareAndSwap(0, gen) {
		o.update(func(s *Snapshot) { s.Skipped++ })
		o.metrics.result(ctx, "skipped")
		o.status(ctx, statusBusy)
		o.log.Warn("recognizer busy, dropping segment",
			slog.Uint64("sequence", seg.Sequence),
			slog.Int64("duration_ms", seg.DurationMs()))
		return nil
	}

	o.setState(ctx, StateTranscribing)
	text, err := o.transcribe(ctx, seg, gen)
	switch {
	case err == nil:
		o.emitText(ctx, text)
	case errors.Is(err, ErrTimeout):
		o.update(func(s *Snapshot) { s.Timeouts++ })
		o.metrics.result(ctx, "timeout")
		o.status(ctx, statusTimedOut)
		o.log.Warn("recognition timed out", slogError(err), slog.Uint64("sequence", seg.Sequence))
	case ctx.Err() != nil:
		o.metrics.result(ctx, "cancelled")
	case stt.IsRecoverable(err):
		o.metrics.result(ctx, "error")
		return o.recover(ctx, err)
	default:
		o.metrics.result(ctx, "error")
		o.fail(ctx, "Recognition error: "+err.Error(), err)
	}
	return nil
}

type callResult struct {
	res stt.TranscriptResult
	err error
}

// transcribe runs one recognizer call raced against its deadline. The
// caller must hold the slot for gen. The slot is released when the call
// returns or when the deadline or ctx abandons it, whichever comes first.
func (o *Orchestrator) transcribe(ctx context.Context, seg audio.Segment, gen uint64) (string, error) {
	deadline := o.opts.Deadline.Deadline(seg.Duration)
	ctx, span := o.tracer.Start(ctx, "dictation.transcribe", trace.WithAttributes(
		attribute.Int64("segment.sequence", int64(seg.Sequence)),
		attribute.Int64("segment.duration_ms", seg.DurationMs()),
		attribute.Int64("deadline_ms", deadline.Milliseconds()),
	))
	defer span.End()

	engine := o.currentEngine()
	if engine == nil {
		o.release(gen)
		span.SetStatus(codes.Error, "recognizer missing")
		return "", stt.ErrNotInitialized
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan callResult, 1)
	settled := make(chan struct{})
	started := time.Now()

	o.calls.Add(1)
	go func() {
		defer close(settled)
		defer o.calls.Done()
		defer o.release(gen)
		defer func() {
			if r := recover(); r != nil {
				results <- callResult{err: fmt.Errorf("recognizer panic: %v", r)}
			}
		}()
		res, err := engine.Transcribe(callCtx, seg)
		results <- callResult{res: res, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		o.release(gen)
		span.SetAttributes(attribute.String("result", "cancelled"))
		span.SetStatus(codes.Error, "cancelled")
		return "", ctx.Err()
	case <-timer.C:
		o.release(gen)
		err := fmt.Errorf("%w after %s", ErrTimeout, deadline)
		span.SetAttributes(attribute.String("result", "timeout"))
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return "", err
	case r := <-results:
		<-settled
		o.metrics.latency(ctx, time.Since(started))
		if r.err != nil {
			span.SetAttributes(attribute.String("result", "error"))
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
			return "", r.err
		}
		span.SetAttributes(attribute.String("result", "ok"))
		return r.res.Text, nil
	}
}

// release frees the slot if gen still owns it. A late return from an
// abandoned call cannot free a slot taken by a newer call.
func (o *Orchestrator) release(gen uint64) {
	o.slot.CompareAndSwap(gen, 0)
}

func (o *Orchestrator) emitText(ctx context.Context, raw string) {
	text := raw
	if o.opts.Cleaner != nil {
		text = o.opts.Cleaner.Clean(raw)
	}
	if text == "" {
		o.update(func(s *Snapshot) { s.Empty++ })
		o.metrics.result(ctx, "empty")
		o.status(ctx, statusNoSpeech)
		return
	}
	seq := o.textSeq.Add(1)
	o.update(func(s *Snapshot) {
		s.Texts++
		s.LastText = text
	})
	o.metrics.result(ctx, "text")
	o.log.Info("transcription", slog.Uint64("sequence", seq), slog.Int("chars", len(text)))
	events.Emit(ctx, o.sink, events.Text(text, seq))
}

func (o *Orchestrator) recover(ctx context.Context, cause error) error {
	o.setState(ctx, StateRecovering)
	o.status(ctx, "Recognizer error ("+cause.Error()+"), reinitializing...")
	o.log.Warn("recreating recognizer", slogError(cause))

	o.engineMu.Lock()
	old := o.engine
	o.engine = nil
	o.engineMu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			o.log.Warn("closing failed recognizer", slogError(err))
		}
	}

	if err := o.ensureEngine(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		o.metrics.recovered(ctx, false)
		o.fail(ctx, "Recognizer recovery failed, dictation paused: "+err.Error(), err)
		return fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
	}
	o.metrics.recovered(ctx, true)
	o.update(func(s *Snapshot) { s.Recoveries++ })
	o.status(ctx, statusRecovered)
	return nil
}

func (o *Orchestrator) ensureEngine(ctx context.Context) error {
	o.engineMu.Lock()
	defer o.engineMu.Unlock()
	if o.engine != nil {
		return nil
	}
	engine, err := o.factory()
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	if err := engine.Initialize(ctx); err != nil {
		if cerr := engine.Close(); cerr != nil {
			o.log.Warn("closing uninitialized recognizer", slogError(cerr))
		}
		return err
	}
	o.engine = engine
	return nil
}

func (o *Orchestrator) currentEngine() stt.Recognizer {
	o.engineMu.Lock()
	defer o.engineMu.Unlock()
	return o.engine
}

// Close waits for any outstanding recognizer call, then releases the
// recognizer. Run must have returned.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for recognizer call: %w", ctx.Err())
	}

	o.engineMu.Lock()
	defer o.engineMu.Unlock()
	if o.engine == nil {
		return nil
	}
	err := o.engine.Close()
	o.engine = nil
	return err
}

func (o *Orchestrator) pause(ctx context.Context) {
	if o.opts.CycleDelay <= 0 {
		return
	}
	t := time.NewTimer(o.opts.CycleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (o *Orchestrator) setState(ctx context.Context, s State) {
	if State(o.state.Swap(int32(s))) == s {
		return
	}
	o.update(func(*Snapshot) {})
	events.Emit(ctx, o.sink, events.StateChanged(s.String()))
}

func (o *Orchestrator) status(ctx context.Context, msg string) {
	events.Emit(ctx, o.sink, events.Status(msg))
}

func (o *Orchestrator) fail(ctx context.Context, msg string, err error) {
	o.update(func(s *Snapshot) {
		s.Errors++
		s.LastError = err.Error()
	})
	o.log.Error("dictation failure", slog.String("status", msg), slogError(err))
	o.status(ctx, msg)
}

func (o *Orchestrator) update(fn func(*Snapshot)) {
	o.statsMu.Lock()
	fn(&o.stats)
	o.stats.UpdatedAt = time.Now().UTC()
	o.statsMu.Unlock()
}
