package segmenter

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/events"
)

const chunkSamples = 800 // 50ms at 16 kHz

type fakeDevice struct {
	mu      sync.Mutex
	openErr error
	deliver func(audio.Chunk)
	opens   int
	closes  int
	open    bool
}

func (d *fakeDevice) Open(_ audio.Format, _ time.Duration, deliver func(audio.Chunk)) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opens++
	d.open = true
	d.deliver = deliver
	return fakeStream{d}, nil
}

func (d *fakeDevice) push(data []byte) {
	d.mu.Lock()
	deliver, open := d.deliver, d.open
	d.mu.Unlock()
	if open {
		deliver(audio.Chunk{Data: data})
	}
}

func (d *fakeDevice) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

type fakeStream struct{ d *fakeDevice }

func (s fakeStream) Close() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.open = false
	s.d.closes++
	return nil
}

type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

type harness struct {
	seg    *Segmenter
	dev    *fakeDevice
	ticker *manualTicker
	ticked chan struct{}
	sink   *events.ChannelSink
}

func newHarness(cfg Config) *harness {
	h := &harness{
		dev:    &fakeDevice{},
		ticker: &manualTicker{ch: make(chan time.Time)},
		ticked: make(chan struct{}, 1),
		sink:   events.NewChannelSink(512),
	}
	h.seg = New(cfg, h.dev,
		WithSink(h.sink),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTicker(func(time.Duration) Ticker { return h.ticker }),
	)
	h.seg.afterTick = func() { h.ticked <- struct{}{} }
	return h
}

// step delivers one chunk then one tick and waits until the tick has
// been evaluated. It reports false when the session had already finished
// and the tick was not consumed.
func (h *harness) step(sess *Session, chunk []byte) bool {
	h.dev.push(chunk)
	select {
	case h.ticker.ch <- time.Now():
	case <-sess.Done():
		return false
	}
	select {
	case <-h.ticked:
	case <-sess.Done():
	}
	return true
}

func (h *harness) statuses() []string {
	var out []string
	for {
		select {
		case e := <-h.sink.C():
			if e.Kind == events.KindStatus {
				out = append(out, e.Message)
			}
		default:
			return out
		}
	}
}

func chunkOf(pattern func(i int) int16) []byte {
	buf := make([]byte, chunkSamples*2)
	for i := 0; i < chunkSamples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(pattern(i)))
	}
	return buf
}

var (
	loud = chunkOf(func(i int) int16 {
		if i%2 == 0 {
			return 8000
		}
		return -8000
	})
	silent = chunkOf(func(int) int16 { return 0 })
	// 16384 once every 25 samples averages to exactly the 0.02 threshold.
	threshold = chunkOf(func(i int) int16 {
		if i%25 == 0 {
			return 16384
		}
		return 0
	})
)

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestSpeechThenSilenceEndsSegment(t *testing.T) {
	h := newHarness(DefaultConfig())
	sess, err := h.seg.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ticks := 0
	for i := 0; i < 60; i++ {
		chunk := silent
		if i < 12 {
			chunk = loud
		}
		if !h.step(sess, chunk) {
			break
		}
		ticks++
	}

	res, err := sess.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ticks != 20 {
		t.Fatalf("expected finish on tick 20, got %d", ticks)
	}
	if res.Reason != ReasonSpeechEnded || res.Outcome != OutcomeSegment || !res.HasSpeech {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Elapsed != time.Second {
		t.Fatalf("expected 1s elapsed, got %v", res.Elapsed)
	}
	seg := res.Segment
	if seg == nil {
		t.Fatal("expected segment")
	}
	if len(seg.Data) != audio.HeaderSize+20*len(loud) {
		t.Fatalf("unexpected segment size %d", len(seg.Data))
	}
	if seg.Duration != time.Second {
		t.Fatalf("expected 1s segment, got %v", seg.Duration)
	}
	if first := int16(binary.LittleEndian.Uint16(seg.PCM())); first != 32000 {
		t.Fatalf("expected normalized sample 32000, got %d", first)
	}

	statuses := h.statuses()
	for _, want := range []string{"Starting audio capture...", "Word detected, processing...", "Stopping audio capture...", "Audio captured: 32044 bytes"} {
		if !contains(statuses, want) {
			t.Fatalf("missing status %q in %v", want, statuses)
		}
	}
	if _, closes := h.dev.counts(); closes != 1 {
		t.Fatalf("expected device closed once, got %d", closes)
	}
}

func TestThresholdLoudnessCountsAsSilence(t *testing.T) {
	h := newHarness(DefaultConfig())
	sess, err := h.seg.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ticks := 0
	for i := 0; i < 80 && h.step(sess, threshold); i++ {
		ticks++
	}
	res, _ := sess.Wait(context.Background())
	if res.HasSpeech {
		t.Fatal("loudness equal to the threshold must not count as speech")
	}
	if ticks != 50 || res.Reason != ReasonForcedCutoff || res.Elapsed != 2500*time.Millisecond {
		t.Fatalf("expected forced cutoff at 2500ms, got ticks=%d %+v", ticks, res)
	}
	// Silence-only audio past the minimum length is still forwarded.
	if res.Outcome != OutcomeSegment || res.Segment == nil || res.Segment.HasSpeech {
		t.Fatalf("expected silent candidate segment, got %+v", res)
	}
}

func TestForcedCutoffBelowMinimumIsDiscarded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecording = 300 * time.Millisecond
	h := newHarness(cfg)
	sess, err := h.seg.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 20 && h.step(sess, silent); i++ {
	}
	res, _ := sess.Wait(context.Background())
	if res.Outcome != OutcomeNoSpeech || res.Segment != nil || res.Reason != ReasonForcedCutoff {
		t.Fatalf("expected no-speech discard, got %+v", res)
	}
	if !contains(h.statuses(), "No speech detected, discarding...") {
		t.Fatal("missing no speech status")
	}
	if _, closes := h.dev.counts(); closes != 1 {
		t.Fatalf("expected device closed, got %d", closes)
	}
}

func TestLoudChunkResetsSilenceRun(t *testing.T) {
	h := newHarness(DefaultConfig())
	sess, err := h.seg.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	script := [][]byte{loud, loud, silent, silent, silent, silent, silent, loud}
	for i := 0; i < 8; i++ {
		script = append(script, silent)
	}
	ticks := 0
	for _, chunk := range script {
		if !h.step(sess, chunk) {
			break
		}
		ticks++
	}
	res, _ := sess.Wait(context.Background())
	if ticks != len(script) || res.Elapsed != 800*time.Millisecond || res.Reason != ReasonSpeechEnded {
		t.Fatalf("expected finish after full script, ticks=%d %+v", ticks, res)
	}
}

func TestManualStopTooShort(t *testing.T) {
	h := newHarness(DefaultConfig())
	sess, err := h.seg.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		h.dev.push(loud)
	}
	res, err := sess.Stop(true)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Outcome != OutcomeTooShort || res.Segment != nil || res.Reason != ReasonManual {
		t.Fatalf("expected too short, got %+v", res)
	}
	if res.Bytes != audio.HeaderSize+3*len(loud) {
		t.Fatalf("expected all queued chunks recorded, got %d bytes", res.Bytes)
	}
	if !contains(h.statuses(), "Audio too short, ignoring") {
		t.Fatal("missing too short status")
	}
	again, _ := sess.Stop(true)
	if again.Outcome != OutcomeTooShort {
		t.Fatalf("repeated stop changed result: %+v", again)
	}
}

func TestManualStopWithoutEmitDiscards(t *testing.T) {
	h := newHarness(DefaultConfig())
	sess, err := h.seg.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 20; i++ {
		h.dev.push(loud)
	}
	res, _ := sess.Stop(false)
	if res.Outcome != OutcomeDiscarded || res.Segment != nil {
		t.Fatalf("expected discard, got %+v", res)
	}
	for _, s := range h.statuses() {
		if len(s) > 14 && s[:14] == "Audio captured" {
			t.Fatalf("discarded session reported capture: %q", s)
		}
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(DefaultConfig())
	first, err := h.seg.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := h.seg.Start(context.Background())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first != second {
		t.Fatal("expected the active session to be returned")
	}
	if !h.seg.Recording() {
		t.Fatal("expected recording")
	}
	if opens, _ := h.dev.counts(); opens != 1 {
		t.Fatalf("expected one open, got %d", opens)
	}
	first.Stop(false)
	if h.seg.Recording() {
		t.Fatal("expected recording stopped")
	}

	third, err := h.seg.Start(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if third == first || third.ID != first.ID+1 {
		t.Fatalf("expected a fresh session, got %d after %d", third.ID, first.ID)
	}
	third.Stop(false)
}

func TestDeviceOpenFailure(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.dev.openErr = errors.New("no input device")
	if _, err := h.seg.Start(context.Background()); !errors.Is(err, capture.ErrDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	h.dev.openErr = nil
	sess, err := h.seg.Start(context.Background())
	if err != nil {
		t.Fatalf("gate not released after failure: %v", err)
	}
	sess.Stop(false)
}

func TestCancellationClosesDevice(t *testing.T) {
	h := newHarness(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := h.seg.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.dev.push(loud)
	cancel()
	<-sess.Done()
	res, _ := sess.Stop(true)
	if res.Outcome != OutcomeCancelled || res.Reason != ReasonCancelled || res.Segment != nil {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	if _, closes := h.dev.counts(); closes != 1 {
		t.Fatalf("expected device closed, got %d", closes)
	}
}

func TestCaptureRunsFullCycle(t *testing.T) {
	h := newHarness(DefaultConfig())
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.seg.Capture(context.Background())
		done <- outcome{res, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !h.seg.Recording() {
		if time.Now().After(deadline) {
			t.Fatal("capture never started")
		}
		time.Sleep(time.Millisecond)
	}
	h.seg.mu.Lock()
	sess := h.seg.active
	h.seg.mu.Unlock()

	for i := 0; i < 60; i++ {
		chunk := silent
		if i < 4 {
			chunk = loud
		}
		if !h.step(sess, chunk) {
			break
		}
	}
	out := <-done
	if out.err != nil || out.res.Outcome != OutcomeSegment || out.res.Reason != ReasonSpeechEnded {
		t.Fatalf("unexpected capture result %+v err=%v", out.res, out.err)
	}
	if out.res.Elapsed != 600*time.Millisecond {
		t.Fatalf("expected 600ms elapsed, got %v", out.res.Elapsed)
	}
}

func TestDeliverDropsWhenQueueFull(t *testing.T) {
	sess := &Session{chunks: make(chan audio.Chunk, 2)}
	for i := 0; i < 5; i++ {
		sess.deliver(audio.Chunk{Data: silent})
	}
	if got := sess.dropped.Load(); got != 3 {
		t.Fatalf("expected 3 drops, got %d", got)
	}
}

func TestMinBytes(t *testing.T) {
	if got := DefaultConfig().MinBytes(); got != 16000 {
		t.Fatalf("expected 16000, got %d", got)
	}
}
