package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEmitStampsSession(t *testing.T) {
	sink := NewChannelSink(4)
	ctx := WithSession(context.Background(), "sess-1")
	Emit(ctx, sink, Status("hello"))
	Emit(ctx, sink, Event{Kind: KindStatus, SessionID: "explicit"})

	first := <-sink.C()
	if first.SessionID != "sess-1" || first.Message != "hello" {
		t.Fatalf("unexpected event %+v", first)
	}
	if second := <-sink.C(); second.SessionID != "explicit" {
		t.Fatalf("explicit session overwritten: %+v", second)
	}
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Publish(Status("a"))
	sink.Publish(Status("b"))
	if sink.Dropped() != 1 {
		t.Fatalf("expected one drop, got %d", sink.Dropped())
	}
}

func TestFanoutPreservesOrder(t *testing.T) {
	var got []string
	record := SinkFunc(func(e Event) { got = append(got, e.Text) })
	Fanout{record, nil, Discard}.Publish(Text("one", 1))
	Fanout{record}.Publish(Text("two", 2))
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("unexpected order %v", got)
	}
}

type publishRecord struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []publishRecord
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, publishRecord{subject, data})
	return f.err
}

func TestBusSinkSubjects(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewBusSink(pub, newLogger())
	sink.Publish(Event{Kind: KindText, SessionID: "s", Text: "hello", Sequence: 3})
	sink.Publish(Status("ready"))
	sink.Publish(Recording(true))
	sink.Publish(StateChanged("capturing"))

	want := []string{protocol.SubjectText, protocol.SubjectStatus, protocol.SubjectRecording, protocol.SubjectState}
	if len(pub.msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(pub.msgs))
	}
	for i, subject := range want {
		if pub.msgs[i].subject != subject {
			t.Fatalf("message %d: want subject %s got %s", i, subject, pub.msgs[i].subject)
		}
	}
	var transcript protocol.Transcript
	if err := json.Unmarshal(pub.msgs[0].data, &transcript); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if transcript.Text != "hello" || transcript.SessionID != "s" || transcript.Sequence != 3 {
		t.Fatalf("unexpected transcript %+v", transcript)
	}
}

func TestBusSinkSurvivesPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("disconnected")}
	NewBusSink(pub, newLogger()).Publish(Status("x"))
	if len(pub.msgs) != 1 {
		t.Fatalf("expected publish attempt")
	}
}

type fakeRecorder struct {
	mu       sync.Mutex
	sessions []string
	events   []eventstore.Event
}

func (f *fakeRecorder) AppendSession(_ context.Context, sessionID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	return nil
}

func (f *fakeRecorder) AppendEvent(_ context.Context, evt eventstore.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func TestStoreSinkRecordsSessionOnce(t *testing.T) {
	rec := &fakeRecorder{}
	sink := NewStoreSink(rec, "node-1", newLogger())
	sink.Publish(Event{Kind: KindStatus, SessionID: "a", Message: "one"})
	sink.Publish(Event{Kind: KindText, SessionID: "a", Text: "two"})
	sink.Publish(Event{Kind: KindText, Text: "unsessioned"})
	sink.Close()

	if len(rec.sessions) != 1 || rec.sessions[0] != "a" {
		t.Fatalf("expected single session row, got %v", rec.sessions)
	}
	if len(rec.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.events))
	}
	if rec.events[1].Type != "dictation.text" || rec.events[1].TraceID == "" {
		t.Fatalf("unexpected stored event %+v", rec.events[1])
	}
}

func TestStoreSinkDropsAfterClose(t *testing.T) {
	rec := &fakeRecorder{}
	sink := NewStoreSink(rec, "node-1", newLogger())
	sink.Close()
	sink.Publish(Event{Kind: KindStatus, SessionID: "a", Message: "late"})
	sink.Close()
	if len(rec.events) != 0 {
		t.Fatalf("expected no events after close, got %d", len(rec.events))
	}
}

func TestStoreSinkWritesTimeline(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session", RetentionDays: 7}
	store, err := eventstore.Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sink := NewStoreSink(store, "node-1", newLogger())
	emitCtx := WithSession(ctx, "run-1")
	Emit(emitCtx, sink, StateChanged("capturing"))
	Emit(emitCtx, sink, Text("hello world", 1))
	Emit(emitCtx, sink, Status("No speech detected, ready for next capture"))
	sink.Close()

	sessions, err := store.ListSessions(ctx, 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "run-1" || sessions[0].NodeID != "node-1" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if sessions[0].Events != 3 || sessions[0].Texts != 1 {
		t.Fatalf("unexpected counts %+v", sessions[0])
	}

	timeline, err := store.ListSessionEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(timeline) != 3 || timeline[1].Type != "dictation.text" {
		t.Fatalf("unexpected timeline %+v", timeline)
	}
	var got Event
	if err := json.Unmarshal(timeline[1].Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Text != "hello world" || got.SessionID != "run-1" {
		t.Fatalf("unexpected stored event %+v", got)
	}
}

func TestStoreSinkEphemeralStoreRecordsNothing(t *testing.T) {
	ctx := context.Background()
	store, err := eventstore.Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	sink := NewStoreSink(store, "node-1", newLogger())
	Emit(WithSession(ctx, "run-1"), sink, Text("hello", 1))
	sink.Close()

	if store.Enabled() {
		t.Fatal("ephemeral store should not be enabled")
	}
	sessions, err := store.ListSessions(ctx, 5)
	if err != nil || len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %v %v", sessions, err)
	}
}
