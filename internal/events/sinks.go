package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// ChannelSink buffers events for an in-process consumer and drops when
// the buffer is full.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Int64
}

func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

func (c *ChannelSink) Publish(e Event) {
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

func (c *ChannelSink) C() <-chan Event { return c.ch }

func (c *ChannelSink) Dropped() int64 { return c.dropped.Load() }

// LogSink writes events to a structured logger.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With(slog.String("component", "dictation-events"))}
}

func (l *LogSink) Publish(e Event) {
	attrs := []any{slog.String("session_id", e.SessionID)}
	switch e.Kind {
	case KindText:
		l.log.Info("recognized text", append(attrs, slog.String("text", e.Text), slog.Uint64("sequence", e.Sequence))...)
	case KindStatus:
		l.log.Info(e.Message, attrs...)
	case KindRecording:
		l.log.Debug("recording state", append(attrs, slog.Bool("recording", e.Recording))...)
	case KindState:
		l.log.Debug("orchestrator state", append(attrs, slog.String("state", e.State))...)
	}
}

// Publisher is the subset of *nats.Conn used by BusSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// BusSink publishes events as protocol messages on the dictation subjects.
type BusSink struct {
	pub Publisher
	log *slog.Logger
}

func NewBusSink(pub Publisher, log *slog.Logger) *BusSink {
	return &BusSink{pub: pub, log: log}
}

func (b *BusSink) Publish(e Event) {
	var (
		subject string
		msg     any
	)
	switch e.Kind {
	case KindText:
		subject = protocol.SubjectText
		msg = protocol.Transcript{SessionID: e.SessionID, Sequence: e.Sequence, Text: e.Text, Timestamp: e.Timestamp}
	case KindStatus:
		subject = protocol.SubjectStatus
		msg = protocol.Status{SessionID: e.SessionID, Message: e.Message, Timestamp: e.Timestamp}
	case KindRecording:
		subject = protocol.SubjectRecording
		msg = protocol.Recording{SessionID: e.SessionID, Active: e.Recording, Timestamp: e.Timestamp}
	case KindState:
		subject = protocol.SubjectState
		msg = protocol.StateChange{SessionID: e.SessionID, State: e.State, Timestamp: e.Timestamp}
	default:
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Warn("failed to marshal dictation event", slogError(err))
		return
	}
	if err := b.pub.Publish(subject, data); err != nil {
		b.log.Warn("failed to publish dictation event", slog.String("subject", subject), slogError(err))
	}
}

// Recorder is the subset of *eventstore.Store used by StoreSink.
type Recorder interface {
	AppendSession(ctx context.Context, sessionID, nodeID, scope string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// StoreSink appends events to the timeline store from a background
// goroutine so the pipeline never waits on disk.
type StoreSink struct {
	rec     Recorder
	nodeID  string
	log     *slog.Logger
	queue   chan Event
	dropped atomic.Int64
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	seen    map[string]bool
}

func NewStoreSink(rec Recorder, nodeID string, log *slog.Logger) *StoreSink {
	s := &StoreSink{
		rec:     rec,
		nodeID:  nodeID,
		log:     log,
		queue:   make(chan Event, 256),
		seen:    make(map[string]bool),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *StoreSink) Publish(e Event) {
	if e.SessionID == "" {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
}

// Close flushes queued events and stops the writer. Events published after
// Close are dropped.
func (s *StoreSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *StoreSink) run() {
	defer s.wg.Done()
	ctx := context.Background()
	for e := range s.queue {
		if !s.seen[e.SessionID] {
			if err := s.rec.AppendSession(ctx, e.SessionID, s.nodeID, "session"); err != nil {
				s.log.Warn("failed to record dictation session", slogError(err))
				continue
			}
			s.seen[e.SessionID] = true
		}
		payload, err := json.Marshal(e)
		if err != nil {
			s.log.Warn("failed to marshal dictation event", slogError(err))
			continue
		}
		evt := eventstore.Event{
			SessionID: e.SessionID,
			TraceID:   uuid.NewString(),
			NodeID:    s.nodeID,
			Type:      "dictation." + string(e.Kind),
			Payload:   payload,
			Scope:     "session",
			CreatedAt: e.Timestamp,
		}
		if err := s.rec.AppendEvent(ctx, evt); err != nil {
			s.log.Warn("failed to record dictation event", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
