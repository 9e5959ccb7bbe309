// Package events carries dictation output to downstream consumers.
package events

import (
	"context"
	"time"
)

type Kind string

const (
	KindText      Kind = "text"
	KindStatus    Kind = "status"
	KindRecording Kind = "recording"
	KindState     Kind = "state"
)

// Event is one notification from the dictation pipeline. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Text      string    `json:"text,omitempty"`
	Message   string    `json:"message,omitempty"`
	Recording bool      `json:"recording,omitempty"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives events. Publish must not block the caller for long; slow
// consumers buffer or drop.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

func Text(text string, seq uint64) Event {
	return Event{Kind: KindText, Text: text, Sequence: seq, Timestamp: time.Now().UTC()}
}

func Status(message string) Event {
	return Event{Kind: KindStatus, Message: message, Timestamp: time.Now().UTC()}
}

func Recording(active bool) Event {
	return Event{Kind: KindRecording, Recording: active, Timestamp: time.Now().UTC()}
}

func StateChanged(state string) Event {
	return Event{Kind: KindState, State: state, Timestamp: time.Now().UTC()}
}

// Fanout forwards each event to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(e Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(e)
		}
	}
}

type sessionKey struct{}

// WithSession tags ctx so Emit stamps events with sessionID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFrom returns the session ID carried by ctx, if any.
func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Emit stamps e with the session carried by ctx and publishes it.
func Emit(ctx context.Context, sink Sink, e Event) {
	if sink == nil {
		return
	}
	if e.SessionID == "" {
		e.SessionID = SessionFrom(ctx)
	}
	sink.Publish(e)
}
