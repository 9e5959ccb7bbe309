package protocol

import "time"

// Transcript carries recognized dictation text.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Status carries a human-readable pipeline status line.
type Status struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Recording signals that the microphone opened or closed.
type Recording struct {
	SessionID string    `json:"session_id"`
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

// StateChange reports an orchestrator state transition.
type StateChange struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Announce is published once when a node joins.
type Announce struct {
	NodeID       string    `json:"node_id"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities"`
	Timestamp    time.Time `json:"timestamp"`
}

// Heartbeat is published periodically with the node's dictation state.
type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state,omitempty"`
	Running   bool      `json:"running"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectText      = "dictation.text"
	SubjectStatus    = "dictation.status"
	SubjectRecording = "dictation.recording"
	SubjectState     = "dictation.state"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

// HeartbeatSubject returns the per-node heartbeat subject.
func HeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeatPrefix + "." + nodeID
}
