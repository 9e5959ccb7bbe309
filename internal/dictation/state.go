package dictation

import "errors"

// State is the orchestrator's position in the capture/transcribe cycle.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateTranscribing
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateTranscribing:
		return "transcribing"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout means the recognizer did not answer within its deadline.
	ErrTimeout = errors.New("dictation: recognition timed out")
	// ErrRecoveryFailed means the recognizer could not be rebuilt; the
	// orchestrator stops until restarted.
	ErrRecoveryFailed = errors.New("dictation: recognizer recovery failed")
	// ErrAlreadyRunning is returned by Run when a loop is active.
	ErrAlreadyRunning = errors.New("dictation: already running")
)
