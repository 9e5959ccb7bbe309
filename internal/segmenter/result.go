package segmenter

import (
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// Outcome says what became of a finished capture session.
type Outcome int

const (
	// OutcomeSegment means a normalized segment was produced.
	OutcomeSegment Outcome = iota
	// OutcomeNoSpeech means nothing loud enough was heard before the
	// minimum length elapsed.
	OutcomeNoSpeech
	// OutcomeTooShort means the recording was below the minimum byte size.
	OutcomeTooShort
	// OutcomeDiscarded means the caller stopped without emitting, or the
	// recording could not be encoded.
	OutcomeDiscarded
	// OutcomeCancelled means the context ended the session.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSegment:
		return "segment"
	case OutcomeNoSpeech:
		return "no_speech"
	case OutcomeTooShort:
		return "too_short"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Reason says why recording stopped.
type Reason int

const (
	ReasonSpeechEnded Reason = iota
	ReasonForcedCutoff
	ReasonManual
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonSpeechEnded:
		return "speech_ended"
	case ReasonForcedCutoff:
		return "forced_cutoff"
	case ReasonManual:
		return "manual"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result describes a finished session. Segment is set only for
// OutcomeSegment.
type Result struct {
	Segment   *audio.Segment
	Outcome   Outcome
	Reason    Reason
	HasSpeech bool
	Elapsed   time.Duration
	Bytes     int
	Dropped   int64
}
