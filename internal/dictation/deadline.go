package dictation

import (
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// DeadlinePolicy decides how long a transcription may take. Utterances up
// to ShortUtterance get ShortTimeout; longer ones get half their length,
// but never less than MinScaledTimeout.
type DeadlinePolicy struct {
	ShortTimeout     time.Duration
	ShortUtterance   time.Duration
	MinScaledTimeout time.Duration
}

func DeadlinePolicyFrom(cfg config.OrchestratorConfig) DeadlinePolicy {
	return DeadlinePolicy{
		ShortTimeout:     time.Duration(cfg.ShortTimeoutMS) * time.Millisecond,
		ShortUtterance:   time.Duration(cfg.ShortUtteranceMS) * time.Millisecond,
		MinScaledTimeout: time.Duration(cfg.MinScaledTimeoutMS) * time.Millisecond,
	}
}

func (p DeadlinePolicy) Deadline(audio time.Duration) time.Duration {
	if audio <= p.ShortUtterance {
		return p.ShortTimeout
	}
	scaled := audio / 2
	if scaled < p.MinScaledTimeout {
		return p.MinScaledTimeout
	}
	return scaled
}
