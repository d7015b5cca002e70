package runner

import "time"

// Phase is a state of the per-iteration state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRecording
	PhaseSubmitted
	PhaseWaiting
	PhaseReadingBack
	PhaseDone
	PhaseFatal
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRecording:
		return "recording"
	case PhaseSubmitted:
		return "submitted"
	case PhaseWaiting:
		return "waiting"
	case PhaseReadingBack:
		return "reading back"
	case PhaseDone:
		return "done"
	case PhaseFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RunState is threaded through the loop rather than kept in globals so the
// reduction can be tested without a device.
type RunState struct {
	RunCount  uint64
	Iteration uint64
	Phase     Phase
	GlobalMax uint32
	Trials    uint64
	Start     time.Time
	End       time.Time
}

// Observe reduces one iteration's slots to their maximum and folds it into
// GlobalMax, which never decreases.
func (s *RunState) Observe(slots []uint32) uint32 {
	var best uint32
	for _, v := range slots {
		if v > best {
			best = v
		}
	}
	if best > s.GlobalMax {
		s.GlobalMax = best
	}
	return best
}

// Elapsed is the wall time of the run so far, or in total once it ended.
func (s *RunState) Elapsed() time.Duration {
	if s.End.IsZero() {
		return time.Since(s.Start)
	}
	return s.End.Sub(s.Start)
}
