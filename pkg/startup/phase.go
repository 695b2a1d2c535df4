package startup

// Phase of the startup sequence. Phases only ever advance.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAuth
	PhaseMedia
	PhaseConnecting
	PhaseSignaling
	PhaseChat
	PhaseComplete
	// The sequence was halted by a fatal error.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAuth:
		return "auth"
	case PhaseMedia:
		return "media"
	case PhaseConnecting:
		return "connecting"
	case PhaseSignaling:
		return "signaling"
	case PhaseChat:
		return "chat"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal returns true once the sequence is over, successfully or not.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Skippable returns true for the phases the user may skip.
func (p Phase) Skippable() bool {
	switch p {
	case PhaseAuth, PhaseMedia, PhaseConnecting, PhaseChat:
		return true
	default:
		return false
	}
}

// State is a snapshot of the sequence.
type State struct {
	Phase Phase
	// Set once the sequence completed, the call is usable from then on.
	Ready bool
	// The error the current phase waits on a `Skip` or `Retry` for.
	Awaiting error
	// The fatal error that halted the sequence.
	Err error
}
