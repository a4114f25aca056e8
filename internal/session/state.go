package session

// State is the lifecycle state of a [Session].
type State int32

const (
	// Idle: no device held, no transport open.
	Idle State = iota

	// Connecting: capture device acquired, transport being opened.
	Connecting

	// Capturing: frames are uploaded. The upload gate is open only here.
	Capturing

	// RemoteSpeaking: the remote is playing an utterance; frames are withheld
	// and the barge-in accumulator runs.
	RemoteSpeaking

	// BargeInPending: a cancellation was sent; frames stay withheld until the
	// remote confirms with an utterance end.
	BargeInPending
)

// String returns the snake_case name used in logs and metric attributes.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Capturing:
		return "capturing"
	case RemoteSpeaking:
		return "remote_speaking"
	case BargeInPending:
		return "barge_in_pending"
	default:
		return "unknown"
	}
}

// transitions lists the allowed edges other than "any → Idle".
var transitions = map[State][]State{
	Idle:           {Connecting},
	Connecting:     {Capturing},
	Capturing:      {RemoteSpeaking},
	RemoteSpeaking: {Capturing, BargeInPending},
	BargeInPending: {Capturing},
}

// canTransition reports whether from → to is a legal edge. A state is never
// re-entered.
func canTransition(from, to State) bool {
	if from == to {
		return false
	}
	if to == Idle {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
