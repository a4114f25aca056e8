package vad

// VADEvent is the detection result for a single audio frame.
type VADEvent struct {
	// Type is the transition this frame represents.
	Type VADEventType

	// Speech reports whether this frame was classified as speech.
	Speech bool

	// RMS is the frame energy in raw int16 units.
	RMS float64

	// Floor is the noise floor after this frame's update.
	Floor float64

	// Level is the cosmetic meter value in [0, 1].
	Level float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSilence indicates no speech detected.
	VADSilence VADEventType = iota

	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd
)

// String returns a lowercase name for the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// NextEventType derives the event type for a frame from the previous frame's
// classification and the current one.
func NextEventType(wasSpeech, speech bool) VADEventType {
	switch {
	case speech && !wasSpeech:
		return VADSpeechStart
	case speech:
		return VADSpeechContinue
	case wasSpeech:
		return VADSpeechEnd
	default:
		return VADSilence
	}
}
