package vad

// BargeIn accumulates milliseconds of sustained speech while remote playback
// is active and fires a single edge once the hold threshold is crossed.
//
// Speech frames add their duration, non-speech frames subtract twice their
// duration (never below zero), so one false-positive frame cannot linger while
// an interruption still needs sustained speech. Whenever remote playback is
// inactive the accumulator is pinned at zero and re-armed.
//
// Not safe for concurrent use; the capture flow owns it.
type BargeIn struct {
	holdMs int
	acc    int
	fired  bool
}

// NewBargeIn returns an accumulator that fires after holdMs of net speech.
// A non-positive holdMs fires on the first speech frame.
func NewBargeIn(holdMs int) *BargeIn {
	return &BargeIn{holdMs: holdMs}
}

// Observe feeds one frame's classification. It returns true exactly once per
// remote utterance: on the frame where the accumulator first reaches holdMs.
func (b *BargeIn) Observe(speech bool, frameMs int, remoteActive bool) bool {
	if !remoteActive {
		b.acc = 0
		b.fired = false
		return false
	}
	if speech {
		b.acc += frameMs
	} else {
		b.acc -= 2 * frameMs
		if b.acc < 0 {
			b.acc = 0
		}
	}
	if b.fired || b.acc < b.holdMs || !speech {
		return false
	}
	b.fired = true
	return true
}

// Reset zeroes the accumulator and re-arms the edge.
func (b *BargeIn) Reset() {
	b.acc = 0
	b.fired = false
}

// Millis returns the current accumulated speech in milliseconds.
func (b *BargeIn) Millis() int { return b.acc }

// HoldMs returns the configured threshold.
func (b *BargeIn) HoldMs() int { return b.holdMs }

// Fired reports whether the edge has fired since the last reset.
func (b *BargeIn) Fired() bool { return b.fired }
