package malgo

import (
	"time"
)

// chunk is a buffer placed on the output timeline at the device rate.
type chunk struct {
	start   time.Time
	samples []float32
	pos     int
}

// timeline holds scheduled chunks in start order and renders them into
// device blocks. Once a chunk has begun it plays contiguously, so jitter in
// callback timing never tears a chunk apart; a chunk that has not begun waits
// for its start instant.
//
// timeline is not safe for concurrent use; Sink guards it.
type timeline struct {
	rate  int
	queue []*chunk
}

func (t *timeline) push(start time.Time, samples []float32) {
	if len(samples) == 0 {
		return
	}
	t.queue = append(t.queue, &chunk{start: start, samples: samples})
}

// render fills out (mono, device rate) for a block beginning at now. Samples
// not covered by any chunk are zero. It returns the number of samples written
// from chunks.
func (t *timeline) render(out []float32, now time.Time) int {
	clear(out)
	idx, written := 0, 0
	for len(t.queue) > 0 && idx < len(out) {
		c := t.queue[0]
		if c.pos == 0 {
			wait := int(c.start.Sub(now) * time.Duration(t.rate) / time.Second)
			if wait >= len(out) {
				break
			}
			if wait > idx {
				idx = wait
			}
		}
		n := copy(out[idx:], c.samples[c.pos:])
		c.pos += n
		idx += n
		written += n
		if c.pos < len(c.samples) {
			break
		}
		t.queue[0] = nil
		t.queue = t.queue[1:]
	}
	return written
}

// pending returns the number of queued samples not yet rendered.
func (t *timeline) pending() int {
	n := 0
	for _, c := range t.queue {
		n += len(c.samples) - c.pos
	}
	return n
}

func (t *timeline) reset() {
	t.queue = nil
}
