// Package resample converts a continuous mono sample stream from a device's
// native rate to the fixed uplink rate.
//
// A [Resampler] keeps just enough state between calls (a fractional read
// cursor and the unconsumed input tail) for its output to be independent of
// how the input stream is split into batches. The cursor is tracked as an
// exact rational (numerator over the reduced output rate) so that this holds
// bit-for-bit, not just within floating-point tolerance.
package resample

import (
	"errors"
	"fmt"
)

// ErrInvalidRate is returned by [New] when either rate is not positive.
var ErrInvalidRate = errors.New("resample: sample rates must be positive")

// Resampler performs streaming linear-interpolation resampling of mono
// float32 audio. It is not safe for concurrent use; each capture session owns
// exactly one.
type Resampler struct {
	inRate  int
	outRate int

	// step and den express ratio = inRate/outRate as step/den in lowest terms.
	step int64
	den  int64

	// pos is the read cursor relative to buf[0], in units of 1/den input
	// samples.
	pos int64

	// buf holds input samples not yet fully consumed.
	buf []float32
}

// New creates a Resampler converting inRate to outRate. The only failure is a
// non-positive rate.
func New(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("%w: in=%d out=%d", ErrInvalidRate, inRate, outRate)
	}
	g := gcd(inRate, outRate)
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		step:    int64(inRate / g),
		den:     int64(outRate / g),
	}, nil
}

// InRate returns the native input rate in Hz.
func (r *Resampler) InRate() int { return r.inRate }

// OutRate returns the target output rate in Hz.
func (r *Resampler) OutRate() int { return r.outRate }

// Ratio returns inRate/outRate: the number of input samples consumed per
// output sample.
func (r *Resampler) Ratio() float64 { return float64(r.step) / float64(r.den) }

// Retained returns the number of input samples held over for the next call.
func (r *Resampler) Retained() int { return len(r.buf) }

// Process consumes in and returns every output sample that can be produced
// from the input seen so far. Each output sample interpolates linearly between
// the two input samples bracketing the cursor, so an output sample is only
// produced once its right-hand neighbour has arrived.
func (r *Resampler) Process(in []float32) []float32 {
	if r.step == r.den {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	r.buf = append(r.buf, in...)
	n := int64(len(r.buf))

	// Upper bound on outputs: positions pos, pos+step, ... with index+1 < n.
	var out []float32
	if limit := (n-1)*r.den - r.pos; limit > 0 {
		out = make([]float32, 0, limit/r.step+1)
	}

	for {
		idx := r.pos / r.den
		if idx+1 >= n {
			break
		}
		frac := float32(r.pos%r.den) / float32(r.den)
		s0 := r.buf[idx]
		s1 := r.buf[idx+1]
		out = append(out, s0+(s1-s0)*frac)
		r.pos += r.step
	}

	drop := r.pos / r.den
	if drop > n {
		drop = n
	}
	r.pos -= drop * r.den
	r.buf = append(r.buf[:0], r.buf[drop:]...)
	return out
}

// Reset discards the retained tail and rewinds the cursor.
func (r *Resampler) Reset() {
	r.buf = r.buf[:0]
	r.pos = 0
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
