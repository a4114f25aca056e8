package resample_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/voxlink/pkg/audio/resample"
)

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) / float32(n)
	}
	return out
}

func noise(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func TestNew_InvalidRates(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ in, out int }{{0, 16000}, {48000, 0}, {-1, 16000}} {
		if _, err := resample.New(tc.in, tc.out); !errors.Is(err, resample.ErrInvalidRate) {
			t.Errorf("New(%d, %d) err = %v; want ErrInvalidRate", tc.in, tc.out, err)
		}
	}
}

func TestProcess_SameRatePassthrough(t *testing.T) {
	t.Parallel()
	r, err := resample.New(16000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	in := []float32{0.1, 0.2, 0.3}
	out := r.Process(in)
	if len(out) != len(in) {
		t.Fatalf("len = %d; want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v; want %v", i, out[i], in[i])
		}
	}
}

func TestProcess_Downsample3x(t *testing.T) {
	t.Parallel()
	r, err := resample.New(48000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	in := ramp(30)
	out := r.Process(in)
	// Positions 0,3,...,27 all have a right neighbour in a 30-sample batch.
	if len(out) != 10 {
		t.Fatalf("len = %d; want 10", len(out))
	}
	for k, got := range out {
		if want := in[3*k]; got != want {
			t.Errorf("out[%d] = %v; want %v", k, got, want)
		}
	}
}

func TestProcess_UpsampleInterpolates(t *testing.T) {
	t.Parallel()
	r, err := resample.New(16000, 48000)
	if err != nil {
		t.Fatal(err)
	}
	out := r.Process([]float32{0, 0.3, 0.6})
	// Positions 0, 1/3, 2/3, 1, 4/3, 5/3 have right neighbours; 2 does not.
	want := []float32{0, 0.1, 0.2, 0.3, 0.4, 0.5}
	if len(out) != len(want) {
		t.Fatalf("len = %d; want %d", len(out), len(want))
	}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Errorf("out[%d] = %v; want %v", i, out[i], want[i])
		}
	}
	if r.Retained() != 1 {
		t.Errorf("Retained = %d; want 1", r.Retained())
	}
}

func TestProcess_FractionalRatio(t *testing.T) {
	t.Parallel()
	r, err := resample.New(44100, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := r.Ratio(), 44100.0/16000.0; math.Abs(got-want) > 1e-12 {
		t.Fatalf("Ratio = %v; want %v", got, want)
	}
	total := 0
	for range 100 {
		total += len(r.Process(make([]float32, 441)))
	}
	// 44100 input samples → 16000 output samples, minus at most one held back
	// for lack of a right neighbour.
	if total < 15999 || total > 16000 {
		t.Errorf("total outputs = %d; want ≈16000", total)
	}
}

// TestProcess_Associativity feeds the same stream with random batch
// boundaries and requires bit-identical concatenated output.
func TestProcess_Associativity(t *testing.T) {
	t.Parallel()
	rates := []struct{ in, out int }{
		{48000, 16000},
		{44100, 16000},
		{16000, 24000},
		{22050, 48000},
		{8000, 16000},
		{16000, 16000},
	}
	rng := rand.New(rand.NewPCG(1, 2))
	for _, rc := range rates {
		input := noise(rng, 5000)

		whole, err := resample.New(rc.in, rc.out)
		if err != nil {
			t.Fatal(err)
		}
		want := whole.Process(input)

		for trial := range 20 {
			r, _ := resample.New(rc.in, rc.out)
			var got []float32
			for i := 0; i < len(input); {
				n := rng.IntN(400)
				if i+n > len(input) {
					n = len(input) - i
				}
				got = append(got, r.Process(input[i:i+n])...)
				i += n
			}
			if len(got) != len(want) {
				t.Fatalf("%d→%d trial %d: len = %d; want %d", rc.in, rc.out, trial, len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("%d→%d trial %d: sample %d = %v; want %v", rc.in, rc.out, trial, i, got[i], want[i])
				}
			}
		}
	}
}

func TestProcess_EmptyBatches(t *testing.T) {
	t.Parallel()
	r, _ := resample.New(48000, 16000)
	if out := r.Process(nil); len(out) != 0 {
		t.Errorf("Process(nil) = %v; want empty", out)
	}
	r.Process([]float32{1})
	if out := r.Process(nil); len(out) != 0 {
		t.Errorf("Process(nil) after one sample = %v; want empty", out)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	r, _ := resample.New(16000, 48000)
	r.Process([]float32{0.5, 0.5, 0.5})
	r.Reset()
	if r.Retained() != 0 {
		t.Errorf("Retained after Reset = %d; want 0", r.Retained())
	}
	out := r.Process([]float32{0, 0.3})
	if len(out) != 3 || out[0] != 0 {
		t.Errorf("Process after Reset = %v; want 3 samples starting at 0", out)
	}
}
