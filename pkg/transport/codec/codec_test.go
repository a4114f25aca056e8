package codec_test

import (
	"errors"
	"math"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/transport/codec"
)

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		encoding string
		wantErr  error
	}{
		{"pcm16", nil},
		{"PCM16", nil},
		{"s16le", nil},
		{"mp3", codec.ErrUnsupportedEncoding},
		{"", codec.ErrUnsupportedEncoding},
	}
	for _, tc := range tests {
		_, err := codec.New(tc.encoding, 24000, 1)
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("New(%q) err = %v; want %v", tc.encoding, err, tc.wantErr)
		}
	}
}

func TestPCM16_Decode(t *testing.T) {
	t.Parallel()
	payload := audio.Int16ToPCM16([]int16{0, 16384, -32768})
	got, err := codec.NewPCM16().Decode(payload)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 0.5, -1}
	if len(got) != len(want) {
		t.Fatalf("len = %d; want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16_OddLength(t *testing.T) {
	t.Parallel()
	if _, err := codec.NewPCM16().Decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for odd payload")
	}
}

func TestNewOpus_RejectsBadRate(t *testing.T) {
	t.Parallel()
	if _, err := codec.NewOpus(44100, 1); err == nil {
		t.Error("expected error for 44.1 kHz Opus decoder")
	}
}

// encodeSine encodes frames 20 ms Opus packets of a 440 Hz tone at 48 kHz.
func encodeSine(t *testing.T, channels, frames int) [][]byte {
	t.Helper()
	enc, err := gopus.NewEncoder(48000, channels, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	const frameSize = 960
	var packets [][]byte
	n := 0
	for range frames {
		pcm := make([]int16, frameSize*channels)
		for i := range frameSize {
			v := int16(12000 * math.Sin(2*math.Pi*440*float64(n)/48000))
			n++
			for c := range channels {
				pcm[i*channels+c] = v
			}
		}
		pkt, err := enc.Encode(pcm, frameSize, 4000)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		packets = append(packets, pkt)
	}
	return packets
}

func energy(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func TestOpus_Decode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		channels int
	}{
		{"mono", 1},
		{"stereo interleaved", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dec, err := codec.New(codec.EncodingOpus, 48000, tc.channels)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			var last []float32
			for i, pkt := range encodeSine(t, tc.channels, 5) {
				last, err = dec.Decode(pkt)
				if err != nil {
					t.Fatalf("Decode packet %d: %v", i, err)
				}
				if want := 960 * tc.channels; len(last) != want {
					t.Fatalf("packet %d: %d samples; want %d", i, len(last), want)
				}
			}
			// The encoder needs a few packets to settle, so only the last one
			// is checked for signal.
			if rms := energy(last); rms < 0.05 {
				t.Errorf("decoded RMS = %.4f; want a clearly audible tone", rms)
			}
		})
	}
}

func TestOpus_DecodeGarbage(t *testing.T) {
	t.Parallel()
	dec, err := codec.NewOpus(48000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Decode([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected error for a corrupt packet")
	}
}
