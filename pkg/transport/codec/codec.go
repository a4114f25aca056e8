// Package codec turns downlink binary payloads into float32 PCM for the
// playback scheduler.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"layeh.com/gopus"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Supported encodings.
const (
	EncodingPCM16 = "pcm16"
	EncodingOpus  = "opus"
)

// ErrUnsupportedEncoding is returned by [New] for an unknown encoding name.
var ErrUnsupportedEncoding = errors.New("codec: unsupported encoding")

// Decoder converts one transport message worth of encoded audio into
// interleaved float32 samples.
type Decoder interface {
	Decode(payload []byte) ([]float32, error)
}

// New returns a Decoder for encoding. Names are case-insensitive.
func New(encoding string, sampleRate, channels int) (Decoder, error) {
	switch strings.ToLower(encoding) {
	case EncodingPCM16, "pcm", "s16le":
		return NewPCM16(), nil
	case EncodingOpus:
		return NewOpus(sampleRate, channels)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

// PCM16 decodes little-endian signed 16-bit samples.
type PCM16 struct{}

// NewPCM16 returns a PCM16 decoder.
func NewPCM16() *PCM16 { return &PCM16{} }

// Decode converts payload to float32. A trailing odd byte is an error.
func (PCM16) Decode(payload []byte) ([]float32, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("codec: pcm16: odd payload length %d", len(payload))
	}
	return audio.Int16ToFloat32(audio.PCM16ToInt16(payload)), nil
}

// maxOpusFrameMs is the longest duration a single Opus packet can carry.
const maxOpusFrameMs = 120

// Opus decodes one Opus packet per transport message. It keeps decoder state
// across packets, so one Opus value must serve exactly one stream.
type Opus struct {
	dec       *gopus.Decoder
	frameSize int
}

// NewOpus creates an Opus decoder. Opus only supports 8, 12, 16, 24 and
// 48 kHz with one or two channels.
func NewOpus(sampleRate, channels int) (*Opus, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Opus{dec: dec, frameSize: sampleRate * maxOpusFrameMs / 1000}, nil
}

// Decode decodes a single Opus packet.
func (o *Opus) Decode(payload []byte) ([]float32, error) {
	pcm, err := o.dec.Decode(payload, o.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return audio.Int16ToFloat32(pcm), nil
}

var (
	_ Decoder = (*PCM16)(nil)
	_ Decoder = (*Opus)(nil)
)
