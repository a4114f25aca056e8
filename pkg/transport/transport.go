// Package transport defines the duplex channel between the client and the
// remote speech service.
//
// Uplink audio is fire-and-forget: [Channel.SendFrame] never blocks and drops
// the frame when the outbound buffer is over its ceiling. Control messages go
// through a separate priority queue that audio backpressure never touches.
// Everything the server sends arrives on [Channel.Events] in order.
package transport

import (
	"context"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/protocol"
)

// Event is one inbound item from the channel. Exactly one of Control, Binary
// or Err is set.
//
// An Err wrapping a [*protocol.DecodeError] describes a malformed control
// message that was skipped; the channel is still usable. Any other Err is the
// terminal read error and is the last event before Events is closed.
type Event struct {
	Control protocol.Message
	Binary  []byte
	Err     error
}

// Stats is a point-in-time snapshot of a channel's uplink counters.
type Stats struct {
	// FramesSent counts audio frames written to the network.
	FramesSent uint64

	// FramesDropped counts audio frames rejected by the backpressure ceiling.
	FramesDropped uint64

	// ControlSent counts control messages written, handshake included.
	ControlSent uint64

	// BufferedBytes is the current outbound audio occupancy.
	BufferedBytes int

	// BytesReceived counts binary downlink payload bytes.
	BytesReceived uint64
}

// Channel is an open duplex connection to the speech service.
//
// SendFrame, SendControl, Stats and Close are safe for concurrent use.
type Channel interface {
	// Handshake writes the capability message synchronously. It must be the
	// first call after the channel is opened.
	Handshake(ctx context.Context, hs protocol.Handshake) error

	// SendFrame queues a frame's PCM bytes without blocking. It reports false
	// when the frame was dropped.
	SendFrame(frame audio.Frame) bool

	// SendControl queues a control message ahead of any pending audio.
	SendControl(msg protocol.Message) error

	// Events returns the inbound event stream. It is closed when the read side
	// stops, after a terminal Err event if the stop was not requested.
	Events() <-chan Event

	// Stats returns the current counters.
	Stats() Stats

	// Close shuts the channel down. It is idempotent.
	Close() error
}

// Dialer opens a new Channel.
type Dialer func(ctx context.Context) (Channel, error)
