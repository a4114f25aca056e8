// Package mock provides an in-memory [transport.Channel] for unit tests.
//
// Tests inject downlink traffic with [Channel.Push] and inspect uplink
// traffic through the recorded fields. The mock never touches the network.
//
//	ch := mock.NewChannel()
//	dialer := ch.Dialer()
//	// ... start the session with dialer ...
//	ch.Push(transport.Event{Control: protocol.UtteranceStart{}})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/protocol"
	"github.com/MrWong99/voxlink/pkg/transport"
)

// ErrClosed is returned by operations on a closed Channel.
var ErrClosed = errors.New("mock: channel closed")

// Channel is a mock implementation of [transport.Channel]. All methods are
// safe for concurrent use.
type Channel struct {
	mu sync.Mutex

	// HandshakeErr, if non-nil, is returned by Handshake.
	HandshakeErr error

	// SendControlErr, if non-nil, is returned by SendControl.
	SendControlErr error

	// Accept decides whether SendFrame accepts a frame. Nil accepts all.
	Accept func(audio.Frame) bool

	// Handshakes records every Handshake call.
	Handshakes []protocol.Handshake

	// Frames records every accepted frame, in order.
	Frames []audio.Frame

	// Controls records every control message, in order.
	Controls []protocol.Message

	// CallCountClose records how many times Close was called.
	CallCountClose int

	dropped   uint64
	events    chan transport.Event
	closed    bool
	frameCond chan struct{}
}

// NewChannel returns an open Channel with a buffered event stream.
func NewChannel() *Channel {
	return &Channel{
		events:    make(chan transport.Event, 256),
		frameCond: make(chan struct{}, 1),
	}
}

// Dialer returns a [transport.Dialer] that always yields c.
func (c *Channel) Dialer() transport.Dialer {
	return func(context.Context) (transport.Channel, error) { return c, nil }
}

// Handshake implements [transport.Channel].
func (c *Channel) Handshake(_ context.Context, hs protocol.Handshake) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Handshakes = append(c.Handshakes, hs)
	return c.HandshakeErr
}

// SendFrame implements [transport.Channel].
func (c *Channel) SendFrame(frame audio.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (c.Accept != nil && !c.Accept(frame)) {
		c.dropped++
		return false
	}
	c.Frames = append(c.Frames, frame)
	select {
	case c.frameCond <- struct{}{}:
	default:
	}
	return true
}

// SendControl implements [transport.Channel].
func (c *Channel) SendControl(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SendControlErr != nil {
		return c.SendControlErr
	}
	c.Controls = append(c.Controls, msg)
	return nil
}

// Events implements [transport.Channel].
func (c *Channel) Events() <-chan transport.Event { return c.events }

// Stats implements [transport.Channel].
func (c *Channel) Stats() transport.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return transport.Stats{
		FramesSent:    uint64(len(c.Frames)),
		FramesDropped: c.dropped,
		ControlSent:   uint64(len(c.Controls) + len(c.Handshakes)),
	}
}

// Close implements [transport.Channel]. It closes the event stream once.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// Push delivers ev to the consumer. It reports false once the channel is
// closed.
func (c *Channel) Push(ev transport.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	return true
}

// Fail delivers a terminal read error and closes the event stream, the way a
// dropped connection does.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- transport.Event{Err: err}
	c.closed = true
	close(c.events)
}

// FrameCount returns the number of accepted frames.
func (c *Channel) FrameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Frames)
}

// ControlMessages returns a copy of the recorded control messages.
func (c *Channel) ControlMessages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.Controls))
	copy(out, c.Controls)
	return out
}

// Closed reports whether Close or Fail has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FrameSent returns a channel that receives after each accepted frame. It is
// coalescing: several frames may produce one signal.
func (c *Channel) FrameSent() <-chan struct{} { return c.frameCond }

var _ transport.Channel = (*Channel)(nil)
