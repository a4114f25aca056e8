// Package ws implements [transport.Channel] over a WebSocket connection.
//
// Control messages are JSON text frames, audio is raw binary frames. A single
// writer goroutine drains two queues: control messages first, audio second.
// Audio occupancy is tracked in bytes; once queued plus in-flight audio would
// exceed the configured ceiling, new frames are dropped instead of queued.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/protocol"
	"github.com/MrWong99/voxlink/pkg/transport"
)

// Compile-time assertion that Conn satisfies transport.Channel.
var _ transport.Channel = (*Conn)(nil)

// Defaults applied by [Dial] for zero-valued [Options] fields.
const (
	DefaultSendBufferCeiling = 32 * 1024
	DefaultQueueDepth        = 256
	DefaultControlDepth      = 16
	DefaultWriteTimeout      = 5 * time.Second
	DefaultReadLimit         = 1 << 20
)

var (
	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("ws: connection closed")

	// ErrControlQueueFull is returned by SendControl when the priority queue
	// cannot take another message.
	ErrControlQueueFull = errors.New("ws: control queue full")
)

// Options configures [Dial].
type Options struct {
	// Header is sent with the upgrade request.
	Header http.Header

	// APIKey, if set, is sent as a bearer token.
	APIKey string

	// SendBufferCeiling is the outbound audio occupancy, in bytes, above which
	// frames are dropped.
	SendBufferCeiling int

	// QueueDepth bounds the number of queued audio frames.
	QueueDepth int

	// ControlDepth bounds the number of queued control messages.
	ControlDepth int

	// WriteTimeout bounds each network write.
	WriteTimeout time.Duration

	// PingInterval enables keepalive pings when positive. Pings run beside
	// the writer; a pong missing for WriteTimeout fails the connection.
	PingInterval time.Duration

	// ReadLimit is the largest inbound message accepted, in bytes.
	ReadLimit int64

	// HTTPClient overrides the client used for the upgrade request.
	HTTPClient *http.Client

	// Logger receives connection diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.SendBufferCeiling <= 0 {
		o.SendBufferCeiling = DefaultSendBufferCeiling
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.ControlDepth <= 0 {
		o.ControlDepth = DefaultControlDepth
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Conn is an open WebSocket channel. Create one with [Dial].
type Conn struct {
	conn *websocket.Conn
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	control chan []byte
	audio   chan []byte
	events  chan transport.Event

	queued        atomic.Int64
	sent          atomic.Uint64
	dropped       atomic.Uint64
	controlSent   atomic.Uint64
	bytesReceived atomic.Uint64

	// dropping is set while consecutive frames are being dropped so only the
	// first drop of a burst is logged at Warn.
	dropping atomic.Bool

	writeErr   atomic.Pointer[error]
	closeOnce  sync.Once
	closed     atomic.Bool
	done       chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	pingerDone chan struct{}
}

// Dial opens a WebSocket connection to url and starts the reader and writer
// goroutines. The returned Conn is ready for [Conn.Handshake].
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	opts.applyDefaults()

	header := opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+opts.APIKey)
	}

	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: dial: %w", err)
	}
	wsConn.SetReadLimit(opts.ReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:    wsConn,
		opts:    opts,
		log:     opts.Logger.With("component", "ws"),
		ctx:     connCtx,
		cancel:  cancel,
		control: make(chan []byte, opts.ControlDepth),
		audio:   make(chan []byte, opts.QueueDepth),
		events:  make(chan transport.Event, 64),

		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
		pingerDone: make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()
	go c.pingLoop()
	return c, nil
}

// Handshake writes hs directly, bypassing the queues, and returns once the
// frame is on the wire.
func (c *Conn) Handshake(ctx context.Context, hs protocol.Handshake) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.Encode(hs)
	if err != nil {
		return fmt.Errorf("ws: handshake: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws: handshake: %w", err)
	}
	c.controlSent.Add(1)
	return nil
}

// SendFrame queues frame for upload. It never blocks: when the outbound
// buffer is over its ceiling, or the queue is full, the frame is dropped and
// counted.
func (c *Conn) SendFrame(frame audio.Frame) bool {
	if c.closed.Load() {
		return false
	}
	data := frame.Bytes()
	n := int64(len(data))
	if c.queued.Load()+n > int64(c.opts.SendBufferCeiling) {
		c.drop(frame)
		return false
	}
	c.queued.Add(n)
	select {
	case c.audio <- data:
		c.dropping.Store(false)
		return true
	default:
		c.queued.Add(-n)
		c.drop(frame)
		return false
	}
}

func (c *Conn) drop(frame audio.Frame) {
	total := c.dropped.Add(1)
	if c.dropping.CompareAndSwap(false, true) {
		c.log.Warn("uplink backpressure, dropping frames",
			"seq", frame.Seq, "buffered_bytes", c.queued.Load(), "ceiling", c.opts.SendBufferCeiling, "dropped_total", total)
		return
	}
	c.log.Debug("uplink frame dropped", "seq", frame.Seq, "dropped_total", total)
}

// SendControl encodes msg and queues it ahead of audio.
func (c *Conn) SendControl(msg protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("ws: send control: %w", err)
	}
	select {
	case c.control <- data:
		return nil
	default:
		return fmt.Errorf("ws: send %s: %w", msg.MessageType(), ErrControlQueueFull)
	}
}

// Events returns the inbound event stream.
func (c *Conn) Events() <-chan transport.Event { return c.events }

// Stats returns the current counters.
func (c *Conn) Stats() transport.Stats {
	return transport.Stats{
		FramesSent:    c.sent.Load(),
		FramesDropped: c.dropped.Load(),
		ControlSent:   c.controlSent.Load(),
		BufferedBytes: int(c.queued.Load()),
		BytesReceived: c.bytesReceived.Load(),
	}
}

// Buffered returns the outbound audio occupancy in bytes.
func (c *Conn) Buffered() int { return int(c.queued.Load()) }

// Sent returns the number of audio frames written.
func (c *Conn) Sent() uint64 { return c.sent.Load() }

// Dropped returns the number of audio frames dropped under backpressure.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// Close flushes pending control messages briefly, performs the WebSocket
// close handshake and waits for both goroutines to exit. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		<-c.writerDone
		_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
		c.cancel()
		<-c.readerDone
		<-c.pingerDone
	})
	return nil
}

// ── Read side ────────────────────────────────────────────────────────────────

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer close(c.events)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.closed.Load() || c.ctx.Err() != nil {
				return
			}
			if werr := c.writeErr.Load(); werr != nil {
				err = *werr
			}
			c.emit(transport.Event{Err: fmt.Errorf("ws: read: %w", err)})
			c.cancel()
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.bytesReceived.Add(uint64(len(data)))
			c.emit(transport.Event{Binary: data})
		case websocket.MessageText:
			msg, err := protocol.Decode(data)
			if err != nil {
				c.log.Warn("ignoring malformed control message", "err", err, "bytes", len(data))
				c.emit(transport.Event{Err: err})
				continue
			}
			c.emit(transport.Event{Control: msg})
		}
	}
}

func (c *Conn) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	case <-c.ctx.Done():
	}
}

// ── Write side ───────────────────────────────────────────────────────────────

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for {
		// Control always goes first.
		select {
		case data := <-c.control:
			if !c.writeControl(data) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.done:
			c.flushControl()
			return
		case <-c.ctx.Done():
			return
		case data := <-c.control:
			if !c.writeControl(data) {
				return
			}
		case data := <-c.audio:
			err := c.write(websocket.MessageBinary, data)
			c.queued.Add(-int64(len(data)))
			if err != nil {
				c.fail(err)
				return
			}
			c.sent.Add(1)
		}
	}
}

// pingLoop sends keepalive pings. coder/websocket allows Ping concurrently
// with Write, so waiting for a pong never holds up audio.
func (c *Conn) pingLoop() {
	defer close(c.pingerDone)
	if c.opts.PingInterval <= 0 {
		return
	}
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				if !c.closed.Load() {
					c.fail(fmt.Errorf("ping: %w", err))
				}
				return
			}
		}
	}
}

func (c *Conn) writeControl(data []byte) bool {
	if err := c.write(websocket.MessageText, data); err != nil {
		c.fail(err)
		return false
	}
	c.controlSent.Add(1)
	return true
}

// flushControl writes whatever control messages are still queued at
// shutdown, bounded in count and time.
func (c *Conn) flushControl() {
	deadline := time.Now().Add(100 * time.Millisecond)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case data := <-c.control:
			ctx, cancel := context.WithDeadline(context.Background(), deadline)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
			c.controlSent.Add(1)
		default:
			return
		}
	}
}

func (c *Conn) write(typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, typ, data)
}

// fail records a write error and tears the socket down so the read loop
// surfaces it as the terminal event.
func (c *Conn) fail(err error) {
	if c.closed.Load() || c.ctx.Err() != nil {
		return
	}
	werr := fmt.Errorf("write: %w", err)
	c.writeErr.Store(&werr)
	c.log.Error("uplink write failed", "err", err)
	c.conn.CloseNow()
}
