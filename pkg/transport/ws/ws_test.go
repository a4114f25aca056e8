package ws_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/protocol"
	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/MrWong99/voxlink/pkg/transport/ws"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server that hands each accepted
// connection to handler. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, opts ws.Options) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := ws.Dial(ctx, wsURL(srv), opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readMsg(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
	}
	return typ, data
}

func frame(seq uint64) audio.Frame {
	return audio.Frame{Samples: make([]int16, 320), SampleRate: 16000, Seq: seq}
}

func nextEvent(t *testing.T, c *ws.Conn) (transport.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}, false
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestHandshake_IsFirstMessage(t *testing.T) {
	t.Parallel()

	type result struct {
		auth string
		msg  protocol.Message
		err  error
	}
	got := make(chan result, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		typ, data := readMsg(t, conn)
		if typ != websocket.MessageText {
			t.Errorf("first message type = %v; want text", typ)
		}
		msg, err := protocol.Decode(data)
		got <- result{auth: r.Header.Get("Authorization"), msg: msg, err: err}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv, ws.Options{APIKey: "secret"})
	hs := protocol.Handshake{Encoding: "pcm16", SampleRate: 16000, Channels: 1, FrameMs: 20}
	if err := c.Handshake(context.Background(), hs); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("decode handshake: %v", r.err)
		}
		if r.msg != hs {
			t.Errorf("handshake = %#v; want %#v", r.msg, hs)
		}
		if r.auth != "Bearer secret" {
			t.Errorf("Authorization = %q", r.auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw handshake")
	}
	if c.Stats().ControlSent != 1 {
		t.Errorf("ControlSent = %d; want 1", c.Stats().ControlSent)
	}
}

func TestSendFrame_WritesRawPCM(t *testing.T) {
	t.Parallel()
	sizes := make(chan int, 3)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 3 {
			typ, data := readMsg(t, conn)
			if typ != websocket.MessageBinary {
				t.Errorf("type = %v; want binary", typ)
			}
			sizes <- len(data)
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv, ws.Options{})
	for i := range 3 {
		if !c.SendFrame(frame(uint64(i))) {
			t.Fatalf("frame %d dropped", i)
		}
	}
	for range 3 {
		select {
		case n := <-sizes:
			if n != 640 {
				t.Errorf("frame bytes = %d; want 640", n)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Sent() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Sent() != 3 {
		t.Errorf("Sent = %d; want 3", c.Sent())
	}
}

func TestPing_DoesNotStallAudio(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Never reading means no pong is ever sent.
		<-release
	})
	c := dial(t, srv, ws.Options{PingInterval: 10 * time.Millisecond, WriteTimeout: 5 * time.Second})
	t.Cleanup(func() { close(release) })
	time.Sleep(50 * time.Millisecond) // a ping is now waiting for its pong

	for i := range 3 {
		if !c.SendFrame(frame(uint64(i))) {
			t.Fatalf("frame %d rejected", i)
		}
	}
	deadline := time.Now().Add(time.Second)
	for c.Sent() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Sent() != 3 {
		t.Errorf("Sent = %d while a ping was outstanding; want 3", c.Sent())
	}
}

func TestPing_MissingPongFails(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-release
	})
	c := dial(t, srv, ws.Options{PingInterval: 10 * time.Millisecond, WriteTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { close(release) })

	ev, ok := nextEvent(t, c)
	if !ok || ev.Err == nil {
		t.Fatalf("event = %+v, %v; want a terminal error", ev, ok)
	}
}

func TestSendFrame_DropsOverCeiling(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	// A ceiling smaller than one frame rejects everything.
	c := dial(t, srv, ws.Options{SendBufferCeiling: 100})
	for i := range 10 {
		if c.SendFrame(frame(uint64(i))) {
			t.Fatalf("frame %d accepted over ceiling", i)
		}
	}
	if c.Dropped() != 10 {
		t.Errorf("Dropped = %d; want 10", c.Dropped())
	}
	if c.Buffered() != 0 {
		t.Errorf("Buffered = %d; want 0", c.Buffered())
	}
	if s := c.Stats(); s.FramesSent != 0 || s.FramesDropped != 10 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestSendControl_Delivered(t *testing.T) {
	t.Parallel()
	got := make(chan protocol.Message, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, data := readMsg(t, conn)
		msg, _ := protocol.Decode(data)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv, ws.Options{SendBufferCeiling: 1})
	// Audio backpressure must not affect control messages.
	c.SendFrame(frame(0))
	if err := c.SendControl(protocol.BargeIn{}); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	select {
	case msg := <-got:
		if msg != (protocol.BargeIn{}) {
			t.Errorf("got %#v; want BargeIn", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("barge_in never arrived")
	}
}

func TestEvents_DownlinkSequence(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"utterance.start","sampleRate":24000,"channels":1}`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{1, 0, 2, 0})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"tts.end"}`))
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c := dial(t, srv, ws.Options{})

	ev, _ := nextEvent(t, c)
	if ev.Control != (protocol.UtteranceStart{SampleRate: 24000, Channels: 1}) {
		t.Fatalf("event 1 = %+v; want utterance.start", ev)
	}
	ev, _ = nextEvent(t, c)
	if len(ev.Binary) != 4 {
		t.Fatalf("event 2 = %+v; want 4 binary bytes", ev)
	}
	ev, _ = nextEvent(t, c)
	var de *protocol.DecodeError
	if !errors.As(ev.Err, &de) {
		t.Fatalf("event 3 = %+v; want DecodeError", ev)
	}
	ev, _ = nextEvent(t, c)
	if ev.Control != (protocol.UtteranceEnd{}) {
		t.Fatalf("event 4 = %+v; want utterance.end", ev)
	}
	ev, ok := nextEvent(t, c)
	if !ok || ev.Err == nil || errors.As(ev.Err, &de) {
		t.Fatalf("event 5 = %+v (ok=%v); want terminal read error", ev, ok)
	}
	if _, ok := nextEvent(t, c); ok {
		t.Fatal("events channel not closed after terminal error")
	}
	if c.Stats().BytesReceived != 4 {
		t.Errorf("BytesReceived = %d; want 4", c.Stats().BytesReceived)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	c := dial(t, srv, ws.Options{})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.SendControl(protocol.BargeIn{}); !errors.Is(err, ws.ErrClosed) {
		t.Errorf("SendControl after Close: %v; want ErrClosed", err)
	}
	if c.SendFrame(frame(0)) {
		t.Error("SendFrame after Close reported success")
	}
	if _, ok := <-c.Events(); ok {
		t.Error("Events not closed after Close")
	}
}

func TestDial_Refused(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := ws.Dial(ctx, url, ws.Options{}); err == nil {
		t.Fatal("expected dial error")
	}
}
