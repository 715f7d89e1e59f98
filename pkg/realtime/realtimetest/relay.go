// Package realtimetest provides an in-process voice relay for tests. It
// accepts WebSocket connections, records the binary audio frames clients send
// and lets the test push JSON events back.
package realtimetest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// Relay is a test WebSocket server. It is closed automatically when the test
// finishes.
type Relay struct {
	srv   *httptest.Server
	conns chan *Conn
}

// NewRelay starts a relay.
func NewRelay(t testing.TB) *Relay {
	t.Helper()
	r := &Relay{conns: make(chan *Conn, 8)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		c := &Conn{
			ws:     ws,
			Header: req.Header.Clone(),
			frames: make(chan []byte, 256),
			closed: make(chan struct{}),
		}
		r.conns <- c
		c.readLoop()
	}))
	t.Cleanup(r.srv.Close)
	return r
}

// URL returns the ws:// URL of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

// Accept waits for the next client connection.
func (r *Relay) Accept(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("realtimetest: timeout waiting for client connection")
		return nil
	}
}

// Conn is the server side of one client connection.
type Conn struct {
	ws *websocket.Conn

	// Header is the client's upgrade request header.
	Header http.Header

	frames chan []byte
	closed chan struct{}
}

func (c *Conn) readLoop() {
	defer close(c.closed)
	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			select {
			case c.frames <- data:
			default:
			}
		}
	}
}

// Send marshals v and writes it as a text message.
func (c *Conn) Send(t testing.TB, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("realtimetest: marshal: %v", err)
	}
	c.SendRaw(t, websocket.MessageText, data)
}

// SendRaw writes data as-is with the given message type.
func (c *Conn) SendRaw(t testing.TB, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, typ, data); err != nil {
		t.Logf("realtimetest: write: %v (may be expected on close)", err)
	}
}

// NextFrame waits for the next binary frame from the client.
func (c *Conn) NextFrame(t testing.TB) []byte {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("realtimetest: timeout waiting for audio frame")
		return nil
	}
}

// Close closes the connection from the server side with code.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}

// Drop aborts the TCP connection without a close handshake.
func (c *Conn) Drop() {
	_ = c.ws.CloseNow()
}

// Closed is closed once the client connection has ended.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// WaitClosed waits for the client connection to end.
func (c *Conn) WaitClosed(t testing.TB) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("realtimetest: client connection still open")
	}
}
