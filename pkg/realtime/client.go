// Package realtime is the bidirectional socket to the voice-assistant relay.
//
// Outbound traffic is raw PCM16 frames sent as binary WebSocket messages,
// fire-and-forget: a frame offered while the socket is not open, or while
// the outbound queue is full, is dropped. Inbound traffic is JSON text
// messages parsed into [Event] values and delivered in receipt order on
// [Client.Events]. There is no automatic reconnect; callers dial again.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// State is the connection lifecycle state.
//
//	Connecting → Open → Closing → Closed
//	Connecting | Open → Failed
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	defaultSendQueue   = 64
	defaultEventBuffer = 64
	readLimit          = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for [Dial].
type Option func(*options)

type options struct {
	header        http.Header
	sendQueue     int
	eventBuffer   int
	httpClient    *http.Client
	onProtocolErr func(error)
	onState       func(State)
}

// WithHeader adds an HTTP header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Add(key, value)
	}
}

// WithSendQueue sets how many outbound frames may wait for the writer.
func WithSendQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sendQueue = n
		}
	}
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.eventBuffer = n
		}
	}
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithProtocolErrorHook is called for every dropped inbound message.
func WithProtocolErrorHook(fn func(error)) Option {
	return func(o *options) { o.onProtocolErr = fn }
}

// WithStateHook is called on every state transition. It must not block.
func WithStateHook(fn func(State)) Option {
	return func(o *options) { o.onState = fn }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is one open relay connection. All methods are safe for concurrent
// use.
type Client struct {
	conn   *websocket.Conn
	out    chan []byte
	events chan Event
	opts   options

	state atomic.Int32

	mu     sync.Mutex
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{} // closed by Close before the close handshake
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Dial opens a socket to url. Failure to connect returns an error wrapping
// [ErrTransport]; the client never exists in that case.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{
		sendQueue:   defaultSendQueue,
		eventBuffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.onState != nil {
		o.onState(StateConnecting)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: o.header,
		HTTPClient: o.httpClient,
	})
	if err != nil {
		if o.onState != nil {
			o.onState(StateFailed)
		}
		return nil, fmt.Errorf("%w: dial: %w", ErrTransport, err)
	}
	conn.SetReadLimit(readLimit)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		out:    make(chan []byte, o.sendQueue),
		events: make(chan Event, o.eventBuffer),
		opts:   o,
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.setState(StateOpen)

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// Events returns parsed inbound events in receipt order. The channel is
// closed when the connection ends for any reason.
func (c *Client) Events() <-chan Event { return c.events }

// Err returns the terminal error of an unexpectedly ended connection,
// wrapping [ErrTransport], or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// SendAudio offers one PCM16 frame for transmission. It never blocks and
// reports whether the frame was queued; frames are dropped when the
// connection is not open or the queue is full.
func (c *Client) SendAudio(pcm []byte) bool {
	if c.State() != StateOpen || len(pcm) == 0 {
		return false
	}
	select {
	case c.out <- pcm:
		return true
	default:
		return false
	}
}

// Close closes the connection with a normal closure and waits for the read
// and write goroutines. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.State() == StateOpen {
			c.setState(StateClosing)
		}
		close(c.done)
		err := c.conn.Close(websocket.StatusNormalClosure, "client closed")
		c.cancel()
		c.wg.Wait()
		if c.State() != StateFailed {
			c.setState(StateClosed)
		}
		if err != nil && !isExpectedClose(err) {
			slog.Debug("realtime: close", "err", err)
		}
	})
	return nil
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	if c.opts.onState != nil {
		c.opts.onState(s)
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.errVal == nil {
		c.errVal = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.mu.Unlock()
	for {
		cur := c.state.Load()
		if State(cur) != StateOpen {
			return
		}
		if c.state.CompareAndSwap(cur, int32(StateFailed)) {
			if c.opts.onState != nil {
				c.opts.onState(StateFailed)
			}
			return
		}
	}
}

// readLoop reads messages until the socket ends. It owns events and closes
// it on exit.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.State() == StateOpen && c.ctx.Err() == nil {
				slog.Warn("realtime: connection lost", "err", err)
				c.fail(err)
				// Stop the writer.
				c.cancel()
			}
			return
		}

		if typ != websocket.MessageText {
			c.protocolError(fmt.Errorf("%w: unexpected binary message (%d bytes)", ErrProtocol, len(data)))
			continue
		}
		ev, err := ParseEvent(data)
		if err != nil {
			c.protocolError(err)
			continue
		}

		select {
		case c.events <- ev:
		case <-c.done:
			// Closing: keep reading so the close handshake completes.
		case <-c.ctx.Done():
			return
		}
	}
}

// writeLoop sends queued frames until the client is closed or a write fails.
func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case pcm := <-c.out:
			if err := c.conn.Write(c.ctx, websocket.MessageBinary, pcm); err != nil {
				if c.ctx.Err() == nil {
					slog.Warn("realtime: write failed", "err", err)
					c.fail(err)
					_ = c.conn.CloseNow()
				}
				return
			}
		}
	}
}

func (c *Client) protocolError(err error) {
	slog.Warn("realtime: dropping inbound message", "err", err)
	if c.opts.onProtocolErr != nil {
		c.opts.onProtocolErr(err)
	}
}

func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
