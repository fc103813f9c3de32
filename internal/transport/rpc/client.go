package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is the typed caller-side stub for one open connection
// (spec.md §4.1's session). It has client.Session's method set;
// neither package imports the other.
type Client struct {
	codec  *frameCodec
	conn   net.Conn
	log    *slog.Logger
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	closed  bool

	subMu sync.Mutex
	subID int
	subs  map[string]map[int]func(payload []byte)

	readErr chan struct{}
}

// NewClient wraps an already-established connection (TCP, TLS, unix,
// or an in-process pipe.Listener.Dial result) with the call/event
// codec, and starts its read loop.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		codec:   newFrameCodec(conn),
		conn:    conn,
		log:     slog.Default().With("component", "rpc-client"),
		pending: make(map[uint64]chan Frame),
		subs:    make(map[string]map[int]func(payload []byte)),
		readErr: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call issues a synchronous RPC and blocks for the response or ctx
// expiry (spec.md §4.1's call semantics: errors from the fixed
// taxonomy, timeout produces an ambiguous-effect error to the caller).
func (c *Client) Call(ctx context.Context, method string, args, kwargs map[string]any) (any, error) {
	id := c.nextID.Add(1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("rpc: client closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.codec.writeFrame(Frame{Kind: FrameCall, ID: id, Method: method, Args: args, Kwargs: kwargs}); err != nil {
		return nil, fmt.Errorf("rpc: write call: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("rpc: %s: %w", method, ctx.Err())
	case <-c.readErr:
		return nil, errors.New("rpc: connection closed while awaiting response")
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error.asError()
		}
		if len(resp.Result) == 0 {
			return nil, nil
		}
		var result any
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("rpc: unmarshal result: %w", err)
		}
		return result, nil
	}
}

// OnEvent registers handler for server-push events on topic. The
// returned cancel function removes the subscription; it is safe to
// call more than once.
func (c *Client) OnEvent(topic string, handler func(payload []byte)) (cancel func()) {
	c.subMu.Lock()
	id := c.subID
	c.subID++
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]func(payload []byte))
	}
	c.subs[topic][id] = handler
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs[topic], id)
			c.subMu.Unlock()
		})
	}
}

// Close releases the connection; every pending Call unblocks with a
// terminal error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.readErr)
	for {
		f, err := c.codec.readFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("read frame failed", "error", err)
			}
			return
		}
		switch f.Kind {
		case FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameEvent:
			c.dispatchEvent(f)
		}
	}
}

func (c *Client) dispatchEvent(f Frame) {
	c.subMu.Lock()
	handlers := make([]func(payload []byte), 0, len(c.subs[f.Topic]))
	for _, h := range c.subs[f.Topic] {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()
	for _, h := range handlers {
		h(f.Payload)
	}
}

// Dial opens a TCP/TLS/unix connection and wraps it as a Client,
// cancelling the dial if it exceeds ctx's deadline.
func Dial(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s %s: %w", network, address, err)
	}
	return NewClient(conn), nil
}

// DialTimeout is a convenience wrapper for callers without a ctx.
func DialTimeout(network, address string, timeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Dial(ctx, network, address)
}
