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

	"github.com/google/uuid"

	"github.com/vertex-link/aha/internal/core"
)

// HandlerFunc serves one call(method, args, kwargs) invocation
// (spec.md §4.1). The returned value is JSON-marshalled into the
// response frame's Result field; a returned error is mapped onto the
// wire taxonomy by toWireError.
type HandlerFunc func(ctx context.Context, conn *ServerConn, args, kwargs map[string]any) (any, error)

// ConnectFunc is invoked once a new connection is accepted, before
// any call is served on it. DisconnectFunc is invoked exactly once
// when the connection is torn down, however that happens, so the
// registry can clear svcinfo.online (spec.md §4.1's "link-down
// signal exactly once").
type ConnectFunc func(conn *ServerConn)
type DisconnectFunc func(ctx context.Context, linkIden string) error

// Server dispatches call frames arriving on accepted connections to a
// handler table, and lets handlers push event frames back to any live
// connection. It implements transport.Listener over an externally
// supplied net.Listener (pipe.Listener or a real socket).
type Server struct {
	ln           net.Listener
	handlers     map[string]HandlerFunc
	onConnect    ConnectFunc
	onDisconnect DisconnectFunc
	log          *slog.Logger

	mu    sync.Mutex
	conns map[string]*ServerConn
}

// NewServer builds a Server with the given listener and handler
// table. Handlers should be registered once, before Start is called.
func NewServer(ln net.Listener, handlers map[string]HandlerFunc) *Server {
	return &Server{
		ln:       ln,
		handlers: handlers,
		conns:    make(map[string]*ServerConn),
		log:      slog.Default().With("component", "rpc-server"),
	}
}

// WithOnConnect configures a hook run when a new connection arrives.
func (s *Server) WithOnConnect(fn ConnectFunc) *Server { s.onConnect = fn; return s }

// WithOnDisconnect configures a hook run when a connection is torn
// down; typically registry.HandleLinkClosed.
func (s *Server) WithOnDisconnect(fn DisconnectFunc) *Server { s.onDisconnect = fn; return s }

// Start accepts connections and serves them until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

// Stop closes the listener and every live connection.
func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	conns := make([]*ServerConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return s.ln.Close()
}

func (s *Server) serveConn(parent context.Context, nc net.Conn) {
	ctx, cancel := context.WithCancel(parent)
	sc := &ServerConn{
		linkIden: uuid.NewString(),
		codec:    newFrameCodec(nc),
		ctx:      ctx,
		cancel:   cancel,
		closer:   nc,
	}

	s.mu.Lock()
	s.conns[sc.linkIden] = sc
	s.mu.Unlock()

	if s.onConnect != nil {
		s.onConnect(sc)
	}

	defer func() {
		sc.Close()
		s.mu.Lock()
		delete(s.conns, sc.linkIden)
		s.mu.Unlock()
		if s.onDisconnect != nil {
			// Disconnect hooks run with a fresh context: the
			// connection's own ctx is already cancelled by Close.
			if err := s.onDisconnect(context.Background(), sc.linkIden); err != nil {
				s.log.Warn("disconnect hook failed", "link", sc.linkIden, "error", err)
			}
		}
	}()

	for {
		f, err := sc.codec.readFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read frame failed", "link", sc.linkIden, "error", err)
			}
			return
		}
		if f.Kind != FrameCall {
			continue
		}
		go s.dispatch(ctx, sc, f)
	}
}

func (s *Server) dispatch(ctx context.Context, sc *ServerConn, f Frame) {
	h, ok := s.handlers[f.Method]
	if !ok {
		s.respond(sc, f.ID, nil, &core.ErrNoSuchName{Name: f.Method})
		return
	}
	result, err := h(ctx, sc, f.Args, f.Kwargs)
	s.respond(sc, f.ID, result, err)
}

func (s *Server) respond(sc *ServerConn, id uint64, result any, err error) {
	resp := Frame{Kind: FrameResponse, ID: id, Error: toWireError(err)}
	if err == nil && result != nil {
		b, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = toWireError(fmt.Errorf("rpc: marshal result: %w", merr))
		} else {
			resp.Result = b
		}
	}
	if werr := sc.codec.writeFrame(resp); werr != nil {
		s.log.Debug("write response failed", "link", sc.linkIden, "error", werr)
	}
}

// ServerConn is the server-side view of one accepted connection,
// passed to every HandlerFunc invoked on it.
type ServerConn struct {
	linkIden string
	codec    *frameCodec
	ctx      context.Context
	cancel   context.CancelFunc
	closer   io.Closer

	closeOnce sync.Once
}

// LinkIden is the opaque per-connection identity recorded as
// svcinfo.online (spec.md §3).
func (c *ServerConn) LinkIden() string { return c.linkIden }

// Context is cancelled once the connection is torn down.
func (c *ServerConn) Context() context.Context { return c.ctx }

// PushEvent sends a server-push event frame on topic with payload
// marshalled to JSON (spec.md §4.1's onEvent guarantee: delivered at
// least once, in order, per topic).
func (c *ServerConn) PushEvent(topic string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rpc: marshal event payload: %w", err)
	}
	return c.codec.writeFrame(Frame{Kind: FrameEvent, Topic: topic, Payload: b})
}

// Close tears down the connection idempotently.
func (c *ServerConn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.closer.Close()
	})
}
