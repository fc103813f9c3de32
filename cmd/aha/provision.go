package main

import (
	"context"
	"sync"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/provision"
	"github.com/vertex-link/aha/internal/transport/rpc"
)

// provisionHub binds each connection on the provisioning listener to
// the one-time provision.Session its first call resolves, per
// spec.md §4.6: "AHA serves a bounded set of methods limited to the
// token's kind" for the lifetime of that connection only.
type provisionHub struct {
	authority *provision.Authority

	mu       sync.Mutex
	sessions map[string]*provision.Session // keyed by ServerConn.LinkIden()
}

func newProvisionHub(authority *provision.Authority) *provisionHub {
	return &provisionHub{authority: authority, sessions: make(map[string]*provision.Session)}
}

// onDisconnect consumes the token the moment its one-time connection
// closes, redeemed or not (spec.md §4.6 step 5): a client that
// connects and vanishes without finishing the handshake must not
// leave a URL that is still usable afterward, matching the protocol's
// "one-time" guarantee.
func (h *provisionHub) onDisconnect(ctx context.Context, linkIden string) error {
	h.mu.Lock()
	sess, ok := h.sessions[linkIden]
	delete(h.sessions, linkIden)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return h.authority.Consume(ctx, sess.Token().Iden)
}

func (h *provisionHub) session(linkIden string) (*provision.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[linkIden]
	if !ok {
		return nil, &core.ErrBadArg{Reason: "provision.hello must be called before any other method"}
	}
	return sess, nil
}

// handlers returns the provisioning listener's entire rpc.HandlerFunc
// table: "provision.hello" resolves the token named by the
// connection's first call (carrying the URL's path component, the
// token iden, since a bare TLS connection has no HTTP path of its
// own), then the remaining four methods are the bounded API spec.md
// §4.6 describes for a resolved one-time session.
func (h *provisionHub) handlers() map[string]rpc.HandlerFunc {
	return map[string]rpc.HandlerFunc{
		"provision.hello": func(_ context.Context, conn *rpc.ServerConn, args, _ map[string]any) (any, error) {
			iden, _ := args["iden"].(string)
			sess, err := h.authority.Lookup(iden)
			if err != nil {
				return nil, err
			}
			h.mu.Lock()
			h.sessions[conn.LinkIden()] = sess
			h.mu.Unlock()
			return nil, nil
		},
		"provision.getProvInfo": func(_ context.Context, conn *rpc.ServerConn, _, _ map[string]any) (any, error) {
			sess, err := h.session(conn.LinkIden())
			if err != nil {
				return nil, err
			}
			iden, conf := sess.GetProvInfo()
			return map[string]any{"iden": iden, "conf": conf}, nil
		},
		"provision.signHostCsr": func(ctx context.Context, conn *rpc.ServerConn, args, _ map[string]any) (any, error) {
			sess, err := h.session(conn.LinkIden())
			if err != nil {
				return nil, err
			}
			csr, _ := args["csr"].(string)
			cert, err := sess.SignHostCsr(ctx, []byte(csr))
			if err != nil {
				return nil, err
			}
			return string(cert), nil
		},
		"provision.signUserCsr": func(ctx context.Context, conn *rpc.ServerConn, args, _ map[string]any) (any, error) {
			sess, err := h.session(conn.LinkIden())
			if err != nil {
				return nil, err
			}
			csr, _ := args["csr"].(string)
			cert, err := sess.SignUserCsr(ctx, []byte(csr))
			if err != nil {
				return nil, err
			}
			return string(cert), nil
		},
		"provision.getCaCert": func(ctx context.Context, conn *rpc.ServerConn, _, _ map[string]any) (any, error) {
			sess, err := h.session(conn.LinkIden())
			if err != nil {
				return nil, err
			}
			cert, err := sess.GetCaCert(ctx)
			if err != nil {
				return nil, err
			}
			return string(cert), nil
		},
	}
}
