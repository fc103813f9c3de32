package main

import (
	"context"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/nexus"
	"github.com/vertex-link/aha/internal/pki"
	"github.com/vertex-link/aha/internal/pool"
	"github.com/vertex-link/aha/internal/provision"
	"github.com/vertex-link/aha/internal/registry"
	"github.com/vertex-link/aha/internal/transport/rpc"
)

// cell bundles every domain component a running AHA process wires
// its main RPC surface (dmon:listen) to. One cell is built per
// process regardless of leader/mirror role; only the nexus.Log
// backing it differs.
type cell struct {
	log       nexus.Log
	registry  *registry.Registry
	pool      *pool.Manager
	pki       *pki.Authority
	provision *provision.Authority
}

// mainHandlers builds the dmon:listen rpc.HandlerFunc table: every
// method name here is exactly the symbolic method spec.md §4.3-§4.7
// names, so a Python-era client's call("addAhaSvc", ...) and AHA's
// own Go client dial the same wire surface (spec.md §9's codec
// redesign changes the framing, never the method vocabulary).
func (c *cell) mainHandlers() map[string]rpc.HandlerFunc {
	h := map[string]rpc.HandlerFunc{
		"addAhaSvc": func(ctx context.Context, conn *rpc.ServerConn, args, _ map[string]any) (any, error) {
			name, _ := args["name"].(string)
			network, _ := args["network"].(string)
			info := decodeSvcInfo(args["info"])
			return nil, c.registry.AddAhaSvc(ctx, name, info, network, conn.LinkIden())
		},
		"setAhaSvcDown": func(ctx context.Context, conn *rpc.ServerConn, args, _ map[string]any) (any, error) {
			name, _ := args["name"].(string)
			network, _ := args["network"].(string)
			linkIden, _ := args["linkIden"].(string)
			if linkIden == "" {
				linkIden = conn.LinkIden()
			}
			return nil, c.registry.SetAhaSvcDown(ctx, name, network, linkIden)
		},
		"modAhaSvcInfo": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			fullname, _ := args["fullname"].(string)
			info, _ := args["info"].(map[string]any)
			return nil, c.registry.ModAhaSvcInfo(ctx, fullname, info)
		},
		"delAhaSvc": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			name, _ := args["name"].(string)
			network, _ := args["network"].(string)
			return nil, c.registry.DelAhaSvc(ctx, name, network)
		},
		"getAhaSvc": func(_ context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			fullname, _ := args["fullname"].(string)
			return c.registry.GetAhaSvc(fullname)
		},
		"getAhaSvcs": func(_ context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			network, _ := args["network"].(string)
			return c.registry.GetAhaSvcs(network)
		},
		"setCellActive": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			fullname, _ := args["fullname"].(string)
			active, _ := args["active"].(bool)
			return nil, c.registry.SetCellActive(ctx, fullname, active)
		},

		"addAhaPool": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			fullname, _ := args["fullname"].(string)
			creator, _ := args["creatorUserIden"].(string)
			return nil, c.pool.AddAhaPool(ctx, fullname, creator)
		},
		"delAhaPool": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			fullname, _ := args["fullname"].(string)
			return nil, c.pool.DelAhaPool(ctx, fullname)
		},
		"addAhaPoolSvc": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			poolName, _ := args["pool"].(string)
			svc, _ := args["svc"].(string)
			creator, _ := args["creatorUserIden"].(string)
			return nil, c.pool.AddAhaPoolSvc(ctx, poolName, svc, creator)
		},
		"delAhaPoolSvc": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			poolName, _ := args["pool"].(string)
			svc, _ := args["svc"].(string)
			return nil, c.pool.DelAhaPoolSvc(ctx, poolName, svc)
		},
		"getAhaPool": func(_ context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			fullname, _ := args["fullname"].(string)
			return c.pool.GetAhaPool(fullname)
		},
		// pool.subscribe streams membership deltas on the "pool:<fullname>"
		// topic for as long as the connection stays open, mirroring
		// replicationHub's nexus.subscribe/PushEvent pattern in
		// cmd/aha/mirror.go. This is the wire counterpart spec.md §4.7's
		// "clients that hold an open pool handle subscribe to the
		// per-pool topic" needs; client.DialPool consumes it.
		"pool.subscribe": func(_ context.Context, conn *rpc.ServerConn, args, _ map[string]any) (any, error) {
			fullname, _ := args["fullname"].(string)
			if fullname == "" {
				return nil, &core.ErrBadArg{Reason: "pool.subscribe requires a fullname"}
			}
			rec, err := c.pool.GetAhaPool(fullname)
			if err != nil {
				return nil, err
			}

			deltas, cancel := c.pool.Subscribe(fullname)
			topic := "pool:" + fullname
			go func() {
				defer cancel()
				for {
					select {
					case <-conn.Context().Done():
						return
					case d, ok := <-deltas:
						if !ok {
							return
						}
						if err := conn.PushEvent(topic, d); err != nil {
							return
						}
					}
				}
			}()
			return rec, nil
		},

		"genCaCert": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			network, _ := args["network"].(string)
			ca, err := c.pki.GenCaCert(ctx, network)
			if err != nil {
				return nil, err
			}
			return string(ca.CertPEM()), nil
		},
		"getCaCert": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			network, _ := args["network"].(string)
			cert, err := c.pki.GetCaCert(ctx, network)
			if err != nil {
				return nil, err
			}
			return string(cert), nil
		},
		"signHostCsr": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			csr, _ := args["csr"].(string)
			cert, err := c.pki.SignHostCsr(ctx, []byte(csr), "", "")
			if err != nil {
				return nil, err
			}
			return string(cert), nil
		},
		"signUserCsr": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			csr, _ := args["csr"].(string)
			cert, err := c.pki.SignUserCsr(ctx, []byte(csr), "", "")
			if err != nil {
				return nil, err
			}
			return string(cert), nil
		},

		"addAhaSvcProv": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			name, _ := args["name"].(string)
			provinfo, _ := args["provinfo"].(map[string]any)
			return c.provision.AddAhaSvcProv(ctx, name, provinfo)
		},
		"addAhaUserEnroll": func(ctx context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			username, _ := args["username"].(string)
			return c.provision.AddAhaUserEnroll(ctx, username)
		},
	}
	return h
}

// decodeSvcInfo builds a core.SvcInfo from the loosely-typed args map
// an RPC caller sends over the wire; every field is optional.
func decodeSvcInfo(raw any) core.SvcInfo {
	m, _ := raw.(map[string]any)
	var info core.SvcInfo
	if urlinfo, ok := m["urlinfo"].(map[string]any); ok {
		info.UrlInfo.Scheme, _ = urlinfo["scheme"].(string)
		info.UrlInfo.Host, _ = urlinfo["host"].(string)
		info.UrlInfo.Path, _ = urlinfo["path"].(string)
		if port, ok := urlinfo["port"].(float64); ok {
			info.UrlInfo.Port = int(port)
		}
	}
	info.Ready, _ = m["ready"].(bool)
	info.Leader, _ = m["leader"].(bool)
	info.Run, _ = m["run"].(string)
	return info
}
