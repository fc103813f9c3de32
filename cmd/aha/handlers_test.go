package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-link/aha/internal/hive"
	"github.com/vertex-link/aha/internal/nexus"
	"github.com/vertex-link/aha/internal/pki"
	"github.com/vertex-link/aha/internal/pool"
	"github.com/vertex-link/aha/internal/provision"
	"github.com/vertex-link/aha/internal/registry"
	"github.com/vertex-link/aha/internal/slab"
	"github.com/vertex-link/aha/internal/transport/pipe"
	"github.com/vertex-link/aha/internal/transport/rpc"
)

func newTestCell(t *testing.T) *cell {
	t.Helper()
	tree := hive.New()
	leader := nexus.NewLeader(slab.NewMemLog(), tree)
	pkiAuth := pki.NewAuthority("root-secret", leader, tree)
	reg := registry.New(leader, tree, "")
	poolMgr := pool.New(leader, tree)
	provAuth := provision.New(leader, tree, pkiAuth, provision.Config{
		AhaURLs: []string{"aha-1.example.internal"}, Network: "example", ProvisionListen: "0.0.0.0:7303",
	})
	return &cell{log: leader, registry: reg, pool: poolMgr, pki: pkiAuth, provision: provAuth}
}

func dialHandlers(t *testing.T, handlers map[string]rpc.HandlerFunc) *rpc.Client {
	t.Helper()
	pl := pipe.NewListener()
	srv := rpc.NewServer(pl, handlers)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)

	conn, err := pl.Dial()
	require.NoError(t, err)
	client := rpc.NewClient(conn)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAddAhaSvcThenGetAhaSvc(t *testing.T) {
	c := newTestCell(t)
	client := dialHandlers(t, c.mainHandlers())
	ctx := context.Background()

	_, err := client.Call(ctx, "addAhaSvc", map[string]any{
		"name":    "graphcore",
		"network": "example",
		"info": map[string]any{
			"urlinfo": map[string]any{"scheme": "grpc", "host": "10.0.0.1", "port": float64(9000)},
			"ready":   true,
		},
	}, nil)
	require.NoError(t, err)

	result, err := client.Call(ctx, "getAhaSvc", map[string]any{"fullname": "graphcore.example"}, nil)
	require.NoError(t, err)
	rec, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "graphcore", rec["name"])
	assert.Equal(t, "example", rec["network"])
}

func TestSetAhaSvcDownClearsOnline(t *testing.T) {
	c := newTestCell(t)
	client := dialHandlers(t, c.mainHandlers())
	ctx := context.Background()

	_, err := client.Call(ctx, "addAhaSvc", map[string]any{
		"name": "graphcore", "network": "example", "info": map[string]any{"ready": true},
	}, nil)
	require.NoError(t, err)

	_, err = client.Call(ctx, "setAhaSvcDown", map[string]any{"name": "graphcore", "network": "example"}, nil)
	require.NoError(t, err)

	all, err := c.registry.GetAhaSvcs("example")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].SvcInfo.Online != "")
}

func TestAddAhaPoolAndAddAhaPoolSvc(t *testing.T) {
	c := newTestCell(t)
	client := dialHandlers(t, c.mainHandlers())
	ctx := context.Background()

	_, err := client.Call(ctx, "addAhaSvc", map[string]any{
		"name": "graphcore", "network": "example", "info": map[string]any{"ready": true},
	}, nil)
	require.NoError(t, err)

	_, err = client.Call(ctx, "addAhaPool", map[string]any{"fullname": "shards.example", "creatorUserIden": "root"}, nil)
	require.NoError(t, err)

	_, err = client.Call(ctx, "addAhaPoolSvc", map[string]any{
		"pool": "shards.example", "svc": "graphcore.example", "creatorUserIden": "root",
	}, nil)
	require.NoError(t, err)

	result, err := client.Call(ctx, "getAhaPool", map[string]any{"fullname": "shards.example"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestGenCaCertThenSignHostCsr(t *testing.T) {
	c := newTestCell(t)
	client := dialHandlers(t, c.mainHandlers())
	ctx := context.Background()

	_, err := client.Call(ctx, "genCaCert", map[string]any{"network": "example"}, nil)
	require.NoError(t, err)

	key, _, err := pki.GenerateKey()
	require.NoError(t, err)
	csr, err := pki.GenerateCSR(key, "graphcore.example")
	require.NoError(t, err)

	result, err := client.Call(ctx, "signHostCsr", map[string]any{"csr": string(csr)}, nil)
	require.NoError(t, err)
	cert, ok := result.(string)
	require.True(t, ok)
	assert.NotEmpty(t, cert)
}

func TestDecodeSvcInfoHandlesPartialInput(t *testing.T) {
	info := decodeSvcInfo(map[string]any{
		"urlinfo": map[string]any{"scheme": "grpc", "port": float64(443)},
		"leader":  true,
	})
	assert.Equal(t, "grpc", info.UrlInfo.Scheme)
	assert.Equal(t, 443, info.UrlInfo.Port)
	assert.True(t, info.Leader)
	assert.False(t, info.Ready)
}

func TestDecodeSvcInfoHandlesNil(t *testing.T) {
	info := decodeSvcInfo(nil)
	assert.Empty(t, info.UrlInfo.Scheme)
}
