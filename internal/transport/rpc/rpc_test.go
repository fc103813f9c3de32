package rpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-link/aha/internal/core"
	"github.com/vertex-link/aha/internal/transport/pipe"
	"github.com/vertex-link/aha/internal/transport/rpc"
)

func startEchoServer(t *testing.T) (*pipe.Listener, *rpc.Server) {
	t.Helper()
	pl := pipe.NewListener()
	handlers := map[string]rpc.HandlerFunc{
		"echo": func(_ context.Context, _ *rpc.ServerConn, args, _ map[string]any) (any, error) {
			return args["greeting"], nil
		},
		"boom": func(_ context.Context, _ *rpc.ServerConn, _, _ map[string]any) (any, error) {
			return nil, &core.ErrBadArg{Reason: "boom"}
		},
		"push": func(_ context.Context, conn *rpc.ServerConn, _, _ map[string]any) (any, error) {
			return nil, conn.PushEvent("aha:svcadd", map[string]string{"name": "foo"})
		},
	}
	srv := rpc.NewServer(pl, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)

	return pl, srv
}

func TestCallRoundTripsResult(t *testing.T) {
	pl, _ := startEchoServer(t)
	defer pl.Close()

	conn, err := pl.Dial()
	require.NoError(t, err)
	client := rpc.NewClient(conn)
	defer client.Close()

	result, err := client.Call(context.Background(), "echo", map[string]any{"greeting": "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestCallUnknownMethodReturnsNoSuchName(t *testing.T) {
	pl, _ := startEchoServer(t)
	defer pl.Close()

	conn, err := pl.Dial()
	require.NoError(t, err)
	client := rpc.NewClient(conn)
	defer client.Close()

	_, err = client.Call(context.Background(), "nope", nil, nil)
	require.Error(t, err)
	var domainErr *core.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, core.ErrorCodeNoSuchName, domainErr.Code)
}

func TestCallPropagatesHandlerError(t *testing.T) {
	pl, _ := startEchoServer(t)
	defer pl.Close()

	conn, err := pl.Dial()
	require.NoError(t, err)
	client := rpc.NewClient(conn)
	defer client.Close()

	_, err = client.Call(context.Background(), "boom", nil, nil)
	require.Error(t, err)
	var domainErr *core.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, core.ErrorCodeBadArg, domainErr.Code)
}

func TestOnEventDeliversServerPush(t *testing.T) {
	pl, _ := startEchoServer(t)
	defer pl.Close()

	conn, err := pl.Dial()
	require.NoError(t, err)
	client := rpc.NewClient(conn)
	defer client.Close()

	waiter := rpc.NewWaiter()
	cancel := client.OnEvent("aha:svcadd", waiter.Notify)
	defer cancel()

	_, err = client.Call(context.Background(), "push", nil, nil)
	require.NoError(t, err)

	require.True(t, waiter.Wait(1, time.Second))
}

func TestDisconnectHookFiresOnClose(t *testing.T) {
	pl := pipe.NewListener()
	defer pl.Close()

	var closedIden string
	done := make(chan struct{})
	handlers := map[string]rpc.HandlerFunc{}
	srv := rpc.NewServer(pl, handlers).WithOnDisconnect(func(_ context.Context, linkIden string) error {
		closedIden = linkIden
		close(done)
		return nil
	})

	var connected string
	srv.WithOnConnect(func(conn *rpc.ServerConn) { connected = conn.LinkIden() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)

	conn, err := pl.Dial()
	require.NoError(t, err)
	client := rpc.NewClient(conn)
	require.NoError(t, client.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disconnect hook did not fire")
	}
	assert.Equal(t, connected, closedIden)
}

func TestWaiterWaitTimesOutWhenThresholdNotReached(t *testing.T) {
	w := rpc.NewWaiter()
	w.Notify(nil)
	assert.False(t, w.Wait(2, 50*time.Millisecond))
	assert.Equal(t, 1, w.Count())
}
