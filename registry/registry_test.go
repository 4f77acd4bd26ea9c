package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "echo", Endpoint{ID: "a", Address: "127.0.0.1:8002"}, time.Second))
	require.NoError(t, reg.Register(ctx, "echo", Endpoint{ID: "b", Address: "127.0.0.1:8001"}, time.Second))

	endpoints, err := reg.Discover(ctx, "echo")
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:8001", "127.0.0.1:8002"}, addresses(endpoints))

	require.NoError(t, reg.Deregister(ctx, "echo", "127.0.0.1:8001"))
	require.NoError(t, reg.Deregister(ctx, "echo", "127.0.0.1:9999"))
	endpoints, err = reg.Discover(ctx, "echo")
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:8002"}, addresses(endpoints))

	endpoints, err = reg.Discover(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, endpoints)
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	ch := reg.Watch(ctx, "echo")
	require.Empty(t, <-ch)

	require.NoError(t, reg.Register(ctx, "echo", Endpoint{Address: "a:1"}, time.Second))
	require.Equal(t, []string{"a:1"}, addresses(<-ch))

	// only the latest list is kept for a slow watcher
	require.NoError(t, reg.Register(ctx, "echo", Endpoint{Address: "b:1"}, time.Second))
	require.NoError(t, reg.Deregister(ctx, "echo", "a:1"))
	require.Equal(t, []string{"b:1"}, addresses(<-ch))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryCloseEndsWatches(t *testing.T) {
	reg := NewMemoryRegistry()
	ch := reg.Watch(context.Background(), "echo")
	<-ch
	require.NoError(t, reg.Close())
	_, ok := <-ch
	require.False(t, ok)
	_, ok = <-reg.Watch(context.Background(), "echo")
	require.False(t, ok)
}

type fakeInvoker struct {
	address  string
	services []string
}

func (f fakeInvoker) Services() []string { return f.services }

func (f fakeInvoker) GetConnectAddress() string { return f.address }

func TestAdvertise(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	withdraw, err := Advertise(ctx, reg, fakeInvoker{address: "host:7777", services: []string{"echo", "arith"}}, 10*time.Second)
	require.NoError(t, err)

	for _, service := range []string{"echo", "arith"} {
		endpoints, err := reg.Discover(ctx, service)
		require.NoError(t, err)
		require.Len(t, endpoints, 1)
		require.Equal(t, "host:7777", endpoints[0].Address)
		require.Equal(t, 1, endpoints[0].Version)
		require.NotEmpty(t, endpoints[0].ID)
	}

	require.NoError(t, withdraw(ctx))
	endpoints, err := reg.Discover(ctx, "echo")
	require.NoError(t, err)
	require.Empty(t, endpoints)

	_, err = Advertise(ctx, reg, fakeInvoker{services: []string{"echo"}}, time.Second)
	require.Error(t, err)
}

func addresses(endpoints []Endpoint) []string {
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, e.Address)
	}
	return out
}
