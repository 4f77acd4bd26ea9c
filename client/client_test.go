package client

import (
	"context"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"binrpc/async"
	"binrpc/conf"
	"binrpc/errors"
	"binrpc/message"
	"binrpc/protocol"
	"github.com/stretchr/testify/require"
)

type Sleeper interface {
	Nap(name string) string
	Later(name string) *async.Future[string]
	Ping(n int, cb async.Callback[int])
}

// silentServer records every request it receives and never answers.
type silentServer struct {
	ln       net.Listener
	lock     sync.Mutex
	requests []*message.Request
	conns    []net.Conn
}

func startSilent(t *testing.T) *silentServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &silentServer{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.lock.Lock()
			s.conns = append(s.conns, c)
			s.lock.Unlock()
			go s.read(c)
		}
	}()
	t.Cleanup(s.close)
	return s
}

func (s *silentServer) read(c net.Conn) {
	dec := protocol.NewFrameDecoder(conf.DefaultMaxFrameSize)
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		_ = dec.Feed(buf[:n], func(frame []byte) {
			if req, err := protocol.DecodeRequest(frame); err == nil {
				s.lock.Lock()
				s.requests = append(s.requests, req)
				s.lock.Unlock()
			}
		})
	}
}

func (s *silentServer) received() []*message.Request {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*message.Request(nil), s.requests...)
}

func (s *silentServer) close() {
	_ = s.ln.Close()
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func await(t *testing.T, run func(onComplete func())) {
	done := make(chan struct{})
	run(func() { close(done) })
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("lifecycle callback not called")
	}
}

func newInvoker(t *testing.T, timeout time.Duration) *Invoker {
	cfg := conf.NewClientConfig()
	cfg.Timeout = timeout
	c, err := NewInvoker(cfg)
	require.NoError(t, err)
	return c
}

func startInvoker(t *testing.T, timeout time.Duration) *Invoker {
	c := newInvoker(t, timeout)
	await(t, c.Start)
	t.Cleanup(func() { await(t, c.Stop) })
	return c
}

func TestGetProxyValidation(t *testing.T) {
	c := newInvoker(t, time.Second)
	_, err := c.GetProxy("h:1", "svc", reflect.TypeOf(0), protocol.Version)
	require.True(t, errors.IsCode(err, errors.InvalidConfiguration))
	_, err = NewProxy[Sleeper](c, "h:1", "")
	require.True(t, errors.IsCode(err, errors.InvalidConfiguration))
	_, err = NewProxy[Sleeper](c, "h:1", "svc", WithSerialization("Nap", "xml"))
	require.True(t, errors.IsCode(err, errors.InvalidConfiguration))
	_, err = c.GetProxy("h:1", "svc", reflect.TypeFor[Sleeper](), 2)
	require.True(t, errors.IsCode(err, errors.InvalidConfiguration))

	p, err := NewProxy[Sleeper](c, "h:1", "svc")
	require.NoError(t, err)
	m, ok := p.Method("Later")
	require.True(t, ok)
	require.Equal(t, "Later,T", m.Signature)
	require.Equal(t, "svc", p.Service())
	require.Equal(t, "h:1", p.Address())
	require.Equal(t, p.Hash(), p.Hash())

	other, err := NewProxy[Sleeper](c, "h:1", "svc")
	require.NoError(t, err)
	require.False(t, p.Equal(other))
}

func TestProxyMethodMismatch(t *testing.T) {
	c := newInvoker(t, time.Second)
	p, err := NewProxy[Sleeper](c, "h:1", "svc")
	require.NoError(t, err)
	_, err = Call[string](context.Background(), p, "Later", "x")
	require.True(t, errors.IsCode(err, errors.InvocationError))
	_, err = Call[int](context.Background(), p, "Nap", "x")
	require.True(t, errors.IsCode(err, errors.InvocationError))
	_, err = Call[string](context.Background(), p, "Missing")
	require.True(t, errors.IsCode(err, errors.InvocationError))
	_, err = Call[string](context.Background(), p, "Nap", 1)
	require.True(t, errors.IsCode(err, errors.InvocationError))
	_, err = p.Invoke(context.Background(), "Ping", 1)
	require.True(t, errors.IsCode(err, errors.InvocationError))
}

func TestCallBeforeStart(t *testing.T) {
	c := newInvoker(t, time.Second)
	p, err := NewProxy[Sleeper](c, "127.0.0.1:1", "svc")
	require.NoError(t, err)
	_, err = Call[string](context.Background(), p, "Nap", "x")
	require.True(t, errors.IsCode(err, errors.InvocationError))
	require.Contains(t, err.Error(), "not started")
}

func TestTimeoutRemovesPendingCall(t *testing.T) {
	s := startSilent(t)
	c := startInvoker(t, 100*time.Millisecond)
	p, err := NewProxy[Sleeper](c, s.ln.Addr().String(), "svc")
	require.NoError(t, err)

	started := time.Now()
	_, err = Call[string](context.Background(), p, "Nap", "x")
	require.True(t, errors.IsCode(err, errors.Timeout), "%v", err)
	require.Less(t, time.Since(started), 5*time.Second)
	require.Equal(t, 0, c.Pending())
}

func TestTimeoutShorterThanSendStillFires(t *testing.T) {
	s := startSilent(t)
	c := startInvoker(t, time.Microsecond)
	p, err := NewProxy[Sleeper](c, s.ln.Addr().String(), "svc")
	require.NoError(t, err)

	futures := make([]*async.Future[string], 20)
	for i := range futures {
		futures[i], err = CallFuture[string](p, "Later", "x")
		require.NoError(t, err)
	}
	for i, f := range futures {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := f.Get(ctx)
		cancel()
		require.True(t, errors.IsCode(err, errors.Timeout), "future %d: %v", i, err)
	}
	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTimedOutCallbackRunsOnConnectionQueue(t *testing.T) {
	s := startSilent(t)
	c := startInvoker(t, 50*time.Millisecond)
	address := s.ln.Addr().String()
	p, err := NewProxy[Sleeper](c, address, "svc")
	require.NoError(t, err)
	conn := c.pool.Load().Get(address)

	type outcome struct {
		err     error
		onQueue bool
	}
	done := make(chan outcome, 1)
	require.NoError(t, CallAsync[int](p, "Ping", func(_ int, err error) {
		done <- outcome{err: err, onQueue: conn.Queue().IsExecuting()}
	}, 1))
	select {
	case o := <-done:
		require.True(t, errors.IsCode(o.err, errors.Timeout), "%v", o.err)
		require.True(t, o.onQueue)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not called")
	}
}

func TestContextAbandonsBlockingCall(t *testing.T) {
	s := startSilent(t)
	c := startInvoker(t, 0)
	p, err := NewProxy[Sleeper](c, s.ln.Addr().String(), "svc")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Call[string](ctx, p, "Nap", "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, c.Pending())
}

func TestCorrelationIDsAreUnique(t *testing.T) {
	s := startSilent(t)
	c := startInvoker(t, 0)
	p, err := NewProxy[Sleeper](c, s.ln.Addr().String(), "svc")
	require.NoError(t, err)

	const calls = 200
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := CallFuture[string](p, "Later", "x"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(s.received()) == calls }, 5*time.Second, 10*time.Millisecond)

	ids := map[uint64]bool{}
	for _, req := range s.received() {
		require.Equal(t, "svc", req.Service)
		require.Equal(t, "Later,T", req.Signature)
		ids[req.CorrelationID] = true
	}
	require.Len(t, ids, calls)
	require.Equal(t, calls, c.Pending())
}

func TestStopFailsPendingCalls(t *testing.T) {
	s := startSilent(t)
	c := newInvoker(t, 0)
	await(t, c.Start)
	p, err := NewProxy[Sleeper](c, s.ln.Addr().String(), "svc")
	require.NoError(t, err)

	f, err := CallFuture[string](p, "Later", "x")
	require.NoError(t, err)
	pinged := make(chan error, 1)
	require.NoError(t, CallAsync[int](p, "Ping", func(_ int, err error) { pinged <- err }, 1))
	require.Eventually(t, func() bool { return len(s.received()) == 2 }, 5*time.Second, 10*time.Millisecond)

	await(t, c.Stop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = f.Get(ctx)
	require.True(t, errors.IsCode(err, errors.TransportFailure), "%v", err)
	select {
	case err := <-pinged:
		require.True(t, errors.IsCode(err, errors.TransportFailure), "%v", err)
	case <-ctx.Done():
		t.Fatal("callback not failed")
	}
	require.Equal(t, 0, c.Pending())

	// idempotent
	await(t, c.Stop)
}

func TestPeerCloseFailsPendingCalls(t *testing.T) {
	s := startSilent(t)
	c := startInvoker(t, 0)
	p, err := NewProxy[Sleeper](c, s.ln.Addr().String(), "svc")
	require.NoError(t, err)

	f, err := CallFuture[string](p, "Later", "x")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	s.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = f.Get(ctx)
	require.True(t, errors.IsCode(err, errors.TransportFailure), "%v", err)
	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := startInvoker(t, 5*time.Second)
	p, err := NewProxy[Sleeper](c, address, "svc")
	require.NoError(t, err)
	_, err = Call[string](context.Background(), p, "Nap", "x")
	require.True(t, errors.IsCode(err, errors.TransportFailure), "%v", err)
}
