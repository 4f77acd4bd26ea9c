package transport

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"binrpc/conf"
	"binrpc/dispatch"
	"binrpc/errors"
	"binrpc/message"
	"binrpc/protocol"
	"github.com/stretchr/testify/require"
)

// recorder collects transport events and flushes a Backlog attachment on
// refill.
type recorder struct {
	frames       chan []byte
	failures     chan error
	connected    atomic.Int32
	disconnected chan struct{}
	onFrame      func(t *Transport, frame []byte)
}

func newRecorder() *recorder {
	return &recorder{
		frames:       make(chan []byte, 10000),
		failures:     make(chan error, 10),
		disconnected: make(chan struct{}, 10),
	}
}

func (r *recorder) OnConnected(t *Transport) {
	r.connected.Add(1)
	if t.Attachment() == nil {
		t.SetAttachment(NewBacklog(t))
	}
}

func (r *recorder) OnFrame(t *Transport, frame []byte) {
	if r.onFrame != nil {
		r.onFrame(t, frame)
		return
	}
	r.frames <- frame
}

func (r *recorder) OnRefill(t *Transport) {
	if b, ok := t.Attachment().(*Backlog); ok {
		b.Refill()
	}
}

func (r *recorder) OnFailure(t *Transport, err error) {
	r.failures <- err
}

func (r *recorder) OnDisconnected(t *Transport) {
	r.disconnected <- struct{}{}
}

func echoRecorder() *recorder {
	r := newRecorder()
	r.onFrame = func(t *Transport, frame []byte) {
		t.Attachment().(*Backlog).Send(frame)
	}
	return r
}

func testConfig() *conf.TransportConfig {
	cfg := &conf.TransportConfig{}
	cfg.ApplyDefaults()
	return cfg
}

func startServer(t *testing.T, cfg *conf.TransportConfig, listener Listener) *Server {
	d := dispatch.NewDispatcher("server", 2)
	srv := NewServer(cfg, d, listener)
	require.NoError(t, srv.Bind("127.0.0.1:0"))
	started := make(chan struct{})
	srv.Start(func() { close(started) })
	<-started
	t.Cleanup(func() {
		stopped := make(chan struct{})
		srv.Stop(func() { close(stopped) })
		<-stopped
		d.Stop()
	})
	return srv
}

func startClient(t *testing.T, cfg *conf.TransportConfig, listener Listener, address string) *Transport {
	q := dispatch.NewQueue("client")
	ct := Connect(cfg, q, listener, address)
	started := make(chan struct{})
	ct.Start(func() { close(started) })
	<-started
	t.Cleanup(func() {
		stopped := make(chan struct{})
		ct.Stop(func() { close(stopped) })
		<-stopped
		q.Stop()
	})
	return ct
}

func frameOf(id uint64, payload string) []byte {
	return protocol.EncodeResponse(&message.Response{CorrelationID: id, Payload: []byte(payload)})
}

func send(ct *Transport, frames ...[]byte) {
	ct.Queue().Execute(func() {
		b, ok := ct.Attachment().(*Backlog)
		if !ok {
			b = NewBacklog(ct)
			ct.SetAttachment(b)
		}
		for _, f := range frames {
			b.Send(f)
		}
	})
}

func receive(t *testing.T, r *recorder, n int) [][]byte {
	var got [][]byte
	timeout := time.After(10 * time.Second)
	for len(got) < n {
		select {
		case f := <-r.frames:
			got = append(got, f)
		case <-timeout:
			t.Fatalf("received %d of %d frames", len(got), n)
		}
	}
	return got
}

func TestEchoOverLoopback(t *testing.T) {
	cfg := testConfig()
	srv := startServer(t, cfg, echoRecorder())
	rec := newRecorder()
	ct := startClient(t, cfg, rec, srv.Addr().String())

	send(ct, frameOf(1, "hi"))
	got := receive(t, rec, 1)
	resp, err := protocol.DecodeResponse(got[0])
	require.NoError(t, err)
	require.Equal(t, uint64(1), resp.CorrelationID)
	require.Equal(t, "hi", string(resp.Payload))
	require.Equal(t, int32(1), rec.connected.Load())
	require.Equal(t, 1, srv.Connections())
}

func TestOfferRefusesWhenBufferFull(t *testing.T) {
	cfg := testConfig()
	cfg.WriteBufferSize = 256
	cfg.WriteBudget = 64
	srv := startServer(t, testConfig(), echoRecorder())
	rec := newRecorder()
	ct := startClient(t, cfg, rec, srv.Addr().String())

	const n = 500
	var frames [][]byte
	for i := 0; i < n; i++ {
		frames = append(frames, frameOf(uint64(i), fmt.Sprintf("frame-%d", i)))
	}
	refused := make(chan int, 1)
	ct.Queue().Execute(func() {
		b := NewBacklog(ct)
		ct.SetAttachment(b)
		for _, f := range frames {
			b.Send(f)
		}
		refused <- b.Len()
	})
	require.Greater(t, <-refused, 0)

	got := receive(t, rec, n)
	for i, f := range got {
		require.True(t, bytes.Equal(frames[i], f), "frame %d out of order or corrupted", i)
	}
	select {
	case extra := <-rec.frames:
		t.Fatalf("unexpected duplicate frame %v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOfferReturnsFalseAboveWriteBufferSize(t *testing.T) {
	cfg := testConfig()
	cfg.WriteBufferSize = 10
	q := dispatch.NewQueue("offer")
	defer q.Stop()
	// never started, so nothing drains
	ct := Connect(cfg, q, newRecorder(), "127.0.0.1:1")
	res := make(chan []bool, 1)
	q.Execute(func() {
		res <- []bool{ct.Offer(make([]byte, 8)), ct.Offer(make([]byte, 8)), ct.Offer(make([]byte, 8))}
	})
	require.Equal(t, []bool{true, true, false}, <-res)
	require.Panics(t, func() { ct.Offer(nil) })
}

func TestWriteRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWriteRate = 4096
	srv := startServer(t, testConfig(), echoRecorder())
	rec := newRecorder()
	ct := startClient(t, cfg, rec, srv.Addr().String())

	const n = 100
	var frames [][]byte
	for i := 0; i < n; i++ {
		frames = append(frames, frameOf(uint64(i), string(bytes.Repeat([]byte{'x'}, 60))))
	}
	begin := time.Now()
	send(ct, frames...)
	got := receive(t, rec, n)
	require.Greater(t, time.Since(begin), 500*time.Millisecond)
	for i := range got {
		require.Equal(t, frames[i], got[i])
	}
}

func TestReadRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReadRate = 4096
	srv := startServer(t, testConfig(), echoRecorder())
	rec := newRecorder()
	ct := startClient(t, cfg, rec, srv.Addr().String())

	// about 13 KiB comes back: one burst, then at least two refills
	const n = 100
	var frames [][]byte
	total := 0
	for i := 0; i < n; i++ {
		f := frameOf(uint64(i), string(bytes.Repeat([]byte{'r'}, 120)))
		frames = append(frames, f)
		total += len(f)
	}
	require.Greater(t, total, 3*cfg.MaxReadRate)

	begin := time.Now()
	send(ct, frames...)
	got := receive(t, rec, n)
	require.GreaterOrEqual(t, time.Since(begin), 1500*time.Millisecond)
	for i := range got {
		require.Equal(t, frames[i], got[i], "frame %d", i)
	}
	select {
	case extra := <-rec.frames:
		t.Fatalf("unexpected extra frame %v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeerCloseFailsTransport(t *testing.T) {
	cfg := testConfig()
	d := dispatch.NewDispatcher("server", 1)
	defer d.Stop()
	srv := NewServer(cfg, d, echoRecorder())
	require.NoError(t, srv.Bind("127.0.0.1:0"))
	srv.Start(nil)

	rec := newRecorder()
	ct := startClient(t, cfg, rec, srv.Addr().String())
	send(ct, frameOf(1, "ping"))
	receive(t, rec, 1)

	stopped := make(chan struct{})
	srv.Stop(func() { close(stopped) })
	<-stopped

	select {
	case err := <-rec.failures:
		require.True(t, errors.IsCode(err, errors.TransportFailure))
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}
	<-rec.disconnected

	state := make(chan SocketState, 1)
	ct.Queue().Execute(func() { state <- ct.SocketState() })
	require.Equal(t, Canceled, <-state)

	offered := make(chan bool, 1)
	ct.Queue().Execute(func() { offered <- ct.Offer(frameOf(2, "late")) })
	require.False(t, <-offered)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	rec := newRecorder()
	ct := startClient(t, testConfig(), rec, address)
	select {
	case err := <-rec.failures:
		require.True(t, errors.IsCode(err, errors.TransportFailure))
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}
	state := make(chan SocketState, 1)
	ct.Queue().Execute(func() { state <- ct.SocketState() })
	require.Equal(t, Canceled, <-state)
}

func TestTransportLifecycleCallbacksRunOnce(t *testing.T) {
	srv := startServer(t, testConfig(), echoRecorder())
	q := dispatch.NewQueue("client")
	defer q.Stop()
	ct := Connect(testConfig(), q, newRecorder(), srv.Addr().String())

	var starts, stops atomic.Int32
	ct.Start(func() { starts.Add(1) })
	ct.Start(func() { starts.Add(1) })
	ct.Stop(func() { stops.Add(1) })
	ct.Stop(func() { stops.Add(1) })
	require.Eventually(t, func() bool {
		return starts.Load() == 2 && stops.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)

	state := make(chan ServiceState, 1)
	q.Execute(func() { state <- ct.ServiceState() })
	require.Equal(t, Stopped, <-state)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), starts.Load())
	require.Equal(t, int32(2), stops.Load())
}

func TestSuspendRead(t *testing.T) {
	srv := startServer(t, testConfig(), echoRecorder())
	rec := newRecorder()
	ct := startClient(t, testConfig(), rec, srv.Addr().String())
	send(ct, frameOf(1, "a"))
	receive(t, rec, 1)

	ct.Queue().Execute(ct.SuspendRead)
	send(ct, frameOf(2, "b"))
	select {
	case <-rec.frames:
		t.Fatal("frame delivered while reads are suspended")
	case <-time.After(200 * time.Millisecond):
	}
	ct.Queue().Execute(ct.ResumeRead)
	receive(t, rec, 1)
}

func TestLocalHostnameDialsLocalhost(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)
	require.Equal(t, "localhost:4000", resolveLocalHost(net.JoinHostPort(hostname, "4000")))
	require.Equal(t, "10.1.2.3:4000", resolveLocalHost("10.1.2.3:4000"))
	require.Equal(t, "not-an-address", resolveLocalHost("not-an-address"))
}
