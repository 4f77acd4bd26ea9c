// Package transport moves length-prefixed frames across TCP connections
// without blocking the goroutine that produces them.
//
// Every Transport is pinned to one dispatch.Queue. Its state is only touched
// by tasks on that queue. Blocking socket I/O happens on two helper
// goroutines, the read and write registrations, which the queue drives with
// one command at a time:
//
//	queue ──"read ≤ n bytes"──→ reader goroutine ──conn.Read──→ queue: decode frames → Listener.OnFrame
//	queue ──"write chunk"─────→ writer goroutine ──conn.Write─→ queue: more? next chunk : Listener.OnRefill
//
// Suspending a registration means not sending it another command. Offer
// refuses frames once WriteBufferSize bytes are waiting; producers park them
// in a Backlog until OnRefill.
package transport

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"binrpc/conf"
	"binrpc/dispatch"
	"binrpc/errors"
	"binrpc/logger"
	"binrpc/protocol"
)

// Listener receives the events of a transport. Every method is called on
// the transport's queue.
type Listener interface {
	OnConnected(t *Transport)
	OnFrame(t *Transport, frame []byte)
	// OnRefill signals that the outbound buffer drained and Offer will
	// accept frames again.
	OnRefill(t *Transport)
	OnFailure(t *Transport, err error)
	OnDisconnected(t *Transport)
}

var transportIDs atomic.Uint64

type Transport struct {
	id         uint64
	cfg        *conf.TransportConfig
	queue      *dispatch.Queue
	listener   Listener
	lifecycle  Lifecycle
	remote     string      // dial address, empty for accepted connections
	conn       net.Conn    // nil until connected
	socket     SocketState // queue only
	cancelDial context.CancelFunc
	dialSeq    int
	cancelWait []func()    // stop completions waiting for CANCELED
	openRegs   int         // registrations not yet confirmed cancelled
	readCmds   chan int    // read registration, carries the byte limit
	writeCmds  chan []byte // write registration, carries a chunk
	reading    bool        // a read command is outstanding
	writing    bool        // a write command is outstanding
	suspended  bool        // reads suspended by the owner
	held       func()      // read result that arrived while suspended
	decoder    *protocol.FrameDecoder
	outbound   [][]byte // frames accepted by Offer, first one possibly partly written
	outOffset  int      // bytes of outbound[0] already written
	outSize    int      // unwritten bytes in outbound
	readLimit  *throttle
	writeLimit *throttle
	refill     *time.Timer
	failed     bool
	attachment any
}

func newTransport(cfg *conf.TransportConfig, queue *dispatch.Queue, listener Listener) *Transport {
	t := &Transport{
		id:         transportIDs.Add(1),
		cfg:        cfg,
		queue:      queue,
		listener:   listener,
		decoder:    protocol.NewFrameDecoder(cfg.MaxFrameSize),
		readLimit:  newThrottle(cfg.MaxReadRate),
		writeLimit: newThrottle(cfg.MaxWriteRate),
	}
	t.lifecycle = NewLifecycle("transport", t.doStart, t.doStop)
	return t
}

// Connect returns a client transport that dials address when started. The
// local hostname is dialled as localhost.
func Connect(cfg *conf.TransportConfig, queue *dispatch.Queue, listener Listener, address string) *Transport {
	t := newTransport(cfg, queue, listener)
	t.remote = resolveLocalHost(address)
	return t
}

// Accept returns a server transport for an accepted connection.
func Accept(cfg *conf.TransportConfig, queue *dispatch.Queue, listener Listener, conn net.Conn) *Transport {
	t := newTransport(cfg, queue, listener)
	t.conn = conn
	configureConn(cfg, conn)
	return t
}

func resolveLocalHost(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return address
	}
	if strings.EqualFold(host, hostname) {
		return net.JoinHostPort("localhost", port)
	}
	return address
}

func configureConn(cfg *conf.TransportConfig, conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if cfg.TCPNoDelay != nil {
		_ = tcp.SetNoDelay(*cfg.TCPNoDelay)
	}
	if cfg.ReceiveBufferSize > 0 {
		_ = tcp.SetReadBuffer(cfg.ReceiveBufferSize)
	}
	if cfg.SendBufferSize > 0 {
		_ = tcp.SetWriteBuffer(cfg.SendBufferSize)
	}
}

func (t *Transport) ID() uint64 {
	return t.id
}

func (t *Transport) Queue() *dispatch.Queue {
	return t.queue
}

// RemoteAddress is the dialled address for client transports and the peer
// address for accepted ones.
func (t *Transport) RemoteAddress() string {
	if t.remote != "" {
		return t.remote
	}
	if t.conn != nil {
		return t.conn.RemoteAddr().String()
	}
	return ""
}

func (t *Transport) LocalAddress() string {
	if t.conn != nil {
		return t.conn.LocalAddr().String()
	}
	return ""
}

// Attachment holds per transport state of the owner. Queue only.
func (t *Transport) Attachment() any {
	return t.attachment
}

func (t *Transport) SetAttachment(a any) {
	t.attachment = a
}

// SocketState must be called on the transport's queue.
func (t *Transport) SocketState() SocketState {
	return t.socket
}

// ServiceState must be called on the transport's queue.
func (t *Transport) ServiceState() ServiceState {
	return t.lifecycle.State()
}

// Start may be called from any goroutine; onComplete runs on the queue.
func (t *Transport) Start(onComplete func()) {
	if !t.queue.Execute(func() { t.lifecycle.Start(onComplete) }) {
		runCallback(onComplete)
	}
}

// Stop may be called from any goroutine; onComplete runs once the socket is
// closed and both registrations have exited.
func (t *Transport) Stop(onComplete func()) {
	if !t.queue.Execute(func() { t.lifecycle.Stop(onComplete) }) {
		runCallback(onComplete)
	}
}

func (t *Transport) doStart(done func()) {
	if t.socket == Canceled {
		// restart after a stop
		t.socket = Disconnected
		t.failed = false
		t.conn = nil
		t.decoder = protocol.NewFrameDecoder(t.cfg.MaxFrameSize)
	}
	switch {
	case t.conn != nil:
		t.connected()
	case t.remote != "":
		t.dial()
	}
	done()
}

func (t *Transport) doStop(done func()) {
	t.cancel(done)
}

func (t *Transport) setSocket(to SocketState) {
	if !allowed(socketTransitions, t.socket, to) {
		panic("transport: illegal socket transition " + t.socket.String() + " -> " + to.String())
	}
	t.socket = to
}

func (t *Transport) dial() {
	t.setSocket(Connecting)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelDial = cancel
	t.dialSeq++
	seq := t.dialSeq
	address := t.remote
	timeout := t.cfg.ConnectTimeout
	go func() {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if !t.queue.Execute(func() { t.onDialed(seq, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (t *Transport) onDialed(seq int, conn net.Conn, err error) {
	if seq != t.dialSeq || t.socket != Connecting {
		// cancelled while dialling
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.cancelDial = nil
		t.setSocket(Canceled)
		t.failed = true
		t.listener.OnFailure(t, errors.WithStack(errors.NewTransportFailure(t.remote, err)))
		t.finishCancel()
		return
	}
	t.cancelDial = nil
	configureConn(t.cfg, conn)
	t.conn = conn
	t.connected()
}

func (t *Transport) connected() {
	t.setSocket(Connected)
	t.readCmds = make(chan int, 1)
	t.writeCmds = make(chan []byte, 1)
	t.openRegs = 2
	go t.readLoop(t.conn, t.readCmds)
	go t.writeLoop(t.conn, t.writeCmds)
	if t.readLimit != nil || t.writeLimit != nil {
		t.scheduleRefill()
	}
	if logger.DebugEnabled {
		logger.Debugf("transport %d connected %s -> %s", t.id, t.conn.LocalAddr(), t.conn.RemoteAddr())
	}
	t.listener.OnConnected(t)
	t.issueRead()
	t.issueWrite()
}

// Offer queues frame for writing. It returns false when the outbound buffer
// is full or the transport can no longer write; the caller keeps the frame
// and offers it again after OnRefill.
func (t *Transport) Offer(frame []byte) bool {
	t.queue.AssertExecuting()
	if t.failed || t.socket == Canceling || t.socket == Canceled {
		return false
	}
	if t.outSize >= t.cfg.WriteBufferSize {
		return false
	}
	t.outbound = append(t.outbound, frame)
	t.outSize += len(frame)
	if !t.writing {
		t.issueWrite()
	}
	return true
}

// Full reports whether Offer would currently refuse a frame.
func (t *Transport) Full() bool {
	t.queue.AssertExecuting()
	return t.outSize >= t.cfg.WriteBufferSize
}

func (t *Transport) SuspendRead() {
	t.queue.AssertExecuting()
	t.suspended = true
}

func (t *Transport) ResumeRead() {
	t.queue.AssertExecuting()
	t.suspended = false
	if held := t.held; held != nil {
		t.held = nil
		held()
		return
	}
	t.issueRead()
}

func (t *Transport) issueRead() {
	if t.socket != Connected || t.suspended || t.reading {
		return
	}
	limit := t.readLimit.clamp(t.cfg.ReadBudget)
	if limit == 0 {
		return
	}
	t.reading = true
	t.readCmds <- limit
}

func (t *Transport) readLoop(conn net.Conn, cmds <-chan int) {
	buf := make([]byte, t.cfg.ReadBudget)
	for limit := range cmds {
		n, err := conn.Read(buf[:limit])
		data := buf[:n]
		// buf is reused only after the queue has consumed data and sent the next command
		t.queue.Execute(func() { t.onRead(data, err) })
	}
	if !t.queue.Execute(t.registrationCancelled) {
		_ = conn.Close()
	}
}

func (t *Transport) onRead(data []byte, err error) {
	if t.socket != Connected {
		t.reading = false
		return
	}
	if t.suspended {
		// the reader is idle until the next command, so data stays valid
		t.held = func() { t.onRead(data, err) }
		return
	}
	t.reading = false
	if len(data) > 0 {
		t.readLimit.consume(len(data))
		if decErr := t.decoder.Feed(data, func(frame []byte) {
			if t.socket == Connected {
				t.listener.OnFrame(t, frame)
			}
		}); decErr != nil {
			t.fail(errors.WithStack(decErr))
			return
		}
	}
	if err != nil {
		if err == io.EOF {
			if logger.DebugEnabled {
				logger.Debugf("transport %d: peer %s closed the connection", t.id, t.RemoteAddress())
			}
		} else {
			logger.Warnf("transport %d: read from %s failed: %v", t.id, t.RemoteAddress(), err)
		}
		t.fail(errors.WithStack(errors.NewTransportFailure(t.RemoteAddress(), err)))
		return
	}
	t.issueRead()
}

func (t *Transport) issueWrite() {
	if t.socket != Connected || t.writing || t.outSize == 0 {
		return
	}
	limit := t.writeLimit.clamp(t.cfg.WriteBudget)
	if limit == 0 {
		return
	}
	if limit > t.outSize {
		limit = t.outSize
	}
	chunk := make([]byte, 0, limit)
	offset := t.outOffset
	for i := 0; len(chunk) < limit; i++ {
		frame := t.outbound[i][offset:]
		room := limit - len(chunk)
		if len(frame) > room {
			frame = frame[:room]
		}
		chunk = append(chunk, frame...)
		offset = 0
	}
	t.writing = true
	t.writeCmds <- chunk
}

func (t *Transport) writeLoop(conn net.Conn, cmds <-chan []byte) {
	for chunk := range cmds {
		n, err := conn.Write(chunk)
		t.queue.Execute(func() { t.onWritten(n, err) })
	}
	if !t.queue.Execute(t.registrationCancelled) {
		_ = conn.Close()
	}
}

func (t *Transport) onWritten(n int, err error) {
	t.writing = false
	if t.socket != Connected {
		return
	}
	t.writeLimit.consume(n)
	t.advance(n)
	if err != nil {
		logger.Warnf("transport %d: write to %s failed: %v", t.id, t.RemoteAddress(), err)
		t.fail(errors.WithStack(errors.NewTransportFailure(t.RemoteAddress(), err)))
		return
	}
	if t.outSize > 0 {
		t.issueWrite()
		return
	}
	t.listener.OnRefill(t)
}

func (t *Transport) advance(n int) {
	t.outSize -= n
	for n > 0 {
		remaining := len(t.outbound[0]) - t.outOffset
		if n < remaining {
			t.outOffset += n
			return
		}
		n -= remaining
		t.outbound[0] = nil
		t.outbound = t.outbound[1:]
		t.outOffset = 0
	}
}

func (t *Transport) scheduleRefill() {
	t.refill = t.queue.ExecuteAfter(time.Second, t.onRefillTick)
}

func (t *Transport) onRefillTick() {
	if t.socket != Connected {
		return
	}
	for i := t.readLimit.refill(); i > 0; i-- {
		t.issueRead()
	}
	for i := t.writeLimit.refill(); i > 0; i-- {
		t.issueWrite()
	}
	t.scheduleRefill()
}

// fail reports err once and tears the socket down.
func (t *Transport) fail(err error) {
	if t.failed {
		return
	}
	t.failed = true
	t.listener.OnFailure(t, err)
	t.cancel(nil)
}

// cancel drives the socket to CANCELED. onCancelled runs once it gets there.
func (t *Transport) cancel(onCancelled func()) {
	switch t.socket {
	case Disconnected:
		t.setSocket(Canceled)
		runCallback(onCancelled)
	case Connecting:
		t.cancelWait = appendCallback(t.cancelWait, onCancelled)
		if t.cancelDial != nil {
			t.cancelDial()
			t.cancelDial = nil
		}
		t.setSocket(Canceled)
		t.finishCancel()
	case Connected:
		t.cancelWait = appendCallback(t.cancelWait, onCancelled)
		t.setSocket(Canceling)
		if t.refill != nil {
			t.refill.Stop()
		}
		close(t.readCmds)
		close(t.writeCmds)
		// unblock a registration stuck in Read or Write without closing the socket
		_ = t.conn.SetDeadline(time.Now())
	case Canceling:
		t.cancelWait = appendCallback(t.cancelWait, onCancelled)
	case Canceled:
		runCallback(onCancelled)
	}
}

// registrationCancelled is the fan-in barrier of CANCELING: the socket is
// closed when the last registration confirms it exited.
func (t *Transport) registrationCancelled() {
	t.openRegs--
	if t.openRegs > 0 || t.socket != Canceling {
		return
	}
	_ = t.conn.Close()
	t.setSocket(Canceled)
	t.finishCancel()
}

func (t *Transport) finishCancel() {
	t.held = nil
	t.reading = false
	t.writing = false
	t.outbound = nil
	t.outOffset = 0
	t.outSize = 0
	if logger.DebugEnabled {
		logger.Debugf("transport %d to %s cancelled", t.id, t.RemoteAddress())
	}
	t.listener.OnDisconnected(t)
	waiters := t.cancelWait
	t.cancelWait = nil
	runCallbacks(waiters)
}
