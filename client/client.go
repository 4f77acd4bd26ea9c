// Package client implements the calling side of the engine: proxies turn
// method calls into request frames on pooled transports and the invoker
// matches response frames back to the waiting calls by correlation id.
//
//	Proxy call → encode frame → Pool.Get(address) → [transport queue] pending.Store + Backlog.Send
//	response frame → [transport queue] pending.LoadAndDelete(id) → Handle.Complete
//
// Every pending call is removed exactly once: by its response, its timeout,
// the failure of its transport or the invoker stopping.
package client

import (
	"bytes"
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"binrpc/codec"
	"binrpc/conf"
	"binrpc/dispatch"
	"binrpc/errors"
	"binrpc/invoke"
	"binrpc/logger"
	"binrpc/protocol"
	"binrpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

type pendingCall struct {
	id        uint64
	transport *transport.Transport
	handle    *invoke.Handle
	service   string
	method    string
	timer     *time.Timer
}

type Invoker struct {
	cfg        conf.ClientConfig
	codecs     *codec.Registry
	control    *dispatch.Queue
	lifecycle  transport.Lifecycle
	dispatcher *dispatch.Dispatcher
	pool       atomic.Pointer[transport.Pool]
	pending    *xsync.MapOf[uint64, *pendingCall]
	nextID     atomic.Uint64
}

func NewInvoker(cfg conf.ClientConfig) (*Invoker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Invoker{
		cfg:     cfg,
		codecs:  codec.NewRegistry(),
		control: dispatch.NewQueue("client-control"),
		pending: xsync.NewMapOf[uint64, *pendingCall](),
	}
	c.lifecycle = transport.NewLifecycle("client invoker", c.doStart, c.doStop)
	return c, nil
}

// Codecs returns the serialization strategies available to proxies. Custom
// strategies must be registered before proxies using them are created.
func (c *Invoker) Codecs() *codec.Registry {
	return c.codecs
}

func (c *Invoker) Start(onComplete func()) {
	if !c.control.Execute(func() { c.lifecycle.Start(onComplete) }) {
		runCallback(onComplete)
	}
}

// Stop closes every pooled transport. Calls still pending fail with a
// transport failure.
func (c *Invoker) Stop(onComplete func()) {
	if !c.control.Execute(func() { c.lifecycle.Stop(onComplete) }) {
		runCallback(onComplete)
	}
}

// Pending returns the number of calls awaiting a response.
func (c *Invoker) Pending() int {
	return c.pending.Size()
}

func (c *Invoker) doStart(done func()) {
	c.dispatcher = dispatch.NewDispatcher("client", c.cfg.Dispatch.Queues)
	c.pool.Store(transport.NewPool(&c.cfg.Transport, c.dispatcher, c, c.cfg.PoolSize, c.cfg.IdleTimeout))
	done()
}

func (c *Invoker) doStop(done func()) {
	pool := c.pool.Swap(nil)
	dispatcher := c.dispatcher
	c.dispatcher = nil
	pool.Stop(func() {
		go func() {
			c.pending.Range(func(_ uint64, call *pendingCall) bool {
				c.failOnQueue(call, errors.WithStack(errors.NewRPCError(errors.TransportFailure, "client invoker stopped")))
				return true
			})
			dispatcher.Stop()
			if !c.control.Execute(done) {
				done()
			}
		}()
	})
}

// request encodes a call of m, sends it to address and returns its handle.
// The call is pending once request returns without error.
func (c *Invoker) request(p *Proxy, m *invoke.Method, args []reflect.Value, callback reflect.Value) (*invoke.Handle, uint64, error) {
	pool := c.pool.Load()
	if pool == nil {
		return nil, 0, errors.WithStack(errors.NewRPCError(errors.InvocationError, "client invoker is not started"))
	}
	id := c.nextID.Add(1)
	var buf bytes.Buffer
	start := protocol.BeginRequest(&buf, id, p.service, m.Signature)
	if err := m.BuildRequest(&buf, args); err != nil {
		return nil, 0, err
	}
	protocol.EndFrame(&buf, start)
	frame := buf.Bytes()

	t := pool.Get(p.address)
	call := &pendingCall{
		id:        id,
		transport: t,
		handle:    invoke.NewHandle(m, callback),
		service:   p.service,
		method:    m.Name,
	}
	if logger.DebugEnabled {
		logger.Debugf("request %d %s.%s to %s", id, p.service, m.Name, p.address)
	}
	if !t.Queue().Execute(func() { c.send(call, frame) }) {
		return nil, 0, errors.WithStack(errors.NewTransportFailure(p.address, errors.New("connection queue stopped")))
	}
	return call.handle, id, nil
}

// send runs on the transport's queue, so the response cannot be processed
// before the call is registered. The timeout is armed here too: its failure
// is queued behind send and always finds the call pending.
func (c *Invoker) send(call *pendingCall, frame []byte) {
	t := call.transport
	if c.cfg.Timeout > 0 {
		call.timer = time.AfterFunc(c.cfg.Timeout, func() {
			c.failOnQueue(call, errors.WithStack(errors.NewTimeoutError(call.id, call.service, call.method)))
		})
	}
	c.pending.Store(call.id, call)
	if t.SocketState() == transport.Canceled {
		c.failCall(call.id, errors.WithStack(errors.NewTransportFailure(t.RemoteAddress(), errors.New("connection closed"))))
		if pool := c.pool.Load(); pool != nil {
			pool.Remove(t)
		}
		return
	}
	backlogOf(t).Send(frame)
}

// failOnQueue fails call on its transport's queue, where callbacks run, or
// directly once that queue is stopped.
func (c *Invoker) failOnQueue(call *pendingCall, err error) {
	if !call.transport.Queue().Execute(func() { c.failCall(call.id, err) }) {
		c.failCall(call.id, err)
	}
}

// failCall completes a pending call with err unless something else already
// removed it.
func (c *Invoker) failCall(id uint64, err error) {
	call, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.handle.Fail(err)
}

func backlogOf(t *transport.Transport) *transport.Backlog {
	if b, ok := t.Attachment().(*transport.Backlog); ok {
		return b
	}
	b := transport.NewBacklog(t)
	t.SetAttachment(b)
	return b
}

func (c *Invoker) OnConnected(t *transport.Transport) {
	if logger.DebugEnabled {
		logger.Debugf("client transport %d connected to %s", t.ID(), t.RemoteAddress())
	}
}

func (c *Invoker) OnFrame(t *transport.Transport, frame []byte) {
	resp, err := protocol.DecodeResponse(frame)
	if err != nil {
		logger.Warnf("malformed response from %s: %v", t.RemoteAddress(), err)
		return
	}
	if pool := c.pool.Load(); pool != nil {
		pool.Touch(t)
	}
	call, ok := c.pending.LoadAndDelete(resp.CorrelationID)
	if !ok {
		if logger.DebugEnabled {
			logger.Debugf("dropping response %d from %s: no pending call", resp.CorrelationID, t.RemoteAddress())
		}
		return
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.handle.Complete(resp.Payload)
}

func (c *Invoker) OnRefill(t *transport.Transport) {
	backlogOf(t).Refill()
}

func (c *Invoker) OnFailure(t *transport.Transport, err error) {
	c.failTransport(t, err)
}

func (c *Invoker) OnDisconnected(t *transport.Transport) {
	c.failTransport(t, errors.New("connection closed"))
}

// failTransport fails every call sent over t and drops t from the pool so
// the next call reconnects.
func (c *Invoker) failTransport(t *transport.Transport, cause error) {
	err := cause
	if !errors.IsCode(err, errors.TransportFailure) {
		err = errors.WithStack(errors.NewTransportFailure(t.RemoteAddress(), cause))
	}
	c.pending.Range(func(id uint64, call *pendingCall) bool {
		if call.transport == t {
			c.failCall(id, err)
		}
		return true
	})
	if pool := c.pool.Load(); pool != nil {
		pool.Remove(t)
	}
}

func runCallback(cb func()) {
	if cb != nil {
		cb()
	}
}

// wait blocks for a Blocking call. A done ctx abandons the call unless its
// response already arrived.
func (c *Invoker) wait(ctx context.Context, h *invoke.Handle, id uint64) (reflect.Value, error) {
	v, err := h.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.failCall(id, errors.WithStack(ctxErr))
		return h.Wait(context.Background())
	}
	return v, err
}
