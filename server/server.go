// Package server implements the serving side of the engine: it accepts
// connections, maps request frames to registered services and answers each
// request with exactly one response frame.
//
// Request processing pipeline:
//
//	request frame → [connection queue] decode, lookup service and method, decode args
//	  → [service queue or worker pool] interceptors → target method
//	  → [connection queue] encode response → Backlog.Send
//
// A request that cannot be served (unknown service or method, undecodable
// arguments) is answered with an error response and the connection stays
// open.
package server

import (
	"bytes"
	"context"
	"reflect"
	"sort"
	"sync"

	"binrpc/codec"
	"binrpc/conf"
	"binrpc/dispatch"
	"binrpc/errors"
	"binrpc/invoke"
	"binrpc/logger"
	"binrpc/message"
	"binrpc/middleware"
	"binrpc/protocol"
	"binrpc/transport"
	lru "github.com/hashicorp/golang-lru"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

type Invoker struct {
	cfg      conf.ServerConfig
	codecs   *codec.Registry
	services *xsync.MapOf[string, *serviceEntry]
	methods  *lru.Cache
	group    singleflight.Group

	control   *dispatch.Queue
	lifecycle transport.Lifecycle

	lock         sync.Mutex
	interceptors []middleware.Interceptor
	chain        middleware.Interceptor
	dispatcher   *dispatch.Dispatcher
	workers      *dispatch.WorkerPool
	server       *transport.Server
	address      string
	startErr     error
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewInvoker(cfg conf.ServerConfig) (*Invoker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	methods, err := lru.New(cfg.MethodCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s := &Invoker{
		cfg:      cfg,
		codecs:   codec.NewRegistry(),
		services: xsync.NewMapOf[string, *serviceEntry](),
		methods:  methods,
		control:  dispatch.NewQueue("server-control"),
	}
	s.lifecycle = transport.NewLifecycle("server invoker", s.doStart, s.doStop)
	return s, nil
}

// Codecs returns the serialization strategies services may select through
// codec.Hinted.
func (s *Invoker) Codecs() *codec.Registry {
	return s.codecs
}

// Use appends an interceptor. Interceptors added after Start apply from the
// next Start.
func (s *Invoker) Use(interceptor middleware.Interceptor) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.interceptors = append(s.interceptors, interceptor)
}

// RegisterService exposes the instances of factory under name. Calls made
// while no service is registered under a name are answered with a protocol
// error.
func (s *Invoker) RegisterService(name string, factory InstanceFactory, opts ...ServiceOption) error {
	if name == "" {
		return errors.WithStack(errors.NewInvalidConfigurationError("service name is empty"))
	}
	if factory == nil {
		return errors.WithStack(errors.NewInvalidConfigurationError("instance factory of " + name + " is nil"))
	}
	entry := &serviceEntry{name: name, factory: factory}
	for _, opt := range opts {
		opt(entry)
	}
	if entry.iface != nil && entry.iface.Kind() != reflect.Interface {
		return errors.WithStack(errors.NewRPCErrorf(errors.InvalidConfiguration, "%s is not an interface", entry.iface))
	}
	if _, loaded := s.services.LoadOrStore(name, entry); loaded {
		return errors.WithStack(errors.NewRPCErrorf(errors.InvalidConfiguration, "service %s is already registered", name))
	}
	logger.Infof("registered service %s", name)
	return nil
}

// UnregisterService removes the service. Calls already dispatched complete.
func (s *Invoker) UnregisterService(name string) bool {
	_, ok := s.services.LoadAndDelete(name)
	if ok {
		logger.Infof("unregistered service %s", name)
	}
	return ok
}

// Services returns the registered service names in order.
func (s *Invoker) Services() []string {
	var names []string
	s.services.Range(func(name string, _ *serviceEntry) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Bind listens on address without accepting connections until Start. An
// invoker started without Bind listens on the configured address.
func (s *Invoker) Bind(address string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ensureServer()
	if err := s.server.Bind(address); err != nil {
		return err
	}
	s.address = s.server.Addr().String()
	return nil
}

// GetConnectAddress returns the address clients should dial, or "" when
// not bound.
func (s *Invoker) GetConnectAddress() string {
	s.lock.Lock()
	server := s.server
	s.lock.Unlock()
	if server == nil {
		return ""
	}
	return server.ConnectAddress()
}

// Connections returns the number of open client connections.
func (s *Invoker) Connections() int {
	s.lock.Lock()
	server := s.server
	s.lock.Unlock()
	if server == nil {
		return 0
	}
	return server.Connections()
}

// Err returns why the last Start left the invoker without a listener, or
// nil. Such an invoker still counts as started and must be stopped before
// the next Start.
func (s *Invoker) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.startErr
}

// Start accepts connections on the bound address. onComplete runs on
// failure too; check Err.
func (s *Invoker) Start(onComplete func()) {
	if !s.control.Execute(func() { s.lifecycle.Start(onComplete) }) {
		runCallback(onComplete)
	}
}

// Stop closes the listener and every connection. Calls still running
// complete but their responses are dropped.
func (s *Invoker) Stop(onComplete func()) {
	if !s.control.Execute(func() { s.lifecycle.Stop(onComplete) }) {
		runCallback(onComplete)
	}
}

// ensureServer must be called with lock held.
func (s *Invoker) ensureServer() {
	if s.server != nil {
		return
	}
	s.dispatcher = dispatch.NewDispatcher("server", s.cfg.Dispatch.Queues)
	s.server = transport.NewServer(&s.cfg.Transport, s.dispatcher, s)
	s.server.SetAdvertiseHost(s.cfg.AdvertiseHost)
}

func (s *Invoker) doStart(done func()) {
	s.lock.Lock()
	s.startErr = nil
	s.ensureServer()
	if s.server.Addr() == nil {
		address := s.address
		if address == "" {
			address = s.cfg.Address
		}
		if err := s.server.Bind(address); err != nil {
			dispatcher := s.dispatcher
			s.server, s.dispatcher = nil, nil
			s.startErr = err
			s.lock.Unlock()
			dispatcher.Stop()
			logger.Errorf("server invoker cannot bind %s: %v", address, err)
			done()
			return
		}
		s.address = s.server.Addr().String()
	}
	s.workers = dispatch.NewWorkerPool(s.cfg.Dispatch.Workers)
	s.chain = middleware.Chain(s.interceptors...)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	server := s.server
	s.lock.Unlock()

	server.Start(func() {
		logger.Infof("server invoker listening on %s", server.ConnectAddress())
		if !s.control.Execute(done) {
			done()
		}
	})
}

func (s *Invoker) doStop(done func()) {
	s.lock.Lock()
	server, dispatcher, workers, cancel := s.server, s.dispatcher, s.workers, s.cancel
	// a restart binds s.address again
	s.server, s.dispatcher, s.workers, s.chain, s.cancel = nil, nil, nil, nil, nil
	s.lock.Unlock()
	if server == nil {
		done()
		return
	}
	server.Stop(func() {
		go func() {
			if cancel != nil {
				cancel()
			}
			if workers != nil {
				if err := workers.Stop(); err != nil {
					logger.Warnf("server worker pool: %v", err)
				}
			}
			dispatcher.Stop()
			if !s.control.Execute(done) {
				done()
			}
		}()
	})
}

func backlogOf(t *transport.Transport) *transport.Backlog {
	if b, ok := t.Attachment().(*transport.Backlog); ok {
		return b
	}
	b := transport.NewBacklog(t)
	t.SetAttachment(b)
	return b
}

func (s *Invoker) OnConnected(t *transport.Transport) {
	backlogOf(t)
	if logger.DebugEnabled {
		logger.Debugf("accepted %s on transport %d", t.RemoteAddress(), t.ID())
	}
}

func (s *Invoker) OnFrame(t *transport.Transport, frame []byte) {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		id, idErr := protocol.CorrelationID(frame)
		if idErr != nil {
			logger.Warnf("dropping malformed frame from %s: %v", t.RemoteAddress(), err)
			return
		}
		s.writeResponse(t, id, s.defaultStrategy(), reflect.Value{}, errors.WithStack(errors.NewRPCErrorf(errors.ProtocolError, "malformed request: %v", err)))
		return
	}
	s.handleRequest(t, req)
}

func (s *Invoker) OnRefill(t *transport.Transport) {
	backlogOf(t).Refill()
}

func (s *Invoker) OnFailure(t *transport.Transport, err error) {
	if logger.DebugEnabled {
		logger.Debugf("transport %d to %s failed: %v", t.ID(), t.RemoteAddress(), err)
	}
}

func (s *Invoker) OnDisconnected(t *transport.Transport) {
	if logger.DebugEnabled {
		logger.Debugf("transport %d to %s disconnected", t.ID(), t.RemoteAddress())
	}
}

func (s *Invoker) defaultStrategy() codec.Strategy {
	strategy, err := s.codecs.ForVersion("", protocol.Version)
	if err != nil {
		return &codec.GobStrategy{}
	}
	return strategy
}

// handleRequest runs on the connection queue.
func (s *Invoker) handleRequest(t *transport.Transport, req *message.Request) {
	fail := func(strategy codec.Strategy, err error) {
		s.writeResponse(t, req.CorrelationID, strategy, reflect.Value{}, err)
	}
	entry, ok := s.services.Load(req.Service)
	if !ok {
		fail(s.defaultStrategy(), errors.WithStack(errors.NewRPCErrorf(errors.ProtocolError, "unknown service %s", req.Service)))
		return
	}
	instance, err := entry.factory.Get()
	if err != nil {
		fail(s.defaultStrategy(), errors.WithStack(errors.NewRPCErrorf(errors.InvocationError, "service %s unavailable: %v", req.Service, err)))
		return
	}
	table, err := s.methodTable(instance, entry)
	if err != nil {
		entry.factory.Unget(instance)
		fail(s.defaultStrategy(), err)
		return
	}
	m, ok := table[req.Signature]
	if !ok {
		entry.factory.Unget(instance)
		fail(s.defaultStrategy(), errors.WithStack(errors.NewRPCErrorf(errors.ProtocolError, "service %s has no method %s", req.Service, req.Signature)))
		return
	}
	args, err := m.Strategy.DecodeRequest(req.Args, m.ArgTypes)
	if err != nil {
		entry.factory.Unget(instance)
		fail(m.Strategy, err)
		return
	}

	call := &middleware.Call{
		Service:       req.Service,
		Method:        m.Name,
		Signature:     req.Signature,
		CorrelationID: req.CorrelationID,
		Remote:        t.RemoteAddress(),
		Args:          args,
	}
	fn := reflect.ValueOf(instance).MethodByName(m.Name)
	respond := func(result reflect.Value, err error) {
		entry.factory.Unget(instance)
		if !t.Queue().Execute(func() { s.writeResponse(t, req.CorrelationID, m.Strategy, result, err) }) {
			if logger.DebugEnabled {
				logger.Debugf("dropping response %d: connection queue stopped", req.CorrelationID)
			}
		}
	}

	s.lock.Lock()
	chain, workers, ctx := s.chain, s.workers, s.ctx
	s.lock.Unlock()
	if chain == nil || workers == nil {
		entry.factory.Unget(instance)
		fail(m.Strategy, errors.WithStack(errors.NewRPCError(errors.InvocationError, "server invoker is stopping")))
		return
	}
	handler := chain(func(ctx context.Context, call *middleware.Call, respond invoke.Responder) {
		invoke.InvokeAndRespond(ctx, m, fn, call.Args, respond)
	})
	task := func() { handler(ctx, call, respond) }

	if a, ok := instance.(dispatch.Affinity); ok {
		if q := a.DispatchQueue(); q != nil {
			if !q.Execute(task) {
				respond(reflect.Value{}, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError, "queue %s of service %s is stopped", q.Name(), req.Service)))
			}
			return
		}
	}
	if !workers.Submit(task) {
		respond(reflect.Value{}, errors.WithStack(errors.NewRPCError(errors.InvocationError, "server invoker is stopping")))
	}
}

// methodTable returns the signature table of instance's type, resolving it
// at most once per type while it stays cached.
func (s *Invoker) methodTable(instance any, entry *serviceEntry) (map[string]*invoke.Method, error) {
	key := methodKey{impl: reflect.TypeOf(instance), iface: entry.iface}
	if v, ok := s.methods.Get(key); ok {
		return v.(map[string]*invoke.Method), nil
	}
	v, err, _ := s.group.Do(key.String(), func() (any, error) {
		table, err := buildMethodTable(s.codecs, instance, entry.iface)
		if err != nil {
			return nil, err
		}
		s.methods.Add(key, table)
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*invoke.Method), nil
}

// writeResponse runs on the connection queue.
func (s *Invoker) writeResponse(t *transport.Transport, id uint64, strategy codec.Strategy, result reflect.Value, err error) {
	var buf bytes.Buffer
	start, offset := protocol.BeginResponse(&buf, id)
	if encErr := invoke.WriteResponse(&buf, offset, strategy, result, err); encErr != nil {
		logger.Errorf("no response sent for request %d: %v", id, encErr)
		return
	}
	protocol.EndFrame(&buf, start)
	backlogOf(t).Send(buf.Bytes())
}

func runCallback(cb func()) {
	if cb != nil {
		cb()
	}
}
