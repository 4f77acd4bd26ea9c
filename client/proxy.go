package client

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"strconv"

	"binrpc/async"
	"binrpc/errors"
	"binrpc/invoke"
	"binrpc/protocol"
)

// Proxy is the client side of one remote service. Its methods are resolved
// once from a Go interface; calls go through Invoke or the typed helpers
// Call, CallFuture, CallPromise and CallAsync. String, Equal and Hash are
// answered locally.
type Proxy struct {
	invoker *Invoker
	address string
	service string
	iface   reflect.Type
	version int
	methods map[string]*invoke.Method
}

type proxyOptions struct {
	errors        map[string][]error
	serialization map[string]string
}

type ProxyOption func(*proxyOptions)

// WithErrors declares the error types method may fail with. A remote error
// of a declared type is rebuilt as that type; any other surfaces as an
// *errors.RemoteServiceError.
func WithErrors(method string, prototypes ...error) ProxyOption {
	return func(o *proxyOptions) {
		o.errors[method] = append(o.errors[method], prototypes...)
	}
}

// WithSerialization selects a registered strategy for method. The server
// must use the same one.
func WithSerialization(method string, name string) ProxyOption {
	return func(o *proxyOptions) {
		o.serialization[method] = name
	}
}

// GetProxy builds a proxy for the service registered as serviceName at
// address. iface must be an interface type; each of its methods is resolved
// to a calling convention and signature up front.
func (c *Invoker) GetProxy(address string, serviceName string, iface reflect.Type, protocolVersion int, opts ...ProxyOption) (*Proxy, error) {
	if iface == nil || iface.Kind() != reflect.Interface {
		return nil, errors.WithStack(errors.NewInvalidConfigurationError(fmt.Sprintf("proxy type %v is not an interface", iface)))
	}
	if serviceName == "" {
		return nil, errors.WithStack(errors.NewInvalidConfigurationError("service name is empty"))
	}
	o := &proxyOptions{errors: map[string][]error{}, serialization: map[string]string{}}
	for _, opt := range opts {
		opt(o)
	}
	p := &Proxy{
		invoker: c,
		address: address,
		service: serviceName,
		iface:   iface,
		version: protocolVersion,
		methods: make(map[string]*invoke.Method, iface.NumMethod()),
	}
	for i := 0; i < iface.NumMethod(); i++ {
		mt := iface.Method(i)
		strategy, err := c.codecs.ForVersion(o.serialization[mt.Name], protocolVersion)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		m, err := invoke.Resolve(mt.Name, mt.Type, strategy)
		if err != nil {
			return nil, err
		}
		m.Errors = o.errors[mt.Name]
		p.methods[mt.Name] = m
	}
	return p, nil
}

// NewProxy is GetProxy for interface type I at the current protocol version.
func NewProxy[I any](c *Invoker, address string, serviceName string, opts ...ProxyOption) (*Proxy, error) {
	return c.GetProxy(address, serviceName, reflect.TypeFor[I](), protocol.Version, opts...)
}

func (p *Proxy) String() string {
	return "proxy(" + p.service + "@" + p.address + ")"
}

func (p *Proxy) Equal(other *Proxy) bool {
	return p == other
}

func (p *Proxy) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatUint(uint64(reflect.ValueOf(p).Pointer()), 16)))
	return h.Sum64()
}

func (p *Proxy) Service() string {
	return p.service
}

func (p *Proxy) Address() string {
	return p.address
}

// Method returns the resolved metadata of a method.
func (p *Proxy) Method(name string) (*invoke.Method, bool) {
	m, ok := p.methods[name]
	return m, ok
}

func (p *Proxy) method(name string, kind invoke.Kind, resultType reflect.Type) (*invoke.Method, error) {
	m, ok := p.methods[name]
	if !ok {
		return nil, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError, "%s has no method %s", p.iface, name))
	}
	if m.Kind != kind {
		return nil, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError, "%s.%s is a %s method, not %s", p.service, name, m.Kind, kind))
	}
	if resultType != nil && m.ResultType != nil && m.ResultType != resultType &&
		!(kind == invoke.Blocking && resultType.Kind() == reflect.Interface && m.ResultType.Implements(resultType)) {
		return nil, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError, "%s.%s returns %s, not %s", p.service, name, m.ResultType, resultType))
	}
	return m, nil
}

// Invoke calls a method by name with its wire arguments; the trailing
// callback of a Callback method is passed last. It returns what the method
// would return: the value for Blocking methods, the *async.Future or
// *async.Promise for asynchronous ones, nothing for Callback methods.
func (p *Proxy) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	m, ok := p.methods[name]
	if !ok {
		return nil, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError, "%s has no method %s", p.iface, name))
	}
	callback := reflect.Value{}
	if m.Kind == invoke.Callback {
		if len(args) == 0 {
			return nil, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError, "%s.%s needs a callback", p.service, name))
		}
		cb := reflect.ValueOf(args[len(args)-1])
		if !cb.IsValid() || !cb.Type().ConvertibleTo(m.CallbackType()) {
			return nil, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError, "%s.%s: last argument must be %s", p.service, name, m.CallbackType()))
		}
		callback = cb.Convert(m.CallbackType())
		args = args[:len(args)-1]
	}
	values, err := m.Values(args)
	if err != nil {
		return nil, err
	}
	h, id, err := p.invoker.request(p, m, values, callback)
	if err != nil {
		return nil, err
	}
	switch m.Kind {
	case invoke.Blocking:
		v, err := p.invoker.wait(ctx, h, id)
		if err != nil || !v.IsValid() {
			return nil, unwrap(err)
		}
		return v.Interface(), nil
	case invoke.Future, invoke.Promise:
		return h.Returned().Interface(), nil
	default:
		return nil, nil
	}
}

// Call invokes a Blocking method and waits for its result. Methods without a
// result return the zero T.
func Call[T any](ctx context.Context, p *Proxy, method string, args ...any) (T, error) {
	var zero T
	m, err := p.method(method, invoke.Blocking, reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	values, err := m.Values(args)
	if err != nil {
		return zero, err
	}
	h, id, err := p.invoker.request(p, m, values, reflect.Value{})
	if err != nil {
		return zero, err
	}
	v, err := p.invoker.wait(ctx, h, id)
	if err != nil {
		return zero, unwrap(err)
	}
	if !v.IsValid() {
		return zero, nil
	}
	t, _ := v.Interface().(T)
	return t, nil
}

// CallFuture invokes a method returning *async.Future[T].
func CallFuture[T any](p *Proxy, method string, args ...any) (*async.Future[T], error) {
	m, err := p.method(method, invoke.Future, reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	h, err := p.send(m, args, reflect.Value{})
	if err != nil {
		return nil, err
	}
	return h.Returned().Interface().(*async.Future[T]), nil
}

// CallPromise invokes a method returning *async.Promise[T].
func CallPromise[T any](p *Proxy, method string, args ...any) (*async.Promise[T], error) {
	m, err := p.method(method, invoke.Promise, reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	h, err := p.send(m, args, reflect.Value{})
	if err != nil {
		return nil, err
	}
	return h.Returned().Interface().(*async.Promise[T]), nil
}

// CallAsync invokes a Callback method. cb runs once, on the connection's
// queue, so it must not block.
func CallAsync[T any](p *Proxy, method string, cb func(T, error), args ...any) error {
	m, err := p.method(method, invoke.Callback, reflect.TypeFor[T]())
	if err != nil {
		return err
	}
	_, err = p.send(m, args, reflect.ValueOf(cb).Convert(m.CallbackType()))
	return err
}

func (p *Proxy) send(m *invoke.Method, args []any, callback reflect.Value) (*invoke.Handle, error) {
	values, err := m.Values(args)
	if err != nil {
		return nil, err
	}
	h, _, err := p.invoker.request(p, m, values, callback)
	return h, err
}

// unwrap strips execution wrappers so callers see the error raised by the
// target, or the local failure.
func unwrap(err error) error {
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)
	switch cause.(type) {
	case errors.RPCError:
		return err
	default:
		return cause
	}
}
