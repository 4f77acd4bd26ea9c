package server

import (
	"fmt"
	"reflect"

	"binrpc/codec"
	"binrpc/errors"
	"binrpc/invoke"
	"binrpc/logger"
	"binrpc/protocol"
)

// InstanceFactory supplies the target of each call. Get is called once per
// request and Unget once the call has completed.
type InstanceFactory interface {
	Get() (any, error)
	Unget(instance any)
}

type singleton struct {
	instance any
}

func (s singleton) Get() (any, error) {
	return s.instance, nil
}

func (s singleton) Unget(any) {}

// Singleton serves every call with instance.
func Singleton(instance any) InstanceFactory {
	return singleton{instance: instance}
}

type perCall struct {
	create func() any
}

func (p perCall) Get() (any, error) {
	instance := p.create()
	if instance == nil {
		return nil, errors.NewRPCError(errors.InvocationError, "instance factory returned nil")
	}
	return instance, nil
}

func (p perCall) Unget(instance any) {
	if c, ok := instance.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			logger.Warnf("closing per call instance %T: %v", instance, err)
		}
	}
}

// PerCall serves every call with a fresh instance from create. Instances
// with a Close() error method are closed after the call.
func PerCall(create func() any) InstanceFactory {
	return perCall{create: create}
}

type serviceEntry struct {
	name    string
	factory InstanceFactory
	iface   reflect.Type
}

type ServiceOption func(*serviceEntry)

// WithInterface exposes only the methods of iface, which the instances must
// implement. Without it every exported method is exposed.
func WithInterface(iface reflect.Type) ServiceOption {
	return func(e *serviceEntry) {
		e.iface = iface
	}
}

// methodKey identifies a method table: the same implementation type may be
// exposed through different interfaces.
type methodKey struct {
	impl  reflect.Type
	iface reflect.Type
}

func (k methodKey) String() string {
	if k.iface == nil {
		return fmt.Sprintf("%p", k.impl)
	}
	return fmt.Sprintf("%p/%p", k.impl, k.iface)
}

// buildMethodTable resolves the exposed methods of instance, keyed by wire
// signature.
func buildMethodTable(codecs *codec.Registry, instance any, iface reflect.Type) (map[string]*invoke.Method, error) {
	impl := reflect.TypeOf(instance)
	value := reflect.ValueOf(instance)
	var hinted codec.Hinted
	if h, ok := instance.(codec.Hinted); ok {
		hinted = h
	}
	strategyFor := func(name string) (codec.Strategy, error) {
		serialization := ""
		if hinted != nil {
			serialization = hinted.SerializationFor(name)
		}
		return codecs.ForVersion(serialization, protocol.Version)
	}

	table := map[string]*invoke.Method{}
	if iface != nil {
		if !impl.Implements(iface) {
			return nil, errors.WithStack(errors.NewInvalidConfigurationError(fmt.Sprintf("%s does not implement %s", impl, iface)))
		}
		for i := 0; i < iface.NumMethod(); i++ {
			mt := iface.Method(i)
			strategy, err := strategyFor(mt.Name)
			if err != nil {
				return nil, err
			}
			m, err := invoke.Resolve(mt.Name, mt.Type, strategy)
			if err != nil {
				return nil, err
			}
			table[m.Signature] = m
		}
		return table, nil
	}
	for i := 0; i < impl.NumMethod(); i++ {
		name := impl.Method(i).Name
		strategy, err := strategyFor(name)
		if err != nil {
			return nil, err
		}
		m, err := invoke.Resolve(name, value.Method(i).Type(), strategy)
		if err != nil {
			if logger.DebugEnabled {
				logger.Debugf("%s.%s is not exposed: %v", impl, name, err)
			}
			continue
		}
		table[m.Signature] = m
	}
	return table, nil
}
