// Package invoke resolves the calling convention of a method once and
// drives calls through it on both sides of a connection.
//
// A method is Future when it returns an *async.Future[T], Callback when its
// last parameter is a func(T, error), Promise when it returns an
// *async.Promise[T], and Blocking otherwise. A leading context.Context
// parameter is local to each side and never serialized.
package invoke

import (
	"context"
	"fmt"
	"reflect"

	"binrpc/async"
	"binrpc/codec"
	"binrpc/errors"
	"binrpc/protocol"
)

type Kind int

const (
	Blocking Kind = iota
	Future
	Callback
	Promise
)

func (k Kind) String() string {
	switch k {
	case Future:
		return "future"
	case Callback:
		return "callback"
	case Promise:
		return "promise"
	default:
		return "blocking"
	}
}

var (
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	futureIface  = reflect.TypeOf((*async.FutureResult)(nil)).Elem()
	promiseIface = reflect.TypeOf((*async.PromiseResult)(nil)).Elem()
)

// Method is the resolved metadata of one remote method.
type Method struct {
	Name      string
	Signature string
	Kind      Kind
	// Func is the method type without receiver.
	Func reflect.Type
	// ArgTypes are the serialized parameters: no context, no callback.
	ArgTypes   []reflect.Type
	HasContext bool
	// ResultType is the type of the value delivered on success, nil if the
	// method produces none.
	ResultType reflect.Type
	// ReturnsError is set for blocking methods with a trailing error result.
	ReturnsError bool
	Strategy     codec.Strategy
	// Errors are the error prototypes rebuilt as their own types on the
	// client.
	Errors []error
}

// Resolve classifies fn, a func type without receiver, and computes its wire
// signature from every declared parameter but a leading context.
func Resolve(name string, fn reflect.Type, strategy codec.Strategy) (*Method, error) {
	if fn.Kind() != reflect.Func {
		return nil, invalidMethod(name, "not a function")
	}
	if fn.IsVariadic() {
		return nil, invalidMethod(name, "variadic parameters are not supported")
	}
	m := &Method{Name: name, Func: fn, Strategy: strategy}
	params := make([]reflect.Type, 0, fn.NumIn())
	for i := 0; i < fn.NumIn(); i++ {
		params = append(params, fn.In(i))
	}
	if len(params) > 0 && params[0] == contextType {
		m.HasContext = true
		params = params[1:]
	}
	// the callback is part of the signature but never serialized
	m.Signature = protocol.Signature(name, params)

	switch {
	case fn.NumOut() == 1 && fn.Out(0).Implements(futureIface):
		m.Kind = Future
		rt, err := settleableResult(name, fn.Out(0))
		if err != nil {
			return nil, err
		}
		m.ResultType = rt
	case isCallback(fn):
		m.Kind = Callback
		cb := params[len(params)-1]
		params = params[:len(params)-1]
		m.ResultType = cb.In(0)
	case fn.NumOut() == 1 && fn.Out(0).Implements(promiseIface):
		m.Kind = Promise
		rt, err := settleableResult(name, fn.Out(0))
		if err != nil {
			return nil, err
		}
		m.ResultType = rt
	default:
		m.Kind = Blocking
		switch fn.NumOut() {
		case 0:
		case 1:
			if fn.Out(0) == errorType {
				m.ReturnsError = true
			} else {
				m.ResultType = fn.Out(0)
			}
		case 2:
			if fn.Out(1) != errorType {
				return nil, invalidMethod(name, "second result must be error")
			}
			m.ResultType = fn.Out(0)
			m.ReturnsError = true
		default:
			return nil, invalidMethod(name, "too many results")
		}
	}
	for _, p := range params {
		if p == contextType {
			return nil, invalidMethod(name, "context.Context must be the first parameter")
		}
	}
	m.ArgTypes = params
	return m, nil
}

func isCallback(fn reflect.Type) bool {
	if fn.NumIn() == 0 || fn.NumOut() != 0 {
		return false
	}
	last := fn.In(fn.NumIn() - 1)
	return last.Kind() == reflect.Func &&
		!last.IsVariadic() &&
		last.NumIn() == 2 &&
		last.In(1) == errorType &&
		last.NumOut() == 0
}

func settleableResult(name string, t reflect.Type) (reflect.Type, error) {
	if t.Kind() != reflect.Pointer {
		return nil, invalidMethod(name, "asynchronous results must be *async.Future or *async.Promise")
	}
	return reflect.Zero(t).Interface().(async.Settleable).Fresh().ResultType(), nil
}

func invalidMethod(name string, reason string) error {
	return errors.WithStack(errors.NewInvalidConfigurationError(fmt.Sprintf("method %s: %s", name, reason)))
}

// CallbackType is the type of the trailing callback parameter of a Callback
// method.
func (m *Method) CallbackType() reflect.Type {
	return m.Func.In(m.Func.NumIn() - 1)
}

// Values converts call arguments to the declared wire types. Untyped nil
// becomes the zero value of its parameter.
func (m *Method) Values(args []any) ([]reflect.Value, error) {
	if len(args) != len(m.ArgTypes) {
		return nil, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError,
			"%s takes %d arguments, got %d", m.Name, len(m.ArgTypes), len(args)))
	}
	values := make([]reflect.Value, len(args))
	for i, a := range args {
		t := m.ArgTypes[i]
		if a == nil {
			values[i] = reflect.Zero(t)
			continue
		}
		v := reflect.ValueOf(a)
		switch {
		case v.Type().AssignableTo(t):
			pv := reflect.New(t).Elem()
			pv.Set(v)
			values[i] = pv
		case v.Type().ConvertibleTo(t) && v.Kind() == t.Kind():
			values[i] = v.Convert(t)
		default:
			return nil, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError,
				"%s argument %d: %s is not assignable to %s", m.Name, i, v.Type(), t))
		}
	}
	return values, nil
}
