package invoke

import (
	"bytes"
	"context"
	"reflect"
	"sync/atomic"

	"binrpc/async"
	"binrpc/codec"
	"binrpc/errors"
	"binrpc/logger"
	"github.com/google/uuid"
)

// Responder receives the outcome of a server side call. result is invalid
// when the method produces no value or err is set.
type Responder func(result reflect.Value, err error)

// InvokeAndRespond calls fn, a bound method of m's type, with the decoded
// wire arguments and reports the outcome to respond exactly once. Blocking
// methods respond before InvokeAndRespond returns; the others respond when
// their future, promise or callback completes. A panicking target responds
// with an invocation error.
func InvokeAndRespond(ctx context.Context, m *Method, fn reflect.Value, args []reflect.Value, respond Responder) {
	var responded atomic.Bool
	reply := func(v reflect.Value, err error) {
		if !responded.CompareAndSwap(false, true) {
			if logger.DebugEnabled {
				logger.Debugf("%s: ignoring repeated completion", m.Name)
			}
			return
		}
		respond(v, err)
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("%s panicked: %v", m.Name, r)
			reply(reflect.Value{}, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError, "%s panicked: %v", m.Name, r)))
		}
	}()

	in := make([]reflect.Value, 0, len(args)+2)
	if m.HasContext {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	in = append(in, args...)

	switch m.Kind {
	case Blocking:
		reply(m.blockingResult(fn.Call(in)))
	case Future, Promise:
		out := fn.Call(in)[0]
		if out.IsNil() {
			reply(reflect.Value{}, errors.WithStack(errors.NewRPCErrorf(errors.InvocationError, "%s returned a nil %s", m.Name, m.Kind)))
			return
		}
		out.Interface().(async.Settleable).Watch(func(v reflect.Value, err error) {
			if err != nil {
				v = reflect.Value{}
			}
			reply(v, err)
		})
	case Callback:
		cb := reflect.MakeFunc(m.CallbackType(), func(cbArgs []reflect.Value) []reflect.Value {
			var err error
			if !cbArgs[1].IsNil() {
				err = cbArgs[1].Interface().(error)
				reply(reflect.Value{}, err)
				return nil
			}
			reply(cbArgs[0], nil)
			return nil
		})
		fn.Call(append(in, cb))
	}
}

func (m *Method) blockingResult(out []reflect.Value) (reflect.Value, error) {
	switch len(out) {
	case 0:
		return reflect.Value{}, nil
	case 1:
		if m.ReturnsError {
			return reflect.Value{}, asError(out[0])
		}
		return out[0], nil
	default:
		if err := asError(out[1]); err != nil {
			return reflect.Value{}, err
		}
		return out[0], nil
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// WriteResponse appends the response payload to buf, whose frame payload
// starts at offset. If the outcome cannot be encoded the payload is replaced
// by an internal error carrying a reference logged here. If even that
// fails, buf is truncated to offset and the error returned; nothing should
// be sent.
func WriteResponse(buf *bytes.Buffer, offset int, strategy codec.Strategy, result reflect.Value, err error) error {
	encErr := strategy.EncodeResponse(buf, result, err)
	if encErr == nil {
		return nil
	}
	buf.Truncate(offset)
	ref := uuid.NewString()
	logger.Errorf("cannot encode response, reference %s: %v", ref, encErr)
	if fallbackErr := strategy.EncodeResponse(buf, reflect.Value{}, errors.NewInternalError(ref)); fallbackErr != nil {
		buf.Truncate(offset)
		logger.Errorf("cannot encode internal error, reference %s: %v", ref, fallbackErr)
		return errors.WithStack(fallbackErr)
	}
	return nil
}
