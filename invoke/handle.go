package invoke

import (
	"bytes"
	"context"
	"reflect"
	"sync/atomic"

	"binrpc/async"
	"binrpc/errors"
)

// BuildRequest appends the serialized wire arguments of a call to buf.
func (m *Method) BuildRequest(buf *bytes.Buffer, args []reflect.Value) error {
	return m.Strategy.EncodeRequest(buf, args)
}

// Handle is the client side of one outstanding call. It is completed by
// exactly one of Complete or Fail; later completions are ignored.
type Handle struct {
	method   *Method
	settled  atomic.Bool
	result   async.Settleable
	callback reflect.Value
	done     chan struct{}
	value    reflect.Value
	err      error
}

// NewHandle prepares the completion for a call of m. callback is the
// trailing argument of a Callback call and ignored otherwise.
func NewHandle(m *Method, callback reflect.Value) *Handle {
	h := &Handle{method: m}
	switch m.Kind {
	case Future, Promise:
		h.result = reflect.Zero(m.Func.Out(0)).Interface().(async.Settleable).Fresh()
	case Callback:
		h.callback = callback
	default:
		h.done = make(chan struct{})
	}
	return h
}

// Returned is what the proxy hands back to the caller for Future and Promise
// calls. It is the zero Value for the other kinds.
func (h *Handle) Returned() reflect.Value {
	if h.result == nil {
		return reflect.Value{}
	}
	return reflect.ValueOf(h.result)
}

// Complete decodes a response payload and settles the call with it.
func (h *Handle) Complete(payload []byte) bool {
	if h.settled.Load() {
		return false
	}
	v, err := h.method.Strategy.DecodeResponse(payload, h.method.ResultType)
	if err != nil {
		var remote *errors.RemoteError
		if errors.As(err, &remote) {
			err = remote.Rebuild(h.method.Errors)
		}
	}
	return h.settle(v, err)
}

func (h *Handle) Fail(err error) bool {
	return h.settle(reflect.Value{}, err)
}

func (h *Handle) Done() bool {
	return h.settled.Load()
}

// Wait blocks until a Blocking call is settled or ctx is done.
func (h *Handle) Wait(ctx context.Context) (reflect.Value, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return reflect.Value{}, ctx.Err()
	}
}

func (h *Handle) settle(v reflect.Value, err error) bool {
	if !h.settled.CompareAndSwap(false, true) {
		return false
	}
	if err != nil {
		v = reflect.Value{}
	}
	switch h.method.Kind {
	case Future, Promise:
		h.result.Settle(v, err)
	case Callback:
		if h.callback.IsValid() && !h.callback.IsNil() {
			h.callback.Call([]reflect.Value{valueOrZero(v, h.method.ResultType), errorValue(err)})
		}
	default:
		h.value, h.err = v, err
		close(h.done)
	}
	return true
}

func valueOrZero(v reflect.Value, t reflect.Type) reflect.Value {
	if !v.IsValid() {
		return reflect.Zero(t)
	}
	return v
}

func errorValue(err error) reflect.Value {
	if err == nil {
		return reflect.Zero(errorType)
	}
	return reflect.ValueOf(&err).Elem()
}
