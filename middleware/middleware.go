// Package middleware provides interceptors that wrap every call the server
// invoker dispatches. An interceptor sees the call before the target runs
// and may wrap the responder to observe or replace its outcome; it must
// make sure respond is called exactly once.
package middleware

import (
	"context"
	"reflect"

	"binrpc/invoke"
)

// Call describes one dispatched request.
type Call struct {
	Service       string
	Method        string
	Signature     string
	CorrelationID uint64
	Remote        string
	Args          []reflect.Value
}

type HandlerFunc func(ctx context.Context, call *Call, respond invoke.Responder)

type Interceptor func(next HandlerFunc) HandlerFunc

// Chain composes interceptors so that the first one is outermost:
// Chain(A, B)(h) runs A, then B, then h.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}
