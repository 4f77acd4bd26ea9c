package middleware

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"binrpc/errors"
	"binrpc/invoke"
)

// Timeout bounds the server side duration of a call. The context handed to
// the target is cancelled after d, and if no outcome was reported by then
// the caller receives a timeout error. A late outcome is dropped.
func Timeout(d time.Duration) Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call, respond invoke.Responder) {
			ctx, cancel := context.WithCancel(ctx)
			var responded atomic.Bool
			once := func(result reflect.Value, err error) {
				if responded.CompareAndSwap(false, true) {
					cancel()
					respond(result, err)
				}
			}
			timer := time.AfterFunc(d, func() {
				once(reflect.Value{}, errors.NewTimeoutError(call.CorrelationID, call.Service, call.Method))
			})
			next(ctx, call, func(result reflect.Value, err error) {
				timer.Stop()
				once(result, err)
			})
		}
	}
}
