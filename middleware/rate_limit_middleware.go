package middleware

import (
	"context"
	"reflect"

	"binrpc/errors"
	"binrpc/invoke"
	"golang.org/x/time/rate"
)

// RateLimit admits r calls per second with bursts of up to burst calls,
// shared by all services. Rejected calls fail with an invocation error
// without reaching the target.
func RateLimit(r float64, burst int) Interceptor {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call, respond invoke.Responder) {
			if !limiter.Allow() {
				respond(reflect.Value{}, errors.NewRPCErrorf(errors.InvocationError, "rate limit exceeded for %s.%s", call.Service, call.Method))
				return
			}
			next(ctx, call, respond)
		}
	}
}
