package middleware

import (
	"context"
	"reflect"
	"time"

	"binrpc/invoke"
	"binrpc/logger"
)

// Logging logs every completed call with its duration, and its error if it
// failed.
func Logging() Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call, respond invoke.Responder) {
			start := time.Now()
			next(ctx, call, func(result reflect.Value, err error) {
				duration := time.Since(start)
				if err != nil {
					logger.Warnf("call %d %s.%s from %s failed after %s: %v", call.CorrelationID, call.Service, call.Method, call.Remote, duration, err)
				} else {
					logger.Infof("call %d %s.%s from %s took %s", call.CorrelationID, call.Service, call.Method, call.Remote, duration)
				}
				respond(result, err)
			})
		}
	}
}
