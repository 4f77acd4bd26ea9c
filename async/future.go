package async

import (
	"context"
	"reflect"
)

// Future is a pull style asynchronous result.
type Future[T any] struct {
	c completion[T]
}

func NewFuture[T any]() *Future[T] {
	f := &Future[T]{}
	f.c.init()
	return f
}

func CompletedFuture[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

func FailedFuture[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

func (f *Future[T]) Complete(v T) bool {
	return f.c.complete(v, nil)
}

func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.c.complete(zero, err)
}

// Get waits for the result or for ctx to be done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.c.done:
		return f.c.value, f.c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.c.done
}

func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.c.listen(fn)
}

func (f *Future[T]) ResultType() reflect.Type {
	return f.c.resultType()
}

func (f *Future[T]) Settle(v reflect.Value, err error) bool {
	return f.c.settle(v, err)
}

func (f *Future[T]) Watch(fn func(reflect.Value, error)) {
	f.c.watch(fn)
}

func (f *Future[T]) Fresh() Settleable {
	return NewFuture[T]()
}

func (f *Future[T]) isFuture() {}
