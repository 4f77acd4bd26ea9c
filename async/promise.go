package async

import "reflect"

// Promise is a push style asynchronous result: consumers register handlers
// with Then instead of waiting.
type Promise[T any] struct {
	c completion[T]
}

func NewPromise[T any]() *Promise[T] {
	p := &Promise[T]{}
	p.c.init()
	return p
}

func Resolved[T any](v T) *Promise[T] {
	p := NewPromise[T]()
	p.Resolve(v)
	return p
}

func Rejected[T any](err error) *Promise[T] {
	p := NewPromise[T]()
	p.Reject(err)
	return p
}

func (p *Promise[T]) Resolve(v T) bool {
	return p.c.complete(v, nil)
}

func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.c.complete(zero, err)
}

// Then registers handlers for success and failure. Either may be nil.
func (p *Promise[T]) Then(onResolve func(T), onReject func(error)) *Promise[T] {
	p.c.listen(func(v T, err error) {
		if err != nil {
			if onReject != nil {
				onReject(err)
			}
			return
		}
		if onResolve != nil {
			onResolve(v)
		}
	})
	return p
}

// Finally registers fn to run with the outcome whatever it is.
func (p *Promise[T]) Finally(fn func(T, error)) *Promise[T] {
	p.c.listen(fn)
	return p
}

func (p *Promise[T]) IsDone() bool {
	select {
	case <-p.c.done:
		return true
	default:
		return false
	}
}

func (p *Promise[T]) ResultType() reflect.Type {
	return p.c.resultType()
}

func (p *Promise[T]) Settle(v reflect.Value, err error) bool {
	return p.c.settle(v, err)
}

func (p *Promise[T]) Watch(fn func(reflect.Value, error)) {
	p.c.watch(fn)
}

func (p *Promise[T]) Fresh() Settleable {
	return NewPromise[T]()
}

func (p *Promise[T]) isPromise() {}
