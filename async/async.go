// Package async defines the asynchronous calling conventions understood by
// the invokers: a method may return a *Future[T] or a *Promise[T], or take a
// trailing Callback[T].
//
// Both result types complete exactly once. Later completions are ignored and
// report false.
package async

import (
	"reflect"
	"sync"
)

// Callback receives the outcome of an asynchronous call. A method whose last
// parameter is a func(T, error) is invoked with the callback convention.
type Callback[T any] func(T, error)

// Settleable is the untyped view of a Future or Promise used by the
// invocation machinery.
type Settleable interface {
	// ResultType is the type T of the value carried on success.
	ResultType() reflect.Type
	// Settle completes with v, which must be of ResultType or invalid, or
	// with err.
	Settle(v reflect.Value, err error) bool
	// Watch registers fn to run once the result is available, immediately if
	// it already is.
	Watch(fn func(v reflect.Value, err error))
	// Fresh returns a new pending result of the same type. It may be called
	// on a nil receiver.
	Fresh() Settleable
}

type FutureResult interface {
	Settleable
	isFuture()
}

type PromiseResult interface {
	Settleable
	isPromise()
}

type completion[T any] struct {
	lock      sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	listeners []func(T, error)
}

func (c *completion[T]) init() {
	c.done = make(chan struct{})
}

func (c *completion[T]) complete(v T, err error) bool {
	c.lock.Lock()
	if c.completed {
		c.lock.Unlock()
		return false
	}
	c.completed = true
	c.value = v
	c.err = err
	listeners := c.listeners
	c.listeners = nil
	close(c.done)
	c.lock.Unlock()
	for _, l := range listeners {
		l(v, err)
	}
	return true
}

func (c *completion[T]) listen(fn func(T, error)) {
	c.lock.Lock()
	if !c.completed {
		c.listeners = append(c.listeners, fn)
		c.lock.Unlock()
		return
	}
	v, err := c.value, c.err
	c.lock.Unlock()
	fn(v, err)
}

func (c *completion[T]) resultType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (c *completion[T]) settle(v reflect.Value, err error) bool {
	var zero T
	if err != nil {
		return c.complete(zero, err)
	}
	if !v.IsValid() {
		return c.complete(zero, nil)
	}
	// a nil interface value fails the assertion and settles as zero
	t, _ := v.Interface().(T)
	return c.complete(t, nil)
}

func (c *completion[T]) watch(fn func(reflect.Value, error)) {
	c.listen(func(v T, err error) {
		fn(reflect.ValueOf(&v).Elem(), err)
	})
}
