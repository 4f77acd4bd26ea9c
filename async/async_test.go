package async

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureCompletesOnce(t *testing.T) {
	f := NewFuture[string]()
	var calls atomic.Int32
	f.OnComplete(func(v string, err error) {
		calls.Add(1)
		require.Equal(t, "a", v)
		require.NoError(t, err)
	})
	require.True(t, f.Complete("a"))
	require.False(t, f.Complete("b"))
	require.False(t, f.Fail(errors.New("late")))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", v)

	// a listener added after completion runs immediately
	f.OnComplete(func(string, error) { calls.Add(1) })
	require.Equal(t, int32(2), calls.Load())
}

func TestFutureGetHonoursContext(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureConcurrentCompletion(t *testing.T) {
	f := NewFuture[int]()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.Complete(i) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	<-f.Done()
}

func TestSettleableView(t *testing.T) {
	var s Settleable = NewFuture[[]int]()
	require.Equal(t, reflect.TypeOf([]int{}), s.ResultType())

	var got reflect.Value
	s.Watch(func(v reflect.Value, err error) {
		require.NoError(t, err)
		got = v
	})
	require.True(t, s.Settle(reflect.ValueOf([]int{1, 2}), nil))
	require.Equal(t, []int{1, 2}, got.Interface())

	// interface result types keep their static type through Watch
	var e Settleable = NewPromise[error]()
	require.True(t, e.Settle(reflect.Value{}, nil))
	e.Watch(func(v reflect.Value, err error) {
		require.Equal(t, reflect.TypeOf((*error)(nil)).Elem(), v.Type())
		require.True(t, v.IsNil())
	})
}

func TestFreshFromNilReceiver(t *testing.T) {
	var nilFuture *Future[string]
	fresh := nilFuture.Fresh()
	require.IsType(t, &Future[string]{}, fresh)
	require.Equal(t, reflect.TypeOf(""), fresh.ResultType())
	require.True(t, fresh.Settle(reflect.ValueOf("x"), nil))
	require.False(t, fresh.Settle(reflect.ValueOf("y"), nil))

	var nilPromise *Promise[int]
	require.False(t, nilPromise.Fresh().(*Promise[int]).IsDone())
}

func TestMarkerInterfaces(t *testing.T) {
	futureType := reflect.TypeOf((*FutureResult)(nil)).Elem()
	promiseType := reflect.TypeOf((*PromiseResult)(nil)).Elem()

	require.True(t, reflect.TypeOf(NewFuture[int]()).Implements(futureType))
	require.False(t, reflect.TypeOf(NewFuture[int]()).Implements(promiseType))
	require.True(t, reflect.TypeOf(NewPromise[int]()).Implements(promiseType))
	require.False(t, reflect.TypeOf(NewPromise[int]()).Implements(futureType))
}

func TestPromiseThen(t *testing.T) {
	p := NewPromise[int]()
	var resolved, rejected atomic.Int32
	p.Then(func(v int) { resolved.Add(int32(v)) }, func(error) { rejected.Add(1) })
	require.False(t, p.IsDone())
	require.True(t, p.Resolve(5))
	require.True(t, p.IsDone())
	require.Equal(t, int32(5), resolved.Load())
	require.Equal(t, int32(0), rejected.Load())

	r := Rejected[int](errors.New("boom"))
	var failure error
	r.Then(nil, func(err error) { failure = err }).Finally(func(_ int, err error) {
		require.Equal(t, failure, err)
	})
	require.EqualError(t, failure, "boom")
}
