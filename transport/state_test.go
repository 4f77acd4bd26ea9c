package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLifecycleStartStopIdempotent(t *testing.T) {
	var starts, stops int
	l := NewLifecycle("test", func(done func()) {
		starts++
		done()
	}, func(done func()) {
		stops++
		done()
	})

	var calls []string
	l.Start(func() { calls = append(calls, "start1") })
	l.Start(func() { calls = append(calls, "start2") })
	require.Equal(t, Started, l.State())
	l.Stop(func() { calls = append(calls, "stop1") })
	l.Stop(func() { calls = append(calls, "stop2") })
	require.Equal(t, Stopped, l.State())

	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)
	require.Equal(t, []string{"start1", "start2", "stop1", "stop2"}, calls)

	// restartable
	l.Start(nil)
	require.Equal(t, Started, l.State())
	require.Equal(t, 2, starts)
}

func TestLifecycleStopBeforeStartCompletes(t *testing.T) {
	var finishStart func()
	l := NewLifecycle("test", func(done func()) {
		finishStart = done
	}, func(done func()) {
		done()
	})

	var calls []string
	l.Start(func() { calls = append(calls, "start") })
	require.Equal(t, Starting, l.State())
	l.Stop(func() { calls = append(calls, "stop") })
	l.Start(func() { calls = append(calls, "start again") })
	require.Empty(t, calls)

	finishStart()
	require.Equal(t, Stopped, l.State())
	require.Equal(t, []string{"start", "start again", "stop"}, calls)
}

func TestLifecycleStopWhenNeverStarted(t *testing.T) {
	l := NewLifecycle("test", func(done func()) { done() }, func(done func()) {
		t.Fatal("doStop must not run")
	})
	ran := false
	l.Stop(func() { ran = true })
	require.True(t, ran)
	require.Equal(t, Created, l.State())
}

func TestLifecycleStartWhileStopping(t *testing.T) {
	var finishStop func()
	l := NewLifecycle("test", func(done func()) { done() }, func(done func()) {
		finishStop = done
	})
	l.Start(nil)
	l.Stop(nil)
	require.Equal(t, Stopping, l.State())

	ran := false
	l.Start(func() { ran = true })
	require.True(t, ran)
	require.Equal(t, Stopping, l.State())

	finishStop()
	require.Equal(t, Stopped, l.State())
}

func TestSocketStateNames(t *testing.T) {
	require.Equal(t, "CANCELING", Canceling.String())
	require.Equal(t, "STOPPED", Stopped.String())
	require.True(t, allowed(socketTransitions, Connected, Canceling))
	require.False(t, allowed(socketTransitions, Canceled, Connected))
}

func TestThrottle(t *testing.T) {
	var unlimited *throttle
	require.Nil(t, newThrottle(0))
	require.Equal(t, 1000, unlimited.clamp(1000))
	require.Equal(t, 0, unlimited.refill())

	th := newThrottle(100)
	require.Equal(t, 100, th.clamp(1000))
	require.Equal(t, 10, th.clamp(10))
	th.consume(100)
	require.Equal(t, 0, th.clamp(10))
	require.True(t, th.throttled)
	require.Equal(t, 0, th.clamp(10))
	require.Equal(t, 0, th.clamp(10))

	require.Equal(t, 3, th.refill())
	require.False(t, th.throttled)
	require.Equal(t, 0, th.refill())
}
