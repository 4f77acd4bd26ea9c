package transport

import (
	"fmt"

	"binrpc/logger"
)

// ServiceState is the start/stop lifecycle shared by transports, the
// transport server and both invokers.
type ServiceState int

const (
	Created ServiceState = iota
	Starting
	Started
	Stopping
	Stopped
)

var serviceStateNames = [...]string{"CREATED", "STARTING", "STARTED", "STOPPING", "STOPPED"}

func (s ServiceState) String() string {
	return serviceStateNames[s]
}

var serviceTransitions = map[ServiceState][]ServiceState{
	Created:  {Starting},
	Starting: {Started},
	Started:  {Stopping},
	Stopping: {Stopped},
	Stopped:  {Starting},
}

// SocketState tracks the connection underneath a transport.
type SocketState int

const (
	Disconnected SocketState = iota
	Connecting
	Connected
	Canceling
	Canceled
)

var socketStateNames = [...]string{"DISCONNECTED", "CONNECTING", "CONNECTED", "CANCELING", "CANCELED"}

func (s SocketState) String() string {
	return socketStateNames[s]
}

var socketTransitions = map[SocketState][]SocketState{
	Disconnected: {Connecting, Connected, Canceled},
	Connecting:   {Connected, Canceled},
	Connected:    {Canceling},
	Canceling:    {Canceled},
	Canceled:     {},
}

func allowed[S comparable](table map[S][]S, from S, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Lifecycle implements idempotent Start and Stop with completion callbacks.
// It is not safe for concurrent use: the owner calls it from a single queue
// and invokes the done functions handed to doStart and doStop on that same
// queue. Every callback passed to Start or Stop runs exactly once.
type Lifecycle struct {
	name         string
	state        ServiceState
	doStart      func(done func())
	doStop       func(done func())
	startWaiters []func()
	stopWaiters  []func()
	stopPending  bool
}

func NewLifecycle(name string, doStart func(done func()), doStop func(done func())) Lifecycle {
	return Lifecycle{name: name, doStart: doStart, doStop: doStop}
}

func (l *Lifecycle) State() ServiceState {
	return l.state
}

func (l *Lifecycle) Start(onComplete func()) {
	switch l.state {
	case Created, Stopped:
		l.transition(Starting)
		l.startWaiters = appendCallback(l.startWaiters, onComplete)
		l.doStart(func() {
			l.transition(Started)
			waiters := l.startWaiters
			l.startWaiters = nil
			runCallbacks(waiters)
			if l.stopPending {
				l.stopPending = false
				l.beginStop()
			}
		})
	case Starting:
		l.startWaiters = appendCallback(l.startWaiters, onComplete)
	case Started:
		runCallback(onComplete)
	default:
		logger.Warnf("%s: start called while %s", l.name, l.state)
		runCallback(onComplete)
	}
}

func (l *Lifecycle) Stop(onComplete func()) {
	switch l.state {
	case Created, Stopped:
		runCallback(onComplete)
	case Starting:
		l.stopWaiters = appendCallback(l.stopWaiters, onComplete)
		l.stopPending = true
	case Started:
		l.stopWaiters = appendCallback(l.stopWaiters, onComplete)
		l.beginStop()
	case Stopping:
		l.stopWaiters = appendCallback(l.stopWaiters, onComplete)
	}
}

func (l *Lifecycle) beginStop() {
	l.transition(Stopping)
	l.doStop(func() {
		l.transition(Stopped)
		waiters := l.stopWaiters
		l.stopWaiters = nil
		runCallbacks(waiters)
	})
}

func (l *Lifecycle) transition(to ServiceState) {
	if !allowed(serviceTransitions, l.state, to) {
		panic(fmt.Sprintf("%s: illegal transition %s -> %s", l.name, l.state, to))
	}
	l.state = to
}

func appendCallback(cbs []func(), cb func()) []func() {
	if cb == nil {
		return cbs
	}
	return append(cbs, cb)
}

func runCallback(cb func()) {
	if cb != nil {
		cb()
	}
}

func runCallbacks(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
