// Package dispatch provides the execution contexts the engine runs on.
//
// A Queue is a serial execution context: one goroutine running submitted
// tasks to completion in submission order. Transports are pinned to a Queue
// for their lifetime, so transport state needs no locking as long as it is
// only touched from tasks on that queue. A Dispatcher hands out a fixed set
// of queues round-robin. Blocking service calls never run on a Queue; they
// go to a WorkerPool.
//
//	Execute(task) ──→ [ task | task | task ] ──→ queue goroutine (one at a time)
package dispatch

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"binrpc/logger"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/timandy/routine"
)

// Affinity is implemented by services that want their calls executed on
// their own serial queue instead of the shared worker pool.
type Affinity interface {
	DispatchQueue() *Queue
}

type Queue struct {
	name    string
	lock    sync.Mutex
	tasks   *linkedlistqueue.Queue
	signal  chan struct{}
	stopped bool
	goID    atomic.Uint64
	done    chan struct{}
}

func NewQueue(name string) *Queue {
	q := &Queue{
		name:   name,
		tasks:  linkedlistqueue.New(),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	started := make(chan struct{})
	go q.loop(started)
	// goID must be set before anyone asks IsExecuting
	<-started
	return q
}

func (q *Queue) Name() string {
	return q.name
}

// Execute submits task. It never blocks and returns false once the queue is
// stopped.
func (q *Queue) Execute(task func()) bool {
	q.lock.Lock()
	if q.stopped {
		q.lock.Unlock()
		return false
	}
	q.tasks.Enqueue(task)
	q.lock.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// ExecuteAfter submits task once d has elapsed.
func (q *Queue) ExecuteAfter(d time.Duration, task func()) *time.Timer {
	return time.AfterFunc(d, func() {
		q.Execute(task)
	})
}

// IsExecuting reports whether the caller is running on this queue.
func (q *Queue) IsExecuting() bool {
	return routine.Goid() == q.goID.Load()
}

func (q *Queue) AssertExecuting() {
	if !q.IsExecuting() {
		panic(fmt.Sprintf("not executing on queue %s", q.name))
	}
}

// Stop rejects new tasks, runs the ones already queued and waits for the
// queue goroutine to exit. Called from the queue itself it does not wait.
func (q *Queue) Stop() {
	q.lock.Lock()
	if q.stopped {
		q.lock.Unlock()
		if !q.IsExecuting() {
			<-q.done
		}
		return
	}
	q.stopped = true
	q.lock.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	if !q.IsExecuting() {
		<-q.done
	}
}

func (q *Queue) loop(started chan struct{}) {
	q.goID.Store(routine.Goid())
	close(started)
	defer close(q.done)
	for {
		q.lock.Lock()
		task, ok := q.tasks.Dequeue()
		if !ok {
			stopped := q.stopped
			q.lock.Unlock()
			if stopped {
				return
			}
			<-q.signal
			continue
		}
		q.lock.Unlock()
		runTask(q.name, task.(func()))
	}
}

func runTask(where string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("task on %s panicked: %v\n%s", where, r, debug.Stack())
		}
	}()
	task()
}

// Dispatcher owns a fixed set of queues shared by many transports.
type Dispatcher struct {
	queues []*Queue
	next   atomic.Uint64
}

func NewDispatcher(name string, size int) *Dispatcher {
	if size < 1 {
		size = 1
	}
	d := &Dispatcher{queues: make([]*Queue, size)}
	for i := range d.queues {
		d.queues[i] = NewQueue(fmt.Sprintf("%s-%d", name, i))
	}
	return d
}

// Next returns the queue the next connection should be pinned to.
func (d *Dispatcher) Next() *Queue {
	n := d.next.Add(1) - 1
	return d.queues[n%uint64(len(d.queues))]
}

func (d *Dispatcher) Size() int {
	return len(d.queues)
}

func (d *Dispatcher) Stop() {
	for _, q := range d.queues {
		q.Stop()
	}
}
