package dispatch

import (
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"golang.org/x/sync/errgroup"
)

// WorkerPool runs tasks on a fixed number of goroutines. Submit never
// blocks; tasks wait in an unbounded list until a worker is free.
type WorkerPool struct {
	lock    sync.Mutex
	cond    *sync.Cond
	tasks   *linkedlistqueue.Queue
	stopped bool
	group   errgroup.Group
	size    int
}

func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{tasks: linkedlistqueue.New(), size: size}
	p.cond = sync.NewCond(&p.lock)
	for i := 0; i < size; i++ {
		p.group.Go(p.work)
	}
	return p
}

func (p *WorkerPool) Size() int {
	return p.size
}

// Submit queues task, returning false if the pool is stopped.
func (p *WorkerPool) Submit(task func()) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.stopped {
		return false
	}
	p.tasks.Enqueue(task)
	p.cond.Signal()
	return true
}

// Stop lets the workers finish every queued task and waits for them to exit.
func (p *WorkerPool) Stop() error {
	p.lock.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.lock.Unlock()
	return p.group.Wait()
}

func (p *WorkerPool) work() error {
	for {
		p.lock.Lock()
		for p.tasks.Empty() && !p.stopped {
			p.cond.Wait()
		}
		task, ok := p.tasks.Dequeue()
		p.lock.Unlock()
		if !ok {
			return nil
		}
		runTask("worker pool", task.(func()))
	}
}
