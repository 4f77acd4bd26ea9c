package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"binrpc/conf"
	"binrpc/dispatch"
	"binrpc/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// Pool keeps client transports per remote address. Transports are created
// on first use and handed out round-robin when an address has more than one
// slot. Entries with no traffic for the idle timeout are evicted.
type Pool struct {
	cfg         *conf.TransportConfig
	dispatcher  *dispatch.Dispatcher
	listener    Listener
	size        int
	idleTimeout time.Duration
	entries     *xsync.MapOf[string, *poolEntry]
	owners      *xsync.MapOf[uint64, *poolEntry]
	stopSweep   chan struct{}
	sweepDone   chan struct{}
	stopOnce    sync.Once
}

type poolEntry struct {
	address      string
	lock         sync.Mutex
	slots        []*Transport
	next         int
	closed       bool
	lastActivity atomic.Int64
}

func NewPool(cfg *conf.TransportConfig, dispatcher *dispatch.Dispatcher, listener Listener, size int, idleTimeout time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		cfg:         cfg,
		dispatcher:  dispatcher,
		listener:    listener,
		size:        size,
		idleTimeout: idleTimeout,
		entries:     xsync.NewMapOf[string, *poolEntry](),
		owners:      xsync.NewMapOf[uint64, *poolEntry](),
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	if idleTimeout > 0 {
		go p.sweep()
	} else {
		close(p.sweepDone)
	}
	return p
}

// Get returns a started transport to address, connecting a new one if the
// chosen slot is empty.
func (p *Pool) Get(address string) *Transport {
	for {
		e, _ := p.entries.LoadOrCompute(address, func() *poolEntry {
			e := &poolEntry{address: address, slots: make([]*Transport, p.size)}
			e.lastActivity.Store(time.Now().UnixNano())
			return e
		})
		if t := p.take(e); t != nil {
			return t
		}
		// lost a race with eviction; the entry is gone from the map
	}
}

func (p *Pool) take(e *poolEntry) *Transport {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return nil
	}
	e.lastActivity.Store(time.Now().UnixNano())
	i := e.next % len(e.slots)
	e.next++
	t := e.slots[i]
	if t == nil {
		t = Connect(p.cfg, p.dispatcher.Next(), p.listener, e.address)
		e.slots[i] = t
		p.owners.Store(t.ID(), e)
		t.Start(nil)
	}
	return t
}

// Touch records traffic on t, postponing idle eviction of its entry.
func (p *Pool) Touch(t *Transport) {
	if e, ok := p.owners.Load(t.ID()); ok {
		e.lastActivity.Store(time.Now().UnixNano())
	}
}

// Remove drops t from the pool and stops it. The next Get for its address
// connects a fresh transport.
func (p *Pool) Remove(t *Transport) {
	e, ok := p.owners.LoadAndDelete(t.ID())
	if !ok {
		return
	}
	e.lock.Lock()
	empty := true
	for i, s := range e.slots {
		if s == t {
			e.slots[i] = nil
		} else if s != nil {
			empty = false
		}
	}
	if empty {
		e.closed = true
	}
	e.lock.Unlock()
	if empty {
		p.forget(e)
	}
	t.Stop(nil)
}

// Len returns the number of addresses with a pool entry.
func (p *Pool) Len() int {
	return p.entries.Size()
}

func (p *Pool) forget(e *poolEntry) {
	p.entries.Compute(e.address, func(old *poolEntry, loaded bool) (*poolEntry, bool) {
		// keep a newer entry created after e was closed
		return old, !loaded || old == e
	})
}

// close marks e closed and returns its transports.
func (p *Pool) close(e *poolEntry) []*Transport {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var open []*Transport
	for i, t := range e.slots {
		if t != nil {
			open = append(open, t)
			p.owners.Delete(t.ID())
			e.slots[i] = nil
		}
	}
	return open
}

func (p *Pool) sweep() {
	defer close(p.sweepDone)
	interval := p.idleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case now := <-ticker.C:
			p.evictIdle(now)
		}
	}
}

func (p *Pool) evictIdle(now time.Time) {
	deadline := now.Add(-p.idleTimeout).UnixNano()
	p.entries.Range(func(address string, e *poolEntry) bool {
		if e.lastActivity.Load() >= deadline {
			return true
		}
		open := p.close(e)
		p.forget(e)
		if len(open) > 0 && logger.DebugEnabled {
			logger.Debugf("pool: evicting %d idle transport(s) to %s", len(open), address)
		}
		for _, t := range open {
			t.Stop(nil)
		}
		return true
	})
}

// Stop evicts every entry and stops its transports. onComplete runs once
// all of them are stopped.
func (p *Pool) Stop(onComplete func()) {
	p.stopOnce.Do(func() { close(p.stopSweep) })
	<-p.sweepDone
	var open []*Transport
	p.entries.Range(func(_ string, e *poolEntry) bool {
		open = append(open, p.close(e)...)
		p.forget(e)
		return true
	})
	if len(open) == 0 {
		runCallback(onComplete)
		return
	}
	var remaining atomic.Int32
	remaining.Store(int32(len(open)))
	for _, t := range open {
		t.Stop(func() {
			if remaining.Add(-1) == 0 {
				runCallback(onComplete)
			}
		})
	}
}
