package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps endpoints in process. It is meant for tests and
// single process setups; ttl is not enforced.
type MemoryRegistry struct {
	lock     sync.Mutex
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
	closed   bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: map[string]map[string]Endpoint{},
		watchers: map[string][]chan []Endpoint{},
	}
}

func (r *MemoryRegistry) Register(_ context.Context, service string, endpoint Endpoint, _ time.Duration) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	endpoints, ok := r.services[service]
	if !ok {
		endpoints = map[string]Endpoint{}
		r.services[service] = endpoints
	}
	endpoints[endpoint.Address] = endpoint
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, service string, address string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.services[service][address]; !ok {
		return nil
	}
	delete(r.services[service], address)
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, service string) ([]Endpoint, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.list(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		close(ch)
		return ch
	}
	ch <- r.list(service)
	r.watchers[service] = append(r.watchers[service], ch)
	r.lock.Unlock()
	go func() {
		<-ctx.Done()
		r.lock.Lock()
		defer r.lock.Unlock()
		watchers := r.watchers[service]
		for i, w := range watchers {
			if w == ch {
				r.watchers[service] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

func (r *MemoryRegistry) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.closed = true
	for service, watchers := range r.watchers {
		for _, w := range watchers {
			close(w)
		}
		delete(r.watchers, service)
	}
	return nil
}

// list must be called with lock held.
func (r *MemoryRegistry) list(service string) []Endpoint {
	endpoints := make([]Endpoint, 0, len(r.services[service]))
	for _, e := range r.services[service] {
		endpoints = append(endpoints, e)
	}
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].Address < endpoints[j].Address
	})
	return endpoints
}

// notify replaces whatever a slow watcher has not consumed yet with the
// latest list. Must be called with lock held.
func (r *MemoryRegistry) notify(service string) {
	endpoints := r.list(service)
	for _, w := range r.watchers[service] {
		select {
		case <-w:
		default:
		}
		w <- endpoints
	}
}
