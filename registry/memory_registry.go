package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-host setups.
// TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]Instance)
	}
	r.services[service][instance.Addr] = instance
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[service][addr]; !ok {
		return ErrNotRegistered
	}
	delete(r.services[service], addr)
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) Close() error { return nil }

// list returns instances sorted by address. Caller holds mu.
func (r *MemoryRegistry) list(service string) []Instance {
	out := make([]Instance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notify replaces any unread update with the latest list. Caller holds mu.
func (r *MemoryRegistry) notify(service string) {
	for _, w := range r.watchers[service] {
		select {
		case <-w:
		default:
		}
		w <- r.list(service)
	}
}
