package chain

import "sync"

// Registry maps a persisted id to the single live instance of that row.
// Entries stay until evicted; a missing eviction leaks memory but never
// produces a second instance.
type Registry[T any] struct {
	mu    sync.Mutex
	items map[int64]T
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[int64]T)}
}

// GetOrCreate returns the instance for id, calling create under the
// registry lock when there is none. created reports whether create ran.
func (r *Registry[T]) GetOrCreate(id int64, create func() T) (item T, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.items[id]; ok {
		return item, false
	}
	item = create()
	r.items[id] = item
	return item, true
}

// Get returns the instance for id.
func (r *Registry[T]) Get(id int64) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	return item, ok
}

// Put replaces the instance for id.
func (r *Registry[T]) Put(id int64, item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id] = item
}

// Evict removes id.
func (r *Registry[T]) Evict(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}

// EvictWhere removes every instance matching pred and returns how many.
func (r *Registry[T]) EvictWhere(pred func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, item := range r.items {
		if pred(item) {
			delete(r.items, id)
			n++
		}
	}
	return n
}

// Values returns a snapshot of the cached instances.
func (r *Registry[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item)
	}
	return out
}

// Len returns the number of cached instances.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
