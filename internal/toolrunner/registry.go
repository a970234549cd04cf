package toolrunner

import (
	"errors"
	"modelchain/internal/apperrors"
	"sync"
)

// registry tracks live invocations so a runner can kill them on Close.
type registry struct {
	mu    sync.RWMutex
	items map[string]Invocation
}

func newRegistry() *registry {
	return &registry{
		items: make(map[string]Invocation),
	}
}

// reserve claims an id. The slot holds nil until commit is called.
func (r *registry) reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[id]; exists {
		return apperrors.Conflict("invocation", id, "invocation already exists")
	}
	r.items[id] = nil
	return nil
}

func (r *registry) commit(id string, inv Invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id] = inv
}

func (r *registry) release(id string) (Invocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, exists := r.items[id]
	if exists {
		delete(r.items, id)
	}
	return inv, exists
}

func (r *registry) get(id string) (Invocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, exists := r.items[id]
	return inv, exists
}

// list returns the committed invocations.
func (r *registry) list() []Invocation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Invocation, 0, len(r.items))
	for _, inv := range r.items {
		if inv != nil {
			out = append(out, inv)
		}
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// killAll kills every committed invocation and joins the errors.
func (r *registry) killAll() error {
	var errs []error
	for _, inv := range r.list() {
		if err := inv.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
