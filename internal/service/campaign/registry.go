package campaign

import (
	"context"
	"sync"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Registry maps campaign ids to the Machine currently driving them. A
// Machine lives only while something holds it (a dispatch run or a cancel
// in progress) and is loaded fresh from the repository on the next
// Acquire, so a long-lived process never serves a stale copy.
type Registry struct {
	mu         sync.Mutex
	machines   map[string]*entry
	repo       Repository
	deliveries DeliveryRepository
	onTerminal func(c *domain.Campaign)
}

type entry struct {
	m    *Machine
	refs int
}

// NewRegistry creates an empty registry.
func NewRegistry(repo Repository, deliveries DeliveryRepository) *Registry {
	return &Registry{
		machines:   make(map[string]*entry),
		repo:       repo,
		deliveries: deliveries,
	}
}

// OnTerminal registers a hook that runs (in its own goroutine) whenever a
// campaign reaches completed or failed. Must be called before first use.
func (r *Registry) OnTerminal(fn func(c *domain.Campaign)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTerminal = fn
}

// Acquire returns the Machine for id, loading it when nobody holds one.
// Every successful Acquire must be paired with a Release.
func (r *Registry) Acquire(ctx context.Context, id string) (*Machine, error) {
	r.mu.Lock()
	if e, ok := r.machines[id]; ok {
		e.refs++
		r.mu.Unlock()
		return e.m, nil
	}
	r.mu.Unlock()

	c, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have loaded it while we were reading.
	if e, ok := r.machines[id]; ok {
		e.refs++
		return e.m, nil
	}
	m := newMachine(c, r.repo, r.deliveries)
	m.onTerminal = r.onTerminal
	r.machines[id] = &entry{m: m, refs: 1}
	return m, nil
}

// Release drops one hold on id's Machine and evicts it when none remain.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.machines[id]
	if !ok {
		return
	}
	if e.refs--; e.refs <= 0 {
		delete(r.machines, id)
	}
}

// Len returns the number of machines currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}
