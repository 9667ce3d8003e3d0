package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
	"github.com/ignite/dispatch-engine/internal/service/recipient"
)

// TemplateRepo implements campaign.TemplateStore.
type TemplateRepo struct {
	mu        sync.RWMutex
	templates map[string]*domain.Template
}

// NewTemplateRepo creates an empty template store.
func NewTemplateRepo() *TemplateRepo {
	return &TemplateRepo{templates: make(map[string]*domain.Template)}
}

// Put inserts or replaces a template.
func (r *TemplateRepo) Put(t domain.Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t.Clone()
}

func (r *TemplateRepo) GetTemplate(_ context.Context, id string) (*domain.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, campaign.ErrTemplateNotFound
	}
	return t.Clone(), nil
}

// ContactRepo implements recipient.ContactStore.
type ContactRepo struct {
	mu       sync.RWMutex
	contacts map[string]domain.Contact
	seq      map[string]int
	next     int
}

// NewContactRepo creates an empty contact store.
func NewContactRepo() *ContactRepo {
	return &ContactRepo{contacts: make(map[string]domain.Contact), seq: make(map[string]int)}
}

// Put inserts or replaces a contact. Insertion order is the list order.
func (r *ContactRepo) Put(c domain.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seq[c.ID]; !ok {
		r.seq[c.ID] = r.next
		r.next++
	}
	r.contacts[c.ID] = c
}

// Delete removes a contact.
func (r *ContactRepo) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contacts, id)
	delete(r.seq, id)
}

func (r *ContactRepo) Get(_ context.Context, id string) (*domain.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[id]
	if !ok {
		return nil, recipient.ErrContactNotFound
	}
	return &c, nil
}

func (r *ContactRepo) GetByIDs(_ context.Context, ids []string) ([]domain.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Contact, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *ContactRepo) ListSubscribed(_ context.Context) ([]domain.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		if c.Subscribed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.seq[out[i].ID] < r.seq[out[j].ID] })
	return out, nil
}

func (r *ContactRepo) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contacts), nil
}
