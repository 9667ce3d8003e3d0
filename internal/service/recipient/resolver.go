package recipient

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// ErrContactNotFound is returned by ContactStore.Get for unknown ids.
var ErrContactNotFound = errors.New("contact not found")

// ContactStore is the read side of the contact collaborator.
type ContactStore interface {
	// Get returns one contact or ErrContactNotFound.
	Get(ctx context.Context, id string) (*domain.Contact, error)
	// GetByIDs returns the contacts that exist among ids, in any order.
	GetByIDs(ctx context.Context, ids []string) ([]domain.Contact, error)
	// ListSubscribed returns every subscribed contact ordered by creation.
	ListSubscribed(ctx context.Context) ([]domain.Contact, error)
	// Count returns the total number of contacts.
	Count(ctx context.Context) (int, error)
}

// Resolution is the outcome of resolving one recipient specification.
type Resolution struct {
	Contacts   []domain.Contact
	Unresolved []string
}

// Resolver resolves recipient specifications against a ContactStore.
type Resolver struct {
	store ContactStore
}

// NewResolver creates a resolver.
func NewResolver(store ContactStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the deduplicated, ordered recipients for spec. An explicit
// id list keeps the caller's order; unknown ids are skipped and reported in
// Unresolved. An empty spec means every subscribed contact.
func (r *Resolver) Resolve(ctx context.Context, spec domain.RecipientSpec) (*Resolution, error) {
	if spec.All() {
		all, err := r.store.ListSubscribed(ctx)
		if err != nil {
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		return &Resolution{Contacts: dedupe(all)}, nil
	}

	found, err := r.store.GetByIDs(ctx, uniqueIDs(spec.ContactIDs))
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	byID := make(map[string]domain.Contact, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}

	res := &Resolution{}
	ordered := make([]domain.Contact, 0, len(spec.ContactIDs))
	seen := make(map[string]bool, len(spec.ContactIDs))
	for _, id := range spec.ContactIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		c, ok := byID[id]
		if !ok {
			logger.Warn("recipient did not resolve", "contact_id", id)
			res.Unresolved = append(res.Unresolved, id)
			continue
		}
		ordered = append(ordered, c)
	}
	res.Contacts = dedupe(ordered)
	return res, nil
}

func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// dedupe drops repeated contact ids and repeated addresses, keeping the
// first occurrence. Contacts without an address are skipped.
func dedupe(in []domain.Contact) []domain.Contact {
	out := make([]domain.Contact, 0, len(in))
	ids := make(map[string]bool, len(in))
	emails := make(map[string]bool, len(in))
	for _, c := range in {
		email := c.NormalizedEmail()
		if email == "" {
			logger.Warn("skipping contact without email", "contact_id", c.ID)
			continue
		}
		if ids[c.ID] || emails[email] {
			continue
		}
		ids[c.ID] = true
		emails[email] = true
		out = append(out, c)
	}
	return out
}
