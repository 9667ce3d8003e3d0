package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository and campaign.DeliveryRepository.
type CampaignRepo struct {
	mu         sync.RWMutex
	campaigns  map[string]*domain.Campaign
	deliveries map[string]*deliverySet // keyed by campaign id
}

// deliverySet keeps a campaign's records in creation order with an index
// by contact id for the per-result and per-event lookups.
type deliverySet struct {
	order     []*domain.DeliveryRecord
	byContact map[string]*domain.DeliveryRecord
}

// NewCampaignRepo creates an empty repository.
func NewCampaignRepo() *CampaignRepo {
	return &CampaignRepo{
		campaigns:  make(map[string]*domain.Campaign),
		deliveries: make(map[string]*deliverySet),
	}
}

func (r *CampaignRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *CampaignRepo) List(_ context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Campaign
	for _, c := range r.campaigns {
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, f.Offset, f.Limit), len(out), nil
}

func (r *CampaignRepo) Create(_ context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		return fmt.Errorf("id required")
	}
	if _, exists := r.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	r.campaigns[c.ID] = c.Clone()
	return nil
}

func (r *CampaignRepo) BeginDispatch(_ context.Context, c *domain.Campaign, records []domain.DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.campaigns[c.ID]
	if !ok {
		return campaign.ErrNotFound
	}
	if stored.Status != domain.CampaignDraft {
		return fmt.Errorf("%w: campaign is %s", campaign.ErrAlreadyDispatched, stored.Status)
	}
	r.campaigns[c.ID] = c.Clone()
	set := &deliverySet{
		order:     make([]*domain.DeliveryRecord, len(records)),
		byContact: make(map[string]*domain.DeliveryRecord, len(records)),
	}
	for i := range records {
		rec := records[i].Clone()
		set.order[i] = rec
		set.byContact[rec.ContactID] = rec
	}
	r.deliveries[c.ID] = set
	return nil
}

func (r *CampaignRepo) SaveStatus(_ context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.campaigns[c.ID]
	if !ok {
		return campaign.ErrNotFound
	}
	if stored.Status != domain.CampaignSending {
		return fmt.Errorf("%w: campaign is %s", campaign.ErrInvalidTransition, stored.Status)
	}
	stored.Status = c.Status
	stored.Cancelled = c.Cancelled
	stored.FailureReason = c.FailureReason
	stored.CompletedAt = c.Clone().CompletedAt
	stored.UpdatedAt = c.UpdatedAt
	return nil
}

func (r *CampaignRepo) ListDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status == domain.CampaignDraft && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	ids := make([]string, 0, len(due))
	for _, c := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (r *CampaignRepo) Totals(_ context.Context) (int, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sent := 0
	for _, c := range r.campaigns {
		sent += c.SentCount
	}
	return len(r.campaigns), sent, nil
}

func (r *CampaignRepo) SettleDelivery(_ context.Context, rec *domain.DeliveryRecord) (*domain.Campaign, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[rec.CampaignID]
	if !ok {
		return nil, false, campaign.ErrNotFound
	}
	existing := r.record(rec.CampaignID, rec.ContactID)
	if existing == nil {
		return nil, false, fmt.Errorf("%w: %s", campaign.ErrUnknownRecipient, rec.ContactID)
	}
	if existing.Outcome.Settled() {
		return c.Clone(), false, nil
	}

	settled := rec.Clone()
	existing.Subject = settled.Subject
	existing.Body = settled.Body
	existing.Outcome = settled.Outcome
	existing.Attempts = settled.Attempts
	existing.LastError = settled.LastError
	existing.TransportID = settled.TransportID
	existing.SentAt = settled.SentAt
	existing.FailedAt = settled.FailedAt
	existing.UpdatedAt = settled.UpdatedAt
	switch rec.Outcome {
	case domain.OutcomeFailed:
		c.FailedCount++
	default:
		c.SentCount++
	}
	c.UpdatedAt = rec.UpdatedAt
	return c.Clone(), true, nil
}

func (r *CampaignRepo) ApplyEvent(_ context.Context, campaignID, contactID string, t domain.EventType, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return false, campaign.ErrNotFound
	}
	rec := r.record(campaignID, contactID)
	switch {
	case rec == nil:
		return false, fmt.Errorf("%w: %s", campaign.ErrUnknownRecipient, contactID)
	case rec.Outcome == domain.OutcomeFailed:
		return false, fmt.Errorf("%w: %s", campaign.ErrRecipientFailed, contactID)
	case rec.SentAt == nil:
		return false, fmt.Errorf("%w: %s is %s", campaign.ErrNotSent, contactID, rec.Outcome)
	case rec.Recorded(t):
		return false, nil
	}

	rec.Mark(t, at)
	switch t {
	case domain.EventDelivered:
		c.DeliveredCount++
	case domain.EventOpened:
		c.OpenedCount++
	case domain.EventClicked:
		c.ClickedCount++
	}
	c.UpdatedAt = at
	return true, nil
}

// record returns the stored record for one recipient. Caller holds r.mu.
func (r *CampaignRepo) record(campaignID, contactID string) *domain.DeliveryRecord {
	set, ok := r.deliveries[campaignID]
	if !ok {
		return nil
	}
	return set.byContact[contactID]
}

func (r *CampaignRepo) ListDeliveries(_ context.Context, campaignID string, f campaign.DeliveryFilter) ([]domain.DeliveryRecord, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.DeliveryRecord
	for _, rec := range r.recordsOf(campaignID) {
		if f.Outcome != "" && string(rec.Outcome) != f.Outcome {
			continue
		}
		out = append(out, *rec.Clone())
	}
	return page(out, f.Offset, f.Limit), len(out), nil
}

func (r *CampaignRepo) AllDeliveries(_ context.Context, campaignID string) ([]domain.DeliveryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := r.recordsOf(campaignID)
	out := make([]domain.DeliveryRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *rec.Clone())
	}
	return out, nil
}

func (r *CampaignRepo) recordsOf(campaignID string) []*domain.DeliveryRecord {
	if set, ok := r.deliveries[campaignID]; ok {
		return set.order
	}
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
