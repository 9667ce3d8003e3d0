package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// ReasonNoRecipients is the failure reason when resolution yields nobody.
const ReasonNoRecipients = "no recipients resolved"

// reasonAllFailed is the failure reason when no recipient got a send.
const reasonAllFailed = "all recipients failed"

// Machine drives one campaign's status during a dispatch run. The
// repositories own the counters: every settle is a conditional increment,
// and the Machine only decides transitions from the row the write returns.
// The mutex serializes the transitions made by this process.
type Machine struct {
	mu         sync.Mutex
	campaign   *domain.Campaign
	repo       Repository
	deliveries DeliveryRepository
	onTerminal func(c *domain.Campaign)
	now        func() time.Time
}

func newMachine(c *domain.Campaign, repo Repository, deliveries DeliveryRepository) *Machine {
	return &Machine{
		campaign:   c.Clone(),
		repo:       repo,
		deliveries: deliveries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot returns a copy of the campaign as this Machine last saw it.
func (m *Machine) Snapshot() *domain.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaign.Clone()
}

// Begin enters sending exactly once, freezing recipient_count to the size
// of the resolved set and creating one pending record per recipient. A
// campaign with zero recipients goes straight to failed.
func (m *Machine) Begin(ctx context.Context, recipients []domain.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.campaign.Status != domain.CampaignDraft {
		return fmt.Errorf("%w: campaign is %s", ErrAlreadyDispatched, m.campaign.Status)
	}

	now := m.now()
	next := m.campaign.Clone()
	next.Status = domain.CampaignSending
	next.RecipientCount = len(recipients)
	next.StartedAt = &now
	next.UpdatedAt = now
	if len(recipients) == 0 {
		next.Status = domain.CampaignFailed
		next.FailureReason = ReasonNoRecipients
		next.CompletedAt = &now
	}

	records := make([]domain.DeliveryRecord, len(recipients))
	for i, c := range recipients {
		records[i] = domain.DeliveryRecord{
			ID:         uuid.New().String(),
			CampaignID: next.ID,
			ContactID:  c.ID,
			Email:      c.Email,
			Outcome:    domain.OutcomePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	if err := m.repo.BeginDispatch(ctx, next, records); err != nil {
		return err
	}

	m.campaign = next
	if next.Status.IsTerminal() {
		m.fireTerminal()
	}
	return nil
}

// RecordOutcome applies one dispatch result. Each recipient settles once;
// the repository ignores repeats so a redelivered result cannot double
// count, even when another process settled the recipient first.
func (m *Machine) RecordOutcome(ctx context.Context, res domain.DeliveryResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := res.At
	if at.IsZero() {
		at = m.now()
	}
	rec := &domain.DeliveryRecord{
		CampaignID:  m.campaign.ID,
		ContactID:   res.ContactID,
		Subject:     res.Rendered.Subject,
		Body:        res.Rendered.Body,
		Attempts:    res.Attempts,
		LastError:   res.LastError,
		TransportID: res.TransportID,
		UpdatedAt:   at,
	}
	if res.Outcome == domain.OutcomeSent {
		rec.Outcome = domain.OutcomeSent
		rec.SentAt = &at
	} else {
		rec.Outcome = domain.OutcomeFailed
		rec.FailedAt = &at
	}

	stored, _, err := m.deliveries.SettleDelivery(ctx, rec)
	if err != nil {
		return fmt.Errorf("settle delivery %s: %w", res.ContactID, err)
	}
	m.observe(stored)
	return m.settleIfDone(ctx, at)
}

// Allow reports whether a recipient may still be attempted. It turns false
// once this Machine has seen the campaign cancelled, including a cancel
// made by another process and picked up from a settle.
func (m *Machine) Allow(string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.campaign.Cancelled && m.campaign.Status == domain.CampaignSending
}

// Cancel flags the campaign as cancelled. When no dispatch run is active in
// this process (failPending), every pending recipient is settled as failed
// right away so the campaign can reach its terminal state.
func (m *Machine) Cancel(ctx context.Context, failPending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refresh(ctx); err != nil {
		return err
	}
	c := m.campaign
	if c.Status != domain.CampaignSending {
		return fmt.Errorf("%w: cannot cancel a %s campaign", ErrInvalidTransition, c.Status)
	}

	now := m.now()
	next := c.Clone()
	next.Cancelled = true
	next.UpdatedAt = now
	if err := m.repo.SaveStatus(ctx, next); err != nil {
		return fmt.Errorf("save cancel: %w", err)
	}
	m.campaign = next

	if failPending {
		records, err := m.deliveries.AllDeliveries(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("load deliveries: %w", err)
		}
		for _, rec := range records {
			if rec.Outcome.Settled() {
				continue
			}
			rec.Outcome = domain.OutcomeFailed
			rec.LastError = domain.ReasonCancelled
			rec.FailedAt = &now
			rec.UpdatedAt = now
			stored, _, err := m.deliveries.SettleDelivery(ctx, &rec)
			if err != nil {
				logger.Error("settle cancelled delivery failed", "campaign_id", c.ID, "contact_id", rec.ContactID, "error", err)
				continue
			}
			m.observe(stored)
		}
	}
	return m.settleIfDone(ctx, now)
}

// Finish re-reads the campaign and retries the terminal transition. It runs
// after the pool drains, so a terminal write that failed mid-run is
// repaired before the run is released.
func (m *Machine) Finish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.refresh(ctx); err != nil {
		return err
	}
	return m.settleIfDone(ctx, m.now())
}

// settleIfDone moves to a terminal state once every recipient has settled.
// Caller holds m.mu.
func (m *Machine) settleIfDone(ctx context.Context, at time.Time) error {
	c := m.campaign
	if c.Status != domain.CampaignSending || c.Settled() < c.RecipientCount {
		return nil
	}
	next := c.Clone()
	if c.SentCount > 0 && !c.Cancelled {
		next.Status = domain.CampaignCompleted
	} else {
		next.Status = domain.CampaignFailed
		next.FailureReason = reasonAllFailed
		if c.Cancelled {
			next.FailureReason = domain.ReasonCancelled
		}
	}
	next.CompletedAt = &at
	next.UpdatedAt = at

	err := m.repo.SaveStatus(ctx, next)
	if errors.Is(err, ErrInvalidTransition) {
		// Another writer settled it first.
		return m.refresh(ctx)
	}
	if err != nil {
		return fmt.Errorf("save campaign status: %w", err)
	}
	m.campaign = next
	logger.Info("campaign settled",
		"campaign_id", c.ID,
		"status", next.Status,
		"sent", c.SentCount,
		"failed", c.FailedCount)
	m.fireTerminal()
	return nil
}

// observe adopts the stored row returned by a repository write. Caller
// holds m.mu.
func (m *Machine) observe(stored *domain.Campaign) {
	if stored != nil {
		m.campaign = stored.Clone()
	}
}

// refresh re-reads the stored campaign. Caller holds m.mu.
func (m *Machine) refresh(ctx context.Context) error {
	c, err := m.repo.Get(ctx, m.campaign.ID)
	if err != nil {
		return err
	}
	m.campaign = c
	return nil
}

// fireTerminal hands a copy to the terminal hook. Caller holds m.mu.
func (m *Machine) fireTerminal() {
	if m.onTerminal == nil {
		return
	}
	go m.onTerminal(m.campaign.Clone())
}
