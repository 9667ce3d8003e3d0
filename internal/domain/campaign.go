package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// statusRank orders statuses so transitions can only move forward.
var statusRank = map[CampaignStatus]int{
	CampaignDraft:     0,
	CampaignSending:   1,
	CampaignCompleted: 2,
	CampaignFailed:    2,
}

// Valid reports whether s is a known status.
func (s CampaignStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal returns true for completed and failed.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// CanTransitionTo reports whether moving from s to next is a forward move.
// Terminal states never transition.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// RecipientSpec selects who a campaign is sent to. An empty ContactIDs list
// means every current contact.
type RecipientSpec struct {
	ContactIDs []string `json:"contact_ids,omitempty"`
}

// All reports whether the spec targets the full contact list.
func (r RecipientSpec) All() bool { return len(r.ContactIDs) == 0 }

// Counters are the aggregate per-campaign delivery counts.
type Counters struct {
	RecipientCount int `json:"recipient_count" db:"recipient_count"`
	SentCount      int `json:"sent_count" db:"sent_count"`
	DeliveredCount int `json:"delivered_count" db:"delivered_count"`
	OpenedCount    int `json:"opened_count" db:"opened_count"`
	ClickedCount   int `json:"clicked_count" db:"clicked_count"`
	FailedCount    int `json:"failed_count" db:"failed_count"`
}

// Settled is the number of recipients that reached sent or failed.
func (c Counters) Settled() int { return c.SentCount + c.FailedCount }

// Campaign is a single execution of sending one template to a resolved
// recipient set.
type Campaign struct {
	ID            string         `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	TemplateID    string         `json:"template_id" db:"template_id"`
	Recipients    RecipientSpec  `json:"recipients" db:"-"`
	Status        CampaignStatus `json:"status" db:"status"`
	ScheduledAt   *time.Time     `json:"scheduled_at,omitempty" db:"scheduled_at"`
	Cancelled     bool           `json:"cancelled" db:"cancelled"`
	FailureReason string         `json:"failure_reason,omitempty" db:"failure_reason"`

	Counters

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// Clone returns a deep copy safe to hand out across goroutines.
func (c *Campaign) Clone() *Campaign {
	cp := *c
	if c.Recipients.ContactIDs != nil {
		cp.Recipients.ContactIDs = append([]string(nil), c.Recipients.ContactIDs...)
	}
	if c.ScheduledAt != nil {
		t := *c.ScheduledAt
		cp.ScheduledAt = &t
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
