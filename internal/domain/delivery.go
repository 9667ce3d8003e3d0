package domain

import "time"

// Outcome is the per-recipient delivery state.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSent      Outcome = "sent"
	OutcomeDelivered Outcome = "delivered"
	OutcomeOpened    Outcome = "opened"
	OutcomeClicked   Outcome = "clicked"
	OutcomeFailed    Outcome = "failed"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeSent, OutcomeDelivered, OutcomeOpened, OutcomeClicked, OutcomeFailed:
		return true
	}
	return false
}

// Settled reports whether the dispatch attempt for the recipient is over.
// Anything past pending is settled; engagement outcomes imply a send.
func (o Outcome) Settled() bool {
	return o != OutcomePending && o != ""
}

// ReasonCancelled is recorded as LastError for recipients that were never
// attempted because the dispatch was cancelled.
const ReasonCancelled = "cancelled"

// DeliveryRecord is the audit/state record of one recipient's send within
// one campaign. The per-event timestamps double as idempotency markers.
type DeliveryRecord struct {
	ID          string     `json:"id" db:"id"`
	CampaignID  string     `json:"campaign_id" db:"campaign_id"`
	ContactID   string     `json:"contact_id" db:"contact_id"`
	Email       string     `json:"email" db:"email"`
	Subject     string     `json:"subject" db:"rendered_subject"`
	Body        string     `json:"body" db:"rendered_body"`
	Outcome     Outcome    `json:"outcome" db:"outcome"`
	Attempts    int        `json:"attempts" db:"attempts"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	TransportID string     `json:"transport_id,omitempty" db:"transport_id"`
	SentAt      *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at,omitempty" db:"clicked_at"`
	FailedAt    *time.Time `json:"failed_at,omitempty" db:"failed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Recorded reports whether an engagement event of type t was already applied.
func (d *DeliveryRecord) Recorded(t EventType) bool {
	switch t {
	case EventDelivered:
		return d.DeliveredAt != nil
	case EventOpened:
		return d.OpenedAt != nil
	case EventClicked:
		return d.ClickedAt != nil
	}
	return false
}

// Mark stamps the event timestamp and advances Outcome when the event is
// further along than the current state.
func (d *DeliveryRecord) Mark(t EventType, at time.Time) {
	switch t {
	case EventDelivered:
		d.DeliveredAt = &at
		if d.Outcome == OutcomeSent || d.Outcome == OutcomePending {
			d.Outcome = OutcomeDelivered
		}
	case EventOpened:
		d.OpenedAt = &at
		if d.Outcome != OutcomeClicked {
			d.Outcome = OutcomeOpened
		}
	case EventClicked:
		d.ClickedAt = &at
		d.Outcome = OutcomeClicked
	}
	d.UpdatedAt = at
}

// Clone copies the record including timestamp pointers.
func (d *DeliveryRecord) Clone() *DeliveryRecord {
	cp := *d
	for _, p := range []**time.Time{&cp.SentAt, &cp.DeliveredAt, &cp.OpenedAt, &cp.ClickedAt, &cp.FailedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &cp
}

// DeliveryResult is what the worker pool reports for one recipient.
type DeliveryResult struct {
	ContactID   string
	Outcome     Outcome // OutcomeSent or OutcomeFailed
	Rendered    Rendered
	Attempts    int
	LastError   string
	TransportID string
	At          time.Time
}
