package campaign

import (
	"context"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns matching the filter, ordered by created_at DESC.
	List(ctx context.Context, filter ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new draft campaign.
	Create(ctx context.Context, c *domain.Campaign) error

	// BeginDispatch atomically moves a draft campaign to c.Status, stores its
	// frozen recipient count and start time, and inserts the pending delivery
	// records. Returns ErrAlreadyDispatched if the stored campaign is no
	// longer a draft.
	BeginDispatch(ctx context.Context, c *domain.Campaign, records []domain.DeliveryRecord) error

	// SaveStatus writes status, cancellation, failure reason and completion
	// fields of a sending campaign. Counters are never written here. Returns
	// ErrInvalidTransition when the stored campaign is no longer sending.
	SaveStatus(ctx context.Context, c *domain.Campaign) error

	// ListDue returns ids of draft campaigns with scheduled_at <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Totals returns the number of campaigns and the sum of sent_count.
	Totals(ctx context.Context) (campaigns int, sent int, err error)
}

// DeliveryRepository stores per-recipient delivery records. Counter changes
// happen here, in the same write as the record they count, so replicas
// sharing one store never overwrite each other's increments.
type DeliveryRepository interface {
	// SettleDelivery stores the dispatch result of a pending record and
	// increments sent_count or failed_count. A record that already settled
	// is left alone and applied is false. The returned campaign is the
	// stored row after the write.
	SettleDelivery(ctx context.Context, rec *domain.DeliveryRecord) (c *domain.Campaign, applied bool, err error)

	// ApplyEvent stamps the event timestamp on a sent record and increments
	// the matching counter. A repeat is a no-op with applied false.
	// Returns ErrNotFound, ErrUnknownRecipient, ErrNotSent (still pending)
	// or ErrRecipientFailed.
	ApplyEvent(ctx context.Context, campaignID, contactID string, t domain.EventType, at time.Time) (applied bool, err error)

	// ListDeliveries pages through a campaign's records.
	ListDeliveries(ctx context.Context, campaignID string, f DeliveryFilter) ([]domain.DeliveryRecord, int, error)

	// AllDeliveries returns every record of a campaign in creation order.
	AllDeliveries(ctx context.Context, campaignID string) ([]domain.DeliveryRecord, error)
}

// TemplateStore is the read side of the template collaborator.
type TemplateStore interface {
	// GetTemplate returns ErrTemplateNotFound for unknown ids.
	GetTemplate(ctx context.Context, id string) (*domain.Template, error)
}

// Archiver receives a campaign's final delivery records once it is terminal.
type Archiver interface {
	Archive(ctx context.Context, c *domain.Campaign, records []domain.DeliveryRecord) error
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}

// DeliveryFilter controls pagination and filtering for delivery records.
type DeliveryFilter struct {
	Outcome string
	Limit   int
	Offset  int
}
