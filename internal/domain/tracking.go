package domain

import (
	"fmt"
	"time"
)

// EventType enumerates inbound tracking events the engine records.
type EventType string

const (
	EventDelivered EventType = "delivered"
	EventOpened    EventType = "opened"
	EventClicked   EventType = "clicked"
)

// ParseEventType accepts the canonical names plus the short forms tracking
// providers commonly emit ("open", "click", "delivery").
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "delivered", "delivery":
		return EventDelivered, nil
	case "opened", "open":
		return EventOpened, nil
	case "clicked", "click":
		return EventClicked, nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// TrackingEvent is a single inbound engagement event for one recipient.
type TrackingEvent struct {
	ID         string    `json:"id,omitempty"`
	CampaignID string    `json:"campaign_id"`
	ContactID  string    `json:"contact_id"`
	EventType  EventType `json:"event_type"`
	URL        string    `json:"url,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
