package sending

import (
	"context"
)

// Message is one rendered email bound for one recipient.
type Message struct {
	CampaignID string
	ContactID  string
	To         string
	Subject    string
	Body       string
	Headers    map[string]string
}

// Result is the transport acknowledgment. TransportID is optional.
type Result struct {
	TransportID string
}

// Sender sends a single message. Implementations must be safe for
// concurrent use and should honor ctx deadlines.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg *Message) (*Result, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg *Message) (*Result, error) {
	return f(ctx, msg)
}
