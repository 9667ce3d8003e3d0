package esp

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/service/sending"
)

// DryRunSender renders the full MIME message to a writer instead of sending
// it. Used for local development and staging.
type DryRunSender struct {
	mu   sync.Mutex
	out  io.Writer
	from string
}

// NewDryRunSender writes messages to out.
func NewDryRunSender(out io.Writer, fromEmail string) *DryRunSender {
	return &DryRunSender{out: out, from: fromEmail}
}

// Send writes msg and returns a synthetic transport id.
func (s *DryRunSender) Send(_ context.Context, msg *sending.Message) (*sending.Result, error) {
	m := buildMessage(s.from, msg.To, "text/html", msg)
	id := "dryrun-" + uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "------> MAIL FROM: %s TO: %s ID: %s\n", s.from, msg.To, id)
	if _, err := m.WriteTo(s.out); err != nil {
		return nil, sending.NewTransient("", err)
	}
	fmt.Fprintln(s.out, "\n------> /MAIL")
	return &sending.Result{TransportID: id}, nil
}
