package esp

import (
	"context"
	"fmt"
	"os"

	"github.com/ignite/dispatch-engine/internal/service/sending"
)

// Transport names accepted by New.
const (
	TransportDryRun = "dryrun"
	TransportSMTP   = "smtp"
	TransportSES    = "ses"
)

// Config selects and configures a transport.
type Config struct {
	Kind string
	SMTP SMTPConfig
	SES  SESConfig
}

// New builds the Sender named by cfg.Kind.
func New(ctx context.Context, cfg Config) (sending.Sender, error) {
	switch cfg.Kind {
	case "", TransportDryRun:
		return NewDryRunSender(os.Stdout, cfg.SMTP.FromEmail), nil
	case TransportSMTP:
		return NewSMTPSender(cfg.SMTP)
	case TransportSES:
		return NewSESSender(ctx, cfg.SES)
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
}
