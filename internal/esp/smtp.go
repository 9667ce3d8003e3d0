package esp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/go-gomail/gomail"

	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/service/sending"
)

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	URL         string // smtp://host:port or smtps://host:port, credentials optional
	User        string
	Pass        string
	FromName    string
	FromEmail   string
	ContentType string // defaults to text/html
}

// Dialer opens one SMTP session.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

// SMTPSender delivers through an SMTP relay, one session per message.
// gomail sessions are not safe for concurrent use, so workers never share one.
type SMTPSender struct {
	dialer      Dialer
	from        string
	contentType string
}

// NewSMTPSender parses cfg and returns a sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	d, err := smtpDialer(cfg)
	if err != nil {
		return nil, err
	}
	return newSMTPSender(d, cfg), nil
}

func newSMTPSender(d Dialer, cfg SMTPConfig) *SMTPSender {
	ct := cfg.ContentType
	if ct == "" {
		ct = "text/html"
	}
	from := cfg.FromEmail
	if cfg.FromName != "" {
		from = (&mail.Address{Name: cfg.FromName, Address: cfg.FromEmail}).String()
	}
	return &SMTPSender{dialer: d, from: from, contentType: ct}
}

func smtpDialer(cfg SMTPConfig) (*gomail.Dialer, error) {
	surl, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse smtp url: %w", err)
	}
	if s := surl.Scheme; s == "" {
		surl.Scheme = "smtps"
	} else if s != "smtp" && s != "smtps" {
		return nil, fmt.Errorf("invalid SMTP URL scheme: %s", s)
	}

	var user, pass string
	if auth := surl.User; auth != nil {
		pass, _ = auth.Password()
		user = auth.Username()
	}
	if cfg.User != "" {
		user = cfg.User
	}
	if cfg.Pass != "" {
		pass = cfg.Pass
	}

	var port int
	if i, err := strconv.Atoi(surl.Port()); err == nil {
		port = i
	} else if surl.Scheme == "smtp" {
		port = 25
	} else {
		port = 465
	}

	d := gomail.NewDialer(surl.Hostname(), port, user, pass)
	d.SSL = surl.Scheme == "smtps"
	return d, nil
}

// Send delivers msg. gomail has no context support, so the session runs in
// its own goroutine and Send returns a transient timeout when ctx expires
// first.
func (s *SMTPSender) Send(ctx context.Context, msg *sending.Message) (*sending.Result, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, sending.NewPermanent("", fmt.Errorf("%w: %v", sending.ErrInvalidAddress, err))
	}
	m := buildMessage(s.from, to.String(), s.contentType, msg)
	fromAddr, err := mail.ParseAddress(s.from)
	if err != nil {
		return nil, sending.NewPermanent("", fmt.Errorf("invalid from address: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- s.deliver(fromAddr.Address, to.Address, m) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, classifySMTP(err)
		}
		logger.Debug("smtp message sent", "email", to.Address, "campaign_id", msg.CampaignID)
		return &sending.Result{}, nil
	case <-ctx.Done():
		return nil, sending.NewTransient("timeout", ctx.Err())
	}
}

func (s *SMTPSender) deliver(from, to string, m *gomail.Message) error {
	sc, err := s.dialer.Dial()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer sc.Close()
	return sc.Send(from, []string{to}, m)
}

func buildMessage(from, to, contentType string, msg *sending.Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("X-Campaign-ID", msg.CampaignID)
	m.SetHeader("X-Contact-ID", msg.ContactID)
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	m.SetBody(contentType, msg.Body)
	return m
}

// classifySMTP maps SMTP reply codes: 5xx is permanent, everything else
// (4xx, network, dial failures) is retryable.
func classifySMTP(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		code := strconv.Itoa(tp.Code)
		if tp.Code >= 500 {
			return sending.NewPermanent(code, err)
		}
		return sending.NewTransient(code, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return sending.NewTransient("network", err)
	}
	return sending.NewTransient("", err)
}
