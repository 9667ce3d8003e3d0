package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/render"
	"github.com/ignite/dispatch-engine/internal/service/sending"
)

const (
	DefaultConcurrency    = 5
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 30 * time.Second
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 10 * time.Second
)

// Config bounds the pool.
type Config struct {
	Concurrency    int
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// Renderer personalizes a template for one recipient.
type Renderer interface {
	Render(tpl domain.Template, fields map[string]string) (domain.Rendered, error)
}

// Limiter gates each send attempt against a shared transport budget.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Sink receives one result per recipient. The pool calls it from worker
// goroutines concurrently.
type Sink interface {
	RecordOutcome(ctx context.Context, res domain.DeliveryResult) error
}

// Gate is implemented by sinks that can veto a recipient before its first
// attempt, e.g. after the campaign was cancelled elsewhere.
type Gate interface {
	Allow(contactID string) bool
}

// Job is one dispatch run: a frozen template and a frozen recipient slice.
type Job struct {
	CampaignID string
	Template   domain.Template
	Recipients []domain.Contact
}

// Summary tallies what Run reported to the sink.
type Summary struct {
	Sent      int
	Failed    int
	Cancelled int
}

// Pool sends one message per recipient with bounded concurrency.
type Pool struct {
	cfg      Config
	sender   sending.Sender
	renderer Renderer
	limiter  Limiter
	now      func() time.Time
}

// NewPool creates a pool. limiter may be nil.
func NewPool(cfg Config, sender sending.Sender, renderer Renderer, limiter Limiter) *Pool {
	return &Pool{
		cfg:      cfg.withDefaults(),
		sender:   sender,
		renderer: renderer,
		limiter:  limiter,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Run delivers job and blocks until every recipient has been reported to
// sink. Cancelling ctx stops new submissions and retries; attempts already
// on the wire run to completion. Recipients never attempted are reported
// failed with reason "cancelled".
func (p *Pool) Run(ctx context.Context, job Job, sink Sink) Summary {
	log := logger.With("campaign_id", job.CampaignID)
	log.Info("dispatch started", "recipient_count", len(job.Recipients), "concurrency", p.cfg.Concurrency)

	results := make(chan domain.DeliveryResult, p.cfg.Concurrency)
	var summary Summary
	done := make(chan struct{})
	go func() {
		defer close(done)
		for res := range results {
			switch {
			case res.Outcome == domain.OutcomeSent:
				summary.Sent++
			case strings.HasPrefix(res.LastError, domain.ReasonCancelled):
				summary.Cancelled++
			default:
				summary.Failed++
			}
		}
	}()

	report := func(res domain.DeliveryResult) {
		if err := sink.RecordOutcome(context.WithoutCancel(ctx), res); err != nil {
			log.Error("record outcome failed", "contact_id", res.ContactID, "error", err)
		}
		results <- res
	}

	allow := func(string) bool { return true }
	if gate, ok := sink.(Gate); ok {
		allow = gate.Allow
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, c := range job.Recipients {
		if ctx.Err() != nil {
			for _, rest := range job.Recipients[i:] {
				report(p.cancelled(rest.ID, 0, ""))
			}
			break
		}
		contact := c
		g.Go(func() error {
			if !allow(contact.ID) {
				report(p.cancelled(contact.ID, 0, ""))
				return nil
			}
			report(p.deliver(ctx, job, contact))
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-done

	log.Info("dispatch finished", "sent", summary.Sent, "failed", summary.Failed, "cancelled", summary.Cancelled)
	return summary
}

// deliver owns the retry loop for one recipient.
func (p *Pool) deliver(ctx context.Context, job Job, c domain.Contact) domain.DeliveryResult {
	rendered, err := p.renderer.Render(job.Template, render.FieldsFor(c))
	if err != nil {
		return p.failed(c.ID, domain.Rendered{}, 0, fmt.Errorf("render: %w", err))
	}
	msg := &sending.Message{
		CampaignID: job.CampaignID,
		ContactID:  c.ID,
		To:         c.Email,
		Subject:    rendered.Subject,
		Body:       rendered.Body,
	}

	var lastErr error
	used := 0
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && !sleep(ctx, Backoff(p.cfg.BaseDelay, p.cfg.MaxDelay, attempt-1)) {
			return p.cancelled(c.ID, attempt-1, errString(lastErr))
		}
		if ctx.Err() != nil {
			return p.cancelled(c.ID, attempt-1, errString(lastErr))
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return p.cancelled(c.ID, attempt-1, errString(lastErr))
				}
				logger.Warn("rate limiter unavailable, sending anyway", "error", err)
			}
		}

		used = attempt
		res, err := p.attempt(ctx, msg)
		if err == nil {
			out := domain.DeliveryResult{
				ContactID: c.ID,
				Outcome:   domain.OutcomeSent,
				Rendered:  rendered,
				Attempts:  attempt,
				At:        p.now(),
			}
			if res != nil {
				out.TransportID = res.TransportID
			}
			return out
		}
		lastErr = err
		if sending.Classify(err) == sending.Permanent {
			break
		}
		logger.Debug("transient send failure", "campaign_id", job.CampaignID, "contact_id", c.ID, "attempt", attempt, "error", err)
	}

	return p.failed(c.ID, rendered, used, lastErr)
}

// attempt runs a single send. The transport call is detached from
// cancellation so an operator cancel never aborts a message mid-flight; only
// the per-attempt timeout bounds it.
func (p *Pool) attempt(ctx context.Context, msg *sending.Message) (*sending.Result, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AttemptTimeout)
	defer cancel()
	res, err := p.sender.Send(actx, msg)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, sending.NewTransient("timeout", fmt.Errorf("attempt timed out after %s: %w", p.cfg.AttemptTimeout, err))
	}
	return res, err
}

func (p *Pool) failed(contactID string, r domain.Rendered, attempts int, err error) domain.DeliveryResult {
	return domain.DeliveryResult{
		ContactID: contactID,
		Outcome:   domain.OutcomeFailed,
		Rendered:  r,
		Attempts:  attempts,
		LastError: errString(err),
		At:        p.now(),
	}
}

func (p *Pool) cancelled(contactID string, attempts int, lastErr string) domain.DeliveryResult {
	reason := domain.ReasonCancelled
	if attempts > 0 && lastErr != "" {
		reason = domain.ReasonCancelled + ": " + lastErr
	}
	return domain.DeliveryResult{
		ContactID: contactID,
		Outcome:   domain.OutcomeFailed,
		Attempts:  attempts,
		LastError: reason,
		At:        p.now(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
