package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/render"
	"github.com/ignite/dispatch-engine/internal/service/recipient"
	"github.com/ignite/dispatch-engine/internal/worker"
)

// dispatchLockTTL bounds how long the start-of-dispatch guard can be held
// if a process dies between resolving recipients and entering sending.
const dispatchLockTTL = 2 * time.Minute

// Deps groups the collaborators of a Service.
type Deps struct {
	Campaigns  Repository
	Deliveries DeliveryRepository
	Templates  TemplateStore
	Contacts   recipient.ContactStore
	Pool       *worker.Pool
	Locks      distlock.Factory
	Archiver   Archiver // optional
}

// Service implements campaign business logic. All public methods are safe
// for concurrent use.
type Service struct {
	repo       Repository
	deliveries DeliveryRepository
	templates  TemplateStore
	contacts   recipient.ContactStore
	resolver   *recipient.Resolver
	renderer   *render.Renderer
	pool       *worker.Pool
	locks      distlock.Factory
	registry   *Registry
	archiver   Archiver

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// run is a dispatch in progress in this process. It is registered before
// the campaign enters sending so a Cancel can never miss it.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a campaign service.
func NewService(d Deps) *Service {
	if d.Locks == nil {
		d.Locks = distlock.NewFactory(nil)
	}
	s := &Service{
		repo:       d.Campaigns,
		deliveries: d.Deliveries,
		templates:  d.Templates,
		contacts:   d.Contacts,
		resolver:   recipient.NewResolver(d.Contacts),
		renderer:   render.New(),
		pool:       d.Pool,
		locks:      d.Locks,
		registry:   NewRegistry(d.Campaigns, d.Deliveries),
		archiver:   d.Archiver,
		runs:       make(map[string]*run),
	}
	if s.archiver != nil {
		s.registry.OnTerminal(s.archive)
	}
	return s
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name        string     `json:"name"`
	TemplateID  string     `json:"template_id"`
	ContactIDs  []string   `json:"contact_ids"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalid("name", "is required")
	}
	if in.TemplateID == "" {
		return nil, invalid("template_id", "is required")
	}
	if _, err := s.templates.GetTemplate(ctx, in.TemplateID); err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			return nil, invalid("template_id", "does not exist")
		}
		return nil, fmt.Errorf("load template: %w", err)
	}

	now := time.Now().UTC()
	c := &domain.Campaign{
		ID:          uuid.New().String(),
		Name:        strings.TrimSpace(in.Name),
		TemplateID:  in.TemplateID,
		Recipients:  domain.RecipientSpec{ContactIDs: in.ContactIDs},
		Status:      domain.CampaignDraft,
		ScheduledAt: in.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	logger.Info("campaign created", "campaign_id", c.ID, "template_id", c.TemplateID)
	return c, nil
}

// Get returns the stored state of one campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, f)
}

// DispatchRequest starts a campaign. Template and Recipients override what
// is stored on the campaign when set.
type DispatchRequest struct {
	CampaignID string
	Template   *domain.Template
	Recipients *domain.RecipientSpec
}

// DispatchResult describes an accepted dispatch.
type DispatchResult struct {
	CampaignID     string                `json:"campaign_id"`
	Status         domain.CampaignStatus `json:"status"`
	RecipientCount int                   `json:"recipient_count"`
	Unresolved     []string              `json:"unresolved,omitempty"`
}

// Dispatch validates the request, freezes the template and recipient set,
// enters sending exactly once and starts the delivery pool in the
// background. A second request for the same campaign gets
// ErrAlreadyDispatched.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	m, err := s.registry.Acquire(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.registry.Release(req.CampaignID)
		}
	}()
	snap := m.Snapshot()
	if snap.Status != domain.CampaignDraft {
		return nil, fmt.Errorf("%w: campaign is %s", ErrAlreadyDispatched, snap.Status)
	}

	tpl, err := s.freezeTemplate(ctx, snap, req.Template)
	if err != nil {
		return nil, err
	}
	spec := snap.Recipients
	if req.Recipients != nil {
		spec = *req.Recipients
	}

	lock := s.locks("dispatch:"+snap.ID, dispatchLockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: dispatch already starting", ErrAlreadyDispatched)
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	res, err := s.resolver.Resolve(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(res.Unresolved) > 0 {
		logger.Warn("some recipients did not resolve", "campaign_id", snap.ID, "unresolved", len(res.Unresolved))
	}

	runCtx, r, err := s.reserve(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	if err := m.Begin(ctx, res.Contacts); err != nil {
		s.unreserve(snap.ID, r)
		return nil, err
	}
	after := m.Snapshot()
	out := &DispatchResult{
		CampaignID:     after.ID,
		Status:         after.Status,
		RecipientCount: after.RecipientCount,
		Unresolved:     res.Unresolved,
	}
	if after.Status.IsTerminal() {
		s.unreserve(snap.ID, r)
		logger.Warn("campaign failed before sending", "campaign_id", after.ID, "reason", after.FailureReason)
		return out, nil
	}

	handedOff = true
	s.start(runCtx, r, m, worker.Job{
		CampaignID: after.ID,
		Template:   *tpl,
		Recipients: res.Contacts,
	})
	return out, nil
}

func (s *Service) freezeTemplate(ctx context.Context, c *domain.Campaign, override *domain.Template) (*domain.Template, error) {
	var tpl *domain.Template
	if override != nil {
		tpl = override.Clone()
	} else {
		if c.TemplateID == "" {
			return nil, invalid("template", "campaign has no template")
		}
		loaded, err := s.templates.GetTemplate(ctx, c.TemplateID)
		if errors.Is(err, ErrTemplateNotFound) {
			return nil, invalid("template", "template "+c.TemplateID+" does not exist")
		}
		if err != nil {
			return nil, fmt.Errorf("load template: %w", err)
		}
		tpl = loaded.Clone()
	}
	if strings.TrimSpace(tpl.Subject) == "" && strings.TrimSpace(tpl.Body) == "" {
		return nil, invalid("template", "subject and body are both empty")
	}
	return tpl, nil
}

// reserve registers the run for id. The run context outlives the request
// that started it.
func (s *Service) reserve(ctx context.Context, id string) (context.Context, *run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return nil, nil, fmt.Errorf("%w: dispatch already running", ErrAlreadyDispatched)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.runs[id] = r
	return runCtx, r, nil
}

// unreserve drops a run that never started.
func (s *Service) unreserve(id string, r *run) {
	s.mu.Lock()
	if s.runs[id] == r {
		delete(s.runs, id)
	}
	s.mu.Unlock()
	r.cancel()
	close(r.done)
}

// start launches the pool and releases the Machine once it drains.
func (s *Service) start(runCtx context.Context, r *run, m *Machine, job worker.Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(r.done)
		defer r.cancel()
		s.pool.Run(runCtx, job, m)

		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), 30*time.Second)
		if err := m.Finish(finishCtx); err != nil {
			logger.Error("finish dispatch run failed", "campaign_id", job.CampaignID, "error", err)
		}
		cancel()

		s.mu.Lock()
		delete(s.runs, job.CampaignID)
		s.mu.Unlock()
		s.registry.Release(job.CampaignID)
	}()
}

// DispatchScheduled starts a scheduled campaign with its stored template and
// recipients.
func (s *Service) DispatchScheduled(ctx context.Context, id string) error {
	_, err := s.Dispatch(ctx, DispatchRequest{CampaignID: id})
	return err
}

// DueCampaigns lists draft campaigns whose scheduled time has passed.
func (s *Service) DueCampaigns(ctx context.Context, now time.Time) ([]string, error) {
	return s.repo.ListDue(ctx, now, 100)
}

// Cancel stops a sending campaign. In-flight attempts finish; recipients
// not yet attempted are recorded failed with reason "cancelled" and the
// campaign ends failed.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Campaign, error) {
	m, err := s.registry.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.registry.Release(id)

	s.mu.Lock()
	r, active := s.runs[id]
	s.mu.Unlock()

	// Flag first so the terminal check sees the cancel before the pool
	// reports the remaining recipients.
	if err := m.Cancel(ctx, !active); err != nil {
		return nil, err
	}
	if active {
		r.cancel()
	}
	logger.Info("campaign cancelled", "campaign_id", id, "active_run", active)
	return m.Snapshot(), nil
}

// RecordEvent applies an inbound tracking event straight to the stored
// record and counter, so every replica can consume events for any
// campaign. applied is false for a duplicate.
func (s *Service) RecordEvent(ctx context.Context, ev domain.TrackingEvent) (bool, error) {
	if ev.CampaignID == "" || ev.ContactID == "" {
		return false, fmt.Errorf("%w: campaign_id and contact_id are required", ErrInvalidEvent)
	}
	t, err := domain.ParseEventType(string(ev.EventType))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	applied, err := s.deliveries.ApplyEvent(ctx, ev.CampaignID, ev.ContactID, t, at)
	if err != nil {
		return false, err
	}
	if applied {
		logger.Debug("tracking event recorded", "campaign_id", ev.CampaignID, "contact_id", ev.ContactID, "event", t)
	}
	return applied, nil
}

// Deliveries pages through a campaign's delivery records.
func (s *Service) Deliveries(ctx context.Context, id string, f DeliveryFilter) ([]domain.DeliveryRecord, int, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	if f.Outcome != "" && !domain.Outcome(f.Outcome).Valid() {
		return nil, 0, invalid("outcome", "unknown outcome "+f.Outcome)
	}
	return s.deliveries.ListDeliveries(ctx, id, f)
}

// PreviewResult is a rendered message plus the placeholders that had no
// value for the chosen contact.
type PreviewResult struct {
	ContactID string          `json:"contact_id"`
	Rendered  domain.Rendered `json:"rendered"`
	Missing   []string        `json:"missing,omitempty"`
}

// Preview renders the campaign's template for one contact without sending.
func (s *Service) Preview(ctx context.Context, id, contactID string) (*PreviewResult, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if contactID == "" {
		return nil, invalid("contact_id", "is required")
	}
	tpl, err := s.freezeTemplate(ctx, c, nil)
	if err != nil {
		return nil, err
	}
	contact, err := s.contacts.Get(ctx, contactID)
	if errors.Is(err, recipient.ErrContactNotFound) {
		return nil, invalid("contact_id", "does not exist")
	}
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	}

	fields := render.FieldsFor(*contact)
	out, err := s.renderer.Render(*tpl, fields)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return &PreviewResult{ContactID: contactID, Rendered: out, Missing: render.Missing(*tpl, fields)}, nil
}

// Wait blocks until the dispatch run for id (if any) finishes or ctx ends.
func (s *Service) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for active dispatch runs to drain. Runs are not cancelled:
// recipients still pending when ctx expires stay pending, and an operator
// Cancel after restart settles them.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) archive(c *domain.Campaign) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	records, err := s.deliveries.AllDeliveries(ctx, c.ID)
	if err != nil {
		logger.Error("load records for archive failed", "campaign_id", c.ID, "error", err)
		return
	}
	if err := s.archiver.Archive(ctx, c, records); err != nil {
		logger.Error("archive delivery records failed", "campaign_id", c.ID, "error", err)
		return
	}
	logger.Info("delivery records archived", "campaign_id", c.ID, "records", len(records))
}
