package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/render"
	"github.com/ignite/dispatch-engine/internal/repository/memory"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
	"github.com/ignite/dispatch-engine/internal/service/sending"
	"github.com/ignite/dispatch-engine/internal/worker"
)

type testEnv struct {
	svc       *campaign.Service
	campaigns *memory.CampaignRepo
	templates *memory.TemplateRepo
	contacts  *memory.ContactRepo
	archived  chan *domain.Campaign
}

type chanArchiver struct{ ch chan *domain.Campaign }

func (a chanArchiver) Archive(_ context.Context, c *domain.Campaign, _ []domain.DeliveryRecord) error {
	a.ch <- c
	return nil
}

func okSender() sending.Sender {
	return sending.SenderFunc(func(_ context.Context, m *sending.Message) (*sending.Result, error) {
		return &sending.Result{TransportID: "tx-" + m.ContactID}, nil
	})
}

func newEnv(t *testing.T, sender sending.Sender) *testEnv {
	t.Helper()
	e := &testEnv{
		campaigns: memory.NewCampaignRepo(),
		templates: memory.NewTemplateRepo(),
		contacts:  memory.NewContactRepo(),
		archived:  make(chan *domain.Campaign, 4),
	}
	e.templates.Put(domain.Template{ID: "t1", Name: "Welcome", Subject: "Hi {{name}}", Body: "Hello {{name}} from {{company}}"})
	for i := 1; i <= 3; i++ {
		e.contacts.Put(domain.Contact{
			ID:         fmt.Sprintf("c%d", i),
			Email:      fmt.Sprintf("user%d@example.com", i),
			FirstName:  fmt.Sprintf("User%d", i),
			Subscribed: true,
		})
	}
	e.svc = e.newService(sender)
	return e
}

func (e *testEnv) newService(sender sending.Sender) *campaign.Service {
	pool := worker.NewPool(worker.Config{
		Concurrency:    2,
		MaxAttempts:    3,
		AttemptTimeout: time.Second,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
	}, sender, render.New(), nil)
	return campaign.NewService(campaign.Deps{
		Campaigns:  e.campaigns,
		Deliveries: e.campaigns,
		Templates:  e.templates,
		Contacts:   e.contacts,
		Pool:       pool,
		Archiver:   chanArchiver{ch: e.archived},
	})
}

func (e *testEnv) create(t *testing.T, ids ...string) *domain.Campaign {
	t.Helper()
	c, err := e.svc.Create(context.Background(), campaign.CreateInput{Name: "Launch", TemplateID: "t1", ContactIDs: ids})
	require.NoError(t, err)
	return c
}

func (e *testEnv) dispatchAndWait(t *testing.T, id string) (*campaign.DispatchResult, *domain.Campaign) {
	t.Helper()
	ctx := context.Background()
	res, err := e.svc.Dispatch(ctx, campaign.DispatchRequest{CampaignID: id})
	require.NoError(t, err)
	require.NoError(t, e.svc.Wait(ctx, id))
	c, err := e.svc.Get(ctx, id)
	require.NoError(t, err)
	return res, c
}

func TestDispatch_AllSucceed(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1", "c2", "c3")

	res, got := e.dispatchAndWait(t, c.ID)
	assert.Equal(t, 3, res.RecipientCount)
	assert.Equal(t, domain.CampaignSending, res.Status)

	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, 3, got.RecipientCount)
	assert.Equal(t, 3, got.SentCount)
	assert.Equal(t, 0, got.FailedCount)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	stored, err := e.campaigns.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Counters, stored.Counters)
	assert.Equal(t, domain.CampaignCompleted, stored.Status)

	recs, total, err := e.svc.Deliveries(context.Background(), c.ID, campaign.DeliveryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, r := range recs {
		assert.Equal(t, domain.OutcomeSent, r.Outcome)
		assert.Equal(t, "tx-"+r.ContactID, r.TransportID)
		assert.Contains(t, r.Subject, "Hi User")
	}

	select {
	case a := <-e.archived:
		assert.Equal(t, c.ID, a.ID)
	case <-time.After(time.Second):
		t.Fatal("archiver was not called")
	}
}

func TestDispatch_AllPermanentFailures(t *testing.T) {
	e := newEnv(t, sending.SenderFunc(func(context.Context, *sending.Message) (*sending.Result, error) {
		return nil, sending.NewPermanent("550", errors.New("mailbox does not exist"))
	}))
	c := e.create(t, "c1", "c2")

	_, got := e.dispatchAndWait(t, c.ID)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, 0, got.SentCount)
	assert.Equal(t, 2, got.FailedCount)

	recs, _, err := e.svc.Deliveries(context.Background(), c.ID, campaign.DeliveryFilter{Outcome: "failed"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Contains(t, recs[0].LastError, "mailbox does not exist")
}

func TestDispatch_PartialFailureStillCompletes(t *testing.T) {
	e := newEnv(t, sending.SenderFunc(func(_ context.Context, m *sending.Message) (*sending.Result, error) {
		if m.ContactID == "c2" {
			return nil, sending.NewPermanent("", sending.ErrInvalidAddress)
		}
		return &sending.Result{}, nil
	}))
	c := e.create(t, "c1", "c2", "c3")

	_, got := e.dispatchAndWait(t, c.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, 2, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, got.RecipientCount, got.SentCount+got.FailedCount)
}

func TestDispatch_UnresolvedIDReducesRecipientCount(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1", "deleted")

	res, got := e.dispatchAndWait(t, c.ID)
	assert.Equal(t, 1, res.RecipientCount)
	assert.Equal(t, []string{"deleted"}, res.Unresolved)
	assert.Equal(t, 1, got.RecipientCount)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
}

func TestDispatch_AllContactsWhenSpecEmpty(t *testing.T) {
	e := newEnv(t, okSender())
	e.contacts.Put(domain.Contact{ID: "unsub", Email: "gone@example.com", Subscribed: false})
	c := e.create(t)

	res, _ := e.dispatchAndWait(t, c.ID)
	assert.Equal(t, 3, res.RecipientCount)
}

func TestDispatch_ZeroRecipientsFails(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "nobody")

	res, err := e.svc.Dispatch(context.Background(), campaign.DispatchRequest{CampaignID: c.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFailed, res.Status)
	assert.Equal(t, 0, res.RecipientCount)

	got, err := e.svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.ReasonNoRecipients, got.FailureReason)
}

func TestDispatch_SecondRequestRejected(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, sending.SenderFunc(func(context.Context, *sending.Message) (*sending.Result, error) {
		<-release
		return &sending.Result{}, nil
	}))
	c := e.create(t, "c1", "c2")
	ctx := context.Background()

	_, err := e.svc.Dispatch(ctx, campaign.DispatchRequest{CampaignID: c.ID})
	require.NoError(t, err)

	_, err = e.svc.Dispatch(ctx, campaign.DispatchRequest{CampaignID: c.ID})
	assert.ErrorIs(t, err, campaign.ErrAlreadyDispatched)

	close(release)
	require.NoError(t, e.svc.Wait(ctx, c.ID))
	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, 2, got.SentCount)

	// Terminal campaigns are rejected the same way.
	_, err = e.svc.Dispatch(ctx, campaign.DispatchRequest{CampaignID: c.ID})
	assert.ErrorIs(t, err, campaign.ErrAlreadyDispatched)
}

func TestDispatch_ConcurrentRequestsEnterSendingOnce(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1", "c2", "c3")
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Dispatch(ctx, campaign.DispatchRequest{CampaignID: c.ID})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if errors.Is(err, campaign.ErrAlreadyDispatched) {
				rejected++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 7, rejected)

	require.NoError(t, e.svc.Wait(ctx, c.ID))
	got, _ := e.svc.Get(ctx, c.ID)
	assert.Equal(t, 3, got.SentCount)
}

func TestDispatch_ValidationLeavesDraft(t *testing.T) {
	e := newEnv(t, okSender())
	e.templates.Put(domain.Template{ID: "empty"})
	c, err := e.svc.Create(context.Background(), campaign.CreateInput{Name: "x", TemplateID: "empty"})
	require.NoError(t, err)

	_, err = e.svc.Dispatch(context.Background(), campaign.DispatchRequest{CampaignID: c.ID})
	require.ErrorIs(t, err, campaign.ErrValidation)
	var ve *campaign.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "template", ve.Field)

	got, err := e.svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignDraft, got.Status)
}

func TestDispatch_TemplateOverrideIsFrozen(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1")
	override := &domain.Template{Subject: "Special {{first_name}}", Body: "x"}

	_, err := e.svc.Dispatch(context.Background(), campaign.DispatchRequest{CampaignID: c.ID, Template: override})
	require.NoError(t, err)
	override.Subject = "mutated"
	require.NoError(t, e.svc.Wait(context.Background(), c.ID))

	recs, _, err := e.svc.Deliveries(context.Background(), c.ID, campaign.DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Special User1", recs[0].Subject)
}

func TestDispatch_NotFound(t *testing.T) {
	e := newEnv(t, okSender())
	_, err := e.svc.Dispatch(context.Background(), campaign.DispatchRequest{CampaignID: "missing"})
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t, okSender())
	_, err := e.svc.Create(context.Background(), campaign.CreateInput{TemplateID: "t1"})
	assert.ErrorIs(t, err, campaign.ErrValidation)
	_, err = e.svc.Create(context.Background(), campaign.CreateInput{Name: "x", TemplateID: "nope"})
	assert.ErrorIs(t, err, campaign.ErrValidation)
}

func TestRecordEvent_IdempotentPerRecipient(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1", "c2")
	e.dispatchAndWait(t, c.ID)
	ctx := context.Background()

	applied, err := e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c1", EventType: domain.EventOpened})
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c1", EventType: "open"})
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c1", EventType: domain.EventClicked})
	require.NoError(t, err)

	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OpenedCount)
	assert.Equal(t, 1, got.ClickedCount)
	assert.Equal(t, domain.CampaignCompleted, got.Status, "engagement never changes status")

	stored, err := e.campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.OpenedCount)
}

func TestRecordEvent_ConcurrentDuplicates(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1", "c2", "c3")
	e.dispatchAndWait(t, c.ID)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, id := range []string{"c1", "c2", "c3"} {
			wg.Add(1)
			go func(contactID string) {
				defer wg.Done()
				_, err := e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: contactID, EventType: domain.EventDelivered})
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.DeliveredCount)
}

func TestRecordEvent_Rejections(t *testing.T) {
	e := newEnv(t, sending.SenderFunc(func(_ context.Context, m *sending.Message) (*sending.Result, error) {
		if m.ContactID == "c2" {
			return nil, sending.NewPermanent("", errors.New("rejected"))
		}
		return &sending.Result{}, nil
	}))
	c := e.create(t, "c1", "c2")
	e.dispatchAndWait(t, c.ID)
	ctx := context.Background()

	_, err := e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c3", EventType: domain.EventOpened})
	assert.ErrorIs(t, err, campaign.ErrUnknownRecipient)

	_, err = e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c2", EventType: domain.EventOpened})
	assert.ErrorIs(t, err, campaign.ErrRecipientFailed, "a failed recipient never gets a send")
	assert.NotErrorIs(t, err, campaign.ErrNotSent)

	_, err = e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c1", EventType: "bounced"})
	assert.ErrorIs(t, err, campaign.ErrInvalidEvent)

	_, err = e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: "nope", ContactID: "c1", EventType: domain.EventOpened})
	assert.ErrorIs(t, err, campaign.ErrNotFound)

	// A recipient still pending may get its send later.
	pending := e.create(t, "c3")
	reg := campaign.NewRegistry(e.campaigns, e.campaigns)
	m, err := reg.Acquire(ctx, pending.ID)
	require.NoError(t, err)
	defer reg.Release(pending.ID)
	require.NoError(t, m.Begin(ctx, []domain.Contact{{ID: "c3", Email: "c@example.com"}}))
	_, err = e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: pending.ID, ContactID: "c3", EventType: domain.EventOpened})
	assert.ErrorIs(t, err, campaign.ErrNotSent)
}

func TestRecordEvent_ReplicasShareCounters(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1", "c2", "c3")
	e.dispatchAndWait(t, c.ID)
	ctx := context.Background()

	// Two processes on one store, each consuming part of the event stream.
	replica := e.newService(okSender())
	_, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)

	applied, err := replica.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c1", EventType: domain.EventOpened})
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c2", EventType: domain.EventOpened})
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c1", EventType: domain.EventOpened})
	require.NoError(t, err)
	assert.False(t, applied, "the replica's open is visible here")

	stored, err := e.campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.OpenedCount)
	assert.Equal(t, 3, stored.SentCount)

	for _, svc := range []*campaign.Service{e.svc, replica} {
		got, err := svc.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.OpenedCount)
	}
}

func TestRecordEvent_SurvivesRestart(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1")
	e.dispatchAndWait(t, c.ID)
	ctx := context.Background()

	_, err := e.svc.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c1", EventType: domain.EventOpened})
	require.NoError(t, err)

	// A fresh service rebuilds idempotency state from stored records.
	restarted := e.newService(okSender())
	applied, err := restarted.RecordEvent(ctx, domain.TrackingEvent{CampaignID: c.ID, ContactID: "c1", EventType: domain.EventOpened})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := restarted.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OpenedCount)
}

func TestCancel_ActiveRun(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	e := newEnv(t, sending.SenderFunc(func(context.Context, *sending.Message) (*sending.Result, error) {
		started <- struct{}{}
		<-release
		return &sending.Result{}, nil
	}))
	for i := 4; i <= 10; i++ {
		e.contacts.Put(domain.Contact{ID: fmt.Sprintf("c%d", i), Email: fmt.Sprintf("user%d@example.com", i), Subscribed: true})
	}
	c := e.create(t)
	ctx := context.Background()

	_, err := e.svc.Dispatch(ctx, campaign.DispatchRequest{CampaignID: c.ID})
	require.NoError(t, err)
	<-started

	snap, err := e.svc.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, snap.Cancelled)
	close(release)
	require.NoError(t, e.svc.Wait(ctx, c.ID))

	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, 10, got.RecipientCount)
	assert.Equal(t, got.RecipientCount, got.SentCount+got.FailedCount)
	assert.GreaterOrEqual(t, got.SentCount, 1, "in-flight attempts finish")
	assert.Equal(t, domain.ReasonCancelled, got.FailureReason)

	failed, _, err := e.svc.Deliveries(ctx, c.ID, campaign.DeliveryFilter{Outcome: "failed"})
	require.NoError(t, err)
	require.NotEmpty(t, failed)
	assert.Equal(t, domain.ReasonCancelled, failed[0].LastError)
}

func TestCancel_WithoutActiveRunFailsPending(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1", "c2")
	ctx := context.Background()

	// Simulate a process that entered sending and died before dispatching.
	reg := campaign.NewRegistry(e.campaigns, e.campaigns)
	m, err := reg.Acquire(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, m.Begin(ctx, []domain.Contact{{ID: "c1", Email: "a@example.com"}, {ID: "c2", Email: "b@example.com"}}))

	restarted := e.newService(okSender())
	got, err := restarted.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, 2, got.FailedCount)
}

func TestCancel_FromAnotherProcessStopsRun(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	var calls atomic.Int64
	e := newEnv(t, sending.SenderFunc(func(context.Context, *sending.Message) (*sending.Result, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return &sending.Result{}, nil
	}))
	c := e.create(t, "c1", "c2", "c3")
	ctx := context.Background()

	_, err := e.svc.Dispatch(ctx, campaign.DispatchRequest{CampaignID: c.ID})
	require.NoError(t, err)
	<-started
	<-started

	other := e.newService(okSender())
	got, err := other.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFailed, got.Status)

	close(release)
	require.NoError(t, e.svc.Wait(ctx, c.ID))
	assert.Equal(t, int64(2), calls.Load(), "the third recipient is never attempted")

	got, err = e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, domain.ReasonCancelled, got.FailureReason)
	assert.Equal(t, 3, got.FailedCount)
	assert.Equal(t, 0, got.SentCount)
}

func TestCancel_ImmediatelyAfterDispatch(t *testing.T) {
	var calls atomic.Int64
	e := newEnv(t, sending.SenderFunc(func(context.Context, *sending.Message) (*sending.Result, error) {
		calls.Add(1)
		return &sending.Result{}, nil
	}))
	for i := 4; i <= 40; i++ {
		e.contacts.Put(domain.Contact{ID: fmt.Sprintf("c%d", i), Email: fmt.Sprintf("user%d@example.com", i), Subscribed: true})
	}
	c := e.create(t)
	ctx := context.Background()

	_, err := e.svc.Dispatch(ctx, campaign.DispatchRequest{CampaignID: c.ID})
	require.NoError(t, err)
	_, err = e.svc.Cancel(ctx, c.ID)
	if err != nil {
		// The run may already have finished on a fast machine.
		require.ErrorIs(t, err, campaign.ErrInvalidTransition)
	}
	require.NoError(t, e.svc.Wait(ctx, c.ID))

	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
	assert.Equal(t, got.RecipientCount, got.SentCount+got.FailedCount)
	assert.Equal(t, int64(got.SentCount), calls.Load(), "every send is counted")
}

func TestRegistry_ReleaseEvicts(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1")
	ctx := context.Background()
	reg := campaign.NewRegistry(e.campaigns, e.campaigns)

	m1, err := reg.Acquire(ctx, c.ID)
	require.NoError(t, err)
	m2, err := reg.Acquire(ctx, c.ID)
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, 1, reg.Len())

	reg.Release(c.ID)
	assert.Equal(t, 1, reg.Len())
	reg.Release(c.ID)
	assert.Zero(t, reg.Len())

	e.dispatchAndWait(t, c.ID)
	m3, err := reg.Acquire(ctx, c.ID)
	require.NoError(t, err)
	defer reg.Release(c.ID)
	assert.NotSame(t, m1, m3)
	assert.Equal(t, domain.CampaignCompleted, m3.Snapshot().Status, "a reload sees other writers")

	_, err = reg.Acquire(ctx, "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
	assert.Equal(t, 1, reg.Len())
}

func TestCancel_RejectsDraftAndTerminal(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1")
	_, err := e.svc.Cancel(context.Background(), c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)

	e.dispatchAndWait(t, c.ID)
	_, err = e.svc.Cancel(context.Background(), c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
}

func TestMachine_DuplicateOutcomeIgnored(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1", "c2")
	ctx := context.Background()

	reg := campaign.NewRegistry(e.campaigns, e.campaigns)
	m, err := reg.Acquire(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, m.Begin(ctx, []domain.Contact{{ID: "c1", Email: "a@example.com"}, {ID: "c2", Email: "b@example.com"}}))

	sent := domain.DeliveryResult{ContactID: "c1", Outcome: domain.OutcomeSent, Attempts: 1}
	require.NoError(t, m.RecordOutcome(ctx, sent))
	require.NoError(t, m.RecordOutcome(ctx, sent))
	require.NoError(t, m.RecordOutcome(ctx, domain.DeliveryResult{ContactID: "c1", Outcome: domain.OutcomeFailed}))

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.SentCount)
	assert.Equal(t, 0, snap.FailedCount)
	assert.Equal(t, domain.CampaignSending, snap.Status)

	err = m.RecordOutcome(ctx, domain.DeliveryResult{ContactID: "stranger", Outcome: domain.OutcomeSent})
	assert.ErrorIs(t, err, campaign.ErrUnknownRecipient)

	require.NoError(t, m.RecordOutcome(ctx, domain.DeliveryResult{ContactID: "c2", Outcome: domain.OutcomeFailed, LastError: "x"}))
	snap = m.Snapshot()
	assert.Equal(t, domain.CampaignCompleted, snap.Status)

	err = m.Begin(ctx, nil)
	assert.ErrorIs(t, err, campaign.ErrAlreadyDispatched)
}

func TestScheduled_DueCampaignsDispatch(t *testing.T) {
	e := newEnv(t, okSender())
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due, err := e.svc.Create(ctx, campaign.CreateInput{Name: "due", TemplateID: "t1", ContactIDs: []string{"c1"}, ScheduledAt: &past})
	require.NoError(t, err)
	_, err = e.svc.Create(ctx, campaign.CreateInput{Name: "later", TemplateID: "t1", ScheduledAt: &future})
	require.NoError(t, err)

	ids, err := e.svc.DueCampaigns(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{due.ID}, ids)

	require.NoError(t, e.svc.DispatchScheduled(ctx, due.ID))
	require.NoError(t, e.svc.Wait(ctx, due.ID))
	got, _ := e.svc.Get(ctx, due.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)

	ids, err = e.svc.DueCampaigns(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPreview_ReportsMissingFields(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t)

	out, err := e.svc.Preview(context.Background(), c.ID, "c2")
	require.NoError(t, err)
	assert.Equal(t, "Hi User2", out.Rendered.Subject)
	assert.Equal(t, "Hello User2 from ", out.Rendered.Body)
	assert.Equal(t, []string{"company"}, out.Missing)

	_, err = e.svc.Preview(context.Background(), c.ID, "nobody")
	assert.ErrorIs(t, err, campaign.ErrValidation)
}

func TestShutdown_WaitsForRuns(t *testing.T) {
	e := newEnv(t, okSender())
	c := e.create(t, "c1", "c2")
	_, err := e.svc.Dispatch(context.Background(), campaign.DispatchRequest{CampaignID: c.ID})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.svc.Shutdown(ctx))

	got, _ := e.svc.Get(context.Background(), c.ID)
	assert.True(t, got.Status.IsTerminal())
}
