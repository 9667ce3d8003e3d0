package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.TrackingEvent
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, evt domain.TrackingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePublisher) snapshot() []domain.TrackingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TrackingEvent(nil), p.events...)
}

type fakeSQS struct {
	mu      sync.Mutex
	sent    []*sqs.SendMessageInput
	inbox   []types.Message
	deleted []string
	sendErr error
	recvErr error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	msgs := f.inbox
	f.inbox = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) push(handle string, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, types.Message{
		MessageId:     aws.String("id-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
	})
}

type scriptedRecorder struct {
	mu    sync.Mutex
	calls []domain.TrackingEvent
	// keyed by contact id
	results map[string]error
	applied map[string]bool
}

func (r *scriptedRecorder) RecordEvent(_ context.Context, evt domain.TrackingEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, evt)
	if err := r.results[evt.ContactID]; err != nil {
		return false, err
	}
	return r.applied[evt.ContactID], nil
}

func TestSigner_RoundTrip(t *testing.T) {
	s := NewSigner("secret")

	data, sig := s.Sign(LinkData{CampaignID: "c1", ContactID: "k1", URL: "https://example.com/a|b"})
	got, err := s.Verify(data, sig)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CampaignID)
	assert.Equal(t, "k1", got.ContactID)
	assert.Equal(t, "https://example.com/a|b", got.URL)

	_, err = s.Verify(data, sig+"x")
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = NewSigner("other").Verify(data, sig)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func newTestHandler(pub EventPublisher, signer *Signer) (*Handler, http.Handler) {
	h := NewHandler(pub, signer)
	h.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h, h.Routes()
}

func TestHandleEvents_SingleAndBatch(t *testing.T) {
	pub := &capturePublisher{}
	_, router := newTestHandler(pub, nil)

	req := httptest.NewRequest(http.MethodPost, "/track/events",
		strings.NewReader(`{"campaign_id":"c1","contact_id":"k1","event_type":"open"}`))
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/track/events",
		strings.NewReader(`[{"campaign_id":"c1","contact_id":"k2","event_type":"delivered"},
		 {"campaign_id":"c1","contact_id":"k2","event_type":"clicked","url":"https://x.test"}]`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)

	events := pub.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventOpened, events[0].EventType, "short form is normalized")
	assert.Equal(t, "test-agent", events[0].UserAgent)
	assert.False(t, events[0].OccurredAt.IsZero())
	assert.Equal(t, domain.EventDelivered, events[1].EventType)
	assert.Equal(t, "https://x.test", events[2].URL)
}

func TestHandleEvents_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ``},
		{"bad json", `{`},
		{"missing contact", `{"campaign_id":"c1","event_type":"opened"}`},
		{"unknown type", `{"campaign_id":"c1","contact_id":"k1","event_type":"bounced"}`},
		{"empty batch", `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &capturePublisher{}
			_, router := newTestHandler(pub, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/track/events", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, pub.snapshot())
		})
	}
}

func TestHandleEvents_PublishFailure(t *testing.T) {
	pub := &capturePublisher{err: errors.New("queue down")}
	_, router := newTestHandler(pub, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/track/events",
		strings.NewReader(`{"campaign_id":"c1","contact_id":"k1","event_type":"opened"}`)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBeacons(t *testing.T) {
	signer := NewSigner("secret")
	pub := &capturePublisher{}
	_, router := newTestHandler(pub, signer)

	data, sig := signer.Sign(LinkData{CampaignID: "c1", ContactID: "k1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/track/open/%s/%s", data, sig), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))

	// forged pixel still returns the gif but publishes nothing
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/track/open/%s/forged", data), nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	data, sig = signer.Sign(LinkData{CampaignID: "c1", ContactID: "k1", URL: "https://example.com/offer"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/track/click/%s/%s", data, sig), nil))
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://example.com/offer", rec.Header().Get("Location"))

	data, sig = signer.Sign(LinkData{CampaignID: "c1", ContactID: "k1", URL: "javascript:alert(1)"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/track/click/%s/%s", data, sig), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	events := pub.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOpened, events[0].EventType)
	assert.Equal(t, domain.EventClicked, events[1].EventType)
	assert.Equal(t, "https://example.com/offer", events[1].URL)
}

func TestBeacons_NotMountedWithoutSigner(t *testing.T) {
	_, router := newTestHandler(&capturePublisher{}, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/track/open/a/b", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublisher_Publish(t *testing.T) {
	client := &fakeSQS{}
	p := NewPublisher(client, "https://sqs.test/q")

	err := p.Publish(context.Background(), domain.TrackingEvent{CampaignID: "c1", ContactID: "k1", EventType: domain.EventOpened})
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	assert.Equal(t, "https://sqs.test/q", aws.ToString(client.sent[0].QueueUrl))

	var evt domain.TrackingEvent
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(client.sent[0].MessageBody)), &evt))
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "k1", evt.ContactID)

	client.sendErr = errors.New("throttled")
	assert.Error(t, p.Publish(context.Background(), evt))
}

func TestConsumer_DeletePolicy(t *testing.T) {
	client := &fakeSQS{}
	rec := &scriptedRecorder{
		results: map[string]error{
			"not-sent": fmt.Errorf("wrap: %w", campaign.ErrNotSent),
			"stranger": campaign.ErrUnknownRecipient,
			"bounced":  fmt.Errorf("wrap: %w", campaign.ErrRecipientFailed),
			"db-down":  errors.New("connection refused"),
		},
		applied: map[string]bool{"ok": true},
	}
	c := NewConsumer(client, "q", rec)

	body := func(contact string) string {
		return fmt.Sprintf(`{"campaign_id":"c1","contact_id":%q,"event_type":"opened"}`, contact)
	}
	client.push("h-ok", body("ok"))
	client.push("h-dup", body("dup"))
	client.push("h-not-sent", body("not-sent"))
	client.push("h-stranger", body("stranger"))
	client.push("h-bounced", body("bounced"))
	client.push("h-db", body("db-down"))
	client.push("h-garbage", "not json")

	deleted, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)
	assert.ElementsMatch(t, []string{"h-ok", "h-dup", "h-stranger", "h-bounced", "h-garbage"}, client.deleted)
	assert.Len(t, rec.calls, 6)
}

func TestConsumer_ReceiveError(t *testing.T) {
	client := &fakeSQS{recvErr: errors.New("boom")}
	c := NewConsumer(client, "q", &scriptedRecorder{})
	_, err := c.PollOnce(context.Background())
	assert.Error(t, err)
}

func TestConsumer_StartStop(t *testing.T) {
	client := &fakeSQS{}
	rec := &scriptedRecorder{applied: map[string]bool{"k1": true}}
	c := NewConsumer(client, "q", rec)
	client.push("h1", `{"campaign_id":"c1","contact_id":"k1","event_type":"opened"}`)

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.deleted) == 1
	}, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestDirectPublisher(t *testing.T) {
	rec := &scriptedRecorder{results: map[string]error{"bad": campaign.ErrNotSent}}
	p := Direct(rec)
	require.NoError(t, p.Publish(context.Background(), domain.TrackingEvent{CampaignID: "c", ContactID: "good"}))
	assert.ErrorIs(t, p.Publish(context.Background(), domain.TrackingEvent{CampaignID: "c", ContactID: "bad"}), campaign.ErrNotSent)
}
