package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/service/analytics"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// CampaignService is the campaign surface the handlers use.
type CampaignService interface {
	Create(ctx context.Context, in campaign.CreateInput) (*domain.Campaign, error)
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error)
	Dispatch(ctx context.Context, req campaign.DispatchRequest) (*campaign.DispatchResult, error)
	Cancel(ctx context.Context, id string) (*domain.Campaign, error)
	RecordEvent(ctx context.Context, evt domain.TrackingEvent) (bool, error)
	Deliveries(ctx context.Context, id string, f campaign.DeliveryFilter) ([]domain.DeliveryRecord, int, error)
	Preview(ctx context.Context, id, contactID string) (*campaign.PreviewResult, error)
}

// AnalyticsService serves derived metrics.
type AnalyticsService interface {
	Get(ctx context.Context, id string) (*analytics.Report, error)
	Dashboard(ctx context.Context) (*analytics.DashboardStats, error)
}

// Handlers holds the HTTP handlers for campaigns and analytics.
type Handlers struct {
	campaigns CampaignService
	analytics AnalyticsService
}

func NewHandlers(campaigns CampaignService, analytics AnalyticsService) *Handlers {
	return &Handlers{campaigns: campaigns, analytics: analytics}
}

// ListCampaigns handles GET /api/campaigns?status=&search=&page=&limit=
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 20, 100)
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" && !domain.CampaignStatus(status).Valid() {
		httputil.ErrorCode(w, http.StatusBadRequest, "validation_error", "unknown status "+status, map[string]string{"field": "status"})
		return
	}

	items, total, err := h.campaigns.List(r.Context(), campaign.ListFilter{
		Status: status,
		Search: q.Get("search"),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if items == nil {
		items = []domain.Campaign{}
	}
	httputil.OK(w, NewPaginatedResponse(items, p, total))
}

// CreateCampaign handles POST /api/campaigns
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), in)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Created(w, c)
}

// GetCampaign handles GET /api/campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

type sendRequest struct {
	Template   *domain.Template `json:"template,omitempty"`
	ContactIDs []string         `json:"contact_ids,omitempty"`
}

// SendCampaign handles POST /api/campaigns/{id}/send. The body is optional;
// it can override the stored template and recipient list. Delivery runs in
// the background, so success is 202.
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if !decodeOptional(w, r, &body) {
		return
	}
	req := campaign.DispatchRequest{CampaignID: chi.URLParam(r, "id"), Template: body.Template}
	if body.ContactIDs != nil {
		req.Recipients = &domain.RecipientSpec{ContactIDs: body.ContactIDs}
	}

	res, err := h.campaigns.Dispatch(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.Accepted(w, res)
}

// CancelCampaign handles POST /api/campaigns/{id}/cancel
func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

type eventRequest struct {
	ContactID  string     `json:"contact_id"`
	EventType  string     `json:"event_type"`
	URL        string     `json:"url,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

type eventResponse struct {
	Applied bool `json:"applied"`
}

// RecordEvent handles POST /api/campaigns/{id}/events. Replays return
// 200 with applied=false.
func (h *Handlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var body eventRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	evt := domain.TrackingEvent{
		CampaignID: chi.URLParam(r, "id"),
		ContactID:  body.ContactID,
		EventType:  domain.EventType(body.EventType),
		URL:        body.URL,
		IPAddress:  r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		OccurredAt: time.Now().UTC(),
	}
	if body.OccurredAt != nil {
		evt.OccurredAt = body.OccurredAt.UTC()
	}

	applied, err := h.campaigns.RecordEvent(r.Context(), evt)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, eventResponse{Applied: applied})
}

type previewRequest struct {
	ContactID string `json:"contact_id"`
}

// PreviewCampaign handles POST /api/campaigns/{id}/preview
func (h *Handlers) PreviewCampaign(w http.ResponseWriter, r *http.Request) {
	var body previewRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	res, err := h.campaigns.Preview(r.Context(), chi.URLParam(r, "id"), body.ContactID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

// GetAnalytics handles GET /api/campaigns/{id}/analytics
func (h *Handlers) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	rep, err := h.analytics.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, rep)
}

// ListDeliveries handles GET /api/campaigns/{id}/deliveries?outcome=&page=&limit=
func (h *Handlers) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 50, 500)
	items, total, err := h.campaigns.Deliveries(r.Context(), chi.URLParam(r, "id"), campaign.DeliveryFilter{
		Outcome: r.URL.Query().Get("outcome"),
		Limit:   p.Limit,
		Offset:  p.Offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if items == nil {
		items = []domain.DeliveryRecord{}
	}
	httputil.OK(w, NewPaginatedResponse(items, p, total))
}

// GetDashboardStats handles GET /api/dashboard/stats
func (h *Handlers) GetDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.analytics.Dashboard(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	httputil.OK(w, stats)
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
