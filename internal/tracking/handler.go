package tracking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

const maxWebhookBody = 1 << 20

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler accepts tracking webhooks and beacon hits and passes them on to
// an EventPublisher.
type Handler struct {
	pub    EventPublisher
	signer *Signer
	now    func() time.Time
}

// NewHandler creates a handler. Beacon routes are only mounted when signer
// is non-nil.
func NewHandler(pub EventPublisher, signer *Signer) *Handler {
	return &Handler{
		pub:    pub,
		signer: signer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Mount registers the tracking routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/track/events", h.HandleEvents)
	if h.signer != nil {
		r.Get("/track/open/{data}/{sig}", h.HandleOpen)
		r.Get("/track/click/{data}/{sig}", h.HandleClick)
	}
}

// Routes returns a standalone router for the tracking service.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	r.Get("/health", h.HandleHealth)
	return r
}

type webhookResponse struct {
	Accepted int `json:"accepted"`
}

// HandleEvents accepts one event object or an array of them.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}
	events, err := decodeEvents(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	for i := range events {
		if err := h.normalize(&events[i], r); err != nil {
			httputil.ErrorCode(w, http.StatusBadRequest, "invalid_event", err.Error(), map[string]int{"index": i})
			return
		}
	}

	for i, evt := range events {
		if err := h.pub.Publish(r.Context(), evt); err != nil {
			logger.Error("tracking publish failed", "campaign_id", evt.CampaignID, "event", evt.EventType, "error", err)
			httputil.ErrorCode(w, http.StatusBadGateway, "publish_failed", "event could not be queued", webhookResponse{Accepted: i})
			return
		}
	}
	httputil.Accepted(w, webhookResponse{Accepted: len(events)})
}

func decodeEvents(body []byte) ([]domain.TrackingEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var events []domain.TrackingEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if len(events) == 0 {
			return nil, errors.New("no events")
		}
		return events, nil
	}
	var evt domain.TrackingEvent
	if err := json.Unmarshal(trimmed, &evt); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return []domain.TrackingEvent{evt}, nil
}

func (h *Handler) normalize(evt *domain.TrackingEvent, r *http.Request) error {
	if evt.CampaignID == "" || evt.ContactID == "" {
		return errors.New("campaign_id and contact_id are required")
	}
	t, err := domain.ParseEventType(string(evt.EventType))
	if err != nil {
		return err
	}
	evt.EventType = t
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = h.now()
	}
	if evt.IPAddress == "" {
		evt.IPAddress = realIP(r)
	}
	if evt.UserAgent == "" {
		evt.UserAgent = r.UserAgent()
	}
	return nil
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	d, err := h.signer.Verify(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil {
		// Mail clients never see an error for a pixel.
		h.servePixel(w)
		return
	}
	h.publishBeacon(r, d, domain.EventOpened)
	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	d, err := h.signer.Verify(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil || !redirectable(d.URL) {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	h.publishBeacon(r, d, domain.EventClicked)
	http.Redirect(w, r, d.URL, http.StatusTemporaryRedirect)
}

func (h *Handler) publishBeacon(r *http.Request, d LinkData, t domain.EventType) {
	evt := domain.TrackingEvent{
		CampaignID: d.CampaignID,
		ContactID:  d.ContactID,
		EventType:  t,
		URL:        d.URL,
		IPAddress:  realIP(r),
		UserAgent:  r.UserAgent(),
		OccurredAt: h.now(),
	}
	if err := h.pub.Publish(r.Context(), evt); err != nil {
		logger.Warn("beacon publish failed", "campaign_id", d.CampaignID, "event", t, "error", err)
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func redirectable(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
