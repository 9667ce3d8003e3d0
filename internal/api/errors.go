package api

import (
	"errors"
	"net/http"

	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// respondServiceError maps service errors onto status codes. Anything not
// recognized is logged and returned as a generic 500.
func respondServiceError(w http.ResponseWriter, err error) {
	var verr *campaign.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.ErrorCode(w, http.StatusBadRequest, "validation_error", verr.Error(), map[string]string{"field": verr.Field})
	case errors.Is(err, campaign.ErrInvalidEvent):
		httputil.ErrorCode(w, http.StatusBadRequest, "invalid_event", err.Error(), nil)
	case errors.Is(err, campaign.ErrNotFound):
		httputil.ErrorCode(w, http.StatusNotFound, "not_found", "campaign not found", nil)
	case errors.Is(err, campaign.ErrUnknownRecipient):
		httputil.ErrorCode(w, http.StatusNotFound, "unknown_recipient", err.Error(), nil)
	case errors.Is(err, campaign.ErrAlreadyDispatched):
		httputil.Conflict(w, "already_dispatched", err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.Conflict(w, "invalid_transition", err.Error())
	case errors.Is(err, campaign.ErrNotSent):
		httputil.Conflict(w, "not_sent", err.Error())
	case errors.Is(err, campaign.ErrRecipientFailed):
		httputil.Conflict(w, "recipient_failed", err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
