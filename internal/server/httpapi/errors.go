package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/server/relay"
	"github.com/dmitrijs2005/chatgate/internal/server/upstream"
	"github.com/dmitrijs2005/chatgate/internal/server/validation"
)

var errRequestTooLarge = errors.New("request entity too large")

type errorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// classify maps an error to a status code and a stable error code. Messages
// of 5xx replies are not exposed.
func classify(err error) (int, errorResponse) {
	var verr *validation.Error
	var uerr *upstream.UpstreamError

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorResponse{Error: "validation_failed", Message: "request is invalid", Fields: verr.Fields}
	case errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge, errorResponse{Error: "too_large", Message: err.Error()}
	case errors.Is(err, common.ErrorValidation):
		return http.StatusBadRequest, errorResponse{Error: "validation_failed", Message: err.Error()}
	case errors.Is(err, common.ErrInvalidInviteCode):
		return http.StatusBadRequest, errorResponse{Error: "invalid_invite_code", Message: err.Error()}
	case common.IsAuthError(err):
		return http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()}
	case errors.Is(err, common.ErrorConflict):
		return http.StatusConflict, errorResponse{Error: "conflict", Message: err.Error()}
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()}
	case errors.Is(err, relay.ErrRegister):
		return http.StatusInternalServerError, errorResponse{Error: "queue_registration_failed", Message: "could not register event queue"}
	case errors.Is(err, upstream.ErrForeignURL):
		return http.StatusBadRequest, errorResponse{Error: "foreign_url", Message: err.Error()}
	case errors.Is(err, upstream.ErrCircuitOpen):
		return http.StatusServiceUnavailable, errorResponse{Error: "upstream_unavailable", Message: "chat server is unavailable"}
	case errors.Is(err, upstream.ErrUpstreamUnauthorized):
		return http.StatusBadGateway, errorResponse{Error: "upstream_credentials_rejected", Message: "chat server rejected the stored credential"}
	case errors.As(err, &uerr):
		if uerr.Status >= 500 || uerr.Status < 400 {
			return http.StatusBadGateway, errorResponse{Error: "upstream_error", Message: "chat server error"}
		}
		return uerr.Status, errorResponse{Error: "upstream_error", Message: uerr.Msg}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse{Error: "timeout", Message: "request timed out"}
	case upstream.IsTransient(err):
		return http.StatusBadGateway, errorResponse{Error: "upstream_unreachable", Message: "chat server is unreachable"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "internal error"}
	}
}

func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	ctx := req.Context()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// client is gone
		return
	}

	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error(ctx, "request failed", "request_id", getRequestID(ctx), "path", req.URL.Path, "error", err)
	} else {
		r.logger.Debug(ctx, "request rejected", "request_id", getRequestID(ctx), "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func upstreamDecodeError(err error) error {
	return fmt.Errorf("%w: decode upstream reply: %v", common.ErrorInternal, err)
}
