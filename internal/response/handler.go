// Package response reacts to classified inbound replies by issuing request
// state transitions, keeping messaging concerns out of the request business
// rules.
package response

import (
	"context"
	"log/slog"

	"followup/internal/domain"
)

type RequestTransitioner interface {
	UpdateRequestStatus(ctx context.Context, requestID, status string) error
}

type Handler struct {
	Requests RequestTransitioner
}

// TransitionFor maps an interaction direction and reply intent to the
// request status to move to. Empty means no transition: only the audit trail
// is kept.
func TransitionFor(direction domain.Direction, intent domain.Intent) string {
	switch direction {
	case domain.ToClient:
		switch intent {
		case domain.IntentConfirm:
			return domain.RequestCompleted
		case domain.IntentDecline:
			return domain.RequestCancelled
		}
	case domain.ToProvider:
		switch intent {
		case domain.IntentConfirm:
			return domain.RequestAccepted
		case domain.IntentDecline:
			return domain.RequestRejected
		}
	}
	return ""
}

func (h *Handler) HandleResponse(ctx context.Context, r domain.Reply) error {
	target := TransitionFor(r.Direction, r.Intent)
	if target == "" {
		slog.Info("reply kept for audit only", "request_id", r.RequestID, "intent", r.Intent)
		return nil
	}
	if err := h.Requests.UpdateRequestStatus(ctx, r.RequestID, target); err != nil {
		return err
	}
	slog.Info("request transitioned from reply",
		"request_id", r.RequestID,
		"intent", r.Intent,
		"keyword", r.Keyword,
		"new_status", target,
	)
	return nil
}
