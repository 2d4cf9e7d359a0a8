package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"followup/internal/gateway/whatsapp"
	"followup/internal/lifecycle"
	"followup/internal/observability"
	"followup/internal/store"
	"followup/internal/util"
)

const maxWebhookBody = 64 << 10

type Lifecycle interface {
	ApplyStatusUpdate(ctx context.Context, providerMsgID, rawStatus string) (lifecycle.UpdateOutcome, error)
	ProcessInboundMessage(ctx context.Context, from, body, providerMsgID string) (lifecycle.InboundResult, error)
}

type EventStore interface {
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error
}

// Webhook is the ingestion endpoint for provider callbacks. Once the guards
// pass it always acks with 200: the provider retries on anything else, and
// replays, unknown ids and malformed payloads are expected here, not errors.
type Webhook struct {
	Lifecycle Lifecycle
	Events    EventStore
	Limiter   *RateLimiter

	Secret    string
	PublicURL string

	warnOnce sync.Once
}

// payload covers both callback shapes; which fields are present decides the
// case.
type payload struct {
	MessageID    string `json:"messageId"`
	Status       string `json:"status"`
	From         string `json:"from"`
	Body         string `json:"body"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	MediaURL     string `json:"mediaUrl"`
}

func (h *Webhook) Register(r *mux.Router) {
	var handler http.Handler = http.HandlerFunc(h.handle)
	handler = h.guard(handler)
	if h.Limiter != nil {
		handler = h.Limiter.Middleware(handler)
	}
	r.Handle("/v1/webhooks/whatsapp", handler).Methods(http.MethodPost)
}

// guard authenticates the callback before any business logic runs.
func (h *Webhook) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			// oversized or unreadable bodies get the same treatment as any
			// other malformed payload: ack so the provider stops retrying
			observability.WebhookEvents.WithLabelValues("malformed").Inc()
			slog.Warn("unreadable webhook body acked", "err", err)
			ack(w)
			return
		}

		if h.Secret == "" {
			h.warnOnce.Do(func() {
				slog.Warn("webhook signature verification DISABLED: no secret configured, do not run this in production")
			})
		} else {
			sig := r.Header.Get("X-Webhook-Signature")
			if sig == "" {
				observability.WebhookRejected.WithLabelValues("missing_signature").Inc()
				http.Error(w, ErrMissingSignature, http.StatusUnauthorized)
				return
			}
			if !whatsapp.VerifySignature(h.Secret, h.PublicURL, body, sig) {
				observability.WebhookRejected.WithLabelValues("invalid_signature").Inc()
				http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, requestWithBody(r, body))
	})
}

type bodyKey struct{}

func requestWithBody(r *http.Request, body []byte) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), bodyKey{}, body))
}

func rawBody(r *http.Request) []byte {
	b, _ := r.Context().Value(bodyKey{}).([]byte)
	return b
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

func (h *Webhook) handle(w http.ResponseWriter, r *http.Request) {
	var p payload
	if err := json.Unmarshal(rawBody(r), &p); err != nil || p.MessageID == "" {
		observability.WebhookEvents.WithLabelValues("malformed").Inc()
		slog.Warn("malformed webhook payload ignored", "err", err)
		ack(w)
		return
	}

	switch {
	case p.Status != "":
		h.handleStatus(r.Context(), p)
	case p.Body != "":
		h.handleInbound(r.Context(), p)
	default:
		observability.WebhookEvents.WithLabelValues("unknown").Inc()
		slog.Warn("webhook payload with neither status nor body ignored", "message_id", p.MessageID)
	}
	ack(w)
}

func (h *Webhook) handleStatus(ctx context.Context, p payload) {
	observability.WebhookEvents.WithLabelValues("status_" + p.Status).Inc()

	if err := h.Events.InsertDeliveryEvent(ctx, store.DeliveryEvent{
		ProviderMsgID: p.MessageID,
		VendorStatus:  p.Status,
		ErrorCode:     p.ErrorCode,
		Source:        "webhook",
		Payload:       p,
		ReceivedAt:    util.NowUTC(),
	}); err != nil {
		slog.Error("delivery event insert failed", "err", err, "message_id", p.MessageID)
	}

	outcome, err := h.Lifecycle.ApplyStatusUpdate(ctx, p.MessageID, p.Status)
	if err != nil {
		slog.Error("status update failed", "err", err, "message_id", p.MessageID, "status", p.Status)
		return
	}
	observability.StatusUpdates.WithLabelValues(outcome.String()).Inc()
	if outcome == lifecycle.UpdateNotFound {
		slog.Warn("status update for unknown message id", "message_id", p.MessageID, "status", p.Status)
	}
}

func (h *Webhook) handleInbound(ctx context.Context, p payload) {
	observability.WebhookEvents.WithLabelValues("inbound").Inc()

	res, err := h.Lifecycle.ProcessInboundMessage(ctx, p.From, p.Body, p.MessageID)
	if err != nil {
		slog.Error("inbound processing failed", "err", err, "message_id", p.MessageID, "from", p.From)
		return
	}
	switch res.Outcome {
	case lifecycle.InboundProcessed:
		observability.InboundReplies.WithLabelValues(string(res.Intent)).Inc()
	case lifecycle.InboundNoMatch:
		slog.Warn("inbound reply matched no interaction", "message_id", p.MessageID, "from", p.From)
	}
}
