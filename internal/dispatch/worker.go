// Package dispatch turns due pending interactions into provider-sent
// messages. Each item is claimed before the gateway call so two worker
// instances never send the same message twice.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"followup/internal/domain"
	"followup/internal/gateway/whatsapp"
	"followup/internal/observability"
	"followup/internal/store"
	"followup/internal/util"
)

type Store interface {
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]domain.Interaction, error)
	ClaimInteraction(ctx context.Context, id string, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id string, now time.Time) error
	ReleaseStaleClaims(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error)
	MarkSent(ctx context.Context, in store.SentUpdate) error
	MarkFailed(ctx context.Context, id, reason string, now time.Time) error
}

type Gateway interface {
	Send(ctx context.Context, to, body string) (providerMsgID string, err error)
}

type RecipientResolver interface {
	ResolvePhone(ctx context.Context, requestID string, direction domain.Direction) (phone string, verified bool, err error)
}

type Worker struct {
	Store      Store
	Gateway    Gateway
	Recipients RecipientResolver
	Limiter    *rate.Limiter
	Breaker    *gobreaker.CircuitBreaker

	BatchSize       int
	SendTimeout     time.Duration
	ClaimStaleAfter time.Duration

	Now func() time.Time
}

type TickStats struct {
	Sent     int
	Failed   int
	Retained int // left pending for a later tick
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return util.NowUTC()
}

func (w *Worker) batchSize() int {
	if w.BatchSize > 0 {
		return w.BatchSize
	}
	return 50
}

func (w *Worker) sendTimeout() time.Duration {
	if w.SendTimeout > 0 {
		return w.SendTimeout
	}
	return 6 * time.Second
}

// Tick processes one batch of due interactions. Items are independent: a
// failure on one never affects the others. A breaker in open state aborts
// the rest of the batch since every send would fail the same way.
func (w *Worker) Tick(ctx context.Context) (stats TickStats) {
	now := w.now()

	if w.ClaimStaleAfter > 0 {
		if n, err := w.Store.ReleaseStaleClaims(ctx, now, w.ClaimStaleAfter); err != nil {
			slog.Error("stale claim release failed", "err", err)
		} else if n > 0 {
			slog.Warn("released stale sending claims", "count", n)
		}
	}

	due, err := w.Store.ListDuePending(ctx, now, w.batchSize())
	if err != nil {
		slog.Error("due interaction fetch failed", "err", err)
		return stats
	}

	for _, it := range due {
		outcome := w.processOne(ctx, it)
		switch outcome {
		case outcomeSent:
			stats.Sent++
		case outcomeFailed:
			stats.Failed++
		case outcomeRetained:
			stats.Retained++
		case outcomeBreakerOpen:
			// remaining items stay pending for the next tick
			return stats
		}
	}
	return stats
}

// attempts per claim within one tick; transient failures back off between them
const sendAttempts = 3

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeFailed
	outcomeRetained
	outcomeSkipped
	outcomeBreakerOpen
)

func (w *Worker) processOne(ctx context.Context, it domain.Interaction) sendOutcome {
	now := w.now()

	claimed, err := w.Store.ClaimInteraction(ctx, it.ID, now)
	if err != nil {
		slog.Error("claim failed", "err", err, "interaction_id", it.ID)
		return outcomeRetained
	}
	if !claimed {
		// another worker owns it
		return outcomeSkipped
	}

	release := func() {
		if err := w.Store.ReleaseClaim(ctx, it.ID, w.now()); err != nil {
			slog.Error("claim release failed", "err", err, "interaction_id", it.ID)
		}
	}

	phone, verified, err := w.Recipients.ResolvePhone(ctx, it.RequestID, it.Direction)
	if err != nil {
		slog.Error("recipient resolution failed", "err", err, "interaction_id", it.ID, "request_id", it.RequestID)
		release()
		return outcomeRetained
	}
	if phone == "" || !verified {
		// permanent: no point retrying an unreachable recipient
		if err := w.Store.MarkFailed(ctx, it.ID, "no_verified_phone", w.now()); err != nil {
			slog.Error("mark failed failed", "err", err, "interaction_id", it.ID)
		}
		return outcomeFailed
	}
	phone = util.NormalizePhone(phone)

	// small in-tick retries on transient issues; after that the row stays
	// pending and a later tick picks it up again
	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(whatsapp.Backoff(attempt - 1))
		}

		if w.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := w.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.GatewaySend.WithLabelValues("rate_limited_local", "0").Inc()
				lastErr = err
				continue
			}
		}

		start := time.Now()
		providerMsgID, err := w.send(ctx, phone, it.Content)

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.GatewaySend.WithLabelValues("cb_open", "0").Inc()
			release()
			return outcomeBreakerOpen
		}

		if err == nil {
			observability.GatewaySend.WithLabelValues("ok", "200").Inc()
			observability.GatewaySendLatency.Observe(time.Since(start).Seconds())

			if err := w.Store.MarkSent(ctx, store.SentUpdate{
				ID:             it.ID,
				ProviderMsgID:  providerMsgID,
				ProviderStatus: "sent",
				Now:            w.now(),
			}); err != nil {
				slog.Error("mark sent failed", "err", err, "interaction_id", it.ID, "provider_msg_id", providerMsgID)
			}
			return outcomeSent
		}

		httpStatus := 0
		var ce whatsapp.CallError
		if errors.As(err, &ce) {
			httpStatus = ce.HTTPStatus
		}
		observability.GatewaySend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()

		if !whatsapp.ShouldRetry(err) {
			slog.Error("permanent send failure", "err", err, "interaction_id", it.ID, "http_status", httpStatus)
			if err := w.Store.MarkFailed(ctx, it.ID, "send_rejected", w.now()); err != nil {
				slog.Error("mark failed failed", "err", err, "interaction_id", it.ID)
			}
			return outcomeFailed
		}

		slog.Warn("transient send failure", "err", err, "interaction_id", it.ID, "attempt", attempt, "http_status", httpStatus)
		lastErr = err
	}

	slog.Warn("send retries exhausted, retaining", "err", lastErr, "interaction_id", it.ID)
	release()
	return outcomeRetained
}

func (w *Worker) send(ctx context.Context, to, body string) (string, error) {
	call := func() (any, error) {
		sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout())
		defer cancel()
		return w.Gateway.Send(sendCtx, to, body)
	}

	if w.Breaker == nil {
		id, err := call()
		if err != nil {
			return "", err
		}
		return id.(string), nil
	}
	id, err := w.Breaker.Execute(call)
	if err != nil {
		return "", err
	}
	return id.(string), nil
}
