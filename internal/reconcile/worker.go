// Package reconcile is the safety net for interactions whose terminal status
// never arrived by webhook. It re-queries the provider and feeds results
// through the same lifecycle path webhooks use.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"followup/internal/domain"
	"followup/internal/lifecycle"
	"followup/internal/observability"
	"followup/internal/store"
	"followup/internal/util"
)

type Store interface {
	ListStuckSent(ctx context.Context, olderThan time.Time, limit int) ([]domain.Interaction, error)
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error
}

type Gateway interface {
	FetchStatus(ctx context.Context, providerMsgID string) (string, error)
}

type Lifecycle interface {
	ApplyStatusUpdate(ctx context.Context, providerMsgID, rawStatus string) (lifecycle.UpdateOutcome, error)
}

type Worker struct {
	Store     Store
	Gateway   Gateway
	Lifecycle Lifecycle

	StuckAfter   time.Duration
	BatchSize    int
	FetchTimeout time.Duration

	Now func() time.Time
}

type TickStats struct {
	Checked int
	Applied int
	Failed  int
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return util.NowUTC()
}

func (w *Worker) stuckAfter() time.Duration {
	if w.StuckAfter > 0 {
		return w.StuckAfter
	}
	return 30 * time.Minute
}

func (w *Worker) batchSize() int {
	if w.BatchSize > 0 {
		return w.BatchSize
	}
	return 100
}

func (w *Worker) fetchTimeout() time.Duration {
	if w.FetchTimeout > 0 {
		return w.FetchTimeout
	}
	return 5 * time.Second
}

func (w *Worker) Tick(ctx context.Context) (stats TickStats) {
	now := w.now()
	stuck, err := w.Store.ListStuckSent(ctx, now.Add(-w.stuckAfter()), w.batchSize())
	if err != nil {
		slog.Error("stuck interaction fetch failed", "err", err)
		return stats
	}

	for _, it := range stuck {
		stats.Checked++

		fetchCtx, cancel := context.WithTimeout(ctx, w.fetchTimeout())
		raw, err := w.Gateway.FetchStatus(fetchCtx, it.ProviderMsgID)
		cancel()
		if err != nil {
			slog.Warn("status fetch failed", "err", err, "interaction_id", it.ID, "provider_msg_id", it.ProviderMsgID)
			observability.ReconcileChecks.WithLabelValues("fetch_error").Inc()
			stats.Failed++
			continue
		}

		if err := w.Store.InsertDeliveryEvent(ctx, store.DeliveryEvent{
			ProviderMsgID: it.ProviderMsgID,
			VendorStatus:  raw,
			Source:        "reconcile",
			ReceivedAt:    w.now(),
		}); err != nil {
			slog.Error("delivery event insert failed", "err", err, "provider_msg_id", it.ProviderMsgID)
		}

		outcome, err := w.Lifecycle.ApplyStatusUpdate(ctx, it.ProviderMsgID, raw)
		if err != nil {
			slog.Error("reconcile status update failed", "err", err, "interaction_id", it.ID, "raw_status", raw)
			observability.ReconcileChecks.WithLabelValues("apply_error").Inc()
			stats.Failed++
			continue
		}
		observability.ReconcileChecks.WithLabelValues(outcome.String()).Inc()
		if outcome == lifecycle.UpdateApplied {
			stats.Applied++
		}
	}
	return stats
}
