// Package rules evaluates time-based follow-up rules against request state.
// The engine only decides; all mutation goes through the lifecycle service.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"followup/internal/domain"
	"followup/internal/lifecycle"
	"followup/internal/marketplace"
	"followup/internal/observability"
	"followup/internal/util"
)

type RequestSource interface {
	ListStale(ctx context.Context, status string, cutoff time.Time) ([]marketplace.Request, error)
}

type RecipientResolver interface {
	ResolvePhone(ctx context.Context, requestID string, direction domain.Direction) (phone string, verified bool, err error)
}

type InteractionReader interface {
	HasOpenInteraction(ctx context.Context, requestID, direction string) (bool, error)
	MostRecentInteraction(ctx context.Context, requestID string) (domain.Interaction, bool, error)
}

type Creator interface {
	CreateFollowUp(ctx context.Context, in lifecycle.CreateFollowUp) (domain.Interaction, error)
}

type Engine struct {
	Enabled      bool
	Rules        []Rule
	Requests     RequestSource
	Recipients   RecipientResolver
	Interactions InteractionReader
	Lifecycle    Creator

	// QuietPeriod suppresses a follow-up when any interaction for the
	// request is younger than this. Zero means the 1-day default.
	QuietPeriod time.Duration

	Now func() time.Time
}

type TickStats struct {
	Created int
	Skipped int
	Failed  int
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return util.NowUTC()
}

func (e *Engine) quietPeriod() time.Duration {
	if e.QuietPeriod > 0 {
		return e.QuietPeriod
	}
	return 24 * time.Hour
}

// Tick runs one evaluation pass. Per-request and per-rule failures are
// logged and counted; they never abort the pass, and the pass never panics
// out into the scheduler loop.
func (e *Engine) Tick(ctx context.Context) (stats TickStats) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rule engine tick panicked", "panic", fmt.Sprint(r))
			stats.Failed++
		}
	}()

	if !e.Enabled {
		return stats
	}

	now := e.now()
	for _, rule := range e.Rules {
		cutoff := now.Add(-time.Duration(rule.ElapsedDays) * 24 * time.Hour)
		requests, err := e.Requests.ListStale(ctx, rule.RequestStatus, cutoff)
		if err != nil {
			slog.Error("rule candidate fetch failed", "err", err, "rule", rule.Name())
			stats.Failed++
			continue
		}
		for _, req := range requests {
			created, reason, err := e.evaluate(ctx, rule, req, now)
			if err != nil {
				slog.Error("follow-up evaluation failed", "err", err, "rule", rule.Name(), "request_id", req.ID)
				observability.FollowUpsSkipped.WithLabelValues("error").Inc()
				stats.Failed++
				continue
			}
			if created {
				observability.FollowUpsCreated.WithLabelValues(rule.Name()).Inc()
				stats.Created++
				continue
			}
			observability.FollowUpsSkipped.WithLabelValues(reason).Inc()
			stats.Skipped++
		}
	}
	return stats
}

// evaluate applies the skip checks in order, short-circuiting on the first
// reason, and creates the follow-up when all pass.
func (e *Engine) evaluate(ctx context.Context, rule Rule, req marketplace.Request, now time.Time) (created bool, skipReason string, err error) {
	open, err := e.Interactions.HasOpenInteraction(ctx, req.ID, string(rule.Direction))
	if err != nil {
		return false, "", err
	}
	if open {
		return false, "in_flight", nil
	}

	last, found, err := e.Interactions.MostRecentInteraction(ctx, req.ID)
	if err != nil {
		return false, "", err
	}
	if found && now.Sub(last.CreatedAt) < e.quietPeriod() {
		return false, "recent_contact", nil
	}

	phone, verified, err := e.Recipients.ResolvePhone(ctx, req.ID, rule.Direction)
	if err != nil {
		return false, "", err
	}
	if phone == "" || !verified {
		return false, "no_verified_phone", nil
	}

	_, err = e.Lifecycle.CreateFollowUp(ctx, lifecycle.CreateFollowUp{
		RequestID:    req.ID,
		Direction:    rule.Direction,
		Template:     rule.Template,
		Vars:         e.templateVars(rule, req),
		ToPhone:      phone,
		ScheduledFor: now,
		Metadata: map[string]string{
			"rule":         rule.Name(),
			"elapsed_days": fmt.Sprintf("%d", rule.ElapsedDays),
		},
	})
	if err != nil {
		// another scheduler instance won the race; not a failure
		if errors.Is(err, lifecycle.ErrAlreadyInFlight) {
			return false, "in_flight", nil
		}
		return false, "", err
	}
	return true, "", nil
}

func (e *Engine) templateVars(rule Rule, req marketplace.Request) map[string]string {
	name := req.ClientName
	if rule.Direction == domain.ToProvider {
		name = req.ProviderName
	}
	return map[string]string{
		"name": name,
		"ref":  req.ID,
	}
}
