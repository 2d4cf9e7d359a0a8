// Package lifecycle is the single place that mutates interaction state. All
// idempotency guarantees live here: the one-in-flight invariant on creation,
// status monotonicity on provider callbacks, and the inbound dedupe ledger.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"followup/internal/classifier"
	"followup/internal/domain"
	"followup/internal/store"
	"followup/internal/util"
)

var (
	ErrAlreadyInFlight = errors.New("follow-up already in flight for request")
	ErrUnknownTemplate = errors.New("unknown template")
)

// UpdateOutcome tags the result of ApplyStatusUpdate so callers branch on
// data instead of parsing error text.
type UpdateOutcome int

const (
	UpdateApplied UpdateOutcome = iota
	UpdateReplayed
	UpdateNotFound
	UpdateIgnored
)

func (o UpdateOutcome) String() string {
	switch o {
	case UpdateApplied:
		return "applied"
	case UpdateReplayed:
		return "replayed"
	case UpdateNotFound:
		return "not_found"
	case UpdateIgnored:
		return "ignored"
	}
	return "unknown"
}

type InboundOutcome int

const (
	InboundProcessed InboundOutcome = iota
	InboundAlreadyProcessed
	InboundNoMatch
)

func (o InboundOutcome) String() string {
	switch o {
	case InboundProcessed:
		return "processed"
	case InboundAlreadyProcessed:
		return "already_processed"
	case InboundNoMatch:
		return "no_match"
	}
	return "unknown"
}

type InboundResult struct {
	Outcome       InboundOutcome
	Intent        domain.Intent
	RequestID     string
	InteractionID string
}

type Store interface {
	HasOpenInteraction(ctx context.Context, requestID, direction string) (bool, error)
	InsertInteraction(ctx context.Context, in store.InteractionInsert) error
	GetByProviderMsgID(ctx context.Context, providerMsgID string) (domain.Interaction, bool, error)
	UpdateStatusByProviderMsgID(ctx context.Context, in store.StatusAdvance) (bool, error)
	FindOpenByPhone(ctx context.Context, phone string) (domain.Interaction, bool, error)
	MarkResponded(ctx context.Context, in store.RespondedUpdate) error
	SeenInbound(ctx context.Context, providerMsgID string) (bool, error)
	RecordInbound(ctx context.Context, in store.LedgerEntry) (bool, error)
}

// ResponseSink receives classified replies. Sink failures are logged, not
// propagated: the reply is already part of the audit trail.
type ResponseSink interface {
	HandleResponse(ctx context.Context, r domain.Reply) error
}

type Service struct {
	Store     Store
	Classify  func(body string) classifier.Result
	Responses ResponseSink
	Templates map[string]string
	IDGen     func() string
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *Service) newID() string {
	if s.IDGen != nil {
		return s.IDGen()
	}
	return util.NewInteractionID()
}

type CreateFollowUp struct {
	RequestID    string
	Direction    domain.Direction
	Template     string
	Vars         map[string]string
	ToPhone      string
	ScheduledFor time.Time
	Metadata     map[string]string
}

// CreateFollowUp persists a new pending interaction. The pending/sent check
// runs here and again as a uniqueness constraint in the store, so concurrent
// creators cannot duplicate a follow-up.
func (s *Service) CreateFollowUp(ctx context.Context, in CreateFollowUp) (domain.Interaction, error) {
	open, err := s.Store.HasOpenInteraction(ctx, in.RequestID, string(in.Direction))
	if err != nil {
		return domain.Interaction{}, err
	}
	if open {
		return domain.Interaction{}, ErrAlreadyInFlight
	}

	body, ok := s.Templates[in.Template]
	if !ok || body == "" {
		return domain.Interaction{}, ErrUnknownTemplate
	}
	content := util.RenderTemplate(body, in.Vars)

	now := s.now()
	it := domain.Interaction{
		ID:           s.newID(),
		RequestID:    in.RequestID,
		Direction:    in.Direction,
		Status:       domain.StatusPending,
		Template:     in.Template,
		Content:      content,
		ToPhone:      util.NormalizePhone(in.ToPhone),
		ScheduledFor: in.ScheduledFor,
		Metadata:     in.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.Store.InsertInteraction(ctx, store.InteractionInsert{
		ID:           it.ID,
		RequestID:    it.RequestID,
		Direction:    string(it.Direction),
		Template:     it.Template,
		Content:      it.Content,
		ToPhone:      it.ToPhone,
		ScheduledFor: it.ScheduledFor,
		Metadata:     it.Metadata,
		Now:          now,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateOpen) {
			return domain.Interaction{}, ErrAlreadyInFlight
		}
		return domain.Interaction{}, err
	}
	return it, nil
}

// ApplyStatusUpdate is the single path for delivery-status transitions,
// whether they arrive by webhook or reconciliation. Replays and out-of-order
// callbacks are no-ops, not errors.
func (s *Service) ApplyStatusUpdate(ctx context.Context, providerMsgID, rawStatus string) (UpdateOutcome, error) {
	target, ok := domain.FromProviderStatus(rawStatus)
	if !ok {
		slog.Warn("unknown provider status ignored", "provider_msg_id", providerMsgID, "raw_status", rawStatus)
		return UpdateIgnored, nil
	}

	it, found, err := s.Store.GetByProviderMsgID(ctx, providerMsgID)
	if err != nil {
		return UpdateIgnored, err
	}
	if !found {
		return UpdateNotFound, nil
	}
	if !target.After(it.Status) {
		return UpdateReplayed, nil
	}

	applied, err := s.Store.UpdateStatusByProviderMsgID(ctx, store.StatusAdvance{
		ProviderMsgID:  providerMsgID,
		Expected:       string(it.Status),
		NewStatus:      string(target),
		ProviderStatus: rawStatus,
		Now:            s.now(),
	})
	if err != nil {
		return UpdateIgnored, err
	}
	if !applied {
		// a concurrent writer advanced the row first
		return UpdateReplayed, nil
	}
	return UpdateApplied, nil
}

// ProcessInboundMessage absorbs an inbound reply exactly once per provider
// message id. The ledger write happens last: a crash mid-way yields a
// harmless reprocessing, never a lost reply.
func (s *Service) ProcessInboundMessage(ctx context.Context, from, body, providerMsgID string) (InboundResult, error) {
	seen, err := s.Store.SeenInbound(ctx, providerMsgID)
	if err != nil {
		return InboundResult{}, err
	}
	if seen {
		return InboundResult{Outcome: InboundAlreadyProcessed}, nil
	}

	phone := util.NormalizePhone(from)
	it, found, err := s.Store.FindOpenByPhone(ctx, phone)
	if err != nil {
		return InboundResult{}, err
	}
	if !found {
		return InboundResult{Outcome: InboundNoMatch}, nil
	}

	res := s.Classify(body)

	now := s.now()
	err = s.Store.MarkResponded(ctx, store.RespondedUpdate{
		ID: it.ID,
		Metadata: map[string]string{
			"intent":          string(res.Intent),
			"matched_keyword": res.Keyword,
			"reply_msg_id":    providerMsgID,
		},
		Now: now,
	})
	if err != nil {
		return InboundResult{}, err
	}

	if s.Responses != nil {
		reply := domain.Reply{
			RequestID:     it.RequestID,
			InteractionID: it.ID,
			Direction:     it.Direction,
			Intent:        res.Intent,
			Keyword:       res.Keyword,
		}
		if err := s.Responses.HandleResponse(ctx, reply); err != nil {
			slog.Error("response handler failed", "err", err, "request_id", it.RequestID, "intent", res.Intent)
		}
	}

	if _, err := s.Store.RecordInbound(ctx, store.LedgerEntry{
		ProviderMsgID: providerMsgID,
		FromPhone:     phone,
		Now:           now,
	}); err != nil {
		return InboundResult{}, err
	}

	return InboundResult{
		Outcome:       InboundProcessed,
		Intent:        res.Intent,
		RequestID:     it.RequestID,
		InteractionID: it.ID,
	}, nil
}
