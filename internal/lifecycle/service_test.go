package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"followup/internal/classifier"
	"followup/internal/domain"
	"followup/internal/store"
)

type fakeStore struct {
	interactions map[string]*domain.Interaction
	ledger       map[string]bool
	inserts      int
	statusWrites int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		interactions: map[string]*domain.Interaction{},
		ledger:       map[string]bool{},
	}
}

func (f *fakeStore) HasOpenInteraction(_ context.Context, requestID, direction string) (bool, error) {
	for _, it := range f.interactions {
		if it.RequestID == requestID && string(it.Direction) == direction && it.Open() {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertInteraction(_ context.Context, in store.InteractionInsert) error {
	for _, it := range f.interactions {
		if it.RequestID == in.RequestID && string(it.Direction) == in.Direction && it.Open() {
			return store.ErrDuplicateOpen
		}
	}
	f.inserts++
	f.interactions[in.ID] = &domain.Interaction{
		ID:           in.ID,
		RequestID:    in.RequestID,
		Direction:    domain.Direction(in.Direction),
		Status:       domain.StatusPending,
		Template:     in.Template,
		Content:      in.Content,
		ToPhone:      in.ToPhone,
		ScheduledFor: in.ScheduledFor,
		Metadata:     in.Metadata,
		CreatedAt:    in.Now,
		UpdatedAt:    in.Now,
	}
	return nil
}

func (f *fakeStore) GetByProviderMsgID(_ context.Context, providerMsgID string) (domain.Interaction, bool, error) {
	for _, it := range f.interactions {
		if it.ProviderMsgID == providerMsgID {
			return *it, true, nil
		}
	}
	return domain.Interaction{}, false, nil
}

func (f *fakeStore) UpdateStatusByProviderMsgID(_ context.Context, in store.StatusAdvance) (bool, error) {
	for _, it := range f.interactions {
		if it.ProviderMsgID == in.ProviderMsgID && string(it.Status) == in.Expected {
			it.Status = domain.Status(in.NewStatus)
			it.ProviderStatus = in.ProviderStatus
			switch in.NewStatus {
			case "sent":
				if it.SentAt == nil {
					t := in.Now
					it.SentAt = &t
				}
			case "delivered", "read":
				if it.DeliveredAt == nil {
					t := in.Now
					it.DeliveredAt = &t
				}
			}
			it.UpdatedAt = in.Now
			f.statusWrites++
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) FindOpenByPhone(_ context.Context, phone string) (domain.Interaction, bool, error) {
	var best *domain.Interaction
	for _, it := range f.interactions {
		if it.ToPhone != phone {
			continue
		}
		switch it.Status {
		case domain.StatusSent, domain.StatusDelivered, domain.StatusRead:
			if best == nil || it.CreatedAt.After(best.CreatedAt) {
				best = it
			}
		}
	}
	if best == nil {
		return domain.Interaction{}, false, nil
	}
	return *best, true, nil
}

func (f *fakeStore) MarkResponded(_ context.Context, in store.RespondedUpdate) error {
	it, ok := f.interactions[in.ID]
	if !ok {
		return errors.New("no such interaction")
	}
	it.Status = domain.StatusResponded
	if it.Metadata == nil {
		it.Metadata = map[string]string{}
	}
	for k, v := range in.Metadata {
		it.Metadata[k] = v
	}
	it.UpdatedAt = in.Now
	return nil
}

func (f *fakeStore) SeenInbound(_ context.Context, providerMsgID string) (bool, error) {
	return f.ledger[providerMsgID], nil
}

func (f *fakeStore) RecordInbound(_ context.Context, in store.LedgerEntry) (bool, error) {
	if f.ledger[in.ProviderMsgID] {
		return false, nil
	}
	f.ledger[in.ProviderMsgID] = true
	return true, nil
}

type recordingSink struct {
	replies []domain.Reply
	err     error
}

func (r *recordingSink) HandleResponse(_ context.Context, reply domain.Reply) error {
	r.replies = append(r.replies, reply)
	return r.err
}

func newService(fs *fakeStore, sink ResponseSink) *Service {
	n := 0
	return &Service{
		Store:    fs,
		Classify: classifier.Classify,
		Responses: sink,
		Templates: map[string]string{
			"follow_up_3_days": "Hola {name}, ¿sigues interesado? Ref {ref}.",
		},
		IDGen: func() string { n++; return "int_" + string(rune('a'+n-1)) },
		Now:   func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func seedSent(fs *fakeStore, id, requestID, phone, providerMsgID string) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sent := now.Add(time.Minute)
	fs.interactions[id] = &domain.Interaction{
		ID: id, RequestID: requestID, Direction: domain.ToClient,
		Status: domain.StatusSent, ToPhone: phone, ProviderMsgID: providerMsgID,
		SentAt: &sent, CreatedAt: now, UpdatedAt: sent,
	}
}

func TestCreateFollowUpRejectsSecondInFlight(t *testing.T) {
	fs := newFakeStore()
	svc := newService(fs, nil)
	ctx := context.Background()

	in := CreateFollowUp{
		RequestID: "req-1", Direction: domain.ToClient,
		Template: "follow_up_3_days", Vars: map[string]string{"name": "Ana", "ref": "req-1"},
		ToPhone: "+54911111111", ScheduledFor: svc.Now(),
	}
	it, err := svc.CreateFollowUp(ctx, in)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if it.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", it.Status)
	}
	if it.Content != "Hola Ana, ¿sigues interesado? Ref req-1." {
		t.Fatalf("unexpected content %q", it.Content)
	}

	if _, err := svc.CreateFollowUp(ctx, in); !errors.Is(err, ErrAlreadyInFlight) {
		t.Fatalf("expected ErrAlreadyInFlight, got %v", err)
	}
	if fs.inserts != 1 {
		t.Fatalf("expected 1 insert, got %d", fs.inserts)
	}
}

func TestCreateFollowUpUnknownTemplate(t *testing.T) {
	svc := newService(newFakeStore(), nil)
	_, err := svc.CreateFollowUp(context.Background(), CreateFollowUp{
		RequestID: "req-1", Direction: domain.ToClient, Template: "nope",
	})
	if !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
}

func TestApplyStatusUpdateIdempotent(t *testing.T) {
	fs := newFakeStore()
	svc := newService(fs, nil)
	ctx := context.Background()
	seedSent(fs, "int_1", "req-1", "+54911111111", "wamid.1")

	out, err := svc.ApplyStatusUpdate(ctx, "wamid.1", "delivered")
	if err != nil || out != UpdateApplied {
		t.Fatalf("first update: outcome=%v err=%v", out, err)
	}
	out, err = svc.ApplyStatusUpdate(ctx, "wamid.1", "delivered")
	if err != nil || out != UpdateReplayed {
		t.Fatalf("replay: outcome=%v err=%v", out, err)
	}
	if fs.statusWrites != 1 {
		t.Fatalf("expected exactly one status write, got %d", fs.statusWrites)
	}
}

func TestApplyStatusUpdateMonotonic(t *testing.T) {
	fs := newFakeStore()
	svc := newService(fs, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fs.interactions["int_1"] = &domain.Interaction{
		ID: "int_1", RequestID: "req-1", Direction: domain.ToClient,
		Status: domain.StatusPending, ProviderMsgID: "wamid.1",
		CreatedAt: now, UpdatedAt: now,
	}

	for _, raw := range []string{"sent", "delivered", "sent"} {
		if _, err := svc.ApplyStatusUpdate(ctx, "wamid.1", raw); err != nil {
			t.Fatalf("update %q: %v", raw, err)
		}
	}
	if got := fs.interactions["int_1"].Status; got != domain.StatusDelivered {
		t.Fatalf("expected delivered after [sent, delivered, sent], got %s", got)
	}
}

func TestApplyStatusUpdateNotFoundAndIgnored(t *testing.T) {
	svc := newService(newFakeStore(), nil)
	ctx := context.Background()

	if out, err := svc.ApplyStatusUpdate(ctx, "wamid.missing", "delivered"); err != nil || out != UpdateNotFound {
		t.Fatalf("expected not_found, got %v err=%v", out, err)
	}
	if out, err := svc.ApplyStatusUpdate(ctx, "wamid.any", "typing"); err != nil || out != UpdateIgnored {
		t.Fatalf("expected ignored for unknown raw status, got %v err=%v", out, err)
	}
}

func TestProcessInboundMessageOnce(t *testing.T) {
	fs := newFakeStore()
	sink := &recordingSink{}
	svc := newService(fs, sink)
	ctx := context.Background()
	seedSent(fs, "int_1", "req-1", "+54911111111", "wamid.1")

	res, err := svc.ProcessInboundMessage(ctx, "+54 9 1111 1111", "si confirmo", "wamid.in.1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != InboundProcessed || res.Intent != domain.IntentConfirm {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := fs.interactions["int_1"].Status; got != domain.StatusResponded {
		t.Fatalf("expected responded, got %s", got)
	}
	if got := fs.interactions["int_1"].Metadata["intent"]; got != "confirm" {
		t.Fatalf("classification not recorded, metadata=%v", fs.interactions["int_1"].Metadata)
	}
	if len(sink.replies) != 1 || sink.replies[0].RequestID != "req-1" {
		t.Fatalf("expected one reply for req-1, got %+v", sink.replies)
	}

	// replay: same provider message id must not transition again
	res, err = svc.ProcessInboundMessage(ctx, "+54911111111", "si confirmo", "wamid.in.1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Outcome != InboundAlreadyProcessed {
		t.Fatalf("expected already_processed, got %v", res.Outcome)
	}
	if len(sink.replies) != 1 {
		t.Fatalf("replay triggered a second transition: %d replies", len(sink.replies))
	}
	if len(fs.ledger) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(fs.ledger))
	}
}

func TestProcessInboundMessageNoMatch(t *testing.T) {
	fs := newFakeStore()
	svc := newService(fs, &recordingSink{})
	res, err := svc.ProcessInboundMessage(context.Background(), "+54900000000", "hola", "wamid.in.9")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != InboundNoMatch {
		t.Fatalf("expected no_match, got %v", res.Outcome)
	}
	if len(fs.ledger) != 0 {
		t.Fatalf("no ledger entry expected on no_match")
	}
}

func TestProcessInboundMessageSinkFailureStillLedgered(t *testing.T) {
	fs := newFakeStore()
	sink := &recordingSink{err: errors.New("request service down")}
	svc := newService(fs, sink)
	seedSent(fs, "int_1", "req-1", "+54911111111", "wamid.1")

	res, err := svc.ProcessInboundMessage(context.Background(), "+54911111111", "no gracias", "wamid.in.2")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != InboundProcessed || res.Intent != domain.IntentDecline {
		t.Fatalf("unexpected result %+v", res)
	}
	if !fs.ledger["wamid.in.2"] {
		t.Fatalf("ledger entry missing after sink failure")
	}
}
