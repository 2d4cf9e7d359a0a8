//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"followup/internal/classifier"
	"followup/internal/dispatch"
	"followup/internal/domain"
	"followup/internal/gateway/whatsapp"
	"followup/internal/lifecycle"
	"followup/internal/marketplace"
	"followup/internal/response"
	"followup/internal/rules"
	"followup/internal/store/pg"
)

var testTemplates = map[string]string{
	"follow_up_3_days": "Hola {name}, ¿cómo va tu solicitud {ref}?",
}

func TestSchedulerCreatesFollowUpOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	mkt := marketplace.NewPG(db)

	insertUser(t, db, "u1", "Ana", "+5215511111111", true)
	insertRequest(t, db, "req-1", "u1", "", "accepted", time.Now().Add(-4*24*time.Hour))

	engine := &rules.Engine{
		Enabled: true,
		Rules: []rules.Rule{{
			RequestStatus: "accepted",
			ElapsedDays:   3,
			Template:      "follow_up_3_days",
			Direction:     domain.ToClient,
		}},
		Requests:     mkt,
		Recipients:   mkt,
		Interactions: st,
		Lifecycle:    &lifecycle.Service{Store: st, Templates: testTemplates},
	}

	stats := engine.Tick(ctx)
	if stats.Created != 1 {
		t.Fatalf("created = %d, want 1", stats.Created)
	}
	if n := countInteractions(t, db, "req-1"); n != 1 {
		t.Fatalf("interactions = %d, want 1", n)
	}

	// a second tick must not duplicate the in-flight follow-up
	stats = engine.Tick(ctx)
	if stats.Created != 0 {
		t.Fatalf("second tick created = %d, want 0", stats.Created)
	}
	if n := countInteractions(t, db, "req-1"); n != 1 {
		t.Fatalf("interactions after second tick = %d, want 1", n)
	}

	var content string
	err := db.QueryRow(ctx, `SELECT content FROM interactions WHERE request_id='req-1'`).Scan(&content)
	if err != nil {
		t.Fatalf("select content: %v", err)
	}
	if content != "Hola Ana, ¿cómo va tu solicitud req-1?" {
		t.Fatalf("content = %q", content)
	}
}

func TestDispatchSendsDuePending(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	mkt := marketplace.NewPG(db)

	insertUser(t, db, "u1", "Ana", "+5215511111111", true)
	insertRequest(t, db, "req-1", "u1", "", "accepted", time.Now())

	svc := &lifecycle.Service{Store: st, Templates: testTemplates}
	it, err := svc.CreateFollowUp(ctx, lifecycle.CreateFollowUp{
		RequestID:    "req-1",
		Direction:    domain.ToClient,
		Template:     "follow_up_3_days",
		Vars:         map[string]string{"name": "Ana", "ref": "req-1"},
		ToPhone:      "+5215511111111",
		ScheduledFor: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sends := 0
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sends++
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.int.1"}]}`))
	}))
	defer gw.Close()

	worker := &dispatch.Worker{
		Store:      st,
		Gateway:    &whatsapp.Client{BaseURL: gw.URL, PhoneNumberID: "555", HTTP: gw.Client()},
		Recipients: mkt,
		Limiter:    rate.NewLimiter(rate.Inf, 1),
		Breaker:    gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "test"}),
	}

	stats := worker.Tick(ctx)
	if stats.Sent != 1 {
		t.Fatalf("sent = %d, want 1", stats.Sent)
	}
	assertInteractionStatus(t, db, it.ID, "sent")

	var msgID string
	if err := db.QueryRow(ctx, `SELECT provider_msg_id FROM interactions WHERE id=$1`, it.ID).Scan(&msgID); err != nil {
		t.Fatalf("select provider_msg_id: %v", err)
	}
	if msgID != "wamid.int.1" {
		t.Fatalf("provider_msg_id = %q", msgID)
	}

	// nothing due on the next tick
	stats = worker.Tick(ctx)
	if stats.Sent != 0 || sends != 1 {
		t.Fatalf("second tick sent=%d total gateway calls=%d", stats.Sent, sends)
	}
}

func TestStatusUpdatesAreIdempotentAndMonotonic(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	insertSentInteraction(t, db, "int-1", "req-1", "+5215511111111", "wamid.s1")

	svc := &lifecycle.Service{Store: st}

	outcome, err := svc.ApplyStatusUpdate(ctx, "wamid.s1", "delivered")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != lifecycle.UpdateApplied {
		t.Fatalf("outcome = %v", outcome)
	}
	assertInteractionStatus(t, db, "int-1", "delivered")

	// replay of the same status is a no-op
	outcome, err = svc.ApplyStatusUpdate(ctx, "wamid.s1", "delivered")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outcome != lifecycle.UpdateReplayed {
		t.Fatalf("replay outcome = %v", outcome)
	}

	// late "sent" after "delivered" must not regress
	outcome, err = svc.ApplyStatusUpdate(ctx, "wamid.s1", "sent")
	if err != nil {
		t.Fatalf("late sent: %v", err)
	}
	if outcome != lifecycle.UpdateReplayed {
		t.Fatalf("late sent outcome = %v", outcome)
	}
	assertInteractionStatus(t, db, "int-1", "delivered")
}

func TestInboundConfirmationCompletesRequest(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	mkt := marketplace.NewPG(db)

	insertUser(t, db, "u1", "Ana", "+5215511111111", true)
	insertRequest(t, db, "req-1", "u1", "", "accepted", time.Now())
	insertSentInteraction(t, db, "int-1", "req-1", "+5215511111111", "wamid.s1")

	svc := &lifecycle.Service{
		Store:     st,
		Classify:  classifier.Classify,
		Responses: &response.Handler{Requests: mkt},
	}

	res, err := svc.ProcessInboundMessage(ctx, "+5215511111111", "Sí, confirmo", "wamid.in.1")
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if res.Outcome != lifecycle.InboundProcessed {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if res.Intent != domain.IntentConfirm {
		t.Fatalf("intent = %v", res.Intent)
	}
	assertInteractionStatus(t, db, "int-1", "responded")
	assertRequestStatus(t, db, "req-1", "completed")

	// provider retry of the same inbound message is absorbed by the ledger
	res, err = svc.ProcessInboundMessage(ctx, "+5215511111111", "Sí, confirmo", "wamid.in.1")
	if err != nil {
		t.Fatalf("inbound replay: %v", err)
	}
	if res.Outcome != lifecycle.InboundAlreadyProcessed {
		t.Fatalf("replay outcome = %v", res.Outcome)
	}
}

func insertUser(t *testing.T, db *pgxpool.Pool, id, name, phone string, verified bool) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO users (id, name, phone, phone_verified) VALUES ($1, $2, $3, $4)
	`, id, name, phone, verified)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func insertRequest(t *testing.T, db *pgxpool.Pool, id, clientID, providerID, status string, updatedAt time.Time) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO requests (id, client_id, provider_id, status, updated_at)
		VALUES ($1, $2, NULLIF($3,''), $4, $5)
	`, id, clientID, providerID, status, updatedAt)
	if err != nil {
		t.Fatalf("insert request: %v", err)
	}
}

func insertSentInteraction(t *testing.T, db *pgxpool.Pool, id, requestID, phone, providerMsgID string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := db.Exec(context.Background(), `
		INSERT INTO interactions
			(id, request_id, direction, status, template, content, to_phone,
			 scheduled_for, sent_at, provider_msg_id, provider_status, created_at, updated_at)
		VALUES ($1, $2, 'to_client', 'sent', 'follow_up_3_days', 'hola', $3,
			 $4, $4, $5, 'sent', $4, $4)
	`, id, requestID, phone, now, providerMsgID)
	if err != nil {
		t.Fatalf("insert interaction: %v", err)
	}
}

func countInteractions(t *testing.T, db *pgxpool.Pool, requestID string) int {
	t.Helper()
	var n int
	err := db.QueryRow(context.Background(),
		`SELECT count(*) FROM interactions WHERE request_id=$1`, requestID).Scan(&n)
	if err != nil {
		t.Fatalf("count interactions: %v", err)
	}
	return n
}

func assertInteractionStatus(t *testing.T, db *pgxpool.Pool, id, want string) {
	t.Helper()
	var got string
	err := db.QueryRow(context.Background(),
		`SELECT status FROM interactions WHERE id=$1`, id).Scan(&got)
	if err != nil {
		t.Fatalf("select status: %v", err)
	}
	if got != want {
		t.Fatalf("interaction %s status = %s, want %s", id, got, want)
	}
}

func assertRequestStatus(t *testing.T, db *pgxpool.Pool, id, want string) {
	t.Helper()
	var got string
	err := db.QueryRow(context.Background(),
		`SELECT status FROM requests WHERE id=$1`, id).Scan(&got)
	if err != nil {
		t.Fatalf("select request status: %v", err)
	}
	if got != want {
		t.Fatalf("request %s status = %s, want %s", id, got, want)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	for _, f := range []string{"001_init.sql", "002_marketplace_fixtures.sql"} {
		sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "migrations", f))
		if err != nil {
			db.Close()
			admin.Close()
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
			db.Close()
			admin.Close()
			t.Fatalf("run migration %s: %v", f, err)
		}
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
