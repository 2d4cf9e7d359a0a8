package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"followup/internal/domain"
	"followup/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const interactionColumns = `
	id, request_id, direction, status, template, COALESCE(content,''), COALESCE(to_phone,''),
	scheduled_for, sent_at, delivered_at, COALESCE(provider_msg_id,''), COALESCE(provider_status,''),
	metadata, created_at, updated_at`

func scanInteraction(row pgx.Row) (domain.Interaction, error) {
	var it domain.Interaction
	var direction, status string
	var metadataJSON []byte
	err := row.Scan(&it.ID, &it.RequestID, &direction, &status, &it.Template, &it.Content, &it.ToPhone,
		&it.ScheduledFor, &it.SentAt, &it.DeliveredAt, &it.ProviderMsgID, &it.ProviderStatus,
		&metadataJSON, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return domain.Interaction{}, err
	}
	it.Direction = domain.Direction(direction)
	it.Status = domain.Status(status)
	_ = json.Unmarshal(metadataJSON, &it.Metadata)
	return it, nil
}

func (s *Store) InsertInteraction(ctx context.Context, in store.InteractionInsert) error {
	b, _ := json.Marshal(in.Metadata)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO interactions (id, request_id, direction, status, template, content, to_phone, scheduled_for, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,'pending',$4,$5,$6,$7,$8,$9,$9)
	`, in.ID, in.RequestID, in.Direction, in.Template, in.Content, nullIfEmpty(in.ToPhone), in.ScheduledFor, b, in.Now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrDuplicateOpen
		}
		return err
	}
	return nil
}

func (s *Store) HasOpenInteraction(ctx context.Context, requestID, direction string) (bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT 1 FROM interactions
		WHERE request_id=$1 AND direction=$2 AND status IN ('pending','sending','sent')
		LIMIT 1
	`, requestID, direction)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) MostRecentInteraction(ctx context.Context, requestID string) (domain.Interaction, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+interactionColumns+`
		FROM interactions WHERE request_id=$1
		ORDER BY created_at DESC LIMIT 1
	`, requestID)
	it, err := scanInteraction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Interaction{}, false, nil
		}
		return domain.Interaction{}, false, err
	}
	return it, true, nil
}

func (s *Store) GetByProviderMsgID(ctx context.Context, providerMsgID string) (domain.Interaction, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+interactionColumns+`
		FROM interactions WHERE provider_msg_id=$1
	`, providerMsgID)
	it, err := scanInteraction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Interaction{}, false, nil
		}
		return domain.Interaction{}, false, err
	}
	return it, true, nil
}

// FindOpenByPhone resolves inbound replies: the most recent interaction sent
// to this phone that is still awaiting a terminal outcome.
func (s *Store) FindOpenByPhone(ctx context.Context, phone string) (domain.Interaction, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+interactionColumns+`
		FROM interactions
		WHERE to_phone=$1 AND status IN ('sent','delivered','read')
		ORDER BY created_at DESC LIMIT 1
	`, phone)
	it, err := scanInteraction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Interaction{}, false, nil
		}
		return domain.Interaction{}, false, err
	}
	return it, true, nil
}

// UpdateStatusByProviderMsgID applies a monotonic status transition. The row
// must still be in the expected status; a lost race reports false.
func (s *Store) UpdateStatusByProviderMsgID(ctx context.Context, in store.StatusAdvance) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE interactions
		SET status=$3, provider_status=$4,
		    sent_at = CASE WHEN $3='sent' AND sent_at IS NULL THEN $5 ELSE sent_at END,
		    delivered_at = CASE WHEN $3 IN ('delivered','read') AND delivered_at IS NULL THEN $5 ELSE delivered_at END,
		    updated_at=$5
		WHERE provider_msg_id=$1 AND status=$2
	`, in.ProviderMsgID, in.Expected, in.NewStatus, in.ProviderStatus, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ListDuePending(ctx context.Context, now time.Time, limit int) ([]domain.Interaction, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+interactionColumns+`
		FROM interactions
		WHERE status='pending' AND scheduled_for <= $1
		ORDER BY scheduled_for ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Interaction
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ClaimInteraction moves a pending interaction into sending so exactly one
// dispatcher owns it before calling the gateway.
func (s *Store) ClaimInteraction(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE interactions SET status='sending', updated_at=$2
		WHERE id=$1 AND status='pending'
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ReleaseClaim(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE interactions SET status='pending', updated_at=$2
		WHERE id=$1 AND status='sending'
	`, id, now)
	return err
}

// ReleaseStaleClaims returns sending rows older than staleAfter to pending.
// Covers a dispatcher that crashed between claim and send.
func (s *Store) ReleaseStaleClaims(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE interactions SET status='pending', updated_at=$1
		WHERE status='sending' AND updated_at < $2
	`, now, now.Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) MarkSent(ctx context.Context, in store.SentUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE interactions
		SET status='sent', provider_msg_id=$2, provider_status=$3, sent_at=$4, updated_at=$4
		WHERE id=$1
	`, in.ID, in.ProviderMsgID, nullIfEmpty(in.ProviderStatus), in.Now)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE interactions
		SET status='failed', provider_status=$2, updated_at=$3
		WHERE id=$1
	`, id, reason, now)
	return err
}

func (s *Store) MarkResponded(ctx context.Context, in store.RespondedUpdate) error {
	b, _ := json.Marshal(in.Metadata)
	_, err := s.DB.Exec(ctx, `
		UPDATE interactions
		SET status='responded', metadata = metadata || $2::jsonb, updated_at=$3
		WHERE id=$1
	`, in.ID, b, in.Now)
	return err
}

func (s *Store) ListStuckSent(ctx context.Context, olderThan time.Time, limit int) ([]domain.Interaction, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+interactionColumns+`
		FROM interactions
		WHERE status='sent' AND sent_at IS NOT NULL AND sent_at < $1
		ORDER BY sent_at ASC LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Interaction
	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) SeenInbound(ctx context.Context, providerMsgID string) (bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT 1 FROM processed_inbound WHERE provider_msg_id=$1`, providerMsgID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecordInbound appends to the dedupe ledger. Returns false when another
// writer already recorded the id.
func (s *Store) RecordInbound(ctx context.Context, in store.LedgerEntry) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO processed_inbound (provider_msg_id, from_phone, processed_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (provider_msg_id) DO NOTHING
	`, in.ProviderMsgID, nullIfEmpty(in.FromPhone), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (provider_msg_id, vendor_status, error_code, source, payload_json, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.ProviderMsgID, in.VendorStatus, nullIfEmpty(in.ErrorCode), in.Source, b, in.ReceivedAt)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
