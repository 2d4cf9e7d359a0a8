package marketplace

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"followup/internal/domain"
)

// PG adapts the marketplace schema to the pipeline's contracts. Read-mostly;
// the only write is the request status transition issued by the response
// handler.
type PG struct {
	DB *pgxpool.Pool
}

func NewPG(db *pgxpool.Pool) *PG { return &PG{DB: db} }

func (p *PG) ListStale(ctx context.Context, status string, cutoff time.Time) ([]Request, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT r.id, r.client_id, COALESCE(r.provider_id,''),
		       COALESCE(u.name,''), COALESCE(pr.name,''),
		       r.status, r.updated_at
		FROM requests r
		LEFT JOIN users u ON u.id = r.client_id
		LEFT JOIN providers pr ON pr.id = r.provider_id
		WHERE r.status=$1 AND r.updated_at <= $2
		ORDER BY r.updated_at ASC
	`, status, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.ClientID, &r.ProviderID, &r.ClientName, &r.ProviderName, &r.Status, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PG) UpdateRequestStatus(ctx context.Context, requestID, status string) error {
	_, err := p.DB.Exec(ctx, `
		UPDATE requests SET status=$2, updated_at=now() WHERE id=$1
	`, requestID, status)
	return err
}

// ResolvePhone returns the verified phone number for the intended recipient
// of a request. verified=false means the number exists but is unverified;
// an empty phone means no number at all.
func (p *PG) ResolvePhone(ctx context.Context, requestID string, direction domain.Direction) (phone string, verified bool, err error) {
	var query string
	switch direction {
	case domain.ToClient:
		query = `
			SELECT COALESCE(u.phone,''), u.phone_verified
			FROM requests r JOIN users u ON u.id = r.client_id
			WHERE r.id=$1`
	case domain.ToProvider:
		query = `
			SELECT COALESCE(pr.phone,''), pr.phone_verified
			FROM requests r JOIN providers pr ON pr.id = r.provider_id
			WHERE r.id=$1`
	default:
		return "", false, errors.New("unknown direction: " + string(direction))
	}

	row := p.DB.QueryRow(ctx, query, requestID)
	if err := row.Scan(&phone, &verified); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return phone, verified, nil
}
