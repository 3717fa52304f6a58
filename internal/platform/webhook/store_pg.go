package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists subscriptions in webhook_subscriptions and the delivery
// log in webhook_deliveries.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const subCols = `id, url, secret, events, partner_id, status, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.URL, &s.Secret, &s.Events, &s.PartnerID, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PGStore) CreateSubscription(ctx context.Context, s *Subscription) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO webhook_subscriptions (`+subCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.URL, s.Secret, s.Events, s.PartnerID, s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *PGStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return scanSubscription(p.pool.QueryRow(ctx, `SELECT `+subCols+` FROM webhook_subscriptions WHERE id = $1`, id))
}

func (p *PGStore) ListSubscriptions(ctx context.Context, limit, offset int) ([]*Subscription, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_subscriptions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := p.pool.Query(ctx, `SELECT `+subCols+` FROM webhook_subscriptions
		ORDER BY created_at LIMIT $1 OFFSET $2`, lim, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (p *PGStore) UpdateSubscription(ctx context.Context, s *Subscription) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE webhook_subscriptions SET url=$2, events=$3, partner_id=$4, status=$5, updated_at=$6
		WHERE id = $1`, s.ID, s.URL, s.Events, s.PartnerID, s.Status, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGStore) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const deliveryCols = `id, subscription_id, event_id, event_type, transaction_id, payload, signature,
	status_code, response_body, duration_ns, attempt, status, error, created_at`

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	var ns int64
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &d.TransactionID, &d.Payload,
		&d.Signature, &d.StatusCode, &d.ResponseBody, &ns, &d.Attempt, &d.Status, &d.Error, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Duration = time.Duration(ns)
	return &d, nil
}

// RecordDelivery upserts by id so later attempts of one delivery overwrite
// the earlier row.
func (p *PGStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET status_code = EXCLUDED.status_code,
			response_body = EXCLUDED.response_body, duration_ns = EXCLUDED.duration_ns,
			attempt = EXCLUDED.attempt, status = EXCLUDED.status, error = EXCLUDED.error`,
		d.ID, d.SubscriptionID, d.EventID, d.EventType, d.TransactionID, d.Payload, d.Signature,
		d.StatusCode, d.ResponseBody, int64(d.Duration), d.Attempt, d.Status, d.Error, d.CreatedAt)
	return err
}

func (p *PGStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	return scanDelivery(p.pool.QueryRow(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id = $1`, id))
}

func (p *PGStore) ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*Delivery, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE subscription_id = $1`,
		subscriptionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := p.pool.Query(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries
		WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, subscriptionID, lim, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}
