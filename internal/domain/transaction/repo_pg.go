package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/interop/internal/interop"
	"github.com/ehr/interop/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const txCols = `id, transaction_id, type, direction, status, partner_id, network, participant_id,
	payload_hash, content_type, request_url, request_method, response_code, response_message,
	error_code, error_message, retry_count, max_retries, timeout_retries,
	initiated_at, completed_at, processing_time_ms, user_id, correlation_id, artifact,
	created_at, updated_at`

func scanRecord(row pgx.Row) (*interop.Record, error) {
	var rec interop.Record
	var artifact []byte
	err := row.Scan(&rec.ID, &rec.TransactionID, &rec.Type, &rec.Direction, &rec.Status,
		&rec.PartnerID, &rec.Network, &rec.ParticipantID,
		&rec.PayloadHash, &rec.ContentType, &rec.RequestURL, &rec.RequestMethod,
		&rec.ResponseCode, &rec.ResponseMessage, &rec.ErrorCode, &rec.ErrorMessage,
		&rec.RetryCount, &rec.MaxRetries, &rec.TimeoutRetries,
		&rec.InitiatedAt, &rec.CompletedAt, &rec.ProcessingTimeMs, &rec.UserID, &rec.CorrelationID,
		&artifact, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(artifact) > 0 {
		rec.Artifact = &interop.Artifact{}
		if err := json.Unmarshal(artifact, rec.Artifact); err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
	}
	return &rec, nil
}

func encodeArtifact(a *interop.Artifact) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func (r *repoPG) Create(ctx context.Context, rec *interop.Record, payload []byte) error {
	artifact, err := encodeArtifact(rec.Artifact)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO transaction_log (id, transaction_id, type, direction, status, partner_id, network,
			participant_id, payload, payload_hash, content_type, request_url, request_method,
			response_code, response_message, error_code, error_message, retry_count, max_retries,
			timeout_retries, initiated_at, completed_at, processing_time_ms, user_id, correlation_id,
			artifact, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
		rec.ID, rec.TransactionID, rec.Type, rec.Direction, rec.Status, rec.PartnerID, rec.Network,
		rec.ParticipantID, payload, rec.PayloadHash, rec.ContentType, rec.RequestURL, rec.RequestMethod,
		rec.ResponseCode, rec.ResponseMessage, rec.ErrorCode, rec.ErrorMessage, rec.RetryCount, rec.MaxRetries,
		rec.TimeoutRetries, rec.InitiatedAt, rec.CompletedAt, rec.ProcessingTimeMs, rec.UserID, rec.CorrelationID,
		artifact, rec.CreatedAt, rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (r *repoPG) Get(ctx context.Context, transactionID string) (*interop.Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+txCols+` FROM transaction_log WHERE transaction_id = $1`, transactionID))
}

// Update writes the mutable lifecycle columns. Rows already in a terminal
// status are never rewritten.
func (r *repoPG) Update(ctx context.Context, rec *interop.Record) error {
	artifact, err := encodeArtifact(rec.Artifact)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE transaction_log SET status=$2, partner_id=$3, request_url=$4, request_method=$5,
			response_code=$6, response_message=$7, error_code=$8, error_message=$9,
			retry_count=$10, timeout_retries=$11, completed_at=$12, processing_time_ms=$13,
			artifact=$14, updated_at=$15
		WHERE transaction_id = $1
			AND status NOT IN ('completed', 'failed', 'timeout', 'cancelled')`,
		rec.TransactionID, rec.Status, rec.PartnerID, rec.RequestURL, rec.RequestMethod,
		rec.ResponseCode, rec.ResponseMessage, rec.ErrorCode, rec.ErrorMessage,
		rec.RetryCount, rec.TimeoutRetries, rec.CompletedAt, rec.ProcessingTimeMs,
		artifact, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", rec.TransactionID, ErrNotFound)
	}
	return nil
}

func (r *repoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*interop.Record, int, error) {
	query := `SELECT ` + txCols + ` FROM transaction_log WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM transaction_log WHERE 1=1`
	var args []interface{}
	idx := 1

	for _, f := range []struct{ param, col string }{
		{"partner_id", "partner_id"},
		{"status", "status"},
		{"type", "type"},
		{"correlation_id", "correlation_id"},
	} {
		if p, ok := params[f.param]; ok {
			clause := fmt.Sprintf(` AND %s = $%d`, f.col, idx)
			query += clause
			countQuery += clause
			args = append(args, p)
			idx++
		}
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY initiated_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*interop.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}
