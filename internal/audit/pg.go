package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/interop/internal/interop"
	"github.com/ehr/interop/internal/platform/db"
)

// PGRecorder appends to the transaction_history table.
type PGRecorder struct {
	pool *pgxpool.Pool
}

func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

func (r *PGRecorder) Record(ctx context.Context, entry interop.HistoryEntry) error {
	Stamp(&entry)
	const query = `
		INSERT INTO transaction_history (id, transaction_id, from_status, to_status, retry_count,
			response_code, error_code, message, partner_id, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	args := []any{
		entry.ID, entry.TransactionID, entry.FromStatus, entry.ToStatus, entry.RetryCount,
		entry.ResponseCode, entry.ErrorCode, entry.Message, entry.PartnerID, entry.RecordedAt,
	}

	if tx := db.TxFromContext(ctx); tx != nil {
		_, err := tx.Exec(ctx, query, args...)
		return err
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("audit: insert history: %w", err)
	}
	return nil
}

func (r *PGRecorder) History(ctx context.Context, transactionID string) ([]interop.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, transaction_id, from_status, to_status, retry_count, response_code,
			error_code, message, partner_id, recorded_at
		FROM transaction_history WHERE transaction_id = $1 ORDER BY recorded_at, id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("audit: query history: %w", err)
	}
	defer rows.Close()

	var out []interop.HistoryEntry
	for rows.Next() {
		var e interop.HistoryEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.FromStatus, &e.ToStatus, &e.RetryCount,
			&e.ResponseCode, &e.ErrorCode, &e.Message, &e.PartnerID, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
