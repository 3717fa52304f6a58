package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/interop/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// RepoPG implements Repository and ControlSequence on Postgres.
type RepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const ccdaCols = `id, document_id, document_type, patient_id, title, content_hash, size_bytes,
	mime_type, exchange_status, source_network, transaction_id, created_at, updated_at`

func (r *RepoPG) SaveCCDA(ctx context.Context, d *CCDADocument) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ccda_document (id, document_id, document_type, patient_id, title, content_hash,
			size_bytes, mime_type, exchange_status, source_network, transaction_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (document_id) DO UPDATE SET exchange_status=EXCLUDED.exchange_status,
			content_hash=EXCLUDED.content_hash, size_bytes=EXCLUDED.size_bytes,
			transaction_id=EXCLUDED.transaction_id, updated_at=NOW()`,
		d.ID, d.DocumentID, d.DocumentType, d.PatientID, d.Title, d.ContentHash,
		d.SizeBytes, d.MimeType, d.ExchangeStatus, d.SourceNetwork, d.TransactionID)
	return err
}

func (r *RepoPG) GetCCDA(ctx context.Context, documentID string) (*CCDADocument, error) {
	var d CCDADocument
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+ccdaCols+` FROM ccda_document WHERE document_id = $1`, documentID).Scan(
		&d.ID, &d.DocumentID, &d.DocumentType, &d.PatientID, &d.Title, &d.ContentHash, &d.SizeBytes,
		&d.MimeType, &d.ExchangeStatus, &d.SourceNetwork, &d.TransactionID, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const x12Cols = `id, transaction_set_id, type, isa_control_number, gs_control_number, st_control_number,
	sender_id, sender_qualifier, receiver_id, receiver_qualifier, raw_content, parsed_content,
	status, acknowledgment_code, errors, interchange_date, transaction_id, created_at, updated_at`

func (r *RepoPG) SaveX12(ctx context.Context, x *X12Transaction) error {
	if x.ID == uuid.Nil {
		x.ID = uuid.New()
	}
	errs, err := json.Marshal(x.Errors)
	if err != nil {
		return fmt.Errorf("encode x12 errors: %w", err)
	}
	var parsed []byte
	if len(x.ParsedContent) > 0 {
		parsed = x.ParsedContent
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO x12_transaction (id, transaction_set_id, type, isa_control_number, gs_control_number,
			st_control_number, sender_id, sender_qualifier, receiver_id, receiver_qualifier, raw_content,
			parsed_content, status, acknowledgment_code, errors, interchange_date, transaction_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		x.ID, x.TransactionSetID, x.Type, x.ISAControlNumber, x.GSControlNumber,
		x.STControlNumber, x.SenderID, x.SenderQualifier, x.ReceiverID, x.ReceiverQualifier, x.RawContent,
		parsed, x.Status, x.AcknowledgmentCode, errs, x.InterchangeDate, x.TransactionID)
	return err
}

func (r *RepoPG) ListX12(ctx context.Context, transactionID string) ([]*X12Transaction, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+x12Cols+` FROM x12_transaction
		WHERE transaction_id = $1 ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*X12Transaction
	for rows.Next() {
		var x X12Transaction
		var parsed, errs []byte
		if err := rows.Scan(&x.ID, &x.TransactionSetID, &x.Type, &x.ISAControlNumber, &x.GSControlNumber,
			&x.STControlNumber, &x.SenderID, &x.SenderQualifier, &x.ReceiverID, &x.ReceiverQualifier,
			&x.RawContent, &parsed, &x.Status, &x.AcknowledgmentCode, &errs, &x.InterchangeDate,
			&x.TransactionID, &x.CreatedAt, &x.UpdatedAt); err != nil {
			return nil, err
		}
		x.ParsedContent = parsed
		if len(errs) > 0 {
			if err := json.Unmarshal(errs, &x.Errors); err != nil {
				return nil, fmt.Errorf("decode x12 errors: %w", err)
			}
		}
		items = append(items, &x)
	}
	return items, rows.Err()
}

func (r *RepoPG) Next(ctx context.Context, partnerID string) (int64, int64, error) {
	var isa, gs int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO x12_control_sequence (partner_id, direction, isa_control, gs_control)
		VALUES ($1, 'outbound', 1, 1)
		ON CONFLICT (partner_id, direction) DO UPDATE SET
			isa_control = CASE WHEN x12_control_sequence.isa_control >= 999999999 THEN 1
				ELSE x12_control_sequence.isa_control + 1 END,
			gs_control = x12_control_sequence.gs_control + 1,
			updated_at = NOW()
		RETURNING isa_control, gs_control`, partnerID).Scan(&isa, &gs)
	return isa, gs, err
}

func (r *RepoPG) Observe(ctx context.Context, partnerID, direction string, isa, gs int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO x12_control_sequence (partner_id, direction, isa_control, gs_control)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (partner_id, direction) DO UPDATE SET
			isa_control = EXCLUDED.isa_control, gs_control = EXCLUDED.gs_control, updated_at = NOW()
		WHERE x12_control_sequence.isa_control < EXCLUDED.isa_control
			AND x12_control_sequence.gs_control < EXCLUDED.gs_control`,
		partnerID, direction, isa, gs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutOfSequence
	}
	return nil
}
