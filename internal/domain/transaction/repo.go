package transaction

import (
	"context"
	"errors"

	"github.com/ehr/interop/internal/interop"
)

var (
	ErrNotFound  = errors.New("transaction: not found")
	ErrDuplicate = errors.New("transaction: duplicate transaction id")
)

// Repository persists transaction_log rows. Create must fail with
// ErrDuplicate when the transaction id already exists.
type Repository interface {
	Create(ctx context.Context, rec *interop.Record, payload []byte) error
	Get(ctx context.Context, transactionID string) (*interop.Record, error)
	Update(ctx context.Context, rec *interop.Record) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*interop.Record, int, error)
}
