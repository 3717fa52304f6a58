package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/interop/internal/interop"
)

func newRecord(id string, status interop.Status, at time.Time) *interop.Record {
	return &interop.Record{
		TransactionID: id,
		Type:          interop.TypeFHIRRead,
		Status:        status,
		PartnerID:     "acme",
		InitiatedAt:   at,
	}
}

func TestMemoryRepo_CreateDuplicate(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	rec := newRecord("tx-1", interop.StatusPending, time.Now())

	if err := repo.Create(ctx, rec, []byte("{}")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Create(ctx, rec, []byte("{}")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryRepo_UpdateRefusesTerminal(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	rec := newRecord("tx-1", interop.StatusProcessing, time.Now())
	_ = repo.Create(ctx, rec, nil)

	rec.Status = interop.StatusCompleted
	if err := repo.Update(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.Status = interop.StatusFailed
	if err := repo.Update(ctx, rec); err == nil {
		t.Fatal("expected terminal record to reject further updates")
	}
	got, _ := repo.Get(ctx, "tx-1")
	if got.Status != interop.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestMemoryRepo_GetIsolation(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.Create(ctx, newRecord("tx-1", interop.StatusPending, time.Now()), nil)

	got, _ := repo.Get(ctx, "tx-1")
	got.Status = interop.StatusCancelled
	again, _ := repo.Get(ctx, "tx-1")
	if again.Status != interop.StatusPending {
		t.Errorf("store state leaked through returned record: %s", again.Status)
	}
	if _, err := repo.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_Search(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	base := time.Now()
	_ = repo.Create(ctx, newRecord("tx-1", interop.StatusCompleted, base), nil)
	_ = repo.Create(ctx, newRecord("tx-2", interop.StatusFailed, base.Add(time.Second)), nil)
	_ = repo.Create(ctx, newRecord("tx-3", interop.StatusCompleted, base.Add(2*time.Second)), nil)

	items, total, err := repo.Search(ctx, map[string]string{"status": "completed"}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 completed, got %d", total)
	}
	if items[0].TransactionID != "tx-3" {
		t.Errorf("expected newest first, got %s", items[0].TransactionID)
	}

	items, total, _ = repo.Search(ctx, map[string]string{"partner_id": "acme"}, 2, 2)
	if total != 3 || len(items) != 1 {
		t.Errorf("expected last page with 1 item, got total=%d len=%d", total, len(items))
	}
}
