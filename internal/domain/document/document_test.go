package document

import (
	"context"
	"errors"
	"testing"
)

func TestTypeForLOINC(t *testing.T) {
	if got := TypeForLOINC("34133-9"); got != CCDAContinuityOfCare {
		t.Errorf("expected ccd, got %s", got)
	}
	if got := TypeForLOINC("18842-5"); got != CCDADischargeSummary {
		t.Errorf("expected discharge_summary, got %s", got)
	}
	if got := TypeForLOINC("00000-0"); got != CCDAUnstructured {
		t.Errorf("expected unstructured fallback, got %s", got)
	}
}

func TestMemoryRepo_ControlSequence(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	isa, gs, _ := repo.Next(ctx, "acme")
	if isa != 1 || gs != 1 {
		t.Fatalf("expected first control numbers 1/1, got %d/%d", isa, gs)
	}
	isa, gs, _ = repo.Next(ctx, "acme")
	if isa != 2 || gs != 2 {
		t.Fatalf("expected 2/2, got %d/%d", isa, gs)
	}
	isa, _, _ = repo.Next(ctx, "other")
	if isa != 1 {
		t.Errorf("sequences must be per partner, got %d", isa)
	}
}

func TestMemoryRepo_Observe(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	if err := repo.Observe(ctx, "acme", "inbound", 100, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Observe(ctx, "acme", "inbound", 100, 11); !errors.Is(err, ErrOutOfSequence) {
		t.Errorf("expected duplicate ISA to be out of sequence, got %v", err)
	}
	if err := repo.Observe(ctx, "acme", "inbound", 99, 12); !errors.Is(err, ErrOutOfSequence) {
		t.Errorf("expected older ISA to be out of sequence, got %v", err)
	}
	if err := repo.Observe(ctx, "acme", "inbound", 101, 11); err != nil {
		t.Errorf("unexpected error for next interchange: %v", err)
	}
	if err := repo.Observe(ctx, "acme", "outbound", 1, 1); err != nil {
		t.Errorf("directions are tracked separately: %v", err)
	}
}

func TestMemoryRepo_CCDAAndX12(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	if _, err := repo.GetCCDA(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = repo.SaveCCDA(ctx, &CCDADocument{DocumentID: "doc-1", DocumentType: CCDAContinuityOfCare, ExchangeStatus: ExchangeShared})
	d, err := repo.GetCCDA(ctx, "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ExchangeStatus != ExchangeShared {
		t.Errorf("expected shared, got %s", d.ExchangeStatus)
	}

	_ = repo.SaveX12(ctx, &X12Transaction{TransactionID: "tx-1", Type: X12EligibilityInquiry})
	_ = repo.SaveX12(ctx, &X12Transaction{TransactionID: "tx-1", Type: X12EligibilityResponse})
	_ = repo.SaveX12(ctx, &X12Transaction{TransactionID: "tx-2", Type: X12ClaimStatusRequest})
	items, _ := repo.ListX12(ctx, "tx-1")
	if len(items) != 2 {
		t.Errorf("expected 2 x12 rows for tx-1, got %d", len(items))
	}
}
