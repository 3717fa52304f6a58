package document

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type controlState struct{ isa, gs int64 }

// MemoryRepo implements Repository and ControlSequence in process.
type MemoryRepo struct {
	mu       sync.Mutex
	ccda     map[string]*CCDADocument
	x12      []*X12Transaction
	controls map[string]controlState
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		ccda:     make(map[string]*CCDADocument),
		controls: make(map[string]controlState),
	}
}

func (m *MemoryRepo) SaveCCDA(_ context.Context, d *CCDADocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	cp := *d
	cp.UpdatedAt = time.Now().UTC()
	m.ccda[d.DocumentID] = &cp
	return nil
}

func (m *MemoryRepo) GetCCDA(_ context.Context, documentID string) (*CCDADocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.ccda[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepo) SaveX12(_ context.Context, x *X12Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if x.ID == uuid.Nil {
		x.ID = uuid.New()
	}
	cp := *x
	cp.CreatedAt = time.Now().UTC()
	m.x12 = append(m.x12, &cp)
	return nil
}

func (m *MemoryRepo) ListX12(_ context.Context, transactionID string) ([]*X12Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*X12Transaction
	for _, x := range m.x12 {
		if x.TransactionID == transactionID {
			cp := *x
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepo) Next(_ context.Context, partnerID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := partnerID + "|outbound"
	st := m.controls[key]
	st.isa++
	if st.isa > 999999999 {
		st.isa = 1
	}
	st.gs++
	m.controls[key] = st
	return st.isa, st.gs, nil
}

func (m *MemoryRepo) Observe(_ context.Context, partnerID, direction string, isa, gs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := partnerID + "|" + direction
	st, seen := m.controls[key]
	if seen && (isa <= st.isa || gs <= st.gs) {
		return ErrOutOfSequence
	}
	m.controls[key] = controlState{isa: isa, gs: gs}
	return nil
}
