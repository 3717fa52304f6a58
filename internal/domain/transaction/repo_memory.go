package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ehr/interop/internal/interop"
)

// MemoryRepo keeps records in process. Records are cloned on the way in and
// out so callers never share state with the store.
type MemoryRepo struct {
	mu       sync.RWMutex
	records  map[string]*interop.Record
	payloads map[string][]byte
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		records:  make(map[string]*interop.Record),
		payloads: make(map[string][]byte),
	}
}

func (m *MemoryRepo) Create(_ context.Context, rec *interop.Record, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.TransactionID]; exists {
		return ErrDuplicate
	}
	m.records[rec.TransactionID] = rec.Clone()
	m.payloads[rec.TransactionID] = append([]byte(nil), payload...)
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, transactionID string) (*interop.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryRepo) Update(_ context.Context, rec *interop.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[rec.TransactionID]
	if !ok || existing.Status.Terminal() {
		return fmt.Errorf("update %s: %w", rec.TransactionID, ErrNotFound)
	}
	m.records[rec.TransactionID] = rec.Clone()
	return nil
}

func (m *MemoryRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*interop.Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*interop.Record
	for _, rec := range m.records {
		if v, ok := params["partner_id"]; ok && rec.PartnerID != v {
			continue
		}
		if v, ok := params["status"]; ok && string(rec.Status) != v {
			continue
		}
		if v, ok := params["type"]; ok && string(rec.Type) != v {
			continue
		}
		if v, ok := params["correlation_id"]; ok && rec.CorrelationID != v {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].InitiatedAt.After(matched[j].InitiatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
