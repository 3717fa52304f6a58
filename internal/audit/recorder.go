// Package audit holds the append-only sinks for transaction status history.
package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/interop"
)

// Recorder appends one status transition. Implementations must never
// mutate or drop previously recorded entries.
type Recorder interface {
	Record(ctx context.Context, entry interop.HistoryEntry) error
}

// Reader returns the recorded history of one transaction in order.
type Reader interface {
	History(ctx context.Context, transactionID string) ([]interop.HistoryEntry, error)
}

// Stamp fills the id and timestamp when the caller left them empty.
func Stamp(entry *interop.HistoryEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
}

// MemoryRecorder keeps history in process.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries map[string][]interop.HistoryEntry
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{entries: make(map[string][]interop.HistoryEntry)}
}

func (m *MemoryRecorder) Record(_ context.Context, entry interop.HistoryEntry) error {
	Stamp(&entry)
	m.mu.Lock()
	m.entries[entry.TransactionID] = append(m.entries[entry.TransactionID], entry)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecorder) History(_ context.Context, transactionID string) ([]interop.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.entries[transactionID]
	out := make([]interop.HistoryEntry, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// Multi fans an entry out to several recorders. The primary recorder's error
// is returned; secondary sinks (event publishers) only log failures. History
// is served by the primary when it implements Reader.
type Multi struct {
	primary   Recorder
	secondary []Recorder
	logger    zerolog.Logger
}

func NewMulti(logger zerolog.Logger, primary Recorder, secondary ...Recorder) *Multi {
	return &Multi{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With().Str("component", "audit").Logger(),
	}
}

func (m *Multi) Record(ctx context.Context, entry interop.HistoryEntry) error {
	Stamp(&entry)
	if err := m.primary.Record(ctx, entry); err != nil {
		return err
	}
	for _, r := range m.secondary {
		if err := r.Record(ctx, entry); err != nil {
			m.logger.Warn().Err(err).
				Str("transaction_id", entry.TransactionID).
				Str("status", string(entry.ToStatus)).
				Msg("secondary audit sink failed")
		}
	}
	return nil
}

func (m *Multi) History(ctx context.Context, transactionID string) ([]interop.HistoryEntry, error) {
	reader, ok := m.primary.(Reader)
	if !ok {
		return nil, errors.New("audit: primary recorder does not support history reads")
	}
	return reader.History(ctx, transactionID)
}
