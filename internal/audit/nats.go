package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ehr/interop/internal/interop"
)

// SubjectPrefix is prepended to the target status to form the publish subject,
// e.g. interop.transactions.completed.
const SubjectPrefix = "interop.transactions."

// Publisher is the subset of *nats.Conn the NATS recorder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSRecorder publishes each transition as a JSON event so downstream
// consumers (archivers, partner dashboards) can follow transactions live.
type NATSRecorder struct {
	pub Publisher
}

func NewNATSRecorder(pub Publisher) *NATSRecorder {
	return &NATSRecorder{pub: pub}
}

func (r *NATSRecorder) Record(_ context.Context, entry interop.HistoryEntry) error {
	Stamp(&entry)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	if err := r.pub.Publish(SubjectPrefix+string(entry.ToStatus), data); err != nil {
		return fmt.Errorf("audit: publish event: %w", err)
	}
	return nil
}
