package directory

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/ehr/interop/internal/domain/partner"
)

// RefreshSubject carries refresh signals from the enrollment system.
const RefreshSubject = "interop.directory.refresh"

// RefreshSignal names what changed. An empty signal refreshes everything.
type RefreshSignal struct {
	PartnerID     string `json:"partner_id,omitempty"`
	Network       string `json:"network,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	DirectAddress string `json:"direct_address,omitempty"`
}

// Apply invalidates the entries named by sig.
func (d *Directory) Apply(ctx context.Context, sig RefreshSignal) {
	scoped := false
	if sig.PartnerID != "" {
		d.InvalidatePartner(sig.PartnerID)
		scoped = true
	}
	if sig.Network != "" && sig.ParticipantID != "" {
		d.InvalidateParticipant(partner.Network(sig.Network), sig.ParticipantID)
		scoped = true
	}
	if sig.DirectAddress != "" {
		d.InvalidateDirectAddress(sig.DirectAddress)
		scoped = true
	}
	if !scoped {
		d.Refresh(ctx)
		return
	}
	d.logger.Debug().
		Str("partner_id", sig.PartnerID).
		Str("participant_id", sig.ParticipantID).
		Str("direct_address", sig.DirectAddress).
		Msg("directory entries invalidated")
}

// HandleMessage decodes a refresh signal from a raw message body.
func (d *Directory) HandleMessage(ctx context.Context, data []byte) {
	var sig RefreshSignal
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sig); err != nil {
			d.logger.Warn().Err(err).Msg("malformed directory refresh signal, refreshing all")
			sig = RefreshSignal{}
		}
	}
	d.Apply(ctx, sig)
}

// Subscribe listens for refresh signals on RefreshSubject.
func (d *Directory) Subscribe(ctx context.Context, nc *nats.Conn) (*nats.Subscription, error) {
	return nc.Subscribe(RefreshSubject, func(msg *nats.Msg) {
		d.HandleMessage(ctx, msg.Data)
	})
}
