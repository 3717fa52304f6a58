package partner

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no row matches a lookup.
var ErrNotFound = errors.New("partner: not found")

type Repository interface {
	GetPartner(ctx context.Context, id string) (*Partner, error)
	UpsertPartner(ctx context.Context, p *Partner) error
	SearchPartners(ctx context.Context, params map[string]string, limit, offset int) ([]*Partner, int, error)

	GetParticipant(ctx context.Context, network Network, participantID string) (*NetworkParticipant, error)
	UpsertParticipant(ctx context.Context, np *NetworkParticipant) error

	GetDirectAddress(ctx context.Context, address string) (*DirectAddress, error)
	UpsertDirectAddress(ctx context.Context, d *DirectAddress) error
	RecordDirectActivity(ctx context.Context, address string, sent bool, at time.Time) error

	// GetFHIREndpoint returns the partner's active FHIR endpoint.
	GetFHIREndpoint(ctx context.Context, partnerID string) (*FHIREndpoint, error)
	UpsertFHIREndpoint(ctx context.Context, e *FHIREndpoint) error
	RecordFHIRResponse(ctx context.Context, endpointID string, elapsed time.Duration, healthy bool) error
}
