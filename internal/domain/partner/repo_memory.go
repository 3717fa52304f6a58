package partner

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-process Repository for development and tests.
type MemoryRepo struct {
	mu           sync.RWMutex
	partners     map[string]*Partner
	participants map[string]*NetworkParticipant
	addresses    map[string]*DirectAddress
	endpoints    map[string]*FHIREndpoint
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		partners:     make(map[string]*Partner),
		participants: make(map[string]*NetworkParticipant),
		addresses:    make(map[string]*DirectAddress),
		endpoints:    make(map[string]*FHIREndpoint),
	}
}

func participantKey(network Network, participantID string) string {
	return string(network) + "|" + participantID
}

func (m *MemoryRepo) GetPartner(_ context.Context, id string) (*Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partners[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepo) UpsertPartner(_ context.Context, p *Partner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cp := *p
	if existing, ok := m.partners[p.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.partners[p.ID] = &cp
	return nil
}

func (m *MemoryRepo) SearchPartners(_ context.Context, params map[string]string, limit, offset int) ([]*Partner, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Partner
	for _, p := range m.partners {
		if v, ok := params["status"]; ok && string(p.Status) != v {
			continue
		}
		if v, ok := params["type"]; ok && string(p.Type) != v {
			continue
		}
		if v, ok := params["auth_type"]; ok && string(p.AuthType) != v {
			continue
		}
		if v, ok := params["name"]; ok && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(v)) {
			continue
		}
		cp := *p
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

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

func (m *MemoryRepo) GetParticipant(_ context.Context, network Network, participantID string) (*NetworkParticipant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	np, ok := m.participants[participantKey(network, participantID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *np
	return &cp, nil
}

func (m *MemoryRepo) UpsertParticipant(_ context.Context, np *NetworkParticipant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if np.ID == "" {
		np.ID = uuid.NewString()
	}
	cp := *np
	cp.UpdatedAt = time.Now().UTC()
	m.participants[participantKey(np.Network, np.ParticipantID)] = &cp
	return nil
}

func (m *MemoryRepo) GetDirectAddress(_ context.Context, address string) (*DirectAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.addresses[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepo) UpsertDirectAddress(_ context.Context, d *DirectAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	cp := *d
	cp.UpdatedAt = time.Now().UTC()
	m.addresses[strings.ToLower(d.Address)] = &cp
	return nil
}

func (m *MemoryRepo) RecordDirectActivity(_ context.Context, address string, sent bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.addresses[strings.ToLower(address)]
	if !ok {
		return ErrNotFound
	}
	if sent {
		d.MessagesSent++
	} else {
		d.MessagesReceived++
	}
	d.LastActivity = &at
	return nil
}

func (m *MemoryRepo) GetFHIREndpoint(_ context.Context, partnerID string) (*FHIREndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *FHIREndpoint
	for _, e := range m.endpoints {
		if e.PartnerID != partnerID || e.Status != EndpointActive {
			continue
		}
		if best == nil || e.UpdatedAt.After(best.UpdatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryRepo) UpsertFHIREndpoint(_ context.Context, e *FHIREndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	cp.UpdatedAt = time.Now().UTC()
	m.endpoints[e.ID] = &cp
	return nil
}

func (m *MemoryRepo) RecordFHIRResponse(_ context.Context, endpointID string, elapsed time.Duration, healthy bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[endpointID]
	if !ok {
		return ErrNotFound
	}
	ms := int(elapsed.Milliseconds())
	if e.AvgResponseTimeMs == 0 {
		e.AvgResponseTimeMs = ms
	} else {
		e.AvgResponseTimeMs = (e.AvgResponseTimeMs*4 + ms) / 5
	}
	e.HealthStatus = "healthy"
	if !healthy {
		e.HealthStatus = "unhealthy"
	}
	now := time.Now().UTC()
	e.LastCheckedAt = &now
	return nil
}
