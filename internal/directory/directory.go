// Package directory resolves trading partners and network participants to
// connection facts, caching lookups for a short TTL.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/interop"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Directory is safe for concurrent use.
type Directory struct {
	repo   partner.Repository
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]entry
	group singleflight.Group
}

type Option func(*Directory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

func New(repo partner.Repository, ttl time.Duration, logger zerolog.Logger, opts ...Option) *Directory {
	d := &Directory{
		repo:   repo,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "directory").Logger(),
		cache:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func partnerKey(id string) string { return "partner:" + id }

func participantKey(network partner.Network, id string) string {
	return "participant:" + string(network) + "|" + id
}

func addressKey(addr string) string { return "direct:" + strings.ToLower(addr) }

func endpointKey(partnerID string) string { return "fhir:" + partnerID }

// loadTimeout bounds a shared load. It runs detached from the caller that
// started it so one caller's cancellation never fails the others.
const loadTimeout = 10 * time.Second

// lookup serves key from cache or loads it once for all concurrent callers.
// Repository not-found maps to NotFound; every other repository failure maps
// to Unavailable, which the dispatcher treats as transient. A caller whose
// ctx ends while waiting gets its own context error.
func (d *Directory) lookup(ctx context.Context, key, what string, load func(ctx context.Context) (any, error)) (any, error) {
	d.mu.RLock()
	e, ok := d.cache[key]
	d.mu.RUnlock()
	if ok && d.now().Before(e.expiresAt) {
		return e.value, nil
	}

	ch := d.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		v, err := load(lctx)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cache[key] = entry{value: v, expiresAt: d.now().Add(d.ttl)}
		d.mu.Unlock()
		return v, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, interop.Classify(ctx.Err())
	}
	if res.Err != nil {
		if errors.Is(res.Err, partner.ErrNotFound) {
			return nil, interop.NotFound("%s not found", what)
		}
		d.logger.Warn().Err(res.Err).Str("key", key).Msg("directory lookup failed")
		return nil, interop.Wrap(interop.KindUnavailable, "DIRECTORY_UNAVAILABLE", res.Err, "directory unavailable resolving %s", what)
	}
	return res.Val, nil
}

// Resolve returns the trading partner's profile. Callers receive a copy.
func (d *Directory) Resolve(ctx context.Context, partnerID string) (*partner.Partner, error) {
	v, err := d.lookup(ctx, partnerKey(partnerID), "partner "+partnerID, func(ctx context.Context) (any, error) {
		return d.repo.GetPartner(ctx, partnerID)
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*partner.Partner)
	return &cp, nil
}

func (d *Directory) ResolveNetworkParticipant(ctx context.Context, network partner.Network, participantID string) (*partner.NetworkParticipant, error) {
	v, err := d.lookup(ctx, participantKey(network, participantID), string(network)+" participant "+participantID,
		func(ctx context.Context) (any, error) {
			return d.repo.GetParticipant(ctx, network, participantID)
		})
	if err != nil {
		return nil, err
	}
	cp := *v.(*partner.NetworkParticipant)
	return &cp, nil
}

func (d *Directory) ResolveDirectAddress(ctx context.Context, address string) (*partner.DirectAddress, error) {
	v, err := d.lookup(ctx, addressKey(address), "direct address "+address, func(ctx context.Context) (any, error) {
		return d.repo.GetDirectAddress(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*partner.DirectAddress)
	return &cp, nil
}

func (d *Directory) ResolveFHIREndpoint(ctx context.Context, partnerID string) (*partner.FHIREndpoint, error) {
	v, err := d.lookup(ctx, endpointKey(partnerID), "fhir endpoint for "+partnerID, func(ctx context.Context) (any, error) {
		return d.repo.GetFHIREndpoint(ctx, partnerID)
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*partner.FHIREndpoint)
	return &cp, nil
}

// InvalidatePartner drops the partner and its FHIR endpoint from the cache.
func (d *Directory) InvalidatePartner(partnerID string) {
	d.mu.Lock()
	delete(d.cache, partnerKey(partnerID))
	delete(d.cache, endpointKey(partnerID))
	d.mu.Unlock()
}

func (d *Directory) InvalidateParticipant(network partner.Network, participantID string) {
	d.mu.Lock()
	delete(d.cache, participantKey(network, participantID))
	d.mu.Unlock()
}

func (d *Directory) InvalidateDirectAddress(address string) {
	d.mu.Lock()
	delete(d.cache, addressKey(address))
	d.mu.Unlock()
}

// Refresh drops every cached entry so the next lookups hit the backing store.
func (d *Directory) Refresh(_ context.Context) int {
	d.mu.Lock()
	n := len(d.cache)
	d.cache = make(map[string]entry)
	d.mu.Unlock()
	d.logger.Info().Int("evicted", n).Msg("directory cache refreshed")
	return n
}

// Repository exposes the backing store for enrollment tooling.
func (d *Directory) Repository() partner.Repository {
	return d.repo
}

// RecordDirectActivity bumps the address counters in the backing store.
func (d *Directory) RecordDirectActivity(ctx context.Context, address string, sent bool) {
	if err := d.repo.RecordDirectActivity(ctx, address, sent, d.now().UTC()); err != nil {
		d.logger.Warn().Err(err).Str("address", address).Msg("failed to record direct activity")
	}
}

// RecordFHIRResponse folds an observed latency into the endpoint's health.
func (d *Directory) RecordFHIRResponse(ctx context.Context, endpointID string, elapsed time.Duration, healthy bool) {
	if err := d.repo.RecordFHIRResponse(ctx, endpointID, elapsed, healthy); err != nil {
		d.logger.Warn().Err(err).Str("endpoint_id", endpointID).Msg("failed to record fhir endpoint health")
	}
}
