package webhook

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("webhook: not found")

// Subscription is a registered callback for transaction status changes.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	PartnerID string    `json:"partner_id,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	SubscriptionActive = "active"
	SubscriptionPaused = "paused"
)

// Delivery is one POST of an event to a subscription.
type Delivery struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	EventID        string        `json:"event_id"`
	EventType      string        `json:"event_type"`
	TransactionID  string        `json:"transaction_id,omitempty"`
	Payload        []byte        `json:"payload"`
	Signature      string        `json:"signature"`
	StatusCode     int           `json:"status_code"`
	ResponseBody   string        `json:"response_body,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
	Attempt        int           `json:"attempt"`
	Status         string        `json:"status"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

const (
	DeliverySucceeded = "success"
	DeliveryFailed    = "failed"
)

// Store persists subscriptions and their delivery log.
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, limit, offset int) ([]*Subscription, int, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*Delivery, int, error)
}

// MemoryStore keeps everything in process, in insertion order.
type MemoryStore struct {
	mu            sync.RWMutex
	subs          map[string]*Subscription
	subOrder      []string
	deliveries    map[string]*Delivery
	deliveryOrder []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:       make(map[string]*Subscription),
		deliveries: make(map[string]*Delivery),
	}
}

func (s *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subs[sub.ID] = &cp
	s.subOrder = append(s.subOrder, sub.ID)
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) ListSubscriptions(_ context.Context, limit, offset int) ([]*Subscription, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscription, 0, len(s.subOrder))
	for _, id := range s.subOrder {
		cp := *s.subs[id]
		out = append(out, &cp)
	}
	return page(out, limit, offset), len(out), nil
}

func (s *MemoryStore) UpdateSubscription(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrNotFound
	}
	delete(s.subs, id)
	for i, sid := range s.subOrder {
		if sid == id {
			s.subOrder = append(s.subOrder[:i], s.subOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.deliveries[d.ID]; !seen {
		s.deliveryOrder = append(s.deliveryOrder, d.ID)
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, subscriptionID string, limit, offset int) ([]*Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Delivery
	for _, id := range s.deliveryOrder {
		d := s.deliveries[id]
		if d.SubscriptionID != subscriptionID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return page(out, limit, offset), len(out), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
