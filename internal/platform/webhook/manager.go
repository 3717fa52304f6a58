// Package webhook delivers HMAC-signed transaction status callbacks to
// registered subscribers and exposes the subscription admin API.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/interop"
)

const (
	HeaderSignature = "X-Interop-Signature"
	HeaderEvent     = "X-Interop-Event"
	HeaderDelivery  = "X-Interop-Delivery"
	HeaderTimestamp = "X-Interop-Timestamp"

	// EventTest is sent by the subscription test endpoint.
	EventTest = "webhook.test"
)

// Event is the JSON body POSTed to subscribers.
type Event struct {
	ID              string                  `json:"id"`
	Type            string                  `json:"type"`
	TransactionID   string                  `json:"transaction_id,omitempty"`
	TransactionType interop.TransactionType `json:"transaction_type,omitempty"`
	PartnerID       string                  `json:"partner_id,omitempty"`
	From            interop.Status          `json:"from,omitempty"`
	Status          interop.Status          `json:"status,omitempty"`
	Record          *interop.Record         `json:"record,omitempty"`
	Timestamp       time.Time               `json:"timestamp"`
}

// EventType names the event for a record entering status, e.g. "transaction.completed".
func EventType(s interop.Status) string {
	return "transaction." + string(s)
}

// Result summarises delivering one event to one subscription.
type Result struct {
	SubscriptionID string `json:"subscription_id"`
	DeliveryID     string `json:"delivery_id"`
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

// SignPayload is the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature accepts the signature with or without its "sha256=" prefix.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithTimeout bounds each delivery POST.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxAttempts caps how many POSTs one delivery makes, the first included.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func WithBackoff(base, maxDelay time.Duration) Option {
	return func(m *Manager) {
		m.backoffBase = base
		m.backoffMax = maxDelay
	}
}

func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queue = make(chan Event, n)
		}
	}
}

func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithDeliveryObserver is called once per finished delivery with its outcome.
func WithDeliveryObserver(fn func(ok bool)) Option {
	return func(m *Manager) { m.observe = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l.With().Str("component", "webhook").Logger() }
}

// Manager fans transaction transitions out to matching subscriptions.
// TransactionChanged only queues; workers started by Start do the POSTs.
type Manager struct {
	store       Store
	client      *http.Client
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	workers     int
	observe     func(ok bool)
	logger      zerolog.Logger
	now         func() time.Time

	queue  chan Event
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func New(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		client:      &http.Client{},
		timeout:     10 * time.Second,
		maxAttempts: 3,
		backoffBase: time.Second,
		backoffMax:  30 * time.Second,
		workers:     2,
		logger:      zerolog.Nop(),
		now:         time.Now,
		queue:       make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the delivery workers. They exit when ctx is done or Stop
// has drained the queue.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-m.queue:
					if !ok {
						return
					}
					m.Publish(ctx, ev)
				}
			}
		}()
	}
}

// Stop refuses new events and waits for queued ones to be delivered.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TransactionChanged queues a status event for rec. A full queue drops the
// event with a warning so the lifecycle never blocks on subscribers.
func (m *Manager) TransactionChanged(_ context.Context, rec *interop.Record, from interop.Status) {
	ev := Event{
		ID:              uuid.New().String(),
		Type:            EventType(rec.Status),
		TransactionID:   rec.TransactionID,
		TransactionType: rec.Type,
		PartnerID:       rec.PartnerID,
		From:            from,
		Status:          rec.Status,
		Record:          rec,
		Timestamp:       m.now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.logger.Warn().Str("transaction_id", rec.TransactionID).Str("event", ev.Type).
			Msg("webhook queue full, dropping event")
	}
}

// Publish delivers ev synchronously to every active subscription that
// matches it.
func (m *Manager) Publish(ctx context.Context, ev Event) []Result {
	subs, _, err := m.store.ListSubscriptions(ctx, 0, 0)
	if err != nil {
		m.logger.Error().Err(err).Msg("list webhook subscriptions")
		return nil
	}
	var results []Result
	for _, sub := range subs {
		if !Matches(sub, ev) {
			continue
		}
		d := m.deliver(ctx, sub, ev)
		results = append(results, Result{
			SubscriptionID: sub.ID,
			DeliveryID:     d.ID,
			Success:        d.Status == DeliverySucceeded,
			StatusCode:     d.StatusCode,
			Attempts:       d.Attempt,
			Error:          d.Error,
		})
	}
	return results
}

// Matches reports whether sub is active, scoped to ev's partner (when it
// names one) and subscribed to ev's type.
func Matches(sub *Subscription, ev Event) bool {
	if sub.Status != SubscriptionActive {
		return false
	}
	if sub.PartnerID != "" && sub.PartnerID != ev.PartnerID {
		return false
	}
	for _, pat := range sub.Events {
		if eventMatches(pat, ev.Type) {
			return true
		}
	}
	return false
}

// eventMatches accepts exact names, "*", "transaction.*" and "*.failed".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

// deliver POSTs ev to sub, retrying network errors and transient statuses with
// exponential backoff. Every attempt overwrites the same delivery log row.
func (m *Manager) deliver(ctx context.Context, sub *Subscription, ev Event) *Delivery {
	payload, _ := json.Marshal(ev)
	d := &Delivery{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		EventID:        ev.ID,
		EventType:      ev.Type,
		TransactionID:  ev.TransactionID,
		Payload:        payload,
		Signature:      SignPayload(payload, sub.Secret),
		CreatedAt:      m.now().UTC(),
	}
	m.attemptLoop(ctx, sub, d)
	return d
}

func (m *Manager) attemptLoop(ctx context.Context, sub *Subscription, d *Delivery) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.backoffBase
	b.MaxInterval = m.backoffMax
	b.Reset()

	for {
		d.Attempt++
		retry := m.post(ctx, sub, d)
		if err := m.store.RecordDelivery(context.WithoutCancel(ctx), d); err != nil {
			m.logger.Error().Err(err).Str("delivery_id", d.ID).Msg("record webhook delivery")
		}
		if d.Status == DeliverySucceeded || !retry || d.Attempt >= m.maxAttempts {
			break
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			d.Error = ctx.Err().Error()
			m.finish(sub, d)
			return
		case <-t.C:
		}
	}
	m.finish(sub, d)
}

func (m *Manager) finish(sub *Subscription, d *Delivery) {
	ok := d.Status == DeliverySucceeded
	if m.observe != nil {
		m.observe(ok)
	}
	evt := m.logger.Info()
	if !ok {
		evt = m.logger.Warn().Str("error", d.Error)
	}
	evt.Str("subscription_id", sub.ID).Str("delivery_id", d.ID).Str("event", d.EventType).
		Int("status_code", d.StatusCode).Int("attempt", d.Attempt).Msg("webhook delivered")
}

// post makes one attempt and reports whether a failure is worth retrying.
func (m *Manager) post(ctx context.Context, sub *Subscription, d *Delivery) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		d.Status, d.Error = DeliveryFailed, err.Error()
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+d.Signature)
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderTimestamp, m.now().UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := m.client.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Status, d.StatusCode, d.Error = DeliveryFailed, 0, err.Error()
		return true
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.StatusCode = resp.StatusCode
	d.ResponseBody = string(body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status, d.Error = DeliverySucceeded, ""
		return false
	}
	d.Status = DeliveryFailed
	d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	return interop.ClassifyHTTP(resp.StatusCode, d.Error).Kind == interop.KindTransient
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(raw string) error {
	if raw == "" {
		return interop.Validation("WEBHOOK_URL", "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return interop.Validation("WEBHOOK_URL", "invalid url: %v", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return interop.Validation("WEBHOOK_URL", "url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return interop.Validation("WEBHOOK_EVENTS", "at least one event pattern is required")
	}
	for _, e := range events {
		if strings.TrimSpace(e) == "" {
			return interop.Validation("WEBHOOK_EVENTS", "empty event pattern")
		}
	}
	return nil
}

// Subscribe validates and stores a subscription. An empty secret is
// replaced by a random one.
func (m *Manager) Subscribe(ctx context.Context, rawURL, secret, partnerID string, events []string) (*Subscription, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if err := validateEvents(events); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	now := m.now().UTC()
	sub := &Subscription{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		PartnerID: partnerID,
		Status:    SubscriptionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Get returns the subscription or an interop NotFound error.
func (m *Manager) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, interop.NotFound("webhook subscription %s not found", id)
	}
	return sub, err
}

func (m *Manager) List(ctx context.Context, limit, offset int) ([]*Subscription, int, error) {
	return m.store.ListSubscriptions(ctx, limit, offset)
}

// Update applies the non-empty fields of patch.
func (m *Manager) Update(ctx context.Context, id string, patch Subscription) (*Subscription, error) {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.URL != "" {
		if err := validateURL(patch.URL); err != nil {
			return nil, err
		}
		sub.URL = patch.URL
	}
	if len(patch.Events) > 0 {
		if err := validateEvents(patch.Events); err != nil {
			return nil, err
		}
		sub.Events = patch.Events
	}
	if patch.PartnerID != "" {
		sub.PartnerID = patch.PartnerID
	}
	switch patch.Status {
	case "":
	case SubscriptionActive, SubscriptionPaused:
		sub.Status = patch.Status
	default:
		return nil, interop.Validation("WEBHOOK_STATUS", "status must be active or paused, got %q", patch.Status)
	}
	sub.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	err := m.store.DeleteSubscription(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return interop.NotFound("webhook subscription %s not found", id)
	}
	return err
}

func (m *Manager) Pause(ctx context.Context, id string) (*Subscription, error) {
	return m.Update(ctx, id, Subscription{Status: SubscriptionPaused})
}

func (m *Manager) Resume(ctx context.Context, id string) (*Subscription, error) {
	return m.Update(ctx, id, Subscription{Status: SubscriptionActive})
}

// Test sends a synthetic event to one subscription regardless of its
// event patterns or status.
func (m *Manager) Test(ctx context.Context, id string) (*Delivery, error) {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ev := Event{ID: uuid.New().String(), Type: EventTest, PartnerID: sub.PartnerID, Timestamp: m.now().UTC()}
	return m.deliver(ctx, sub, ev), nil
}

// Redeliver replays the stored payload of a past delivery as a new delivery.
func (m *Manager) Redeliver(ctx context.Context, deliveryID string) (*Delivery, error) {
	orig, err := m.store.GetDelivery(ctx, deliveryID)
	if errors.Is(err, ErrNotFound) {
		return nil, interop.NotFound("webhook delivery %s not found", deliveryID)
	}
	if err != nil {
		return nil, err
	}
	sub, err := m.Get(ctx, orig.SubscriptionID)
	if err != nil {
		return nil, err
	}
	d := &Delivery{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		EventID:        orig.EventID,
		EventType:      orig.EventType,
		TransactionID:  orig.TransactionID,
		Payload:        orig.Payload,
		Signature:      SignPayload(orig.Payload, sub.Secret),
		CreatedAt:      m.now().UTC(),
	}
	m.attemptLoop(ctx, sub, d)
	return d, nil
}

func (m *Manager) Deliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*Delivery, int, error) {
	if _, err := m.Get(ctx, subscriptionID); err != nil {
		return nil, 0, err
	}
	return m.store.ListDeliveries(ctx, subscriptionID, limit, offset)
}
