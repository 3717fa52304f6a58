// Package dispatch runs transaction attempts. It owns the bounded work queue,
// the worker pool, per-partner admission, retry timers and the registry of
// in-flight attempts that Cancel reaches into. It never changes a record
// itself; every outcome is reported back to the lifecycle.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/engine"
	"github.com/ehr/interop/internal/interop"
)

// Lifecycle is the part of the engine the workers drive.
type Lifecycle interface {
	Begin(ctx context.Context, transactionID string) (*engine.Attempt, error)
	OnAdapterResult(ctx context.Context, transactionID string, res interop.Result) error
}

// Resolver looks up where an attempt goes.
type Resolver interface {
	Resolve(ctx context.Context, partnerID string) (*partner.Partner, error)
	ResolveNetworkParticipant(ctx context.Context, network partner.Network, participantID string) (*partner.NetworkParticipant, error)
	ResolveFHIREndpoint(ctx context.Context, partnerID string) (*partner.FHIREndpoint, error)
}

// Credentials supplies partner credentials.
type Credentials interface {
	Obtain(ctx context.Context, pt *partner.Partner) (*credential.Credential, error)
	ForceRefresh(ctx context.Context, pt *partner.Partner) (*credential.Credential, error)
}

// Metrics receives queue and attempt measurements.
type Metrics interface {
	QueueDepth(n int)
	AttemptFinished(t interop.TransactionType, kind interop.Kind, elapsed time.Duration)
}

type Config struct {
	Workers            int
	QueueSize          int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	PartnerRPS         float64
	PartnerBurst       int
	PartnerMaxInFlight int64
	Timeouts           Timeouts
}

type Dispatcher struct {
	cfg         Config
	lifecycle   Lifecycle
	registry    *adapter.Registry
	resolver    Resolver
	credentials Credentials
	metrics     Metrics
	logger      zerolog.Logger
	admission   *admission

	queue chan string
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]context.CancelFunc
	timers   map[string]*time.Timer
}

type Option func(*Dispatcher)

func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.With().Str("component", "dispatcher").Logger() }
}

func New(cfg Config, lifecycle Lifecycle, registry *adapter.Registry, resolver Resolver, creds Credentials, opts ...Option) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	d := &Dispatcher{
		cfg:         cfg,
		lifecycle:   lifecycle,
		registry:    registry,
		resolver:    resolver,
		credentials: creds,
		logger:      zerolog.Nop(),
		admission:   newAdmission(cfg.PartnerRPS, cfg.PartnerBurst, cfg.PartnerMaxInFlight),
		queue:       make(chan string, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		inflight:    make(map[string]context.CancelFunc),
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers. Attempts run under ctx; cancelling it aborts
// them.
func (d *Dispatcher) Start(ctx context.Context) {
	d.cancel(nil)
	d.ctx, d.cancel = context.WithCancelCause(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).Msg("dispatcher started")
}

// errShutdown is the cause recorded when the dispatcher aborts attempts.
var errShutdown = errors.New("dispatcher shutting down")

// Stop refuses new work, drops pending retry timers and waits for the
// queue to drain. If ctx ends first, in-flight attempts are aborted and
// reported as DISPATCHER_STOPPED, never as caller cancellations.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	dropped := len(d.timers)
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	if dropped > 0 {
		d.logger.Warn().Int("count", dropped).Msg("pending retries dropped at shutdown")
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel(errShutdown)
		<-done
		err = ctx.Err()
	}
	d.cancel(errShutdown)
	d.logger.Info().Msg("dispatcher stopped")
	return err
}

// Enqueue hands a transaction to the workers without blocking. A full queue
// or a stopped dispatcher is reported as Unavailable.
func (d *Dispatcher) Enqueue(_ context.Context, transactionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return &interop.Error{Kind: interop.KindUnavailable, Code: "DISPATCHER_STOPPED", Message: "dispatcher is shutting down"}
	}
	select {
	case d.queue <- transactionID:
	default:
		return &interop.Error{Kind: interop.KindUnavailable, Code: "QUEUE_FULL", Message: "dispatch queue is full"}
	}
	if d.metrics != nil {
		d.metrics.QueueDepth(len(d.queue))
	}
	return nil
}

// Schedule re-enqueues transactionID after the backoff for its attempt
// number. A retry that cannot be queued when its timer fires is scheduled
// again.
func (d *Dispatcher) Schedule(transactionID string, attempt int) {
	delay := d.Delay(attempt)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn().Str("transaction_id", transactionID).Msg("retry not scheduled: dispatcher stopped")
		return
	}
	if old, ok := d.timers[transactionID]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.timers[transactionID] != t {
			d.mu.Unlock()
			return
		}
		delete(d.timers, transactionID)
		d.mu.Unlock()

		if err := d.Enqueue(context.Background(), transactionID); err != nil {
			if interop.CodeOf(err) == "DISPATCHER_STOPPED" {
				return
			}
			d.logger.Warn().Err(err).Str("transaction_id", transactionID).Msg("retry could not be queued, rescheduling")
			d.Schedule(transactionID, attempt)
		}
	})
	d.timers[transactionID] = t
	d.logger.Debug().Str("transaction_id", transactionID).Int("attempt", attempt).Dur("delay", delay).Msg("retry scheduled")
}

// Cancel stops a pending retry timer and aborts an in-flight attempt.
func (d *Dispatcher) Cancel(transactionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[transactionID]; ok {
		t.Stop()
		delete(d.timers, transactionID)
	}
	if cancel, ok := d.inflight[transactionID]; ok {
		cancel()
	}
}

// Delay is the jittered exponential backoff before retry number attempt,
// roughly base*2^(attempt-1) and never above the configured maximum.
func (d *Dispatcher) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffBase
	b.MaxInterval = d.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	var delay time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		delay = b.NextBackOff()
	}
	return min(delay, d.cfg.BackoffMax)
}

// Pending reports queued transactions and retries waiting on a timer.
func (d *Dispatcher) Pending() (queued, waiting int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue), len(d.timers)
}

// Check reports an error once the dispatcher has stopped.
func (d *Dispatcher) Check(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("dispatcher stopped")
	}
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for id := range d.queue {
		if d.metrics != nil {
			d.metrics.QueueDepth(len(d.queue))
		}
		d.process(id)
	}
}

func (d *Dispatcher) process(transactionID string) {
	ctx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	d.mu.Lock()
	d.inflight[transactionID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, transactionID)
		d.mu.Unlock()
	}()

	att, err := d.lifecycle.Begin(context.WithoutCancel(ctx), transactionID)
	if err != nil {
		d.logger.Debug().Err(err).Str("transaction_id", transactionID).Msg("skipping work item")
		return
	}

	start := time.Now()
	res := d.attempt(ctx, att.Request)
	if interop.KindOf(res.Err) == interop.KindCancelled && d.ctx.Err() != nil {
		res.Err = interop.Wrap(interop.KindUnavailable, "DISPATCHER_STOPPED", context.Cause(d.ctx),
			"attempt aborted by dispatcher shutdown")
	}
	if d.metrics != nil {
		d.metrics.AttemptFinished(att.Request.Type, interop.KindOf(res.Err), time.Since(start))
	}
	if err := d.lifecycle.OnAdapterResult(context.WithoutCancel(ctx), transactionID, res); err != nil {
		d.logger.Error().Err(err).Str("transaction_id", transactionID).Msg("failed to apply attempt result")
	}
}

// attempt resolves the target, waits for admission, obtains credentials and
// runs the adapter. A credential the partner rejects is refreshed once and
// the exchange repeated immediately.
func (d *Dispatcher) attempt(ctx context.Context, req *interop.Request) interop.Result {
	ad, err := d.registry.For(req.Type)
	if err != nil {
		return interop.Result{Err: interop.Classify(err)}
	}
	target, err := d.target(ctx, req)
	if err != nil {
		return interop.Result{Err: interop.Classify(err)}
	}

	release, err := d.admission.acquire(ctx, admissionKey(req, target), target.Partner)
	if err != nil {
		if ctx.Err() != nil {
			return interop.Result{Err: cancelled(ctx.Err())}
		}
		return interop.Result{Err: interop.Wrap(interop.KindTransient, "ADMISSION_FAILED", err, "admission for %s", target.PartnerID())}
	}
	defer release()

	cred, refreshed, err := d.credential(ctx, target.Partner)
	if err != nil {
		return interop.Result{Err: interop.Classify(err)}
	}
	res := d.run(ctx, ad, req, cred, target)
	if interop.KindOf(res.Err) == interop.KindAuth && !refreshed && refreshable(target.Partner) {
		d.logger.Info().Str("transaction_id", req.TransactionID).Str("partner_id", target.PartnerID()).
			Msg("credential rejected, refreshing once")
		cred, err = d.credentials.ForceRefresh(ctx, target.Partner)
		if err != nil {
			return interop.Result{Err: interop.Classify(err)}
		}
		res = d.run(ctx, ad, req, cred, target)
	}
	return res
}

// run applies the per-type deadline and tells a deadline apart from a
// cancellation of the whole attempt.
func (d *Dispatcher) run(ctx context.Context, ad adapter.Adapter, req *interop.Request, cred *credential.Credential, target *adapter.Target) interop.Result {
	timeout := d.cfg.Timeouts.For(req.Type)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := adapter.Run(tctx, ad, req, cred, target)
	if res.Err == nil {
		return res
	}
	switch {
	case ctx.Err() != nil:
		res.Err = cancelled(ctx.Err())
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		res.Err = interop.Wrap(interop.KindTimeout, "TIMEOUT", tctx.Err(), "%s attempt exceeded %s", req.Type, timeout)
	}
	return res
}

func cancelled(err error) *interop.Error {
	return interop.Wrap(interop.KindCancelled, "CANCELLED", err, "attempt aborted")
}

// target resolves the partner, network participant and FHIR endpoint the
// request names. Directory outages keep their Unavailable kind so the
// attempt is retried.
func (d *Dispatcher) target(ctx context.Context, req *interop.Request) (*adapter.Target, error) {
	t := &adapter.Target{}
	if req.PartnerID != "" {
		pt, err := d.resolver.Resolve(ctx, req.PartnerID)
		if err != nil {
			if errors.Is(err, interop.ErrNotFound) {
				return nil, interop.Wrap(interop.KindUnknownPartner, "UNKNOWN_PARTNER", err, "partner %s", req.PartnerID)
			}
			return nil, err
		}
		if !pt.Dispatchable() {
			return nil, interop.Permanent("PARTNER_NOT_ACTIVE", "partner %s is %s", pt.ID, pt.Status)
		}
		t.Partner = pt
	}
	if req.Type.Family() == interop.FamilyNetwork && req.ParticipantID != "" {
		np, err := d.resolver.ResolveNetworkParticipant(ctx, partner.Network(req.Network), req.ParticipantID)
		if err != nil {
			if errors.Is(err, interop.ErrNotFound) {
				return nil, interop.Wrap(interop.KindUnknownPartner, "UNKNOWN_PARTICIPANT", err, "participant %s", req.ParticipantID)
			}
			return nil, err
		}
		t.Participant = np
	}
	if req.Type.Family() == interop.FamilyFHIR && req.PartnerID != "" {
		ep, err := d.resolver.ResolveFHIREndpoint(ctx, req.PartnerID)
		switch {
		case err == nil:
			t.FHIREndpoint = ep
		case !errors.Is(err, interop.ErrNotFound):
			return nil, err
		}
	}
	return t, nil
}

func (d *Dispatcher) credential(ctx context.Context, pt *partner.Partner) (*credential.Credential, bool, error) {
	if pt == nil {
		return credential.None(""), false, nil
	}
	cred, err := d.credentials.Obtain(ctx, pt)
	if err == nil {
		return cred, false, nil
	}
	if interop.KindOf(err) != interop.KindAuth || !refreshable(pt) {
		return nil, false, err
	}
	cred, err = d.credentials.ForceRefresh(ctx, pt)
	return cred, true, err
}

// refreshable reports whether a new credential can differ from the cached
// one.
func refreshable(pt *partner.Partner) bool {
	if pt == nil {
		return false
	}
	switch pt.AuthType {
	case "", partner.AuthNone, partner.AuthBasic:
		return false
	}
	return true
}

func admissionKey(req *interop.Request, t *adapter.Target) string {
	switch {
	case t.Partner != nil:
		return "partner:" + t.Partner.ID
	case t.Participant != nil:
		return "participant:" + string(t.Participant.Network) + ":" + t.Participant.ParticipantID
	}
	return "family:" + string(req.Type.Family())
}
