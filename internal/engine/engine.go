// Package engine owns the transaction lifecycle. It is the only writer of
// transaction records: every status change goes through one serialized
// transition that persists the record, appends a history entry and notifies
// subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/audit"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/domain/transaction"
	"github.com/ehr/interop/internal/interop"
	"github.com/ehr/interop/internal/platform/hipaa"
)

// Directory is the subset of the partner directory the engine consults at
// submission time.
type Directory interface {
	Resolve(ctx context.Context, partnerID string) (*partner.Partner, error)
	ResolveNetworkParticipant(ctx context.Context, network partner.Network, participantID string) (*partner.NetworkParticipant, error)
}

// Dispatcher runs attempts. Enqueue hands over a new transaction, Schedule
// arranges a retry after backoff and Cancel aborts whatever is in flight or
// waiting for id.
type Dispatcher interface {
	Enqueue(ctx context.Context, transactionID string) error
	Schedule(transactionID string, attempt int)
	Cancel(transactionID string)
}

// Notifier is told about every transition after it has been persisted.
type Notifier interface {
	TransactionChanged(ctx context.Context, rec *interop.Record, from interop.Status)
}

// Observer receives lifecycle events for metrics.
type Observer interface {
	Transition(t interop.TransactionType, from, to interop.Status)
	Finished(rec *interop.Record)
}

// Attempt is what a dispatcher worker needs to run one try.
type Attempt struct {
	Request *interop.Request
	Record  *interop.Record
}

type Engine struct {
	repo       transaction.Repository
	recorder   audit.Recorder
	history    audit.Reader
	directory  Directory
	registry   *adapter.Registry
	dispatcher Dispatcher
	sealer     *hipaa.PayloadSealer
	notifier   Notifier
	observer   Observer
	logger     zerolog.Logger
	now        func() time.Time
	runTx      TxRunner

	defaultMaxRetries int
	maxTimeoutRetries int

	locks *keyedMutex

	mu       sync.Mutex
	requests map[string]*interop.Request
}

type Option func(*Engine)

// TxRunner runs fn inside one storage transaction. db.RunInTx bound to a
// pool satisfies it.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// WithTxRunner makes every record write commit together with its history
// entry.
func WithTxRunner(r TxRunner) Option {
	return func(e *Engine) { e.runTx = r }
}

// WithSealer encrypts payloads before they are stored.
func WithSealer(s *hipaa.PayloadSealer) Option {
	return func(e *Engine) { e.sealer = s }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l.With().Str("component", "engine").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetryLimits sets the retry budget used when neither the request nor
// the partner names one, and how many times a timed out attempt is retried.
func WithRetryLimits(defaultMaxRetries, maxTimeoutRetries int) Option {
	return func(e *Engine) {
		e.defaultMaxRetries = defaultMaxRetries
		e.maxTimeoutRetries = maxTimeoutRetries
	}
}

// New builds an engine. history may be nil when the recorder cannot read
// back; History then reports Unavailable.
func New(repo transaction.Repository, recorder audit.Recorder, history audit.Reader, dir Directory, registry *adapter.Registry, opts ...Option) *Engine {
	e := &Engine{
		repo:              repo,
		recorder:          recorder,
		history:           history,
		directory:         dir,
		registry:          registry,
		logger:            zerolog.Nop(),
		now:               time.Now,
		defaultMaxRetries: 3,
		locks:             newKeyedMutex(),
		requests:          make(map[string]*interop.Request),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetDispatcher attaches the dispatcher. It must be called before Submit.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

// Submit validates req, records it as pending and hands it to the
// dispatcher. A request that fails adapter validation is still recorded and
// finalized as failed; the returned id is then accompanied by the
// validation error.
func (e *Engine) Submit(ctx context.Context, req *interop.Request) (string, error) {
	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}
	if !req.Type.Valid() {
		return "", interop.Validation("UNKNOWN_TRANSACTION_TYPE", "unknown transaction type %q", req.Type)
	}
	if req.Direction == "" {
		req.Direction = interop.Outbound
	}
	if req.Direction != interop.Outbound && req.Direction != interop.Inbound {
		return "", interop.Validation("INVALID_DIRECTION", "direction must be inbound or outbound")
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return "", interop.Validation("INVALID_MAX_RETRIES", "max_retries must not be negative")
	}
	ad, err := e.registry.For(req.Type)
	if err != nil {
		return "", err
	}

	unlock := e.locks.Lock(req.TransactionID)
	defer unlock()

	if _, err := e.repo.Get(ctx, req.TransactionID); err == nil {
		return req.TransactionID, interop.Wrap(interop.KindDuplicate, "DUPLICATE_TRANSACTION", transaction.ErrDuplicate,
			"transaction %s already exists", req.TransactionID)
	} else if !errors.Is(err, transaction.ErrNotFound) {
		return "", interop.Wrap(interop.KindUnavailable, "STORE_UNAVAILABLE", err, "look up transaction %s", req.TransactionID)
	}

	pt, err := e.resolveTarget(ctx, req)
	if err != nil {
		return "", err
	}

	now := e.now().UTC()
	rec := &interop.Record{
		ID:            uuid.NewString(),
		TransactionID: req.TransactionID,
		Type:          req.Type,
		Direction:     req.Direction,
		Status:        interop.StatusPending,
		PartnerID:     req.PartnerID,
		Network:       req.Network,
		ParticipantID: req.ParticipantID,
		PayloadHash:   req.PayloadHash(),
		ContentType:   req.ContentType,
		MaxRetries:    e.maxRetries(req, pt),
		InitiatedAt:   now,
		UserID:        req.UserID,
		CorrelationID: req.CorrelationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stored := req.Payload
	if e.sealer != nil {
		if stored, err = e.sealer.Seal(req.Payload); err != nil {
			return "", fmt.Errorf("engine: seal payload: %w", err)
		}
	}
	create := func(ctx context.Context) error { return e.repo.Create(ctx, rec, stored) }
	if err := e.persist(ctx, rec, "", "transaction submitted", create); err != nil {
		if errors.Is(err, transaction.ErrDuplicate) {
			return req.TransactionID, interop.Wrap(interop.KindDuplicate, "DUPLICATE_TRANSACTION", err,
				"transaction %s already exists", req.TransactionID)
		}
		return "", interop.Wrap(interop.KindUnavailable, "STORE_UNAVAILABLE", err, "create transaction %s", req.TransactionID)
	}
	e.announce(ctx, rec, "")
	e.logger.Info().Str("transaction_id", rec.TransactionID).Str("type", string(rec.Type)).
		Str("partner_id", rec.PartnerID).Msg("transaction submitted")

	if verr := e.validate(ctx, ad, req); verr != nil {
		ve := interop.Classify(verr)
		rec.ErrorCode = "VALIDATION_ERROR"
		rec.ErrorMessage = ve.Error()
		if err := e.transition(ctx, rec, interop.StatusFailed, ve.Error()); err != nil {
			return rec.TransactionID, err
		}
		return rec.TransactionID, ve
	}

	e.mu.Lock()
	e.requests[rec.TransactionID] = req
	e.mu.Unlock()

	if err := e.dispatcher.Enqueue(ctx, rec.TransactionID); err != nil {
		ie := interop.Classify(err)
		rec.ErrorCode = ie.Code
		rec.ErrorMessage = ie.Error()
		e.forget(rec.TransactionID)
		if terr := e.transition(ctx, rec, interop.StatusFailed, "dispatch rejected: "+ie.Error()); terr != nil {
			return rec.TransactionID, terr
		}
		return rec.TransactionID, ie
	}
	return rec.TransactionID, nil
}

func (e *Engine) validate(ctx context.Context, ad adapter.Adapter, req *interop.Request) error {
	if err := ad.Validate(req); err != nil {
		return err
	}
	cv, ok := ad.(adapter.ContextValidator)
	if !ok {
		return nil
	}
	err := cv.ValidateContext(ctx, req)
	if err == nil {
		return nil
	}
	if interop.KindOf(err) != interop.KindValidation {
		e.logger.Warn().Err(err).Str("transaction_id", req.TransactionID).
			Msg("submission checks deferred to dispatch")
		return nil
	}
	return err
}

// resolveTarget checks the addressed partner or network participant exists
// and may receive traffic. Network requests without a partner adopt the
// participant's linked partner.
func (e *Engine) resolveTarget(ctx context.Context, req *interop.Request) (*partner.Partner, error) {
	if req.Type.Family() == interop.FamilyNetwork && req.Network == "" {
		req.Network = req.Type.Network()
	}
	if req.PartnerID == "" && req.Type.Family() == interop.FamilyNetwork && req.ParticipantID != "" {
		np, err := e.directory.ResolveNetworkParticipant(ctx, partner.Network(req.Network), req.ParticipantID)
		if err != nil {
			return nil, unknownPartner(err, "participant %s on %s", req.ParticipantID, req.Network)
		}
		req.PartnerID = np.PartnerID
	}
	if req.PartnerID == "" {
		switch req.Type.Family() {
		case interop.FamilyNetwork, interop.FamilyDirect:
			return nil, nil
		}
		return nil, interop.Validation("MISSING_PARTNER", "%s transactions need a partner id", req.Type.Family())
	}
	pt, err := e.directory.Resolve(ctx, req.PartnerID)
	if err != nil {
		return nil, unknownPartner(err, "partner %s", req.PartnerID)
	}
	if !pt.Dispatchable() {
		return nil, &interop.Error{Kind: interop.KindUnknownPartner, Code: "PARTNER_NOT_ACTIVE",
			Message: fmt.Sprintf("partner %s is %s", pt.ID, pt.Status)}
	}
	return pt, nil
}

func unknownPartner(err error, format string, args ...any) error {
	if errors.Is(err, interop.ErrNotFound) {
		return interop.Wrap(interop.KindUnknownPartner, "UNKNOWN_PARTNER", err, format+" not found", args...)
	}
	return err
}

func (e *Engine) maxRetries(req *interop.Request, pt *partner.Partner) int {
	switch {
	case req.MaxRetries != nil:
		return *req.MaxRetries
	case pt != nil && pt.MaxRetries != nil:
		return *pt.MaxRetries
	}
	return e.defaultMaxRetries
}

// Begin moves a pending or retrying transaction to processing and returns
// the request to run. Any other state is a conflict and the caller should
// drop the work item.
func (e *Engine) Begin(ctx context.Context, transactionID string) (*Attempt, error) {
	unlock := e.locks.Lock(transactionID)
	defer unlock()

	rec, err := e.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if rec.Status != interop.StatusPending && rec.Status != interop.StatusRetrying {
		return nil, &interop.Error{Kind: interop.KindConflict, Code: "NOT_RUNNABLE",
			Message: fmt.Sprintf("transaction %s is %s", transactionID, rec.Status)}
	}
	e.mu.Lock()
	req, ok := e.requests[transactionID]
	e.mu.Unlock()
	if !ok {
		rec.ErrorCode = "REQUEST_LOST"
		rec.ErrorMessage = "request payload is no longer held by this gateway instance"
		if err := e.transition(ctx, rec, interop.StatusFailed, rec.ErrorMessage); err != nil {
			return nil, err
		}
		return nil, &interop.Error{Kind: interop.KindConflict, Code: "REQUEST_LOST", Message: rec.ErrorMessage}
	}
	if err := e.transition(ctx, rec, interop.StatusProcessing, fmt.Sprintf("attempt %d", rec.RetryCount+rec.TimeoutRetries+1)); err != nil {
		return nil, err
	}
	return &Attempt{Request: req, Record: rec.Clone()}, nil
}

// OnAdapterResult applies the outcome of one attempt. Results for records
// that are no longer processing (cancelled meanwhile) are discarded.
func (e *Engine) OnAdapterResult(ctx context.Context, transactionID string, res interop.Result) error {
	unlock := e.locks.Lock(transactionID)
	defer unlock()

	rec, err := e.load(ctx, transactionID)
	if err != nil {
		return err
	}
	if rec.Status != interop.StatusProcessing {
		e.logger.Info().Str("transaction_id", transactionID).Str("status", string(rec.Status)).
			Msg("discarding adapter result for transaction no longer processing")
		return nil
	}

	rec.RequestURL = res.RequestURL
	rec.RequestMethod = res.RequestMethod
	rec.ResponseCode = res.ResponseCode
	rec.ResponseMessage = res.ResponseMessage
	if res.Artifact != nil {
		rec.Artifact = res.Artifact
	}

	if res.Err == nil {
		rec.ErrorCode, rec.ErrorMessage = "", ""
		return e.transition(ctx, rec, interop.StatusCompleted, res.ResponseMessage)
	}

	ie := interop.Classify(res.Err)
	rec.ErrorCode = interop.CodeOf(ie)
	rec.ErrorMessage = ie.Error()

	switch {
	case ie.Kind == interop.KindCancelled:
		return e.transition(ctx, rec, interop.StatusCancelled, ie.Error())
	case ie.Kind == interop.KindTimeout:
		if rec.TimeoutRetries < e.maxTimeoutRetries {
			rec.TimeoutRetries++
			return e.retry(ctx, rec, ie)
		}
		return e.transition(ctx, rec, interop.StatusTimeout, ie.Error())
	case interop.Retryable(ie.Kind) && rec.RetryCount < rec.MaxRetries:
		rec.RetryCount++
		return e.retry(ctx, rec, ie)
	}
	return e.transition(ctx, rec, interop.StatusFailed, ie.Error())
}

func (e *Engine) retry(ctx context.Context, rec *interop.Record, cause *interop.Error) error {
	if err := e.transition(ctx, rec, interop.StatusRetrying, cause.Error()); err != nil {
		return err
	}
	e.dispatcher.Schedule(rec.TransactionID, rec.RetryCount+rec.TimeoutRetries)
	return nil
}

// Cancel finalizes a non-terminal transaction as cancelled and aborts its
// in-flight attempt or pending retry.
func (e *Engine) Cancel(ctx context.Context, transactionID string) (*interop.Record, error) {
	unlock := e.locks.Lock(transactionID)
	defer unlock()

	rec, err := e.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, &interop.Error{Kind: interop.KindConflict, Code: "ALREADY_TERMINAL",
			Message: fmt.Sprintf("transaction %s is already %s", transactionID, rec.Status)}
	}
	rec.ErrorCode = "CANCELLED"
	rec.ErrorMessage = "cancelled by caller"
	if err := e.transition(ctx, rec, interop.StatusCancelled, rec.ErrorMessage); err != nil {
		return nil, err
	}
	if e.dispatcher != nil {
		e.dispatcher.Cancel(transactionID)
	}
	return rec.Clone(), nil
}

// Get returns the current record.
func (e *Engine) Get(ctx context.Context, transactionID string) (*interop.Record, error) {
	return e.load(ctx, transactionID)
}

// History returns every recorded transition of transactionID in order.
func (e *Engine) History(ctx context.Context, transactionID string) ([]interop.HistoryEntry, error) {
	if _, err := e.load(ctx, transactionID); err != nil {
		return nil, err
	}
	if e.history == nil {
		return nil, interop.Unavailable("transaction history is not readable from the configured audit sink")
	}
	entries, err := e.history.History(ctx, transactionID)
	if err != nil {
		return nil, interop.Wrap(interop.KindUnavailable, "AUDIT_UNAVAILABLE", err, "read history of %s", transactionID)
	}
	return entries, nil
}

// List searches records by partner_id, status, type and correlation_id.
func (e *Engine) List(ctx context.Context, params map[string]string, limit, offset int) ([]*interop.Record, int, error) {
	recs, total, err := e.repo.Search(ctx, params, limit, offset)
	if err != nil {
		return nil, 0, interop.Wrap(interop.KindUnavailable, "STORE_UNAVAILABLE", err, "search transactions")
	}
	return recs, total, nil
}

// InFlight reports how many transactions still hold a request in memory.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *Engine) load(ctx context.Context, transactionID string) (*interop.Record, error) {
	rec, err := e.repo.Get(ctx, transactionID)
	if err != nil {
		if errors.Is(err, transaction.ErrNotFound) {
			return nil, interop.NotFound("transaction %s not found", transactionID)
		}
		return nil, interop.Wrap(interop.KindUnavailable, "STORE_UNAVAILABLE", err, "load transaction %s", transactionID)
	}
	return rec, nil
}

func (e *Engine) forget(transactionID string) {
	e.mu.Lock()
	delete(e.requests, transactionID)
	e.mu.Unlock()
}

// finalize lets the adapter drop state it kept for rec between attempts.
func (e *Engine) finalize(rec *interop.Record) {
	ad, err := e.registry.For(rec.Type)
	if err != nil {
		return
	}
	if f, ok := ad.(adapter.Finalizer); ok {
		f.Finalize(rec.TransactionID)
	}
}

// transition is the single place a record changes status. The caller holds
// the transaction's lock.
func (e *Engine) transition(ctx context.Context, rec *interop.Record, to interop.Status, message string) error {
	from := rec.Status
	if !interop.CanTransition(from, to) {
		return &interop.Error{Kind: interop.KindConflict, Code: "INVALID_TRANSITION",
			Message: fmt.Sprintf("transaction %s cannot move from %s to %s", rec.TransactionID, from, to)}
	}
	now := e.now().UTC()
	rec.Status = to
	rec.UpdatedAt = now
	if to.Terminal() {
		rec.CompletedAt = &now
		rec.ProcessingTimeMs = now.Sub(rec.InitiatedAt).Milliseconds()
	}
	update := func(ctx context.Context) error { return e.repo.Update(ctx, rec) }
	if err := e.persist(ctx, rec, from, message, update); err != nil {
		rec.Status = from
		return interop.Wrap(interop.KindUnavailable, "STORE_UNAVAILABLE", err, "update transaction %s", rec.TransactionID)
	}
	if to.Terminal() {
		e.forget(rec.TransactionID)
		e.finalize(rec)
	}
	e.announce(ctx, rec, from)
	return nil
}

// persist runs write and appends the history entry for rec's current status.
// Under a TxRunner both commit or neither does; without one a failed history
// write is logged and the record change stands.
func (e *Engine) persist(ctx context.Context, rec *interop.Record, from interop.Status, message string, write func(ctx context.Context) error) error {
	entry := interop.HistoryEntry{
		ID:            uuid.NewString(),
		TransactionID: rec.TransactionID,
		FromStatus:    from,
		ToStatus:      rec.Status,
		RetryCount:    rec.RetryCount,
		ResponseCode:  rec.ResponseCode,
		ErrorCode:     rec.ErrorCode,
		Message:       message,
		PartnerID:     rec.PartnerID,
		RecordedAt:    rec.UpdatedAt,
	}
	if e.runTx != nil {
		return e.runTx(ctx, func(ctx context.Context) error {
			if err := write(ctx); err != nil {
				return err
			}
			return e.recorder.Record(ctx, entry)
		})
	}
	if err := write(ctx); err != nil {
		return err
	}
	if err := e.recorder.Record(ctx, entry); err != nil {
		e.logger.Error().Err(err).Str("transaction_id", rec.TransactionID).
			Str("to_status", string(rec.Status)).Msg("failed to record history entry")
	}
	return nil
}

// announce logs the change and fans it out to the observer and notifier.
func (e *Engine) announce(ctx context.Context, rec *interop.Record, from interop.Status) {
	if from != "" {
		ev := e.logger.Info()
		if rec.Status == interop.StatusFailed || rec.Status == interop.StatusTimeout {
			ev = e.logger.Warn()
		}
		ev.Str("transaction_id", rec.TransactionID).Str("from", string(from)).Str("to", string(rec.Status)).
			Int("retry_count", rec.RetryCount).Str("error_code", rec.ErrorCode).Msg("transaction transition")
	}

	if e.observer != nil {
		e.observer.Transition(rec.Type, from, rec.Status)
		if rec.Status.Terminal() {
			e.observer.Finished(rec.Clone())
		}
	}
	if e.notifier != nil {
		e.notifier.TransactionChanged(context.WithoutCancel(ctx), rec.Clone(), from)
	}
}
