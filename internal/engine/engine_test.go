package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/audit"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/directory"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/domain/transaction"
	"github.com/ehr/interop/internal/interop"
	"github.com/ehr/interop/internal/platform/hipaa"
)

type stubAdapter struct {
	family   interop.Family
	validate func(*interop.Request) error
}

func (s *stubAdapter) Family() interop.Family { return s.family }
func (s *stubAdapter) Validate(req *interop.Request) error {
	if s.validate != nil {
		return s.validate(req)
	}
	return nil
}
func (s *stubAdapter) Send(context.Context, *interop.Request, *credential.Credential, *adapter.Target) (*adapter.RawResponse, error) {
	return &adapter.RawResponse{StatusCode: 200}, nil
}
func (s *stubAdapter) Parse(*interop.Request, *adapter.RawResponse) interop.Result {
	return interop.Result{ResponseCode: 200}
}

// contextAdapter adds directory-backed checks to the stub.
type contextAdapter struct {
	stubAdapter
	check func(context.Context, *interop.Request) error
}

func (c *contextAdapter) ValidateContext(ctx context.Context, req *interop.Request) error {
	return c.check(ctx, req)
}

// finalizingAdapter records which transactions it was told are finished.
type finalizingAdapter struct {
	stubAdapter
	mu        sync.Mutex
	finalized []string
}

func (f *finalizingAdapter) Finalize(id string) {
	f.mu.Lock()
	f.finalized = append(f.finalized, id)
	f.mu.Unlock()
}

type fakeDispatcher struct {
	mu        sync.Mutex
	enqueued  []string
	scheduled []int
	cancelled []string
	reject    error
}

func (f *fakeDispatcher) Enqueue(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return f.reject
	}
	f.enqueued = append(f.enqueued, id)
	return nil
}

func (f *fakeDispatcher) Schedule(_ string, attempt int) {
	f.mu.Lock()
	f.scheduled = append(f.scheduled, attempt)
	f.mu.Unlock()
}

func (f *fakeDispatcher) Cancel(id string) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
}

type fakeNotifier struct {
	mu          sync.Mutex
	transitions []interop.Status
}

func (n *fakeNotifier) TransactionChanged(_ context.Context, rec *interop.Record, _ interop.Status) {
	n.mu.Lock()
	n.transitions = append(n.transitions, rec.Status)
	n.mu.Unlock()
}

type fixture struct {
	engine   *Engine
	repo     *transaction.MemoryRepo
	audit    *audit.MemoryRecorder
	dispatch *fakeDispatcher
	notifier *fakeNotifier
	fhir     *stubAdapter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	partners := partner.NewMemoryRepo()
	ctx := context.Background()
	partners.UpsertPartner(ctx, &partner.Partner{ID: "epic", Status: partner.StatusActive, Endpoint: "https://fhir.example"})
	partners.UpsertPartner(ctx, &partner.Partner{ID: "old", Status: partner.StatusSuspended})
	three := 3
	partners.UpsertPartner(ctx, &partner.Partner{ID: "qhin-partner", Status: partner.StatusActive, MaxRetries: &three})
	partners.UpsertParticipant(ctx, &partner.NetworkParticipant{Network: partner.NetworkTEFCA, ParticipantID: "qhin-1",
		Status: partner.ParticipantActive, PartnerID: "qhin-partner"})

	f := &fixture{
		repo:     transaction.NewMemoryRepo(),
		audit:    audit.NewMemoryRecorder(),
		dispatch: &fakeDispatcher{},
		notifier: &fakeNotifier{},
		fhir:     &stubAdapter{family: interop.FamilyFHIR},
	}
	registry := adapter.NewRegistry(f.fhir, &stubAdapter{family: interop.FamilyNetwork})
	dir := directory.New(partners, time.Minute, zerolog.Nop())
	all := append([]Option{WithNotifier(f.notifier), WithRetryLimits(2, 0)}, opts...)
	f.engine = New(f.repo, f.audit, f.audit, dir, registry, all...)
	f.engine.SetDispatcher(f.dispatch)
	return f
}

func fhirRead(id string) *interop.Request {
	return &interop.Request{TransactionID: id, Type: interop.TypeFHIRRead, PartnerID: "epic",
		Params: map[string]string{"resource_type": "Patient", "id": "1"}}
}

func (f *fixture) statuses(t *testing.T, id string) []interop.Status {
	t.Helper()
	h, err := f.engine.History(context.Background(), id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	out := make([]interop.Status, len(h))
	for i, e := range h {
		out[i] = e.ToStatus
	}
	return out
}

func equalStatuses(a, b []interop.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func transient() interop.Result {
	return interop.Result{ResponseCode: 503, Err: interop.Transient("HTTP_503", "service unavailable").WithStatus(503)}
}

func TestSubmit_CreatesPendingAndEnqueues(t *testing.T) {
	f := newFixture(t)
	id, err := f.engine.Submit(context.Background(), fhirRead("tx-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec, _ := f.engine.Get(context.Background(), id)
	if rec.Status != interop.StatusPending || rec.MaxRetries != 2 || rec.Direction != interop.Outbound {
		t.Errorf("record = %+v", rec)
	}
	if len(f.dispatch.enqueued) != 1 || f.dispatch.enqueued[0] != "tx-1" {
		t.Errorf("enqueued = %v", f.dispatch.enqueued)
	}
	if got := f.statuses(t, id); !equalStatuses(got, []interop.Status{interop.StatusPending}) {
		t.Errorf("history = %v", got)
	}
}

func TestSubmit_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.Submit(ctx, fhirRead("tx-1")); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.Submit(ctx, fhirRead("tx-1"))
	if !errors.Is(err, interop.ErrDuplicate) {
		t.Fatalf("got %v, want duplicate", err)
	}
	if _, total, _ := f.repo.Search(ctx, nil, 10, 0); total != 1 {
		t.Errorf("records = %d, want 1", total)
	}
	if len(f.dispatch.enqueued) != 1 {
		t.Errorf("enqueued %d times", len(f.dispatch.enqueued))
	}
}

func TestSubmit_UnknownPartner(t *testing.T) {
	f := newFixture(t)
	for _, pid := range []string{"nobody", "old"} {
		req := fhirRead("tx-" + pid)
		req.PartnerID = pid
		_, err := f.engine.Submit(context.Background(), req)
		if !errors.Is(err, interop.ErrUnknownPartner) {
			t.Errorf("%s: got %v, want unknown partner", pid, err)
		}
		if _, err := f.engine.Get(context.Background(), req.TransactionID); !errors.Is(err, interop.ErrNotFound) {
			t.Errorf("%s: record was created", pid)
		}
	}
}

func TestSubmit_NetworkParticipantAdoptsPartner(t *testing.T) {
	f := newFixture(t)
	req := &interop.Request{TransactionID: "tx-n", Type: interop.TypeTEFCAQuery, ParticipantID: "qhin-1"}
	if _, err := f.engine.Submit(context.Background(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec, _ := f.engine.Get(context.Background(), "tx-n")
	if rec.PartnerID != "qhin-partner" || rec.Network != "tefca" || rec.MaxRetries != 3 {
		t.Errorf("record = %+v", rec)
	}

	missing := &interop.Request{TransactionID: "tx-m", Type: interop.TypeTEFCAQuery, ParticipantID: "ghost"}
	if _, err := f.engine.Submit(context.Background(), missing); !errors.Is(err, interop.ErrUnknownPartner) {
		t.Errorf("got %v, want unknown partner", err)
	}
}

func TestSubmit_ValidationFailsWithoutProcessing(t *testing.T) {
	f := newFixture(t)
	f.fhir.validate = func(*interop.Request) error {
		return interop.Validation("MISSING_RESOURCE_TYPE", "resource_type is required")
	}
	id, err := f.engine.Submit(context.Background(), fhirRead("tx-v"))
	if !errors.Is(err, interop.ErrValidation) {
		t.Fatalf("got %v, want validation error", err)
	}
	rec, _ := f.engine.Get(context.Background(), id)
	if rec.Status != interop.StatusFailed || rec.RetryCount != 0 || rec.ErrorCode != "VALIDATION_ERROR" || rec.CompletedAt == nil {
		t.Errorf("record = %+v", rec)
	}
	if got := f.statuses(t, id); !equalStatuses(got, []interop.Status{interop.StatusPending, interop.StatusFailed}) {
		t.Errorf("history = %v", got)
	}
	if len(f.dispatch.enqueued) != 0 {
		t.Error("invalid request was enqueued")
	}
}

func TestSubmit_ContextValidation(t *testing.T) {
	tests := []struct {
		name     string
		check    error
		wantErr  bool
		statuses []interop.Status
	}{
		{"passes", nil, false, []interop.Status{interop.StatusPending}},
		{"rejects", interop.Validation("DIRECT_ADDRESS_UNUSABLE", "address revoked"), true,
			[]interop.Status{interop.StatusPending, interop.StatusFailed}},
		{"outage deferred", interop.Unavailable("directory down"), false, []interop.Status{interop.StatusPending}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.engine.registry.Register(&contextAdapter{
				stubAdapter: stubAdapter{family: interop.FamilyFHIR},
				check:       func(context.Context, *interop.Request) error { return tt.check },
			})
			id, err := f.engine.Submit(context.Background(), fhirRead("tx-cv"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if tt.wantErr && interop.CodeOf(err) != "DIRECT_ADDRESS_UNUSABLE" {
				t.Errorf("code = %s", interop.CodeOf(err))
			}
			if got := f.statuses(t, id); !equalStatuses(got, tt.statuses) {
				t.Errorf("history = %v", got)
			}
			if enq := len(f.dispatch.enqueued); (enq == 1) == tt.wantErr {
				t.Errorf("enqueued = %d", enq)
			}
		})
	}
}

func TestSubmit_QueueRejected(t *testing.T) {
	f := newFixture(t)
	f.dispatch.reject = interop.Unavailable("dispatch queue is full")
	id, err := f.engine.Submit(context.Background(), fhirRead("tx-q"))
	if !errors.Is(err, interop.ErrUnavailable) {
		t.Fatalf("got %v", err)
	}
	rec, _ := f.engine.Get(context.Background(), id)
	if rec.Status != interop.StatusFailed {
		t.Errorf("status = %s", rec.Status)
	}
	if f.engine.InFlight() != 0 {
		t.Error("request still held")
	}
}

func TestTransientRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.engine.Submit(ctx, fhirRead("tx-r"))

	for i := 0; i < 3; i++ {
		att, err := f.engine.Begin(ctx, id)
		if err != nil {
			t.Fatalf("begin %d: %v", i, err)
		}
		if att.Request.TransactionID != id {
			t.Fatalf("attempt request = %+v", att.Request)
		}
		if err := f.engine.OnAdapterResult(ctx, id, transient()); err != nil {
			t.Fatalf("result %d: %v", i, err)
		}
	}
	rec, _ := f.engine.Get(ctx, id)
	if rec.Status != interop.StatusFailed || rec.RetryCount != 2 || rec.ErrorCode != "HTTP_503" {
		t.Errorf("record = %+v", rec)
	}
	want := []interop.Status{interop.StatusPending,
		interop.StatusProcessing, interop.StatusRetrying,
		interop.StatusProcessing, interop.StatusRetrying,
		interop.StatusProcessing, interop.StatusFailed}
	if got := f.statuses(t, id); !equalStatuses(got, want) {
		t.Errorf("history = %v", got)
	}
	if len(f.dispatch.scheduled) != 2 || f.dispatch.scheduled[0] != 1 || f.dispatch.scheduled[1] != 2 {
		t.Errorf("scheduled = %v", f.dispatch.scheduled)
	}
}

func TestPermanentFailsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.engine.Submit(ctx, fhirRead("tx-p"))
	f.engine.Begin(ctx, id)
	f.engine.OnAdapterResult(ctx, id, interop.Result{ResponseCode: 404, Err: interop.Permanent("HTTP_404", "not found").WithStatus(404)})

	rec, _ := f.engine.Get(ctx, id)
	if rec.Status != interop.StatusFailed || rec.RetryCount != 0 || rec.ResponseCode != 404 {
		t.Errorf("record = %+v", rec)
	}
	if len(f.dispatch.scheduled) != 0 {
		t.Error("permanent failure was scheduled for retry")
	}
}

func TestSuccessStampsCompletion(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := newFixture(t, WithClock(clock))
	ctx := context.Background()
	id, _ := f.engine.Submit(ctx, fhirRead("tx-s"))
	f.engine.Begin(ctx, id)
	now = now.Add(1500 * time.Millisecond)
	art, _ := interop.NewArtifact("fhir_resource", map[string]string{"resourceType": "Patient"})
	if err := f.engine.OnAdapterResult(ctx, id, interop.Result{ResponseCode: 200, ResponseMessage: "OK", Artifact: art}); err != nil {
		t.Fatal(err)
	}

	rec, _ := f.engine.Get(ctx, id)
	if rec.Status != interop.StatusCompleted || rec.CompletedAt == nil || rec.ProcessingTimeMs != 1500 || rec.ResponseCode != 200 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Artifact == nil || rec.Artifact.Kind != "fhir_resource" {
		t.Errorf("artifact = %+v", rec.Artifact)
	}
	if f.engine.InFlight() != 0 {
		t.Error("completed request still held")
	}
}

func TestTimeoutIsTerminalByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.engine.Submit(ctx, fhirRead("tx-t"))
	f.engine.Begin(ctx, id)
	f.engine.OnAdapterResult(ctx, id, interop.Result{Err: interop.Wrap(interop.KindTimeout, "TIMEOUT", context.DeadlineExceeded, "deadline exceeded")})

	rec, _ := f.engine.Get(ctx, id)
	if rec.Status != interop.StatusTimeout || rec.CompletedAt == nil {
		t.Errorf("record = %+v", rec)
	}
}

func TestTimeoutRetryPolicy(t *testing.T) {
	f := newFixture(t, WithRetryLimits(2, 1))
	ctx := context.Background()
	id, _ := f.engine.Submit(ctx, fhirRead("tx-tr"))
	timeout := interop.Result{Err: interop.Wrap(interop.KindTimeout, "TIMEOUT", context.DeadlineExceeded, "deadline exceeded")}

	f.engine.Begin(ctx, id)
	f.engine.OnAdapterResult(ctx, id, timeout)
	rec, _ := f.engine.Get(ctx, id)
	if rec.Status != interop.StatusRetrying || rec.TimeoutRetries != 1 || rec.RetryCount != 0 {
		t.Fatalf("record = %+v", rec)
	}
	f.engine.Begin(ctx, id)
	f.engine.OnAdapterResult(ctx, id, timeout)
	rec, _ = f.engine.Get(ctx, id)
	if rec.Status != interop.StatusTimeout {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestCancelWhileRetryingDiscardsLateResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.engine.Submit(ctx, fhirRead("tx-c"))
	f.engine.Begin(ctx, id)
	f.engine.OnAdapterResult(ctx, id, transient())

	rec, err := f.engine.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Status != interop.StatusCancelled || rec.CompletedAt == nil {
		t.Errorf("record = %+v", rec)
	}
	if len(f.dispatch.cancelled) != 1 {
		t.Errorf("dispatcher cancel calls = %d", len(f.dispatch.cancelled))
	}

	if _, err := f.engine.Begin(ctx, id); !errors.Is(err, interop.ErrConflict) {
		t.Errorf("begin after cancel: %v", err)
	}
	if err := f.engine.OnAdapterResult(ctx, id, interop.Result{ResponseCode: 200}); err != nil {
		t.Errorf("late result: %v", err)
	}
	rec, _ = f.engine.Get(ctx, id)
	if rec.Status != interop.StatusCancelled {
		t.Errorf("terminal status changed to %s", rec.Status)
	}
	if _, err := f.engine.Cancel(ctx, id); !errors.Is(err, interop.ErrConflict) {
		t.Errorf("second cancel: %v", err)
	}
}

func TestCancelUnknown(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Cancel(context.Background(), "nope"); !errors.Is(err, interop.ErrNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestNotifierSeesEveryTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.engine.Submit(ctx, fhirRead("tx-w"))
	f.engine.Begin(ctx, id)
	f.engine.OnAdapterResult(ctx, id, interop.Result{ResponseCode: 200})

	want := []interop.Status{interop.StatusPending, interop.StatusProcessing, interop.StatusCompleted}
	if !equalStatuses(f.notifier.transitions, want) {
		t.Errorf("notified = %v", f.notifier.transitions)
	}
}

func TestSealedPayloadStored(t *testing.T) {
	sealer, err := hipaa.NewPayloadSealer(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, WithSealer(sealer))
	req := fhirRead("tx-e")
	req.Payload = []byte(`{"resourceType":"Patient"}`)
	if _, err := f.engine.Submit(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	rec, _ := f.engine.Get(context.Background(), "tx-e")
	if rec.PayloadHash != req.PayloadHash() {
		t.Errorf("payload hash = %q", rec.PayloadHash)
	}
}

func TestConcurrentResultsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.engine.Submit(ctx, fhirRead("tx-x"))
	f.engine.Begin(ctx, id)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.OnAdapterResult(ctx, id, interop.Result{ResponseCode: 200})
		}()
	}
	wg.Wait()

	completed := 0
	for _, s := range f.statuses(t, id) {
		if s == interop.StatusCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("completed recorded %d times", completed)
	}
}

type txKey struct{}

// ctxRecorder notes whether each entry was written inside the runner.
type ctxRecorder struct {
	*audit.MemoryRecorder
	mu     sync.Mutex
	inTx   []bool
	failOn interop.Status
}

func (r *ctxRecorder) Record(ctx context.Context, entry interop.HistoryEntry) error {
	r.mu.Lock()
	r.inTx = append(r.inTx, ctx.Value(txKey{}) != nil)
	r.mu.Unlock()
	if entry.ToStatus == r.failOn {
		return errors.New("history store down")
	}
	return r.MemoryRecorder.Record(ctx, entry)
}

func newTxEngine(t *testing.T, rec *ctxRecorder, runs *int) *Engine {
	t.Helper()
	partners := partner.NewMemoryRepo()
	partners.UpsertPartner(context.Background(), &partner.Partner{ID: "epic", Status: partner.StatusActive, Endpoint: "https://fhir.example"})
	runner := func(ctx context.Context, fn func(ctx context.Context) error) error {
		*runs++
		return fn(context.WithValue(ctx, txKey{}, true))
	}
	registry := adapter.NewRegistry(&stubAdapter{family: interop.FamilyFHIR})
	e := New(transaction.NewMemoryRepo(), rec, rec, directory.New(partners, time.Minute, zerolog.Nop()), registry,
		WithTxRunner(runner))
	e.SetDispatcher(&fakeDispatcher{})
	return e
}

func TestTxRunnerWrapsRecordAndHistory(t *testing.T) {
	rec := &ctxRecorder{MemoryRecorder: audit.NewMemoryRecorder()}
	runs := 0
	e := newTxEngine(t, rec, &runs)
	ctx := context.Background()

	id, err := e.Submit(ctx, fhirRead("tx-tx"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Begin(ctx, id); err != nil {
		t.Fatal(err)
	}
	if runs != 2 {
		t.Errorf("expected 2 runner calls, got %d", runs)
	}
	for i, in := range rec.inTx {
		if !in {
			t.Errorf("history entry %d written outside the transaction", i)
		}
	}
}

func TestTxRunnerHistoryFailureFailsTransition(t *testing.T) {
	rec := &ctxRecorder{MemoryRecorder: audit.NewMemoryRecorder(), failOn: interop.StatusProcessing}
	runs := 0
	e := newTxEngine(t, rec, &runs)
	ctx := context.Background()

	id, err := e.Submit(ctx, fhirRead("tx-hf"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Begin(ctx, id)
	if interop.CodeOf(err) != "STORE_UNAVAILABLE" {
		t.Fatalf("expected STORE_UNAVAILABLE, got %v", err)
	}
}

func TestTerminalTransitionFinalizesAdapter(t *testing.T) {
	f := newFixture(t)
	fa := &finalizingAdapter{stubAdapter: stubAdapter{family: interop.FamilyFHIR}}
	f.engine.registry.Register(fa)
	ctx := context.Background()

	id, err := f.engine.Submit(ctx, fhirRead("tx-fin"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.engine.Begin(ctx, id); err != nil {
			t.Fatalf("begin %d: %v", i, err)
		}
		if err := f.engine.OnAdapterResult(ctx, id, transient()); err != nil {
			t.Fatalf("result %d: %v", i, err)
		}
		fa.mu.Lock()
		n := len(fa.finalized)
		fa.mu.Unlock()
		if i < 2 && n != 0 {
			t.Fatalf("finalized while retrying: %v", fa.finalized)
		}
	}
	rec, _ := f.engine.Get(ctx, id)
	if rec.Status != interop.StatusFailed {
		t.Fatalf("status = %s", rec.Status)
	}
	if len(fa.finalized) != 1 || fa.finalized[0] != id {
		t.Errorf("finalized = %v", fa.finalized)
	}
}
