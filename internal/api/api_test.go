package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/adapter/x12"
	"github.com/ehr/interop/internal/interop"
	"github.com/ehr/interop/internal/metrics"
	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/internal/platform/db"
	"github.com/ehr/interop/internal/platform/middleware"
	"github.com/ehr/interop/internal/platform/webhook"
)

type fakeTransactions struct {
	submitted []*interop.Request
	records   map[string]*interop.Record
	submitErr error
	params    map[string]string
}

func newFakeTransactions() *fakeTransactions {
	return &fakeTransactions{records: map[string]*interop.Record{}}
}

func (f *fakeTransactions) Submit(_ context.Context, req *interop.Request) (string, error) {
	f.submitted = append(f.submitted, req)
	if req.TransactionID == "" {
		req.TransactionID = "generated-1"
	}
	if f.submitErr != nil {
		return req.TransactionID, f.submitErr
	}
	f.records[req.TransactionID] = &interop.Record{TransactionID: req.TransactionID, Type: req.Type, Status: interop.StatusPending}
	return req.TransactionID, nil
}

func (f *fakeTransactions) Get(_ context.Context, id string) (*interop.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, interop.NotFound("transaction %s not found", id)
	}
	return rec, nil
}

func (f *fakeTransactions) History(ctx context.Context, id string) ([]interop.HistoryEntry, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return []interop.HistoryEntry{{TransactionID: id, ToStatus: interop.StatusPending}}, nil
}

func (f *fakeTransactions) List(_ context.Context, params map[string]string, limit, offset int) ([]*interop.Record, int, error) {
	f.params = params
	var out []*interop.Record
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, len(out), nil
}

func (f *fakeTransactions) Cancel(ctx context.Context, id string) (*interop.Record, error) {
	rec, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, &interop.Error{Kind: interop.KindConflict, Code: "ALREADY_TERMINAL", Message: "already terminal"}
	}
	rec.Status = interop.StatusCancelled
	return rec, nil
}

type fakeDirectory struct{ refreshed int }

func (d *fakeDirectory) Refresh(context.Context) int { d.refreshed++; return 4 }

type fakeAck struct{ partner string }

func (a *fakeAck) Acknowledge(_ context.Context, partnerID string, payload []byte) (*x12.Inbound, error) {
	a.partner = partnerID
	if !strings.HasPrefix(string(payload), "ISA") {
		return nil, interop.Validation("X12_NOT_ENVELOPED", "inbound interchanges must carry an ISA envelope")
	}
	return &x12.Inbound{Accepted: true, Ack: "ISA*00*...~IEA*1*000000001~"}, nil
}

type testServer struct {
	e   *echo.Echo
	tx  *fakeTransactions
	dir *fakeDirectory
	ack *fakeAck
}

func newTestServer(t *testing.T, authMW echo.MiddlewareFunc, opts ...Option) *testServer {
	t.Helper()
	ts := &testServer{tx: newFakeTransactions(), dir: &fakeDirectory{}, ack: &fakeAck{}}
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(zerolog.Nop())
	e.Use(middleware.RequestID())
	if authMW == nil {
		authMW = auth.DevAuthMiddleware()
	}
	e.Use(authMW)
	all := append([]Option{WithDirectory(ts.dir), WithAcknowledger(ts.ack)}, opts...)
	New(ts.tx, all...).Register(e)
	ts.e = e
	return ts
}

func (ts *testServer) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body map[string]errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestSubmit_Accepted(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodPost, "/api/v1/transactions",
		`{"transaction_id":"tx-1","type":"fhir_read","partner_id":"epic","params":{"resource_type":"Patient","id":"123"}}`,
		middleware.RequestIDHeader, "req-7")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.TransactionID != "tx-1" || resp.Status != interop.StatusPending || resp.Location != "/api/v1/transactions/tx-1" {
		t.Errorf("unexpected response: %+v", resp)
	}

	got := ts.tx.submitted[0]
	if got.Type != interop.TypeFHIRRead || got.Params["id"] != "123" {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.CorrelationID != "req-7" {
		t.Errorf("expected correlation id to default to request id, got %q", got.CorrelationID)
	}
	if got.UserID != "dev-user" {
		t.Errorf("expected user id from auth context, got %q", got.UserID)
	}
}

func TestSubmit_PayloadForms(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"json document", `{"type":"fhir_create","payload":{"resourceType":"Patient"}}`, `{"resourceType":"Patient"}`},
		{"text", `{"type":"x12_837_claim","payload":"ISA*00*~"}`, "ISA*00*~"},
		{"base64", `{"type":"ccda_submit","payload_base64":"PENsaW5pY2FsRG9jdW1lbnQvPg=="}`, "<ClinicalDocument/>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			if rec := ts.do(http.MethodPost, "/api/v1/transactions", tc.body); rec.Code != http.StatusAccepted {
				t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
			}
			if got := string(ts.tx.submitted[0].Payload); got != tc.want {
				t.Errorf("payload = %q, want %q", got, tc.want)
			}
		})
	}

	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodPost, "/api/v1/transactions", `{"type":"fhir_create","payload":"x","payload_base64":"eA=="}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != "AMBIGUOUS_PAYLOAD" {
		t.Errorf("expected AMBIGUOUS_PAYLOAD 400, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubmit_ErrorsCarryKindAndCode(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   interop.Kind
	}{
		{"duplicate", interop.Wrap(interop.KindDuplicate, "DUPLICATE_TRANSACTION", nil, "exists"), http.StatusConflict, interop.KindDuplicate},
		{"unknown partner", &interop.Error{Kind: interop.KindUnknownPartner, Code: "UNKNOWN_PARTNER", Message: "nope"}, http.StatusUnprocessableEntity, interop.KindUnknownPartner},
		{"validation", interop.Validation("VALIDATION_ERROR", "resource_type required"), http.StatusBadRequest, interop.KindValidation},
		{"queue full", interop.Unavailable("queue full"), http.StatusServiceUnavailable, interop.KindUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.tx.submitErr = tc.err
			rec := ts.do(http.MethodPost, "/api/v1/transactions", `{"transaction_id":"tx-9","type":"fhir_read"}`)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			body := decodeError(t, rec)
			if body.Kind != string(tc.kind) || body.TransactionID != "tx-9" {
				t.Errorf("unexpected error body: %+v", body)
			}
		})
	}
}

func TestGetHistoryCancel(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodPost, "/api/v1/transactions", `{"transaction_id":"tx-1","type":"fhir_read"}`)

	if rec := ts.do(http.MethodGet, "/api/v1/transactions/tx-1", ""); rec.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", rec.Code)
	}
	rec := ts.do(http.MethodGet, "/api/v1/transactions/tx-1/history", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"to_status":"pending"`) {
		t.Errorf("history: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(http.MethodPost, "/api/v1/transactions/tx-1/cancel", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"cancelled"`) {
		t.Errorf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(http.MethodPost, "/api/v1/transactions/tx-1/cancel", "")
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "ALREADY_TERMINAL" {
		t.Errorf("second cancel: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(http.MethodGet, "/api/v1/transactions/missing", "")
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Kind != string(interop.KindNotFound) {
		t.Errorf("missing: %d %s", rec.Code, rec.Body.String())
	}
}

func TestList_FiltersAndPaging(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodPost, "/api/v1/transactions", `{"transaction_id":"tx-1","type":"fhir_read"}`)

	rec := ts.do(http.MethodGet, "/api/v1/transactions?partner_id=epic&status=pending&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ts.tx.params["partner_id"] != "epic" || ts.tx.params["status"] != "pending" {
		t.Errorf("filters not passed through: %v", ts.tx.params)
	}
	var page struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || page.Limit != 5 {
		t.Errorf("unexpected page: %+v", page)
	}

	if rec := ts.do(http.MethodGet, "/api/v1/transactions?status=done", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: expected 400, got %d", rec.Code)
	}
}

func TestDirectoryRefreshAndAcknowledge(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodPost, "/api/v1/directory/refresh", "")
	if rec.Code != http.StatusOK || ts.dir.refreshed != 1 || !strings.Contains(rec.Body.String(), `"evicted":4`) {
		t.Errorf("refresh: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodPost, "/api/v1/x12/acknowledge", `{"partner_id":"payer","payload":"ISA*00*~"}`)
	if rec.Code != http.StatusOK || ts.ack.partner != "payer" || !strings.Contains(rec.Body.String(), `"accepted":true`) {
		t.Errorf("acknowledge: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(http.MethodPost, "/api/v1/x12/acknowledge", `{"partner_id":"payer","payload":"ISA*00*~"}`,
		echo.HeaderAccept, "application/edi-x12")
	if rec.Header().Get(echo.HeaderContentType) != "application/edi-x12" || !strings.HasPrefix(rec.Body.String(), "ISA") {
		t.Errorf("raw ack: %s %q", rec.Header().Get(echo.HeaderContentType), rec.Body.String())
	}
	rec = ts.do(http.MethodPost, "/api/v1/x12/acknowledge", `{"partner_id":"payer","payload":"GS*HC~"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unenveloped: expected 400, got %d", rec.Code)
	}
	rec = ts.do(http.MethodPost, "/api/v1/x12/acknowledge", `{"payload":"ISA"}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != "PARTNER_REQUIRED" {
		t.Errorf("missing partner: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRolesEnforced(t *testing.T) {
	key := []byte("api-test-key")
	ts := newTestServer(t, auth.JWTMiddleware(auth.JWTConfig{SigningKey: key}))
	token := func(roles ...string) string {
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
			Roles:            roles,
		}).SignedString(key)
		return "Bearer " + s
	}

	if rec := ts.do(http.MethodGet, "/api/v1/transactions", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", rec.Code)
	}
	reader := token(auth.RoleReader)
	if rec := ts.do(http.MethodGet, "/api/v1/transactions", "", echo.HeaderAuthorization, reader); rec.Code != http.StatusOK {
		t.Errorf("reader list: expected 200, got %d", rec.Code)
	}
	rec := ts.do(http.MethodPost, "/api/v1/transactions", `{"type":"fhir_read"}`, echo.HeaderAuthorization, reader)
	if rec.Code != http.StatusForbidden || decodeError(t, rec).Code != "FORBIDDEN" {
		t.Errorf("reader submit: expected 403 FORBIDDEN, got %d %s", rec.Code, rec.Body.String())
	}
	submitter := token(auth.RoleSubmitter)
	if rec := ts.do(http.MethodPost, "/api/v1/directory/refresh", "", echo.HeaderAuthorization, submitter); rec.Code != http.StatusForbidden {
		t.Errorf("submitter refresh: expected 403, got %d", rec.Code)
	}
}

func TestHealthMetricsAndWebhooks(t *testing.T) {
	collector := metrics.NewCollector()
	collector.WebhookDelivered(true)
	hooks := webhook.New(webhook.NewMemoryStore())
	ts := newTestServer(t, nil,
		WithHealth(db.HealthHandler(nil, map[string]db.Check{"dispatcher": func(context.Context) error { return nil }})),
		WithMetrics(collector.Handler()),
		WithWebhooks(webhook.NewHandler(hooks)),
	)

	rec := ts.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"dispatcher":"ok"`) {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "interop_gateway_webhook_deliveries_total") {
		t.Errorf("metrics: %d", rec.Code)
	}
	rec = ts.do(http.MethodPost, "/api/v1/webhooks", `{"url":"https://example.com/hook","events":["transaction.*"]}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("webhook create: %d %s", rec.Code, rec.Body.String())
	}
}
