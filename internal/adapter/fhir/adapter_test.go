package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/interop"
)

func newTarget(url string) *adapter.Target {
	return &adapter.Target{Partner: &partner.Partner{ID: "ehr-1", Endpoint: url, Status: partner.StatusActive}}
}

func run(t *testing.T, a *Adapter, req *interop.Request, target *adapter.Target) interop.Result {
	t.Helper()
	if err := a.Validate(req); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return adapter.Run(context.Background(), a, req, credential.None("ehr-1"), target)
}

func TestValidate(t *testing.T) {
	a := New(adapter.NewHTTPClient(nil))
	tests := []struct {
		name    string
		req     interop.Request
		wantErr bool
	}{
		{"read ok", interop.Request{Type: interop.TypeFHIRRead, Params: map[string]string{"resource_type": "Patient", "id": "123"}}, false},
		{"read missing id", interop.Request{Type: interop.TypeFHIRRead, Params: map[string]string{"resource_type": "Patient"}}, true},
		{"read bad type", interop.Request{Type: interop.TypeFHIRRead, Params: map[string]string{"resource_type": "patient", "id": "1"}}, true},
		{"search ok", interop.Request{Type: interop.TypeFHIRSearch, Params: map[string]string{"resource_type": "Observation", "query": "patient=1&code=8867-4"}}, false},
		{"create ok", interop.Request{Type: interop.TypeFHIRCreate, Payload: []byte(`{"resourceType":"Patient"}`)}, false},
		{"create not json", interop.Request{Type: interop.TypeFHIRCreate, Payload: []byte(`nope`)}, true},
		{"create type mismatch", interop.Request{Type: interop.TypeFHIRCreate, Payload: []byte(`{"resourceType":"Patient"}`), Params: map[string]string{"resource_type": "Encounter"}}, true},
		{"update id from payload", interop.Request{Type: interop.TypeFHIRUpdate, Payload: []byte(`{"resourceType":"Patient","id":"9"}`)}, false},
		{"update id mismatch", interop.Request{Type: interop.TypeFHIRUpdate, Payload: []byte(`{"resourceType":"Patient","id":"9"}`), Params: map[string]string{"id": "8"}}, true},
		{"update no id", interop.Request{Type: interop.TypeFHIRUpdate, Payload: []byte(`{"resourceType":"Patient"}`)}, true},
		{"delete ok", interop.Request{Type: interop.TypeFHIRDelete, Params: map[string]string{"resource_type": "Patient", "id": "1"}}, false},
		{"batch ok", interop.Request{Type: interop.TypeFHIRBatch, Payload: []byte(`{"resourceType":"Bundle","type":"batch","entry":[{"request":{"method":"GET","url":"Patient/1"}}]}`)}, false},
		{"batch wrong type", interop.Request{Type: interop.TypeFHIRBatch, Payload: []byte(`{"resourceType":"Bundle","type":"transaction","entry":[{"request":{"method":"GET","url":"Patient/1"}}]}`)}, true},
		{"batch empty", interop.Request{Type: interop.TypeFHIRBatch, Payload: []byte(`{"resourceType":"Bundle","type":"batch"}`)}, true},
		{"batch bad method", interop.Request{Type: interop.TypeFHIRBatch, Payload: []byte(`{"resourceType":"Bundle","type":"batch","entry":[{"request":{"method":"TRACE","url":"x"}}]}`)}, true},
		{"wrong family", interop.Request{Type: interop.TypeX12Claim}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Validate(&tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, interop.ErrValidation) {
				t.Errorf("expected validation kind, got %v", err)
			}
		})
	}
}

func TestRead_Success(t *testing.T) {
	var gotPath, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAccept = r.URL.Path, r.Header.Get("Accept")
		w.Header().Set("Content-Type", ContentType)
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"123"}`))
	}))
	defer srv.Close()

	a := New(adapter.NewHTTPClient(srv.Client()))
	res := run(t, a, &interop.Request{Type: interop.TypeFHIRRead, Params: map[string]string{"resource_type": "Patient", "id": "123"}}, newTarget(srv.URL+"/fhir/"))
	if !res.Succeeded() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if gotPath != "/fhir/Patient/123" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotAccept != ContentType {
		t.Errorf("unexpected Accept %s", gotAccept)
	}
	if res.ResponseCode != 200 || res.RequestMethod != http.MethodGet {
		t.Errorf("unexpected result %+v", res)
	}
	var out Response
	if err := json.Unmarshal(res.Artifact.Data, &out); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if out.ResourceType != "Patient" || out.ID != "123" {
		t.Errorf("unexpected artifact %+v", out)
	}
}

func TestCreate_PostsToType(t *testing.T) {
	var gotMethod, gotPath, gotBody, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotCT = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Location", "Patient/77/_history/1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := New(adapter.NewHTTPClient(srv.Client()))
	payload := `{"resourceType":"Patient","name":[{"family":"Doe"}]}`
	res := run(t, a, &interop.Request{Type: interop.TypeFHIRCreate, Payload: []byte(payload)}, newTarget(srv.URL))
	if !res.Succeeded() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if gotMethod != http.MethodPost || gotPath != "/Patient" || gotBody != payload || gotCT != ContentType {
		t.Errorf("unexpected request %s %s %s %q", gotMethod, gotPath, gotCT, gotBody)
	}
	var out Response
	_ = json.Unmarshal(res.Artifact.Data, &out)
	if out.Location != "Patient/77/_history/1" {
		t.Errorf("expected location in artifact, got %+v", out)
	}
}

func TestUpdateAndDeleteVerbs(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(adapter.NewHTTPClient(srv.Client()))
	run(t, a, &interop.Request{Type: interop.TypeFHIRUpdate, Payload: []byte(`{"resourceType":"Patient","id":"5"}`)}, newTarget(srv.URL))
	run(t, a, &interop.Request{Type: interop.TypeFHIRDelete, Params: map[string]string{"resource_type": "Patient", "id": "5"}}, newTarget(srv.URL))
	run(t, a, &interop.Request{Type: interop.TypeFHIRSearch, Params: map[string]string{"resource_type": "Patient", "query": "name=doe"}}, newTarget(srv.URL))

	want := []string{"PUT /Patient/5", "DELETE /Patient/5", "GET /Patient"}
	for i, w := range want {
		if seen[i] != w {
			t.Errorf("request %d: got %q, want %q", i, seen[i], w)
		}
	}
}

func TestParse_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found", http.StatusNotFound, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found","diagnostics":"Patient/1 not found"}]}`, interop.ErrPermanent},
		{"unavailable", http.StatusServiceUnavailable, ``, interop.ErrTransient},
		{"throttled", http.StatusTooManyRequests, ``, interop.ErrTransient},
		{"unauthorized", http.StatusUnauthorized, ``, interop.ErrAuth},
		{"outcome error on 200", http.StatusOK, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"invalid","diagnostics":"bad"}]}`, interop.ErrPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := New(adapter.NewHTTPClient(srv.Client()))
			res := run(t, a, &interop.Request{Type: interop.TypeFHIRRead, Params: map[string]string{"resource_type": "Patient", "id": "1"}}, newTarget(srv.URL))
			if !errors.Is(res.Err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, res.Err)
			}
			if res.ResponseCode != tt.status {
				t.Errorf("expected response code %d, got %d", tt.status, res.ResponseCode)
			}
		})
	}
}

func TestParse_OutcomeDiagnosticsBecomeMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"required","diagnostics":"Patient.name is required"}]}`))
	}))
	defer srv.Close()

	a := New(adapter.NewHTTPClient(srv.Client()))
	res := run(t, a, &interop.Request{Type: interop.TypeFHIRCreate, Payload: []byte(`{"resourceType":"Patient"}`)}, newTarget(srv.URL))
	if res.ResponseMessage != "Patient.name is required" {
		t.Errorf("unexpected message %q", res.ResponseMessage)
	}
}

func TestSend_NoEndpoint(t *testing.T) {
	a := New(adapter.NewHTTPClient(nil))
	res := adapter.Run(context.Background(), a, &interop.Request{Type: interop.TypeFHIRRead, Params: map[string]string{"resource_type": "Patient", "id": "1"}},
		credential.None("x"), &adapter.Target{Partner: &partner.Partner{ID: "x"}})
	if !errors.Is(res.Err, interop.ErrPermanent) {
		t.Errorf("expected permanent failure, got %v", res.Err)
	}
}

func TestSend_ResourceNotSupported(t *testing.T) {
	a := New(adapter.NewHTTPClient(nil))
	target := newTarget("http://unused")
	target.FHIREndpoint = &partner.FHIREndpoint{ID: "ep", URL: "http://unused", SupportedResources: []string{"Observation"}}
	res := adapter.Run(context.Background(), a, &interop.Request{Type: interop.TypeFHIRRead, Params: map[string]string{"resource_type": "Patient", "id": "1"}}, credential.None("x"), target)
	if interop.CodeOf(res.Err) != "RESOURCE_NOT_SUPPORTED" {
		t.Errorf("expected RESOURCE_NOT_SUPPORTED, got %v", res.Err)
	}
}

const batchPayload = `{"resourceType":"Bundle","type":"batch","entry":[
	{"request":{"method":"POST","url":"Patient"},"resource":{"resourceType":"Patient"}},
	{"request":{"method":"GET","url":"Observation/1"}},
	{"request":{"method":"DELETE","url":"Encounter/2"}}
]}`

func TestBatch_FanOutWorstOf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/Patient":
			w.Header().Set("Location", "Patient/1")
			w.WriteHeader(http.StatusCreated)
		case strings.HasPrefix(r.URL.Path, "/Observation"):
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	a := New(adapter.NewHTTPClient(srv.Client()), WithBatchConcurrency(2))
	res := run(t, a, &interop.Request{Type: interop.TypeFHIRBatch, Payload: []byte(batchPayload)}, newTarget(srv.URL))
	if !errors.Is(res.Err, interop.ErrPermanent) {
		t.Fatalf("expected permanent (worst of transient+permanent), got %v", res.Err)
	}
	var br BatchResult
	if err := json.Unmarshal(res.Artifact.Data, &br); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if br.Mode != "fan_out" || br.Succeeded != 1 || br.Failed != 2 || len(br.Entries) != 3 {
		t.Fatalf("unexpected batch result %+v", br)
	}
	if br.Entries[0].Outcome != "success" || br.Entries[0].Location != "Patient/1" {
		t.Errorf("unexpected entry 0 %+v", br.Entries[0])
	}
	if br.Entries[1].Outcome != string(interop.KindTransient) {
		t.Errorf("unexpected entry 1 %+v", br.Entries[1])
	}
	if br.Entries[2].Outcome != string(interop.KindPermanent) {
		t.Errorf("unexpected entry 2 %+v", br.Entries[2])
	}
}

func TestBatch_FanOutTransientOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/Observation") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(adapter.NewHTTPClient(srv.Client()))
	res := run(t, a, &interop.Request{Type: interop.TypeFHIRBatch, Payload: []byte(batchPayload)}, newTarget(srv.URL))
	if !errors.Is(res.Err, interop.ErrTransient) {
		t.Fatalf("expected transient, got %v", res.Err)
	}
}

func TestRead_Capabilities(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", ContentType)
		_, _ = w.Write([]byte(`{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1",
			"rest":[{"mode":"server","resource":[{"type":"Patient"},{"type":"Observation"}]}]}`))
	}))
	defer srv.Close()

	target := newTarget(srv.URL)
	target.FHIREndpoint = &partner.FHIREndpoint{ID: "ep-1", URL: srv.URL + "/r4", SupportedResources: []string{"Patient"}}
	a := New(adapter.NewHTTPClient(srv.Client()))
	res := run(t, a, &interop.Request{Type: interop.TypeFHIRRead,
		Params: map[string]string{ParamResourceType: Capabilities}}, target)
	if !res.Succeeded() {
		t.Fatalf("err: %v", res.Err)
	}
	if gotPath != "/r4/metadata" {
		t.Errorf("path = %s", gotPath)
	}
	var out Response
	if err := json.Unmarshal(res.Artifact.Data, &out); err != nil {
		t.Fatal(err)
	}
	if out.FHIRVersion != "4.0.1" || len(out.Resources) != 2 || out.Resources[1] != "Observation" {
		t.Errorf("artifact = %+v", out)
	}
}

func TestBatch_RetrySkipsSettledEntries(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.Method+" "+r.URL.Path]++
		n := hits[r.Method+" "+r.URL.Path]
		mu.Unlock()
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Location", "Patient/1")
			w.WriteHeader(http.StatusCreated)
		case strings.HasPrefix(r.URL.Path, "/Observation") && n == 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	a := New(adapter.NewHTTPClient(srv.Client()))
	req := &interop.Request{TransactionID: "tx-batch", Type: interop.TypeFHIRBatch, Payload: []byte(batchPayload)}
	if res := run(t, a, req, newTarget(srv.URL)); !errors.Is(res.Err, interop.ErrTransient) {
		t.Fatalf("first attempt: %v", res.Err)
	}
	res := run(t, a, req, newTarget(srv.URL))
	if !res.Succeeded() {
		t.Fatalf("retry: %v", res.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits["POST /Patient"] != 1 {
		t.Errorf("create sent %d times", hits["POST /Patient"])
	}
	if hits["GET /Observation/1"] != 2 {
		t.Errorf("failed read sent %d times", hits["GET /Observation/1"])
	}
	var br BatchResult
	_ = json.Unmarshal(res.Artifact.Data, &br)
	if br.Succeeded != 3 || br.Entries[0].Location != "Patient/1" {
		t.Errorf("artifact = %+v", br)
	}
	if a.settledEntries("tx-batch") != nil {
		t.Error("settled entries kept after the batch finished")
	}
}

func TestBatch_Native(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"batch-response","entry":[
			{"response":{"status":"201 Created","location":"Patient/9"}},
			{"response":{"status":"200 OK"}},
			{"response":{"status":"204 No Content"}}
		]}`))
	}))
	defer srv.Close()

	target := newTarget(srv.URL + "/fhir")
	target.Partner.NativeBatch = true
	a := New(adapter.NewHTTPClient(srv.Client()))
	res := run(t, a, &interop.Request{Type: interop.TypeFHIRBatch, Payload: []byte(batchPayload)}, target)
	if !res.Succeeded() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if gotPath != "/fhir" {
		t.Errorf("expected bundle posted to base, got %s", gotPath)
	}
	var br BatchResult
	_ = json.Unmarshal(res.Artifact.Data, &br)
	if br.Mode != "native" || br.Succeeded != 3 || br.Entries[0].Location != "Patient/9" || br.Entries[0].Method != "POST" {
		t.Errorf("unexpected batch result %+v", br)
	}
}

func TestBatch_NativeEntryMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"batch-response","entry":[{"response":{"status":"200 OK"}}]}`))
	}))
	defer srv.Close()

	target := newTarget(srv.URL)
	target.Partner.NativeBatch = true
	a := New(adapter.NewHTTPClient(srv.Client()))
	res := run(t, a, &interop.Request{Type: interop.TypeFHIRBatch, Payload: []byte(batchPayload)}, target)
	if interop.CodeOf(res.Err) != "BATCH_RESPONSE_MISMATCH" {
		t.Errorf("expected BATCH_RESPONSE_MISMATCH, got %v", res.Err)
	}
}

func TestWorst(t *testing.T) {
	transient := interop.Transient("T", "t")
	permanent := interop.Permanent("P", "p")
	if Worst(nil, transient) != transient {
		t.Error("transient should beat success")
	}
	if Worst(permanent, transient) != permanent {
		t.Error("permanent should beat transient")
	}
	if Worst(nil, nil) != nil {
		t.Error("two successes should stay nil")
	}
}

type healthSpy struct {
	mu      sync.Mutex
	calls   int
	healthy bool
}

func (h *healthSpy) RecordFHIRResponse(_ context.Context, _ string, _ time.Duration, healthy bool) {
	h.mu.Lock()
	h.calls++
	h.healthy = healthy
	h.mu.Unlock()
}

func TestHealthRecorder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	spy := &healthSpy{healthy: true}
	a := New(adapter.NewHTTPClient(srv.Client()), WithHealthRecorder(spy))
	target := newTarget(srv.URL)
	target.FHIREndpoint = &partner.FHIREndpoint{ID: "ep-1", URL: srv.URL}
	run(t, a, &interop.Request{Type: interop.TypeFHIRRead, Params: map[string]string{"resource_type": "Patient", "id": "1"}}, target)
	if spy.calls != 1 || spy.healthy {
		t.Errorf("expected one unhealthy observation, got calls=%d healthy=%v", spy.calls, spy.healthy)
	}
}
