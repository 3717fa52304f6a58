package x12

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/domain/document"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/interop"
)

const bare270 = "ST*270*0001*005010X279A1~" +
	"BHT*0022*13*10001234*20240101*1319~" +
	"HL*1**20*1~" +
	"NM1*PR*2*ACME PAYER*****PI*12345~" +
	"SE*5*0001~"

const bare271 = "ST*271*0001*005010X279A1~" +
	"BHT*0022*11*10001234*20240101*1320~" +
	"NM1*IL*1*DOE*JANE****MI*W123~" +
	"EB*1*IND*30**GOLD PLAN~" +
	"SE*5*0001~"

var fixedNow = time.Date(2024, 1, 1, 13, 19, 0, 0, time.UTC)

func testEnvelope(isa, gs int64) Envelope {
	return Envelope{
		SenderQualifier: "ZZ", SenderID: "GATEWAY",
		ReceiverQualifier: "ZZ", ReceiverID: "PAYER01",
		ISAControl: isa, GSControl: gs, Usage: "T", Now: fixedNow,
	}
}

func wrapped(t *testing.T, bare string, isa, gs int64) string {
	t.Helper()
	ic, err := Parse([]byte(bare))
	if err != nil {
		t.Fatalf("parse bare set: %v", err)
	}
	out, err := Wrap(ic, testEnvelope(isa, gs))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	return string(out)
}

func TestParse_BareSet(t *testing.T) {
	ic, err := Parse([]byte(bare270))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ic.Enveloped {
		t.Error("bare set should not be enveloped")
	}
	sets := ic.Sets()
	if len(sets) != 1 || sets[0].Code != "270" || sets[0].ControlNumber != "0001" {
		t.Fatalf("unexpected sets: %+v", sets)
	}
	if errs := ic.Check(); len(errs) != 0 {
		t.Errorf("Check() = %v, want none", errs)
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "hello", "ISA*too-short~"} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("Parse(%q) expected error", in)
		}
	}
}

func TestCheck_SegmentCount(t *testing.T) {
	ic, err := Parse([]byte(strings.Replace(bare270, "SE*5*0001", "SE*4*0001", 1)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	errs := ic.Check()
	if len(errs) != 1 || !strings.Contains(errs[0], "SE01") {
		t.Errorf("Check() = %v, want one SE01 error", errs)
	}
}

func TestWrap_FixedWidthISA(t *testing.T) {
	out := wrapped(t, bare270, 7, 3)
	isa := out[:strings.IndexByte(out, '~')+1]
	if len(isa) != isaLength {
		t.Fatalf("ISA length = %d, want %d: %q", len(isa), isaLength, isa)
	}

	ic, err := Parse([]byte(out))
	if err != nil {
		t.Fatalf("parse wrapped: %v", err)
	}
	if !ic.Enveloped || ic.ControlNumber != "000000007" {
		t.Errorf("envelope = enveloped %v control %q", ic.Enveloped, ic.ControlNumber)
	}
	if ic.SenderID != "GATEWAY" || ic.ReceiverID != "PAYER01" || ic.UsageIndicator != "T" {
		t.Errorf("identities = %q -> %q usage %q", ic.SenderID, ic.ReceiverID, ic.UsageIndicator)
	}
	if g := ic.Groups[0]; g.FunctionalCode != "HS" || g.ControlNumber != "3" || g.Version != "005010X279A1" {
		t.Errorf("group = %+v", g)
	}
	if errs := ic.Check(); len(errs) != 0 {
		t.Errorf("Check() = %v", errs)
	}
	if m := ic.ControlMismatches(); len(m) != 0 {
		t.Errorf("ControlMismatches() = %v", m)
	}
}

func TestControlMismatches(t *testing.T) {
	out := strings.Replace(wrapped(t, bare270, 7, 3), "IEA*1*000000007", "IEA*1*000000008", 1)
	ic, err := Parse([]byte(out))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m := ic.ControlMismatches()
	if len(m) != 1 || !strings.Contains(m[0], "ISA13") {
		t.Errorf("ControlMismatches() = %v", m)
	}
}

func TestBuild999_ReadAck(t *testing.T) {
	in, err := Parse([]byte(wrapped(t, bare270, 7, 3)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	accepted, err := Build999(in, nil, testEnvelope(1, 1))
	if err != nil {
		t.Fatalf("build 999: %v", err)
	}
	ic, err := Parse(accepted)
	if err != nil {
		t.Fatalf("parse 999: %v", err)
	}
	if errs := ic.Check(); len(errs) != 0 {
		t.Fatalf("999 is malformed: %v", errs)
	}
	ack := ReadAck(ic)
	if ack == nil || ack.Type != "999" || ack.Code != AckAccepted || ack.Rejected() {
		t.Fatalf("ack = %+v", ack)
	}
	if len(ack.Sets) != 1 || ack.Sets[0].SetCode != "270" || ack.Sets[0].Code != AckAccepted {
		t.Errorf("set acks = %+v", ack.Sets)
	}

	rejected, err := Build999(in, []string{"bad segment"}, testEnvelope(2, 2))
	if err != nil {
		t.Fatalf("build 999: %v", err)
	}
	ic, _ = Parse(rejected)
	ack = ReadAck(ic)
	if ack == nil || ack.Code != AckRejected || !ack.Rejected() || len(ack.Errors) == 0 {
		t.Errorf("ack = %+v", ack)
	}
}

func TestReadAck_TA1(t *testing.T) {
	env := testEnvelope(5, 5)
	build := func(code string) *Interchange {
		segs := []Segment{env.isa(DefaultDelimiters), {"TA1", "000000001", "240101", "1319", code, "024"}, {"IEA", "0", "000000005"}}
		ic, err := Parse(Encode(segs, DefaultDelimiters))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return ic
	}
	if ack := ReadAck(build(AckRejected)); ack == nil || ack.Type != "TA1" || !ack.Rejected() {
		t.Errorf("TA1 R ack = %+v", ack)
	}
	if ack := ReadAck(build(AckAcceptedWithError)); ack == nil || ack.Rejected() {
		t.Errorf("TA1 E should be accepted, got %+v", ack)
	}
}

func TestReadContent(t *testing.T) {
	ic, _ := Parse([]byte(bare271))
	c := ReadContent(ic.Sets()[0], DefaultDelimiters)
	if len(c.Benefits) != 1 || c.Benefits[0].Code != "1" || c.Benefits[0].Plan != "GOLD PLAN" {
		t.Errorf("benefits = %+v", c.Benefits)
	}
	if len(c.Parties) != 1 || c.Parties[0].LastName != "DOE" {
		t.Errorf("parties = %+v", c.Parties)
	}

	stc := "ST*277*0002*005010X212~STC*A2:20*20240105**150.00~SE*3*0002~"
	ic, _ = Parse([]byte(stc))
	c = ReadContent(ic.Sets()[0], DefaultDelimiters)
	if len(c.ClaimStatuses) != 1 {
		t.Fatalf("claim statuses = %+v", c.ClaimStatuses)
	}
	if cs := c.ClaimStatuses[0]; cs.Category != "A2" || cs.Description != "Accepted" || cs.StatusCode != "20" || cs.Amount != "150.00" {
		t.Errorf("claim status = %+v", cs)
	}
}

type partnerServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
	types  []string
	reply  func(n int, body []byte) (int, []byte)
}

func newPartnerServer(t *testing.T, reply func(n int, body []byte) (int, []byte)) *partnerServer {
	ps := &partnerServer{reply: reply}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ps.mu.Lock()
		ps.bodies = append(ps.bodies, string(body))
		ps.types = append(ps.types, r.Header.Get("Content-Type"))
		n := len(ps.bodies)
		ps.mu.Unlock()
		status, out := ps.reply(n, body)
		w.WriteHeader(status)
		w.Write(out)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *partnerServer) calls() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.bodies...)
}

func ack999(code string) func(int, []byte) (int, []byte) {
	return func(_ int, body []byte) (int, []byte) {
		in, err := Parse(body)
		if err != nil {
			return http.StatusBadRequest, nil
		}
		var errs []string
		if code == AckRejected {
			errs = []string{"invalid subscriber"}
		}
		env := Envelope{SenderID: "PAYER01", ReceiverID: "GATEWAY", ISAControl: 900, GSControl: 900, Now: fixedNow}
		out, _ := Build999(in, errs, env)
		return http.StatusOK, out
	}
}

func newTestAdapter(store *document.MemoryRepo) *Adapter {
	return New(adapter.NewHTTPClient(nil), store, Identity{SenderID: "GATEWAY", SenderQualifier: "ZZ", Usage: "T"},
		WithStore(store), WithClock(func() time.Time { return fixedNow }))
}

func payerTarget(url string) *adapter.Target {
	return &adapter.Target{Partner: &partner.Partner{ID: "payer-1", Endpoint: url, ISAID: "PAYER01", ISAQualifier: "ZZ"}}
}

func send(t *testing.T, a *Adapter, req *interop.Request, target *adapter.Target) interop.Result {
	t.Helper()
	if err := a.Validate(req); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return adapter.Run(context.Background(), a, req, credential.None("payer-1"), target)
}

func TestAdapter_Validate(t *testing.T) {
	a := newTestAdapter(document.NewMemoryRepo())
	tests := []struct {
		name    string
		req     interop.Request
		wantErr bool
	}{
		{"bare 270", interop.Request{Type: interop.TypeX12Eligibility, Payload: []byte(bare270)}, false},
		{"enveloped 270", interop.Request{Type: interop.TypeX12Eligibility, Payload: []byte(wrapped(t, bare270, 1, 1))}, false},
		{"set does not match type", interop.Request{Type: interop.TypeX12Claim, Payload: []byte(bare270)}, true},
		{"empty", interop.Request{Type: interop.TypeX12Eligibility}, true},
		{"not x12", interop.Request{Type: interop.TypeX12Eligibility, Payload: []byte(`{"a":1}`)}, true},
		{"bad segment count", interop.Request{Type: interop.TypeX12Eligibility, Payload: []byte(strings.Replace(bare270, "SE*5", "SE*9", 1))}, true},
		{"wrong family", interop.Request{Type: interop.TypeFHIRRead}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Validate(&tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && interop.KindOf(err) != interop.KindValidation {
				t.Errorf("kind = %s, want validation", interop.KindOf(err))
			}
		})
	}
}

func TestAdapter_SendWrapsBareSet(t *testing.T) {
	store := document.NewMemoryRepo()
	srv := newPartnerServer(t, ack999(AckAccepted))
	a := newTestAdapter(store)

	res := send(t, a, &interop.Request{TransactionID: "tx-1", Type: interop.TypeX12Eligibility, Payload: []byte(bare270)}, payerTarget(srv.URL))
	if !res.Succeeded() {
		t.Fatalf("result error: %v", res.Err)
	}
	if res.ResponseMessage != "999 accepted" {
		t.Errorf("message = %q", res.ResponseMessage)
	}
	if res.Artifact == nil || res.Artifact.Kind != "x12_response" {
		t.Errorf("artifact = %+v", res.Artifact)
	}

	calls := srv.calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if srv.types[0] != ContentType {
		t.Errorf("content type = %q", srv.types[0])
	}
	sent, err := Parse([]byte(calls[0]))
	if err != nil || !sent.Enveloped {
		t.Fatalf("partner received %q (%v)", calls[0], err)
	}
	if sent.ControlNumber != "000000001" || sent.ReceiverID != "PAYER01" {
		t.Errorf("envelope control %q receiver %q", sent.ControlNumber, sent.ReceiverID)
	}

	rows, _ := store.ListX12(context.Background(), "tx-1")
	if len(rows) != 2 {
		t.Fatalf("stored %d x12 rows, want outbound 270 and inbound 999", len(rows))
	}
	if rows[0].Type != document.X12EligibilityInquiry && rows[1].Type != document.X12EligibilityInquiry {
		t.Errorf("no 270 row stored: %+v", rows)
	}
}

func TestAdapter_ControlMismatchIsPermanent(t *testing.T) {
	srv := newPartnerServer(t, ack999(AckAccepted))
	a := newTestAdapter(document.NewMemoryRepo())

	payload := strings.Replace(wrapped(t, bare270, 7, 3), "IEA*1*000000007", "IEA*1*000000008", 1)
	res := send(t, a, &interop.Request{TransactionID: "tx-b", Type: interop.TypeX12Eligibility, Payload: []byte(payload)}, payerTarget(srv.URL))
	if interop.KindOf(res.Err) != interop.KindPermanent || interop.CodeOf(res.Err) != "X12_CONTROL_MISMATCH" {
		t.Fatalf("err = %v, want permanent X12_CONTROL_MISMATCH", res.Err)
	}
	if n := len(srv.calls()); n != 0 {
		t.Errorf("partner called %d times", n)
	}
}

func TestAdapter_OutOfSequenceIsPermanent(t *testing.T) {
	srv := newPartnerServer(t, ack999(AckAccepted))
	a := newTestAdapter(document.NewMemoryRepo())
	payload := []byte(wrapped(t, bare270, 5, 5))

	if res := send(t, a, &interop.Request{TransactionID: "tx-1", Type: interop.TypeX12Eligibility, Payload: payload}, payerTarget(srv.URL)); !res.Succeeded() {
		t.Fatalf("first send: %v", res.Err)
	}
	res := send(t, a, &interop.Request{TransactionID: "tx-2", Type: interop.TypeX12Eligibility, Payload: payload}, payerTarget(srv.URL))
	if interop.CodeOf(res.Err) != "X12_CONTROL_MISMATCH" {
		t.Fatalf("err = %v, want X12_CONTROL_MISMATCH", res.Err)
	}
}

func TestAdapter_RetryResendsSameEnvelope(t *testing.T) {
	srv := newPartnerServer(t, func(n int, body []byte) (int, []byte) {
		if n == 1 {
			return http.StatusServiceUnavailable, []byte("busy")
		}
		return ack999(AckAccepted)(n, body)
	})
	a := newTestAdapter(document.NewMemoryRepo())
	req := &interop.Request{TransactionID: "tx-r", Type: interop.TypeX12Eligibility, Payload: []byte(bare270)}

	first := send(t, a, req, payerTarget(srv.URL))
	if interop.KindOf(first.Err) != interop.KindTransient {
		t.Fatalf("first attempt err = %v, want transient", first.Err)
	}
	second := send(t, a, req, payerTarget(srv.URL))
	if !second.Succeeded() {
		t.Fatalf("second attempt: %v", second.Err)
	}
	calls := srv.calls()
	if len(calls) != 2 || calls[0] != calls[1] {
		t.Errorf("retry changed the interchange:\n%s\n%s", calls[0], calls[1])
	}
}

func TestAdapter_FinalizeDropsReservation(t *testing.T) {
	srv := newPartnerServer(t, func(int, []byte) (int, []byte) {
		return http.StatusServiceUnavailable, []byte("busy")
	})
	a := newTestAdapter(document.NewMemoryRepo())
	req := &interop.Request{TransactionID: "tx-f", Type: interop.TypeX12Eligibility, Payload: []byte(bare270)}

	if res := send(t, a, req, payerTarget(srv.URL)); interop.KindOf(res.Err) != interop.KindTransient {
		t.Fatalf("err = %v, want transient", res.Err)
	}
	if _, ok := a.reservation("tx-f"); !ok {
		t.Fatal("transient failure should keep the envelope for a retry")
	}
	a.Finalize("tx-f")
	if _, ok := a.reservation("tx-f"); ok {
		t.Error("reservation kept after the transaction finished")
	}
}

func TestAdapter_RejectedAckIsPermanent(t *testing.T) {
	srv := newPartnerServer(t, ack999(AckRejected))
	a := newTestAdapter(document.NewMemoryRepo())

	res := send(t, a, &interop.Request{TransactionID: "tx-1", Type: interop.TypeX12Eligibility, Payload: []byte(bare270)}, payerTarget(srv.URL))
	if interop.KindOf(res.Err) != interop.KindPermanent || interop.CodeOf(res.Err) != "X12_REJECTED" {
		t.Fatalf("err = %v, want permanent X12_REJECTED", res.Err)
	}
	if res.Artifact == nil {
		t.Error("rejected acknowledgment should still be attached")
	}
}

func TestAdapter_EligibilityResponseContent(t *testing.T) {
	reply := []byte(wrapped(t, bare271, 44, 44))
	srv := newPartnerServer(t, func(int, []byte) (int, []byte) {
		return http.StatusOK, reply
	})
	a := newTestAdapter(document.NewMemoryRepo())

	res := send(t, a, &interop.Request{TransactionID: "tx-1", Type: interop.TypeX12Eligibility, Payload: []byte(bare270)}, payerTarget(srv.URL))
	if !res.Succeeded() {
		t.Fatalf("err: %v", res.Err)
	}
	if res.ResponseMessage != "271 received" || !strings.Contains(string(res.Artifact.Data), "GOLD PLAN") {
		t.Errorf("message %q artifact %s", res.ResponseMessage, res.Artifact.Data)
	}
}

func TestAdapter_NoEndpoint(t *testing.T) {
	a := newTestAdapter(document.NewMemoryRepo())
	res := send(t, a, &interop.Request{TransactionID: "tx-1", Type: interop.TypeX12Eligibility, Payload: []byte(bare270)}, payerTarget(""))
	if interop.CodeOf(res.Err) != "NO_ENDPOINT" {
		t.Errorf("err = %v", res.Err)
	}
}

func TestAdapter_Acknowledge(t *testing.T) {
	store := document.NewMemoryRepo()
	a := newTestAdapter(store)
	payload := []byte(wrapped(t, bare270, 12, 12))

	in, err := a.Acknowledge(context.Background(), "payer-1", payload)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if !in.Accepted || !strings.Contains(in.Ack, "AK9*A") {
		t.Errorf("inbound = %+v", in)
	}
	ack, err := Parse([]byte(in.Ack))
	if err != nil {
		t.Fatalf("parse 999: %v", err)
	}
	if ack.ReceiverID != "GATEWAY" && ack.SenderID != "GATEWAY" {
		t.Errorf("999 identities %q -> %q", ack.SenderID, ack.ReceiverID)
	}

	dup, err := a.Acknowledge(context.Background(), "payer-1", payload)
	if err != nil {
		t.Fatalf("acknowledge duplicate: %v", err)
	}
	if dup.Accepted || !strings.Contains(dup.Ack, "AK9*R") {
		t.Errorf("duplicate interchange should be rejected: %+v", dup)
	}

	if _, err := a.Acknowledge(context.Background(), "payer-1", []byte(bare270)); interop.KindOf(err) != interop.KindValidation {
		t.Errorf("bare set err = %v, want validation", err)
	}
}
