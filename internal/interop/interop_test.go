package interop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"testing"
	"time"
)

// ===== Types =====

func TestTransactionType_Family(t *testing.T) {
	tests := []struct {
		typ  TransactionType
		want Family
	}{
		{TypeFHIRRead, FamilyFHIR},
		{TypeFHIRBatch, FamilyFHIR},
		{TypeX12Eligibility, FamilyX12},
		{TypeX12Claim, FamilyX12},
		{TypeCCDASubmit, FamilyCCDA},
		{TypeDirectSend, FamilyDirect},
		{TypeTEFCAQuery, FamilyNetwork},
		{TypeCommonWellLink, FamilyNetwork},
		{"bogus", ""},
	}
	for _, tt := range tests {
		if got := tt.typ.Family(); got != tt.want {
			t.Errorf("%s.Family() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}

func TestTransactionType_Network(t *testing.T) {
	if got := TypeCarequalityRetrieve.Network(); got != "carequality" {
		t.Errorf("expected carequality, got %q", got)
	}
	if got := TypeFHIRRead.Network(); got != "" {
		t.Errorf("expected empty network for FHIR, got %q", got)
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusProcessing: false,
		StatusRetrying:   false,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusTimeout:    true,
		StatusCancelled:  true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("archived").Valid() {
		t.Error("unexpected valid status")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusFailed},
		{StatusProcessing, StatusRetrying},
		{StatusProcessing, StatusTimeout},
		{StatusRetrying, StatusProcessing},
		{StatusRetrying, StatusCancelled},
	}
	for _, p := range allowed {
		if !CanTransition(p[0], p[1]) {
			t.Errorf("expected %s -> %s to be allowed", p[0], p[1])
		}
	}

	denied := [][2]Status{
		{StatusCompleted, StatusProcessing},
		{StatusCancelled, StatusRetrying},
		{StatusFailed, StatusCompleted},
		{StatusTimeout, StatusRetrying},
		{StatusRetrying, StatusCompleted},
		{StatusPending, StatusCompleted},
	}
	for _, p := range denied {
		if CanTransition(p[0], p[1]) {
			t.Errorf("expected %s -> %s to be denied", p[0], p[1])
		}
	}
}

func TestRecord_Clone(t *testing.T) {
	now := time.Now()
	r := &Record{
		TransactionID: "tx-1",
		CompletedAt:   &now,
		Artifact:      &Artifact{Kind: "fhir", Data: []byte(`{"a":1}`)},
	}
	c := r.Clone()
	c.Artifact.Data[2] = 'b'
	*c.CompletedAt = now.Add(time.Hour)
	if string(r.Artifact.Data) != `{"a":1}` {
		t.Errorf("clone shares artifact data: %s", r.Artifact.Data)
	}
	if !r.CompletedAt.Equal(now) {
		t.Error("clone shares completedAt")
	}
}

func TestRequest_PayloadHash(t *testing.T) {
	r := &Request{}
	if r.PayloadHash() != "" {
		t.Error("expected empty hash for empty payload")
	}
	r.Payload = []byte("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := r.PayloadHash(); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

// ===== Errors =====

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("send: %w", Permanent("X12_CONTROL_MISMATCH", "bad control number"))
	if !errors.Is(err, ErrPermanent) {
		t.Error("expected errors.Is to match ErrPermanent")
	}
	if errors.Is(err, ErrTransient) {
		t.Error("did not expect match with ErrTransient")
	}
	if got := CodeOf(err); got != "X12_CONTROL_MISMATCH" {
		t.Errorf("expected code X12_CONTROL_MISMATCH, got %s", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("do: %w", context.DeadlineExceeded), KindTimeout},
		{"canceled", context.Canceled, KindCancelled},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindTransient},
		{"smtp 451", &textproto.Error{Code: 451, Msg: "try later"}, KindTransient},
		{"smtp 550", &textproto.Error{Code: 550, Msg: "no such user"}, KindPermanent},
		{"unknown", errors.New("boom"), KindPermanent},
		{"already typed", Auth("HTTP_401", "nope"), KindAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{200, ""},
		{201, ""},
		{400, KindPermanent},
		{401, KindAuth},
		{403, KindAuth},
		{404, KindPermanent},
		{409, KindPermanent},
		{422, KindPermanent},
		{429, KindTransient},
		{500, KindTransient},
		{501, KindPermanent},
		{502, KindTransient},
		{503, KindTransient},
		{504, KindTransient},
	}
	for _, tt := range tests {
		err := ClassifyHTTP(tt.status, "")
		var got Kind
		if err != nil {
			got = err.Kind
			if err.StatusCode != tt.status {
				t.Errorf("status %d: expected StatusCode carried, got %d", tt.status, err.StatusCode)
			}
		}
		if got != tt.want {
			t.Errorf("ClassifyHTTP(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(KindTransient) || !Retryable(KindUnavailable) {
		t.Error("transient and unavailable should be retryable")
	}
	for _, k := range []Kind{KindValidation, KindPermanent, KindAuth, KindTimeout, KindCancelled} {
		if Retryable(k) {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("BAD", "bad"), 400},
		{&Error{Kind: KindDuplicate}, 409},
		{&Error{Kind: KindConflict}, 409},
		{&Error{Kind: KindUnknownPartner}, 422},
		{NotFound("gone"), 404},
		{&Error{Kind: KindAuth}, 401},
		{Unavailable("down"), 503},
		{&Error{Kind: KindTimeout}, 504},
		{&Error{Kind: KindTransient}, 502},
		{fmt.Errorf("wrapped: %w", &Error{Kind: KindPermanent}), 502},
		{errors.New("plain"), 500},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
