// Package adapter defines the contract every protocol adapter implements and
// the registry that selects one by transaction family.
package adapter

import (
	"context"
	"net/http"
	"time"

	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/interop"
)

// Target is where a transaction is sent, as resolved by the directory.
// Partner is nil for network transactions addressed to a participant that
// has no linked trading partner.
type Target struct {
	Partner      *partner.Partner
	Participant  *partner.NetworkParticipant
	FHIREndpoint *partner.FHIREndpoint
}

// PartnerID returns the id of the partner behind the target, if any.
func (t *Target) PartnerID() string {
	if t == nil || t.Partner == nil {
		return ""
	}
	return t.Partner.ID
}

// RawResponse is the protocol exchange as observed on the wire. Adapters
// that must interpret responses during Send (batch fan-out, SMTP) may fill
// Artifact and Err directly.
type RawResponse struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
	Artifact   *interop.Artifact
	Err        error
}

// Adapter performs one protocol family's exchanges.
//
// Validate runs before dispatch and only checks structure. Send performs the
// exchange and returns an *interop.Error for anything that prevented a
// response from being observed. Parse maps the observed response to a
// Result whose Err is already classified.
type Adapter interface {
	Family() interop.Family
	Validate(req *interop.Request) error
	Send(ctx context.Context, req *interop.Request, cred *credential.Credential, target *Target) (*RawResponse, error)
	Parse(req *interop.Request, raw *RawResponse) interop.Result
}

// ContextValidator is implemented by adapters whose validation needs the
// directory, such as Direct address and certificate checks. The engine runs
// it at submission, before the record can reach processing. Errors other
// than validation failures are left for Send to surface.
type ContextValidator interface {
	ValidateContext(ctx context.Context, req *interop.Request) error
}

// Finalizer is implemented by adapters that hold per-transaction state
// across attempts. The engine calls Finalize once the transaction is
// terminal, whatever the outcome.
type Finalizer interface {
	Finalize(transactionID string)
}

// Registry maps transaction families to adapters.
type Registry struct {
	adapters map[interop.Family]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[interop.Family]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its family.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Family()] = a
}

// For returns the adapter serving t.
func (r *Registry) For(t interop.TransactionType) (Adapter, error) {
	if !t.Valid() {
		return nil, interop.Validation("UNKNOWN_TRANSACTION_TYPE", "unknown transaction type %q", t)
	}
	a, ok := r.adapters[t.Family()]
	if !ok {
		return nil, interop.Validation("UNSUPPORTED_TRANSACTION_TYPE", "no adapter registered for %s transactions", t.Family())
	}
	return a, nil
}

// Families lists the registered families.
func (r *Registry) Families() []interop.Family {
	out := make([]interop.Family, 0, len(r.adapters))
	for f := range r.adapters {
		out = append(out, f)
	}
	return out
}

// Run drives one attempt: send, then parse. Errors from Send are returned as
// a failed Result so callers see a single outcome shape.
func Run(ctx context.Context, a Adapter, req *interop.Request, cred *credential.Credential, target *Target) interop.Result {
	raw, err := a.Send(ctx, req, cred, target)
	if err != nil {
		res := interop.Result{Err: interop.Classify(err)}
		if raw != nil {
			res.RequestURL = raw.URL
			res.RequestMethod = raw.Method
			res.ResponseCode = raw.StatusCode
		}
		return res
	}
	return a.Parse(req, raw)
}
