package x12

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/domain/document"
	"github.com/ehr/interop/internal/interop"
)

const ContentType = "application/EDI-X12"

var setCodes = map[interop.TransactionType]string{
	interop.TypeX12Eligibility:         "270",
	interop.TypeX12EligibilityResponse: "271",
	interop.TypeX12ClaimStatus:         "276",
	interop.TypeX12ClaimStatusResponse: "277",
	interop.TypeX12PriorAuth:           "278",
	interop.TypeX12Payment:             "835",
	interop.TypeX12Claim:               "837",
}

// Identity is the gateway's own interchange sender identity.
type Identity struct {
	SenderID        string
	SenderQualifier string
	Usage           string
}

// reservation pins the envelope chosen for a transaction so retries resend
// the same control numbers instead of consuming new ones.
type reservation struct {
	wire []byte
	at   time.Time
}

const reservationTTL = 24 * time.Hour

type Adapter struct {
	http     *adapter.HTTPClient
	controls document.ControlSequence
	store    document.Repository
	identity Identity
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	reserved map[string]reservation
}

type Option func(*Adapter)

// WithStore persists every interchange sent or received.
func WithStore(store document.Repository) Option {
	return func(a *Adapter) { a.store = store }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l.With().Str("component", "x12").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func New(client *adapter.HTTPClient, controls document.ControlSequence, identity Identity, opts ...Option) *Adapter {
	a := &Adapter{
		http:     client,
		controls: controls,
		identity: identity,
		now:      time.Now,
		logger:   zerolog.Nop(),
		reserved: make(map[string]reservation),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Family() interop.Family { return interop.FamilyX12 }

func (a *Adapter) Validate(req *interop.Request) error {
	code, ok := setCodes[req.Type]
	if !ok {
		return interop.Validation("UNSUPPORTED_TRANSACTION_TYPE", "x12 adapter does not handle %s", req.Type)
	}
	if len(bytes.TrimSpace(req.Payload)) == 0 {
		return interop.Validation("EMPTY_PAYLOAD", "x12 payload is empty")
	}
	ic, err := Parse(req.Payload)
	if err != nil {
		return interop.Validation("INVALID_X12", "%v", err)
	}
	if errs := ic.Check(); len(errs) > 0 {
		return interop.Validation("X12_STRUCTURE", "%s", strings.Join(errs, "; "))
	}
	for _, s := range ic.Sets() {
		if s.Code != code {
			return interop.Validation("X12_SET_MISMATCH", "transaction set %s does not match %s", s.Code, req.Type)
		}
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, req *interop.Request, cred *credential.Credential, target *adapter.Target) (*adapter.RawResponse, error) {
	pt := target.Partner
	if pt == nil {
		return nil, interop.Permanent("NO_PARTNER", "x12 transactions require a trading partner")
	}
	if pt.Endpoint == "" {
		return nil, interop.Permanent("NO_ENDPOINT", "partner %s has no x12 endpoint", pt.ID)
	}

	wire, err := a.envelope(ctx, req, target)
	if err != nil {
		return nil, err
	}
	sent, _ := Parse(wire)
	a.record(ctx, req.TransactionID, sent, wire, "outbound", document.X12Processing, "", nil)

	raw, err := a.http.Do(ctx, cred, adapter.HTTPExchange{
		Method:      http.MethodPost,
		URL:         pt.Endpoint,
		ContentType: ContentType,
		Accept:      ContentType,
		Body:        wire,
	})
	if err != nil {
		return raw, err
	}
	if body := bytes.TrimSpace(raw.Body); bytes.HasPrefix(body, []byte("ISA")) {
		if in, perr := Parse(body); perr == nil {
			status, code := document.X12Received, ""
			var errs []string
			if ack := ReadAck(in); ack != nil {
				code, errs = ack.Code, ack.Errors
				if ack.Rejected() {
					status = document.X12Rejected
				}
			}
			a.record(ctx, req.TransactionID, in, body, "inbound", status, code, errs)
		}
	}
	return raw, nil
}

// envelope returns the bytes to transmit. Bare sets are wrapped with freshly
// reserved control numbers; complete interchanges are checked for control
// number agreement and sequence.
func (a *Adapter) envelope(ctx context.Context, req *interop.Request, target *adapter.Target) ([]byte, error) {
	if wire, ok := a.reservation(req.TransactionID); ok {
		return wire, nil
	}
	pt := target.Partner
	ic, err := Parse(req.Payload)
	if err != nil {
		return nil, interop.Validation("INVALID_X12", "%v", err)
	}

	var wire []byte
	if !ic.Enveloped {
		if a.identity.SenderID == "" {
			return nil, interop.Permanent("X12_NO_SENDER_ID", "gateway x12 sender id is not configured")
		}
		isa, gs, err := a.controls.Next(ctx, pt.ID)
		if err != nil {
			return nil, interop.Wrap(interop.KindUnavailable, "CONTROL_SEQUENCE_UNAVAILABLE", err, "reserve control numbers for %s", pt.ID)
		}
		receiver := pt.ISAID
		if receiver == "" {
			receiver = pt.ID
		}
		wire, err = Wrap(ic, Envelope{
			SenderQualifier:   a.identity.SenderQualifier,
			SenderID:          a.identity.SenderID,
			ReceiverQualifier: pt.ISAQualifier,
			ReceiverID:        receiver,
			GSReceiverID:      pt.GSID,
			ISAControl:        isa,
			GSControl:         gs,
			Usage:             a.identity.Usage,
			Now:               a.now().UTC(),
		})
		if err != nil {
			return nil, interop.Validation("X12_ENVELOPE", "%v", err)
		}
	} else {
		if m := ic.ControlMismatches(); len(m) > 0 {
			return nil, interop.Permanent("X12_CONTROL_MISMATCH", "%s", strings.Join(m, "; "))
		}
		isa, gs := atoi(ic.ControlNumber), atoi(ic.Groups[0].ControlNumber)
		if isa <= 0 || gs <= 0 {
			return nil, interop.Permanent("X12_CONTROL_MISMATCH", "control numbers must be positive integers (ISA13 %q, GS06 %q)", ic.ControlNumber, ic.Groups[0].ControlNumber)
		}
		if err := a.controls.Observe(ctx, pt.ID, "outbound", int64(isa), int64(gs)); err != nil {
			if errors.Is(err, document.ErrOutOfSequence) {
				return nil, interop.Permanent("X12_CONTROL_MISMATCH", "interchange %s / group %s is a duplicate or out of sequence for %s", ic.ControlNumber, ic.Groups[0].ControlNumber, pt.ID)
			}
			return nil, interop.Wrap(interop.KindUnavailable, "CONTROL_SEQUENCE_UNAVAILABLE", err, "check control numbers for %s", pt.ID)
		}
		wire = bytes.TrimSpace(req.Payload)
	}
	a.reserve(req.TransactionID, wire)
	return wire, nil
}

func (a *Adapter) reservation(transactionID string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.reserved[transactionID]
	return r.wire, ok
}

func (a *Adapter) reserve(transactionID string, wire []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for id, r := range a.reserved {
		if now.Sub(r.at) > reservationTTL {
			delete(a.reserved, id)
		}
	}
	a.reserved[transactionID] = reservation{wire: wire, at: now}
}

func (a *Adapter) release(transactionID string) {
	a.mu.Lock()
	delete(a.reserved, transactionID)
	a.mu.Unlock()
}

// Finalize drops the envelope pinned for a finished transaction, including
// ones that exhausted their retries or were cancelled mid-flight.
func (a *Adapter) Finalize(transactionID string) {
	a.release(transactionID)
}

// Response is the artifact recorded for an x12 exchange.
type Response struct {
	ISAControlNumber string          `json:"isa_control_number,omitempty"`
	SenderID         string          `json:"sender_id,omitempty"`
	ReceiverID       string          `json:"receiver_id,omitempty"`
	Acknowledgment   *Acknowledgment `json:"acknowledgment,omitempty"`
	Contents         []Content       `json:"contents,omitempty"`
}

func (a *Adapter) Parse(req *interop.Request, raw *adapter.RawResponse) interop.Result {
	res := adapter.HTTPResult(raw)
	if res.Err != nil {
		if !interop.Retryable(interop.KindOf(res.Err)) {
			a.release(req.TransactionID)
		}
		return res
	}
	defer a.release(req.TransactionID)

	body := bytes.TrimSpace(raw.Body)
	if !bytes.HasPrefix(body, []byte("ISA")) {
		res.ResponseMessage = "interchange accepted for delivery"
		return res
	}
	ic, err := Parse(body)
	if err != nil {
		res.Err = interop.Permanent("INVALID_X12_RESPONSE", "partner response is not a valid interchange: %v", err).WithStatus(raw.StatusCode)
		return res
	}

	out := Response{
		ISAControlNumber: ic.ControlNumber,
		SenderID:         ic.SenderID,
		ReceiverID:       ic.ReceiverID,
		Acknowledgment:   ReadAck(ic),
	}
	for _, s := range ic.Sets() {
		if s.Code == "999" || s.Code == "997" {
			continue
		}
		out.Contents = append(out.Contents, ReadContent(s, ic.Delimiters))
	}
	if art, err := interop.NewArtifact("x12_response", out); err == nil {
		res.Artifact = art
	}

	if ack := out.Acknowledgment; ack != nil {
		if ack.Rejected() {
			code := "X12_REJECTED"
			if ack.Type == "TA1" {
				code = "X12_INTERCHANGE_REJECTED"
			}
			msg := ack.Type + " acknowledgment code " + ack.Code
			if len(ack.Errors) > 0 {
				msg += ": " + strings.Join(ack.Errors, "; ")
			}
			res.ResponseMessage = msg
			res.Err = interop.Permanent(code, "%s", msg).WithStatus(raw.StatusCode)
			return res
		}
		res.ResponseMessage = ack.Type + " accepted"
		return res
	}
	if len(out.Contents) > 0 {
		res.ResponseMessage = out.Contents[0].SetCode + " received"
	}
	return res
}

// x12Type maps a set code to the stored document type.
func x12Type(s TransactionSet, direction string) document.X12Type {
	switch s.Code {
	case "270":
		return document.X12EligibilityInquiry
	case "271":
		return document.X12EligibilityResponse
	case "276":
		return document.X12ClaimStatusRequest
	case "277":
		return document.X12ClaimStatusResponse
	case "278":
		if direction == "inbound" {
			return document.X12PriorAuthResponse
		}
		return document.X12PriorAuthRequest
	case "835":
		return document.X12PaymentRemittance
	case "837":
		switch {
		case strings.Contains(s.Version, "X223"):
			return document.X12InstitutionalClaim
		case strings.Contains(s.Version, "X224"):
			return document.X12DentalClaim
		}
		return document.X12ProfessionalClaim
	case "999":
		return document.X12ImplementationAck
	case "997":
		return document.X12FunctionalAck
	}
	return document.X12Type(s.Code)
}

func interchangeDate(ic *Interchange) *time.Time {
	t, err := time.Parse("0601021504", ic.Date+ic.Time)
	if err != nil {
		return nil
	}
	return &t
}

// record stores one row per transaction set. TA1-only interchanges store a
// single acknowledgment row. Persistence failures are logged, not returned.
func (a *Adapter) record(ctx context.Context, transactionID string, ic *Interchange, wire []byte, direction string, status document.X12Status, ackCode string, errs []string) {
	if a.store == nil || ic == nil {
		return
	}
	now := a.now().UTC()
	base := document.X12Transaction{
		ISAControlNumber:   ic.ControlNumber,
		SenderID:           ic.SenderID,
		SenderQualifier:    ic.SenderQualifier,
		ReceiverID:         ic.ReceiverID,
		ReceiverQualifier:  ic.ReceiverQualifier,
		RawContent:         string(wire),
		Status:             status,
		AcknowledgmentCode: ackCode,
		Errors:             errs,
		InterchangeDate:    interchangeDate(ic),
		TransactionID:      transactionID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	var rows []document.X12Transaction
	for _, g := range ic.Groups {
		for _, s := range g.Sets {
			row := base
			row.ID = uuid.New()
			row.Type = x12Type(s, direction)
			row.TransactionSetID = s.Code
			row.GSControlNumber = g.ControlNumber
			row.STControlNumber = s.ControlNumber
			if parsed, err := json.Marshal(ReadContent(s, ic.Delimiters)); err == nil {
				row.ParsedContent = parsed
			}
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		row := base
		row.ID = uuid.New()
		row.Type = document.X12InterchangeAck
		row.TransactionSetID = "TA1"
		rows = append(rows, row)
	}
	for i := range rows {
		if err := a.store.SaveX12(ctx, &rows[i]); err != nil {
			a.logger.Warn().Err(err).Str("transaction_id", transactionID).Str("st_control", rows[i].STControlNumber).Msg("failed to store x12 transaction")
		}
	}
}

// Inbound is the outcome of accepting an interchange from a partner.
type Inbound struct {
	Interchange *Interchange `json:"interchange"`
	Accepted    bool         `json:"accepted"`
	Errors      []string     `json:"errors,omitempty"`
	Ack         string       `json:"ack_999"`
}

// Acknowledge checks an inbound interchange from partnerID, records it and
// returns a 999 addressed back to the sender. Structural, control number
// and sequencing problems reject the group in the 999 rather than failing
// the call.
func (a *Adapter) Acknowledge(ctx context.Context, partnerID string, payload []byte) (*Inbound, error) {
	ic, err := Parse(payload)
	if err != nil {
		return nil, interop.Validation("INVALID_X12", "%v", err)
	}
	if !ic.Enveloped {
		return nil, interop.Validation("X12_NOT_ENVELOPED", "inbound interchanges must carry an ISA envelope")
	}
	errs := append(ic.Check(), ic.ControlMismatches()...)
	if len(errs) == 0 && len(ic.Groups) > 0 {
		err := a.controls.Observe(ctx, partnerID, "inbound", int64(atoi(ic.ControlNumber)), int64(atoi(ic.Groups[0].ControlNumber)))
		switch {
		case errors.Is(err, document.ErrOutOfSequence):
			errs = append(errs, "duplicate or out of sequence interchange "+ic.ControlNumber)
		case err != nil:
			return nil, interop.Wrap(interop.KindUnavailable, "CONTROL_SEQUENCE_UNAVAILABLE", err, "check control numbers for %s", partnerID)
		}
	}

	isa, gs, err := a.controls.Next(ctx, partnerID)
	if err != nil {
		return nil, interop.Wrap(interop.KindUnavailable, "CONTROL_SEQUENCE_UNAVAILABLE", err, "reserve control numbers for %s", partnerID)
	}
	env := Envelope{
		SenderQualifier:   a.identity.SenderQualifier,
		SenderID:          a.identity.SenderID,
		ReceiverQualifier: ic.SenderQualifier,
		ReceiverID:        ic.SenderID,
		ISAControl:        isa,
		GSControl:         gs,
		Usage:             a.identity.Usage,
		Now:               a.now().UTC(),
	}
	if len(ic.Groups) > 0 {
		env.GSReceiverID = ic.Groups[0].SenderID
	}
	ack, err := Build999(ic, errs, env)
	if err != nil {
		return nil, interop.Validation("X12_STRUCTURE", "%v", err)
	}

	status, code := document.X12Validated, AckAccepted
	if len(errs) > 0 {
		status, code = document.X12Rejected, AckRejected
	}
	a.record(ctx, "", ic, bytes.TrimSpace(payload), "inbound", status, code, errs)
	if out, err := Parse(ack); err == nil {
		a.record(ctx, "", out, ack, "outbound", document.X12Completed, code, nil)
	}
	a.logger.Info().Str("partner_id", partnerID).Str("isa_control", ic.ControlNumber).Bool("accepted", len(errs) == 0).Msg("inbound interchange acknowledged")
	return &Inbound{Interchange: ic, Accepted: len(errs) == 0, Errors: errs, Ack: string(ack)}, nil
}
