// Package direct implements the Direct secure messaging adapter: address
// and certificate checks against the directory, S/MIME signing and
// encryption, and SMTP relay through the partner HISP.
package direct

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/interop"
)

// Request parameters.
const (
	ParamFrom       = "from"
	ParamTo         = "to"
	ParamSubject    = "subject"
	ParamRequestMDN = "request_mdn"
	ParamAttachment = "attachment_name"
)

// AddressBook resolves Direct addresses and records their activity.
type AddressBook interface {
	ResolveDirectAddress(ctx context.Context, address string) (*partner.DirectAddress, error)
	RecordDirectActivity(ctx context.Context, address string, sent bool)
}

type Adapter struct {
	book       AddressBook
	dial       Dialer
	heloName   string
	requireTLS bool
	rootCAs    *x509.CertPool
	now        func() time.Time
	logger     zerolog.Logger
}

type Option func(*Adapter)

func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// WithHeloName sets the EHLO name announced to relays.
func WithHeloName(name string) Option {
	return func(a *Adapter) { a.heloName = name }
}

// WithPlaintextRelay allows relays on non-465 ports that do not offer
// STARTTLS. Only for local test relays.
func WithPlaintextRelay() Option {
	return func(a *Adapter) { a.requireTLS = false }
}

// WithRootCAs overrides the trust roots used to verify relay certificates.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(a *Adapter) { a.rootCAs = pool }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l.With().Str("component", "direct").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func New(book AddressBook, opts ...Option) *Adapter {
	var d net.Dialer
	a := &Adapter{
		book:       book,
		dial:       d.DialContext,
		heloName:   "localhost",
		requireTLS: true,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Family() interop.Family { return interop.FamilyDirect }

func recipients(req *interop.Request) []string {
	var out []string
	for _, r := range strings.Split(req.Param(ParamTo), ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func (a *Adapter) Validate(req *interop.Request) error {
	switch req.Type {
	case interop.TypeDirectSend:
		if len(req.Payload) == 0 {
			return interop.Validation("EMPTY_PAYLOAD", "direct message has no content")
		}
		if _, err := mail.ParseAddress(req.Param(ParamFrom)); err != nil {
			return interop.Validation("INVALID_DIRECT_ADDRESS", "from %q: %v", req.Param(ParamFrom), err)
		}
		to := recipients(req)
		if len(to) == 0 {
			return interop.Validation("INVALID_DIRECT_ADDRESS", "at least one recipient is required")
		}
		for _, r := range to {
			if _, err := mail.ParseAddress(r); err != nil {
				return interop.Validation("INVALID_DIRECT_ADDRESS", "to %q: %v", r, err)
			}
		}
	case interop.TypeDirectReceive:
		msg, err := mail.ReadMessage(bytes.NewReader(req.Payload))
		if err != nil {
			return interop.Validation("INVALID_MIME", "inbound direct message: %v", err)
		}
		if !strings.Contains(strings.ToLower(msg.Header.Get("Content-Type")), "enveloped-data") {
			return interop.Validation("NOT_ENCRYPTED", "inbound direct message is not S/MIME enveloped data")
		}
	default:
		return interop.Validation("UNSUPPORTED_TRANSACTION_TYPE", "direct adapter does not handle %s", req.Type)
	}
	return nil
}

// resolve looks up an address and refuses it unless it is active with a
// current certificate. Unknown addresses are validation failures; directory
// outages keep their classification.
func (a *Adapter) resolve(ctx context.Context, addr string) (*partner.DirectAddress, error) {
	da, err := a.book.ResolveDirectAddress(ctx, addr)
	if err != nil {
		if errors.Is(err, interop.ErrNotFound) {
			return nil, interop.Validation("UNKNOWN_DIRECT_ADDRESS", "direct address %s is not in the directory", addr)
		}
		return nil, interop.Classify(err)
	}
	if err := da.Usable(a.now()); err != nil {
		return nil, interop.Validation("DIRECT_ADDRESS_UNUSABLE", "%v", err)
	}
	return da, nil
}

// ValidateContext runs the directory checks for an outbound message: both
// ends must be known, active and hold a current certificate. Directory
// outages are returned as is so the caller can defer the check to Send.
func (a *Adapter) ValidateContext(ctx context.Context, req *interop.Request) error {
	if req.Type != interop.TypeDirectSend {
		return nil
	}
	_, err := a.parties(ctx, req.Param(ParamFrom), recipients(req))
	return err
}

type partyKeys struct {
	signer *x509.Certificate
	key    crypto.PrivateKey
	certs  []*x509.Certificate
}

func (a *Adapter) parties(ctx context.Context, from string, to []string) (*partyKeys, error) {
	sender, err := a.resolve(ctx, from)
	if err != nil {
		return nil, err
	}
	p := &partyKeys{}
	if p.signer, err = usableCert(sender.Certificate, a.now()); err != nil {
		return nil, interop.Validation("DIRECT_CERTIFICATE", "sender %s: %v", from, err)
	}
	if p.key, err = parsePrivateKey(sender.PrivateKey); err != nil {
		return nil, interop.Validation("DIRECT_CERTIFICATE", "sender %s: %v", from, err)
	}
	for _, r := range to {
		da, err := a.resolve(ctx, r)
		if err != nil {
			return nil, err
		}
		cert, err := usableCert(da.Certificate, a.now())
		if err != nil {
			return nil, interop.Validation("DIRECT_CERTIFICATE", "recipient %s: %v", r, err)
		}
		p.certs = append(p.certs, cert)
	}
	return p, nil
}

// Message is the artifact recorded for a Direct exchange.
type Message struct {
	MessageID    string   `json:"message_id"`
	From         string   `json:"from"`
	To           []string `json:"to"`
	Subject      string   `json:"subject,omitempty"`
	MDNRequested bool     `json:"mdn_requested"`
	SizeBytes    int      `json:"size_bytes"`
	Relay        string   `json:"relay,omitempty"`
	ContentType  string   `json:"content_type,omitempty"`
	Filename     string   `json:"filename,omitempty"`
	Signer       string   `json:"signer,omitempty"`
}

func (a *Adapter) Send(ctx context.Context, req *interop.Request, cred *credential.Credential, target *adapter.Target) (*adapter.RawResponse, error) {
	if req.Type == interop.TypeDirectReceive {
		return a.receive(ctx, req)
	}

	from := req.Param(ParamFrom)
	to := recipients(req)
	p, err := a.parties(ctx, from, to)
	if err != nil {
		return nil, err
	}

	pt := target.Partner
	if pt == nil || pt.SMTPHost == "" {
		return nil, interop.Permanent("NO_SMTP_HOST", "no HISP relay configured for partner %s", target.PartnerID())
	}
	port := pt.SMTPPort
	if port == 0 {
		port = DefaultSMTPPort
	}

	msg := Message{
		MessageID:    fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(from)),
		From:         from,
		To:           to,
		Subject:      req.Param(ParamSubject),
		MDNRequested: req.Param(ParamRequestMDN) == "true",
		Relay:        fmt.Sprintf("smtp://%s:%d", pt.SMTPHost, port),
	}
	data, err := a.compose(msg, req, p.signer, p.key, p.certs)
	if err != nil {
		return nil, interop.Permanent("SMIME_FAILED", "%v", err)
	}
	msg.SizeBytes = len(data)

	start := a.now()
	err = a.relay(ctx, cred, envelope{host: pt.SMTPHost, port: port, from: from, to: to, data: data})
	raw := &adapter.RawResponse{Method: "SMTP", URL: msg.Relay, Elapsed: a.now().Sub(start)}
	if err != nil {
		return raw, err
	}
	raw.StatusCode = 250
	if art, err := interop.NewArtifact("direct_message", msg); err == nil {
		raw.Artifact = art
	}
	a.book.RecordDirectActivity(context.WithoutCancel(ctx), from, true)
	a.logger.Info().Str("transaction_id", req.TransactionID).Str("message_id", msg.MessageID).Int("recipients", len(to)).Msg("direct message relayed")
	return raw, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}

// compose builds the outer RFC 5322 message around the S/MIME envelope.
func (a *Adapter) compose(msg Message, req *interop.Request, signer *x509.Certificate, key crypto.PrivateKey, certs []*x509.Certificate) ([]byte, error) {
	inner := contentEntity(req.ContentType, req.Param(ParamAttachment), req.Payload)
	sealed, err := sealEntity(inner, signer, key, certs)
	if err != nil {
		return nil, err
	}
	headers := [][2]string{
		{"Message-ID", msg.MessageID},
		{"Date", a.now().Format(time.RFC1123Z)},
		{"From", msg.From},
		{"To", strings.Join(msg.To, ", ")},
		{"Subject", msg.Subject},
		{"MIME-Version", "1.0"},
	}
	if msg.MDNRequested {
		headers = append(headers, [2]string{"Disposition-Notification-To", msg.From})
	}
	headers = append(headers,
		[2]string{"Content-Type", envelopedDataType},
		[2]string{"Content-Transfer-Encoding", "base64"},
		[2]string{"Content-Disposition", `attachment; filename="smime.p7m"`},
	)
	return entity(headers, wrap76(sealed)), nil
}

// receive opens an inbound message addressed to one of our addresses.
func (a *Adapter) receive(ctx context.Context, req *interop.Request) (*adapter.RawResponse, error) {
	m, body, err := readEntity(req.Payload)
	if err != nil {
		return nil, interop.Validation("INVALID_MIME", "%v", err)
	}
	list, err := m.Header.AddressList("To")
	if err != nil || len(list) == 0 {
		return nil, interop.Validation("INVALID_DIRECT_ADDRESS", "inbound message has no usable To header")
	}

	var rcpt *partner.DirectAddress
	for _, addr := range list {
		da, err := a.resolve(ctx, addr.Address)
		if err != nil {
			if interop.KindOf(err) == interop.KindValidation {
				continue
			}
			return nil, err
		}
		if da.PrivateKey != "" {
			rcpt = da
			break
		}
	}
	if rcpt == nil {
		return nil, interop.Validation("UNKNOWN_DIRECT_ADDRESS", "no local recipient with a decryption key")
	}
	cert, err := usableCert(rcpt.Certificate, a.now())
	if err != nil {
		return nil, interop.Validation("DIRECT_CERTIFICATE", "recipient %s: %v", rcpt.Address, err)
	}
	key, err := parsePrivateKey(rcpt.PrivateKey)
	if err != nil {
		return nil, interop.Validation("DIRECT_CERTIFICATE", "recipient %s: %v", rcpt.Address, err)
	}
	opened, err := openEntity(body, cert, key)
	if err != nil {
		return nil, interop.Permanent("SMIME_FAILED", "%v", err)
	}

	from := m.Header.Get("From")
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}
	if err := a.checkSigner(ctx, from, opened.Signer); err != nil {
		return nil, err
	}

	msg := Message{
		MessageID:    m.Header.Get("Message-ID"),
		From:         from,
		To:           []string{rcpt.Address},
		Subject:      m.Header.Get("Subject"),
		MDNRequested: m.Header.Get("Disposition-Notification-To") != "",
		SizeBytes:    len(req.Payload),
		ContentType:  opened.ContentType,
		Filename:     opened.Filename,
	}
	if opened.Signer != nil {
		msg.Signer = opened.Signer.Subject.CommonName
	}
	raw := &adapter.RawResponse{Method: "RECEIVE", URL: "direct:" + rcpt.Address, StatusCode: 250}
	if art, err := interop.NewArtifact("direct_message", msg); err == nil {
		raw.Artifact = art
	}
	a.book.RecordDirectActivity(context.WithoutCancel(ctx), rcpt.Address, false)
	return raw, nil
}

// checkSigner requires the signing certificate to be the one the directory
// holds for the sender, when the sender is known.
func (a *Adapter) checkSigner(ctx context.Context, from string, signer *x509.Certificate) error {
	if signer == nil {
		return interop.Permanent("SMIME_UNSIGNED", "inbound message carries no signer certificate")
	}
	da, err := a.book.ResolveDirectAddress(ctx, from)
	if err != nil {
		if errors.Is(err, interop.ErrNotFound) {
			return nil
		}
		return interop.Classify(err)
	}
	if da.Certificate == "" {
		return nil
	}
	known, err := parseCertificate(da.Certificate)
	if err != nil {
		return nil
	}
	if !known.Equal(signer) {
		return interop.Permanent("SMIME_SIGNER_MISMATCH", "message from %s is not signed with its directory certificate", from)
	}
	return nil
}

func (a *Adapter) Parse(req *interop.Request, raw *adapter.RawResponse) interop.Result {
	res := interop.Result{
		ResponseCode:  raw.StatusCode,
		RequestURL:    raw.URL,
		RequestMethod: raw.Method,
		Artifact:      raw.Artifact,
		Err:           raw.Err,
	}
	if res.Err != nil {
		res.ResponseMessage = res.Err.Error()
		return res
	}
	if req.Type == interop.TypeDirectReceive {
		res.ResponseMessage = "message received"
	} else {
		res.ResponseMessage = "message accepted for delivery"
	}
	return res
}
