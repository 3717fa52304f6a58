// Package ccda implements the C-CDA document exchange adapter: structural
// validation of ClinicalDocuments and the XCA query/retrieve and XDS.b
// provide-and-register SOAP exchanges that carry them.
package ccda

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/adapter/soap"
	"github.com/ehr/interop/internal/adapter/xds"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/domain/document"
	"github.com/ehr/interop/internal/interop"
)

// Request parameters.
const (
	ParamPatientID       = "patient_id"
	ParamDocumentID      = "document_id"
	ParamRepositoryID    = "repository_id"
	ParamHomeCommunityID = "home_community_id"
)

// Paths below the partner endpoint for each exchange.
const (
	PathQuery    = "xca-query"
	PathRetrieve = "xca-retrieve"
	PathSubmit   = "xds-provide"
)

type Adapter struct {
	http            *adapter.HTTPClient
	store           document.Repository
	homeCommunityID string
	sourceOID       string
	now             func() time.Time
	logger          zerolog.Logger
}

type Option func(*Adapter)

// WithStore records retrieved and submitted document metadata.
func WithStore(store document.Repository) Option {
	return func(a *Adapter) { a.store = store }
}

// WithIdentity sets the gateway's home community id and the organization
// OID used as the XDS submission source.
func WithIdentity(homeCommunityID, sourceOID string) Option {
	return func(a *Adapter) {
		a.homeCommunityID = homeCommunityID
		a.sourceOID = sourceOID
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l.With().Str("component", "ccda").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func New(client *adapter.HTTPClient, opts ...Option) *Adapter {
	a := &Adapter{http: client, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Family() interop.Family { return interop.FamilyCCDA }

func (a *Adapter) Validate(req *interop.Request) error {
	switch req.Type {
	case interop.TypeCCDAQuery:
		if req.Param(ParamPatientID) == "" {
			return interop.Validation("MISSING_PATIENT_ID", "%s is required for a document query", ParamPatientID)
		}
	case interop.TypeCCDARetrieve:
		if req.Param(ParamDocumentID) == "" || req.Param(ParamRepositoryID) == "" {
			return interop.Validation("MISSING_DOCUMENT_REF", "%s and %s are required to retrieve a document", ParamDocumentID, ParamRepositoryID)
		}
	case interop.TypeCCDASubmit:
		if len(req.Payload) == 0 {
			return interop.Validation("EMPTY_PAYLOAD", "no clinical document to submit")
		}
		meta, problems, err := Inspect(req.Payload)
		if err != nil {
			return interop.Validation("INVALID_CCDA", "%v", err)
		}
		if len(problems) > 0 {
			return interop.Validation("CCDA_STRUCTURE", "%s", strings.Join(problems, "; "))
		}
		if meta.PatientID == "" && req.Param(ParamPatientID) == "" {
			return interop.Validation("MISSING_PATIENT_ID", "document has no patient id with root and extension")
		}
	default:
		return interop.Validation("UNSUPPORTED_TRANSACTION_TYPE", "ccda adapter does not handle %s", req.Type)
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, req *interop.Request, cred *credential.Credential, target *adapter.Target) (*adapter.RawResponse, error) {
	pt := target.Partner
	if pt == nil || pt.Endpoint == "" {
		return nil, interop.Permanent("NO_ENDPOINT", "partner %s has no document exchange endpoint", target.PartnerID())
	}

	var (
		path string
		msg  soap.Message
	)
	switch req.Type {
	case interop.TypeCCDAQuery:
		path = PathQuery
		msg = soap.Message{Action: xds.ActionCrossGatewayQuery, Body: xds.FindDocuments(req.Param(ParamPatientID), req.Param(ParamHomeCommunityID))}
	case interop.TypeCCDARetrieve:
		path = PathRetrieve
		msg = soap.Message{Action: xds.ActionCrossGatewayRetrieve, Body: xds.RetrieveDocumentSet(xds.DocumentRef{
			HomeCommunityID:    req.Param(ParamHomeCommunityID),
			RepositoryUniqueID: req.Param(ParamRepositoryID),
			DocumentUniqueID:   req.Param(ParamDocumentID),
		})}
	case interop.TypeCCDASubmit:
		body, err := a.submission(req)
		if err != nil {
			return nil, err
		}
		path = PathSubmit
		msg = soap.Message{Action: xds.ActionProvideAndRegister, Body: body}
	}

	raw, err := soap.Post(ctx, a.http, cred, adapter.JoinURL(pt.Endpoint, path), msg)
	if err != nil {
		a.persist(ctx, req, outcome{Result: interop.Result{Err: err}})
		return raw, err
	}
	a.persist(ctx, req, a.interpret(req, raw))
	return raw, nil
}

func (a *Adapter) submission(req *interop.Request) (*etree.Element, error) {
	meta, _, err := Inspect(req.Payload)
	if err != nil {
		return nil, interop.Validation("INVALID_CCDA", "%v", err)
	}
	patient := req.Param(ParamPatientID)
	if patient == "" {
		patient = meta.PatientID
	}
	// XDS registries verify a SHA-1 hash of the document.
	sum := sha1.Sum(req.Payload)
	now := a.now().UTC()
	s := xds.Submission{
		DocumentUniqueID: meta.DocumentID,
		SetUniqueID:      a.sourceOID + "." + strconv.FormatInt(now.UnixNano(), 10),
		SourceID:         a.sourceOID,
		PatientID:        patient,
		Title:            meta.Title,
		MimeType:         MimeType,
		SubmissionTime:   now.Format("20060102150405"),
		Hash:             hex.EncodeToString(sum[:]),
		Size:             len(req.Payload),
	}
	if meta.EffectiveTime != nil {
		s.CreationTime = meta.EffectiveTime.UTC().Format("20060102150405")
	}
	return xds.ProvideAndRegister(s, req.Payload), nil
}

// QueryResult is the artifact for a document query.
type QueryResult struct {
	Status    string              `json:"status"`
	Documents []xds.DocumentEntry `json:"documents"`
}

// Retrieved is the artifact for a retrieved document.
type Retrieved struct {
	xds.DocumentRef
	Metadata *Metadata `json:"metadata"`
	Content  []byte    `json:"content"`
}

// Submitted is the artifact for a provide-and-register exchange.
type Submitted struct {
	Metadata *Metadata `json:"metadata"`
	Status   string    `json:"status"`
}

func (a *Adapter) Parse(req *interop.Request, raw *adapter.RawResponse) interop.Result {
	return a.interpret(req, raw).Result
}

type outcome struct {
	interop.Result
	retrieved []Retrieved
	submitted *Metadata
}

func (a *Adapter) interpret(req *interop.Request, raw *adapter.RawResponse) outcome {
	res, payload := soap.Interpret(raw)
	out := outcome{Result: res}
	if res.Err != nil {
		return out
	}
	st := xds.ReadStatus(payload)
	if st.Failed() {
		out.ResponseMessage = st.Summary()
		out.Err = interop.Permanent("XDS_REGISTRY_ERROR", "%s", st.Summary()).WithStatus(raw.StatusCode)
		return out
	}

	var artifact any
	switch req.Type {
	case interop.TypeCCDAQuery:
		docs := xds.ReadDocumentEntries(payload)
		artifact = QueryResult{Status: st.Value, Documents: docs}
		out.ResponseMessage = fmt.Sprintf("%d documents found", len(docs))
	case interop.TypeCCDARetrieve:
		docs, err := xds.ReadRetrievedDocuments(payload)
		if err != nil {
			out.Err = interop.Permanent("INVALID_DOCUMENT_RESPONSE", "%v", err).WithStatus(raw.StatusCode)
			return out
		}
		if len(docs) == 0 {
			out.Err = interop.Permanent("DOCUMENT_NOT_FOUND", "responding gateway returned no document for %s", req.Param(ParamDocumentID)).WithStatus(raw.StatusCode)
			return out
		}
		for _, d := range docs {
			meta, _, err := Inspect(d.Content)
			if err != nil {
				meta = &Metadata{ContentHash: ContentHash(d.Content), SizeBytes: len(d.Content), MimeType: d.MimeType, DocumentType: document.CCDAUnstructured}
			}
			out.retrieved = append(out.retrieved, Retrieved{DocumentRef: d.DocumentRef, Metadata: meta, Content: d.Content})
		}
		artifact = out.retrieved
		out.ResponseMessage = fmt.Sprintf("%d documents retrieved", len(docs))
	case interop.TypeCCDASubmit:
		meta, _, _ := Inspect(req.Payload)
		out.submitted = meta
		artifact = Submitted{Metadata: meta, Status: st.Value}
		out.ResponseMessage = "document registered"
	}
	if st.Partial() {
		out.ResponseMessage += " (partial success: " + st.Summary() + ")"
	}
	if art, err := interop.NewArtifact(artifactKind(req.Type), artifact); err == nil {
		out.Artifact = art
	}
	return out
}

func artifactKind(t interop.TransactionType) string {
	switch t {
	case interop.TypeCCDAQuery:
		return "ccda_query_result"
	case interop.TypeCCDARetrieve:
		return "ccda_document"
	}
	return "ccda_submission"
}

// persist stores document metadata for retrieved and submitted documents.
// Failures are logged; the exchange outcome is unaffected.
func (a *Adapter) persist(ctx context.Context, req *interop.Request, out outcome) {
	if a.store == nil {
		return
	}
	now := a.now().UTC()
	var docs []*document.CCDADocument
	switch {
	case req.Type == interop.TypeCCDARetrieve && out.Err == nil:
		for _, r := range out.retrieved {
			docs = append(docs, record(r.Metadata, r.DocumentUniqueID, document.ExchangeReceived, req.TransactionID, now))
		}
	case req.Type == interop.TypeCCDASubmit:
		meta, _, err := Inspect(req.Payload)
		if err != nil {
			return
		}
		status := document.ExchangeShared
		if out.Err != nil {
			status = document.ExchangeSendFailed
		}
		docs = append(docs, record(meta, meta.DocumentID, status, req.TransactionID, now))
	}
	for _, d := range docs {
		if err := a.store.SaveCCDA(ctx, d); err != nil {
			a.logger.Warn().Err(err).Str("document_id", d.DocumentID).Msg("failed to store document metadata")
		}
	}
}

func record(meta *Metadata, documentID string, status document.ExchangeStatus, transactionID string, now time.Time) *document.CCDADocument {
	if documentID == "" {
		documentID = meta.DocumentID
	}
	return &document.CCDADocument{
		ID:             uuid.New(),
		DocumentID:     documentID,
		DocumentType:   meta.DocumentType,
		PatientID:      meta.PatientID,
		Title:          meta.Title,
		ContentHash:    meta.ContentHash,
		SizeBytes:      int64(meta.SizeBytes),
		MimeType:       meta.MimeType,
		ExchangeStatus: status,
		SourceNetwork:  "xca",
		TransactionID:  transactionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
