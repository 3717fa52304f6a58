// Package network implements federated query and retrieve against the
// national exchange networks: TEFCA QHINs over REST, Carequality
// implementers over XCPD/XCA SOAP, and the CommonWell person API.
package network

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/interop"
)

// Request parameters.
const (
	ParamPurposeOfUse    = "purpose_of_use"
	ParamPatientID       = "patient_id"
	ParamGiven           = "given"
	ParamFamily          = "family"
	ParamBirthDate       = "birth_date"
	ParamGender          = "gender"
	ParamDocumentID      = "document_id"
	ParamRepositoryID    = "repository_id"
	ParamHomeCommunityID = "home_community_id"
	ParamDocumentType    = "document_type"
	ParamDateFrom        = "date_from"
	ParamDateTo          = "date_to"
	ParamPersonID        = "person_id"
	ParamLocalPatientID  = "local_patient_id"
	ParamLinkStrength    = "link_strength"
	ParamQueryID         = "query_id"
)

// Purposes of use accepted for TEFCA and Carequality exchanges.
const (
	PurposeTreatment        = "TREATMENT"
	PurposePayment          = "PAYMENT"
	PurposeOperations       = "OPERATIONS"
	PurposePublicHealth     = "PUBLIC_HEALTH"
	PurposeIndividualAccess = "INDIVIDUAL_ACCESS"
)

var purposes = map[string]bool{
	PurposeTreatment:        true,
	PurposePayment:          true,
	PurposeOperations:       true,
	PurposePublicHealth:     true,
	PurposeIndividualAccess: true,
}

// Capabilities a participant may publish.
const (
	CapabilityPatientDiscovery = "patient_discovery"
	CapabilityDocumentQuery    = "document_query"
	CapabilityDocumentRetrieve = "document_retrieve"
	CapabilityPersonLink       = "person_link"
)

var linkStrengths = map[string]bool{"definite": true, "probable": true, "possible": true}

// Organization identifies the gateway's organization on every network.
type Organization struct {
	Name            string `json:"name"`
	OID             string `json:"oid"`
	NPI             string `json:"npi,omitempty"`
	HomeCommunityID string `json:"-"`
}

type Adapter struct {
	http   *adapter.HTTPClient
	org    Organization
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Adapter)

func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l.With().Str("component", "network").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func New(client *adapter.HTTPClient, org Organization, opts ...Option) *Adapter {
	a := &Adapter{http: client, org: org, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Family() interop.Family { return interop.FamilyNetwork }

// purpose returns the requested purpose of use, defaulting to treatment.
func purpose(req *interop.Request) string {
	if p := strings.ToUpper(req.Param(ParamPurposeOfUse)); p != "" {
		return p
	}
	return PurposeTreatment
}

// discovery reports whether a query transaction is a patient discovery
// rather than a document query: document queries name the patient.
func discovery(req *interop.Request) bool {
	return req.Param(ParamPatientID) == ""
}

// capability is what the participant must support for req.
func capability(req *interop.Request) string {
	switch req.Type {
	case interop.TypeTEFCAQuery, interop.TypeCarequalityQuery:
		if discovery(req) {
			return CapabilityPatientDiscovery
		}
		return CapabilityDocumentQuery
	case interop.TypeCommonWellQuery:
		return CapabilityDocumentQuery
	case interop.TypeTEFCARetrieve, interop.TypeCarequalityRetrieve, interop.TypeCommonWellRetrieve:
		return CapabilityDocumentRetrieve
	case interop.TypeCommonWellLink:
		return CapabilityPersonLink
	}
	return ""
}

func (a *Adapter) Validate(req *interop.Request) error {
	if req.Type.Family() != interop.FamilyNetwork {
		return interop.Validation("UNSUPPORTED_TRANSACTION_TYPE", "network adapter does not handle %s", req.Type)
	}
	if req.ParticipantID == "" && req.PartnerID == "" {
		return interop.Validation("MISSING_PARTICIPANT", "network transactions need a participant id or partner id")
	}

	switch req.Type {
	case interop.TypeTEFCAQuery, interop.TypeTEFCARetrieve, interop.TypeTEFCAResponse,
		interop.TypeCarequalityQuery, interop.TypeCarequalityRetrieve:
		if !purposes[purpose(req)] {
			return interop.Validation("INVALID_PURPOSE_OF_USE", "unsupported purpose of use %q", req.Param(ParamPurposeOfUse))
		}
	}

	switch req.Type {
	case interop.TypeTEFCAQuery, interop.TypeCarequalityQuery:
		if discovery(req) && (req.Param(ParamFamily) == "" || req.Param(ParamBirthDate) == "") {
			return interop.Validation("MISSING_DEMOGRAPHICS", "patient discovery needs %s and %s", ParamFamily, ParamBirthDate)
		}
	case interop.TypeTEFCARetrieve, interop.TypeCarequalityRetrieve:
		if req.Param(ParamDocumentID) == "" || req.Param(ParamRepositoryID) == "" {
			return interop.Validation("MISSING_DOCUMENT_REF", "%s and %s are required", ParamDocumentID, ParamRepositoryID)
		}
	case interop.TypeTEFCAResponse:
		if req.Param(ParamQueryID) == "" || len(req.Payload) == 0 {
			return interop.Validation("MISSING_QUERY_RESPONSE", "a TEFCA response needs %s and a payload", ParamQueryID)
		}
		if !json.Valid(req.Payload) {
			return interop.Validation("INVALID_PAYLOAD", "TEFCA response payload is not JSON")
		}
	case interop.TypeCommonWellLink:
		if req.Param(ParamPersonID) == "" || req.Param(ParamLocalPatientID) == "" {
			return interop.Validation("MISSING_LINK_IDS", "%s and %s are required", ParamPersonID, ParamLocalPatientID)
		}
		if s := req.Param(ParamLinkStrength); s != "" && !linkStrengths[s] {
			return interop.Validation("INVALID_LINK_STRENGTH", "link strength %q is not definite, probable or possible", s)
		}
	case interop.TypeCommonWellQuery:
		if req.Param(ParamPersonID) == "" {
			return interop.Validation("MISSING_PERSON_ID", "%s is required", ParamPersonID)
		}
	case interop.TypeCommonWellRetrieve:
		if req.Param(ParamPersonID) == "" || req.Param(ParamDocumentID) == "" {
			return interop.Validation("MISSING_DOCUMENT_REF", "%s and %s are required", ParamPersonID, ParamDocumentID)
		}
	}
	return nil
}

// endpoint picks the participant endpoint for req. Retrieves prefer the
// retrieve endpoint, TEFCA responses the submit endpoint; everything falls
// back to the query endpoint and then the linked partner's endpoint.
func endpoint(req *interop.Request, target *adapter.Target) string {
	var candidates []string
	if np := target.Participant; np != nil {
		switch req.Type {
		case interop.TypeTEFCARetrieve, interop.TypeCarequalityRetrieve, interop.TypeCommonWellRetrieve:
			candidates = append(candidates, np.RetrieveEndpoint)
		case interop.TypeTEFCAResponse:
			candidates = append(candidates, np.SubmitEndpoint)
		}
		candidates = append(candidates, np.QueryEndpoint)
	}
	if target.Partner != nil {
		candidates = append(candidates, target.Partner.Endpoint)
	}
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

// admit checks the participant may take part in this exchange.
func admit(req *interop.Request, np *partner.NetworkParticipant) error {
	if np == nil {
		return nil
	}
	if np.Status != partner.ParticipantActive {
		return interop.Permanent("PARTICIPANT_NOT_ACTIVE", "participant %s is %s", np.ParticipantID, np.Status)
	}
	if c := capability(req); c != "" && !np.Supports(c) {
		return interop.Permanent("CAPABILITY_NOT_SUPPORTED", "participant %s does not support %s", np.ParticipantID, c)
	}
	switch req.Type.Network() {
	case "tefca", "carequality":
		if !np.AcceptsPurpose(purpose(req)) {
			return interop.Permanent("PURPOSE_NOT_ACCEPTED", "participant %s does not accept purpose %s", np.ParticipantID, purpose(req))
		}
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, req *interop.Request, cred *credential.Credential, target *adapter.Target) (*adapter.RawResponse, error) {
	if target == nil {
		target = &adapter.Target{}
	}
	if err := admit(req, target.Participant); err != nil {
		return nil, err
	}
	base := endpoint(req, target)
	if base == "" {
		return nil, interop.Permanent("NO_ENDPOINT", "no %s endpoint for participant %s", req.Type.Network(), req.ParticipantID)
	}

	a.logger.Debug().Str("transaction_id", req.TransactionID).Str("type", string(req.Type)).
		Str("participant_id", req.ParticipantID).Msg("sending network request")

	switch req.Type.Network() {
	case "tefca":
		return a.sendTEFCA(ctx, req, cred, base)
	case "carequality":
		return a.sendCarequality(ctx, req, cred, base, target.Participant)
	default:
		return a.sendCommonWell(ctx, req, cred, base, target.Participant)
	}
}

func (a *Adapter) Parse(req *interop.Request, raw *adapter.RawResponse) interop.Result {
	switch req.Type.Network() {
	case "tefca":
		return parseTEFCA(req, raw)
	case "carequality":
		return parseCarequality(req, raw)
	default:
		return parseCommonWell(req, raw)
	}
}
