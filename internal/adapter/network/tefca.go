package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/interop"
)

const (
	tefcaVersion       = "1.0"
	tefcaDiscoveryPath = "tefca/v1/patient-discovery"
	tefcaQueryPath     = "tefca/v1/document-query"
	tefcaRetrievePath  = "tefca/v1/document-retrieve"
	tefcaResponsePath  = "tefca/v1/query-response"
)

type demographics struct {
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth"`
	Gender      string `json:"gender,omitempty"`
}

type dateRange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

type tefcaRequest struct {
	MessageID              string        `json:"messageId"`
	Timestamp              string        `json:"timestamp"`
	RequestingOrganization Organization  `json:"requestingOrganization"`
	PurposeOfUse           string        `json:"purposeOfUse"`
	PatientDemographics    *demographics `json:"patientDemographics,omitempty"`
	PatientID              string        `json:"patientId,omitempty"`
	DocumentType           string        `json:"documentType,omitempty"`
	DateRange              *dateRange    `json:"dateRange,omitempty"`
	DocumentID             string        `json:"documentId,omitempty"`
	RepositoryID           string        `json:"repositoryId,omitempty"`
}

// TEFCAResponse is the QHIN reply envelope.
type TEFCAResponse struct {
	Success bool              `json:"success"`
	QueryID string            `json:"queryId"`
	Results []json.RawMessage `json:"results,omitempty"`
	Errors  []string          `json:"errors,omitempty"`
}

// tefcaQueryID is stable across retries of one transaction so a QHIN can
// recognise a repeated query.
func tefcaQueryID(req *interop.Request) string {
	if id := req.Param(ParamQueryID); id != "" {
		return id
	}
	return req.TransactionID
}

func (a *Adapter) tefcaHeaders(queryID string) http.Header {
	h := http.Header{}
	h.Set("X-TEFCA-Query-ID", queryID)
	h.Set("X-TEFCA-Version", tefcaVersion)
	h.Set("X-TEFCA-Timestamp", a.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	return h
}

func (a *Adapter) sendTEFCA(ctx context.Context, req *interop.Request, cred *credential.Credential, base string) (*adapter.RawResponse, error) {
	queryID := tefcaQueryID(req)
	if req.Type == interop.TypeTEFCAResponse {
		return a.http.Do(ctx, cred, adapter.HTTPExchange{
			Method:      http.MethodPost,
			URL:         adapter.JoinURL(base, tefcaResponsePath),
			ContentType: "application/json",
			Accept:      "application/json",
			Header:      a.tefcaHeaders(queryID),
			Body:        req.Payload,
		})
	}

	body := tefcaRequest{
		MessageID:              queryID,
		Timestamp:              a.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		RequestingOrganization: a.org,
		PurposeOfUse:           purpose(req),
	}
	var path string
	switch {
	case req.Type == interop.TypeTEFCARetrieve:
		path = tefcaRetrievePath
		body.DocumentID = req.Param(ParamDocumentID)
		body.RepositoryID = req.Param(ParamRepositoryID)
	case discovery(req):
		path = tefcaDiscoveryPath
		body.PatientDemographics = &demographics{
			FirstName:   req.Param(ParamGiven),
			LastName:    req.Param(ParamFamily),
			DateOfBirth: req.Param(ParamBirthDate),
			Gender:      req.Param(ParamGender),
		}
	default:
		path = tefcaQueryPath
		body.PatientID = req.Param(ParamPatientID)
		body.DocumentType = req.Param(ParamDocumentType)
		if from, to := req.Param(ParamDateFrom), req.Param(ParamDateTo); from != "" || to != "" {
			body.DateRange = &dateRange{From: from, To: to}
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, interop.Validation("INVALID_REQUEST", "encode TEFCA request: %v", err)
	}
	return a.http.Do(ctx, cred, adapter.HTTPExchange{
		Method:      http.MethodPost,
		URL:         adapter.JoinURL(base, path),
		ContentType: "application/json",
		Accept:      "application/json",
		Header:      a.tefcaHeaders(queryID),
		Body:        data,
	})
}

func tefcaArtifactKind(req *interop.Request) string {
	switch {
	case req.Type == interop.TypeTEFCAResponse:
		return "tefca_response_ack"
	case req.Type == interop.TypeTEFCARetrieve:
		return "tefca_document"
	case discovery(req):
		return "tefca_patient_discovery"
	}
	return "tefca_document_query"
}

func parseTEFCA(req *interop.Request, raw *adapter.RawResponse) interop.Result {
	res := adapter.HTTPResult(raw)
	if res.Err != nil {
		return res
	}
	var tr TEFCAResponse
	if len(strings.TrimSpace(string(raw.Body))) > 0 {
		if err := json.Unmarshal(raw.Body, &tr); err != nil {
			res.Err = interop.Permanent("INVALID_TEFCA_RESPONSE", "decode QHIN response: %v", err).WithStatus(raw.StatusCode)
			return res
		}
	} else if req.Type == interop.TypeTEFCAResponse {
		tr.Success = true
	}
	if !tr.Success {
		msg := strings.Join(tr.Errors, "; ")
		if msg == "" {
			msg = "QHIN reported failure"
		}
		res.ResponseMessage = msg
		res.Err = interop.Permanent("TEFCA_QUERY_FAILED", "%s", msg).WithStatus(raw.StatusCode)
		return res
	}
	if tr.QueryID == "" {
		tr.QueryID = tefcaQueryID(req)
	}
	if art, err := interop.NewArtifact(tefcaArtifactKind(req), tr); err == nil {
		res.Artifact = art
	}
	res.ResponseMessage = fmt.Sprintf("%d results", len(tr.Results))
	return res
}
