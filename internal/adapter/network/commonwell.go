package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/interop"
)

type linkRequest struct {
	PatientID      string `json:"patientId"`
	OrganizationID string `json:"organizationId"`
	LinkStrength   string `json:"linkStrength"`
}

// CommonWellDocument is one entry of a person's document list.
type CommonWellDocument struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	Type         string `json:"type,omitempty"`
	CreationDate string `json:"creationDate,omitempty"`
	Author       string `json:"author,omitempty"`
	Organization string `json:"organization,omitempty"`
	Size         int64  `json:"size,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
}

func personURL(base, personID string, rest ...string) string {
	parts := []string{"v1/person", url.PathEscape(personID)}
	for _, r := range rest {
		parts = append(parts, url.PathEscape(r))
	}
	return adapter.JoinURL(base, strings.Join(parts, "/"))
}

func (a *Adapter) sendCommonWell(ctx context.Context, req *interop.Request, cred *credential.Credential, base string, np *partner.NetworkParticipant) (*adapter.RawResponse, error) {
	if cred == nil || !strings.HasPrefix(cred.Header.Get("Authorization"), "Bearer ") {
		return nil, interop.Auth("BEARER_TOKEN_REQUIRED", "CommonWell requests need a bearer token")
	}
	person := req.Param(ParamPersonID)

	switch req.Type {
	case interop.TypeCommonWellLink:
		org := a.org.OID
		if np != nil && np.CommonWellOrgID != "" {
			org = np.CommonWellOrgID
		}
		strength := req.Param(ParamLinkStrength)
		if strength == "" {
			strength = "probable"
		}
		body, err := json.Marshal(linkRequest{PatientID: req.Param(ParamLocalPatientID), OrganizationID: org, LinkStrength: strength})
		if err != nil {
			return nil, interop.Validation("INVALID_REQUEST", "encode link request: %v", err)
		}
		return a.http.Do(ctx, cred, adapter.HTTPExchange{
			Method:      http.MethodPost,
			URL:         personURL(base, person, "link"),
			ContentType: "application/json",
			Accept:      "application/json",
			Body:        body,
		})
	case interop.TypeCommonWellQuery:
		q := url.Values{}
		if t := req.Param(ParamDocumentType); t != "" {
			q.Set("type", t)
		}
		if f := req.Param(ParamDateFrom); f != "" {
			q.Set("fromDate", f)
		}
		if t := req.Param(ParamDateTo); t != "" {
			q.Set("toDate", t)
		}
		u := personURL(base, person, "documents")
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		return a.http.Do(ctx, cred, adapter.HTTPExchange{Method: http.MethodGet, URL: u, Accept: "application/json"})
	default:
		return a.http.Do(ctx, cred, adapter.HTTPExchange{
			Method: http.MethodGet,
			URL:    personURL(base, person, "documents", req.Param(ParamDocumentID)),
			Accept: "*/*",
		})
	}
}

func parseCommonWell(req *interop.Request, raw *adapter.RawResponse) interop.Result {
	res := adapter.HTTPResult(raw)
	if res.Err != nil {
		return res
	}

	var (
		kind string
		data any
	)
	switch req.Type {
	case interop.TypeCommonWellLink:
		var body struct {
			LinkID string `json:"linkId"`
		}
		if err := json.Unmarshal(raw.Body, &body); err != nil || body.LinkID == "" {
			res.Err = interop.Permanent("INVALID_COMMONWELL_RESPONSE", "link response has no linkId").WithStatus(raw.StatusCode)
			return res
		}
		kind, data = "commonwell_link", map[string]string{"link_id": body.LinkID, "status": "linked"}
		res.ResponseMessage = "person linked"
	case interop.TypeCommonWellQuery:
		var body struct {
			Documents []CommonWellDocument `json:"documents"`
		}
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			res.Err = interop.Permanent("INVALID_COMMONWELL_RESPONSE", "decode document list: %v", err).WithStatus(raw.StatusCode)
			return res
		}
		if body.Documents == nil {
			body.Documents = []CommonWellDocument{}
		}
		kind, data = "commonwell_documents", map[string]any{"documents": body.Documents, "total_count": len(body.Documents)}
		res.ResponseMessage = fmt.Sprintf("%d documents found", len(body.Documents))
	default:
		ct := ""
		if raw.Header != nil {
			ct = raw.Header.Get("Content-Type")
		}
		kind, data = "commonwell_document", map[string]any{
			"document_id":  req.Param(ParamDocumentID),
			"content_type": ct,
			"content":      raw.Body,
		}
		res.ResponseMessage = fmt.Sprintf("document retrieved (%d bytes)", len(raw.Body))
	}
	if art, err := interop.NewArtifact(kind, data); err == nil {
		res.Artifact = art
	}
	return res
}
