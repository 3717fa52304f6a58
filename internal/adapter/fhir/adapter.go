// Package fhir implements the FHIR REST adapter: read, search, create,
// update, delete and batch exchanges against a partner's FHIR base URL.
package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/interop"
)

// Request parameters understood by the adapter.
const (
	ParamResourceType = "resource_type"
	ParamID           = "id"
	ParamQuery        = "query"
)

// Capabilities is the resource_type of a read that fetches the server's
// CapabilityStatement from [base]/metadata.
const Capabilities = "metadata"

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{1,63}$`)
	idPattern           = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// HealthRecorder receives endpoint latency observations.
type HealthRecorder interface {
	RecordFHIRResponse(ctx context.Context, endpointID string, elapsed time.Duration, healthy bool)
}

type Adapter struct {
	http        *adapter.HTTPClient
	health      HealthRecorder
	concurrency int

	// settled holds, per batch transaction, the entries a partner already
	// accepted so a retry does not send them again.
	mu      sync.Mutex
	settled map[string]map[int]EntryResult
}

type Option func(*Adapter)

// WithHealthRecorder reports every exchange's latency against the endpoint.
func WithHealthRecorder(h HealthRecorder) Option {
	return func(a *Adapter) { a.health = h }
}

// WithBatchConcurrency bounds concurrent sub-requests when fanning out a batch.
func WithBatchConcurrency(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

func New(client *adapter.HTTPClient, opts ...Option) *Adapter {
	a := &Adapter{http: client, concurrency: 4, settled: make(map[string]map[int]EntryResult)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Family() interop.Family { return interop.FamilyFHIR }

func (a *Adapter) Validate(req *interop.Request) error {
	rt := req.Param(ParamResourceType)
	id := req.Param(ParamID)

	switch req.Type {
	case interop.TypeFHIRRead, interop.TypeFHIRDelete:
		if req.Type == interop.TypeFHIRRead && rt == Capabilities {
			return nil
		}
		if err := checkResourceType(rt); err != nil {
			return err
		}
		return checkID(id)
	case interop.TypeFHIRSearch:
		if err := checkResourceType(rt); err != nil {
			return err
		}
		if _, err := url.ParseQuery(req.Param(ParamQuery)); err != nil {
			return interop.Validation("INVALID_SEARCH_QUERY", "invalid search query: %v", err)
		}
		return nil
	case interop.TypeFHIRCreate, interop.TypeFHIRUpdate:
		h, err := peekResource(req.Payload)
		if err != nil || h.ResourceType == "" {
			return interop.Validation("INVALID_RESOURCE", "payload is not a FHIR resource")
		}
		if err := checkResourceType(h.ResourceType); err != nil {
			return err
		}
		if rt != "" && rt != h.ResourceType {
			return interop.Validation("RESOURCE_TYPE_MISMATCH", "payload resourceType %s does not match %s", h.ResourceType, rt)
		}
		if req.Type == interop.TypeFHIRUpdate {
			if id == "" {
				id = h.ID
			}
			if h.ID != "" && h.ID != id {
				return interop.Validation("RESOURCE_ID_MISMATCH", "payload id %s does not match %s", h.ID, id)
			}
			return checkID(id)
		}
		return nil
	case interop.TypeFHIRBatch:
		_, err := decodeBatch(req.Payload)
		return err
	}
	return interop.Validation("UNSUPPORTED_TRANSACTION_TYPE", "fhir adapter does not handle %s", req.Type)
}

func checkResourceType(rt string) error {
	if !resourceTypePattern.MatchString(rt) {
		return interop.Validation("INVALID_RESOURCE_TYPE", "invalid resource type %q", rt)
	}
	return nil
}

func checkID(id string) error {
	if !idPattern.MatchString(id) {
		return interop.Validation("INVALID_RESOURCE_ID", "invalid resource id %q", id)
	}
	return nil
}

func decodeBatch(payload []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, interop.Validation("INVALID_BUNDLE", "payload is not a Bundle: %v", err)
	}
	if b.ResourceType != "Bundle" || b.Type != "batch" {
		return nil, interop.Validation("INVALID_BUNDLE", "payload must be a Bundle of type batch")
	}
	if len(b.Entry) == 0 {
		return nil, interop.Validation("EMPTY_BUNDLE", "batch bundle has no entries")
	}
	for i, e := range b.Entry {
		if e.Request == nil || e.Request.Method == "" || e.Request.URL == "" {
			return nil, interop.Validation("INVALID_BUNDLE_ENTRY", "entry %d has no request method or url", i)
		}
		switch strings.ToUpper(e.Request.Method) {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead:
		default:
			return nil, interop.Validation("INVALID_BUNDLE_ENTRY", "entry %d has unsupported method %s", i, e.Request.Method)
		}
	}
	return &b, nil
}

func baseURL(target *adapter.Target) string {
	if target.FHIREndpoint != nil && target.FHIREndpoint.URL != "" {
		return target.FHIREndpoint.URL
	}
	if target.Partner != nil {
		return target.Partner.Endpoint
	}
	return ""
}

// exchangeFor builds the single HTTP exchange for a non-batch type.
func exchangeFor(req *interop.Request, base string) adapter.HTTPExchange {
	rt := req.Param(ParamResourceType)
	id := req.Param(ParamID)
	ex := adapter.HTTPExchange{ContentType: ContentType, Accept: ContentType}

	if req.Type == interop.TypeFHIRCreate || req.Type == interop.TypeFHIRUpdate {
		h, _ := peekResource(req.Payload)
		rt = h.ResourceType
		if id == "" {
			id = h.ID
		}
		ex.Body = req.Payload
	}

	switch req.Type {
	case interop.TypeFHIRRead:
		if rt == Capabilities {
			ex.Method, ex.URL = http.MethodGet, adapter.JoinURL(base, Capabilities)
			break
		}
		ex.Method, ex.URL = http.MethodGet, adapter.JoinURL(base, rt+"/"+id)
	case interop.TypeFHIRSearch:
		ex.Method, ex.URL = http.MethodGet, adapter.JoinURL(base, rt)
		if q := req.Param(ParamQuery); q != "" {
			ex.URL += "?" + strings.TrimPrefix(q, "?")
		}
	case interop.TypeFHIRCreate:
		ex.Method, ex.URL = http.MethodPost, adapter.JoinURL(base, rt)
	case interop.TypeFHIRUpdate:
		ex.Method, ex.URL = http.MethodPut, adapter.JoinURL(base, rt+"/"+id)
	case interop.TypeFHIRDelete:
		ex.Method, ex.URL = http.MethodDelete, adapter.JoinURL(base, rt+"/"+id)
	}
	return ex
}

func (a *Adapter) Send(ctx context.Context, req *interop.Request, cred *credential.Credential, target *adapter.Target) (*adapter.RawResponse, error) {
	base := baseURL(target)
	if base == "" {
		return nil, interop.Permanent("NO_ENDPOINT", "partner %s has no FHIR endpoint", target.PartnerID())
	}
	if ep := target.FHIREndpoint; ep != nil {
		if rt := req.Param(ParamResourceType); rt != "" && rt != Capabilities && !ep.SupportsResource(rt) {
			return nil, interop.Permanent("RESOURCE_NOT_SUPPORTED", "endpoint %s does not serve %s", ep.URL, rt)
		}
	}

	if req.Type == interop.TypeFHIRBatch {
		bundle, err := decodeBatch(req.Payload)
		if err != nil {
			return nil, err
		}
		if target.Partner == nil || !target.Partner.NativeBatch {
			return a.fanOut(ctx, req.TransactionID, bundle, cred, base, target)
		}
		ex := adapter.HTTPExchange{Method: http.MethodPost, URL: base, ContentType: ContentType, Accept: ContentType, Body: req.Payload}
		raw, err := a.http.Do(ctx, cred, ex)
		a.observe(ctx, target, raw, err)
		return raw, err
	}

	raw, err := a.http.Do(ctx, cred, exchangeFor(req, base))
	a.observe(ctx, target, raw, err)
	return raw, err
}

func (a *Adapter) observe(ctx context.Context, target *adapter.Target, raw *adapter.RawResponse, err error) {
	if a.health == nil || target.FHIREndpoint == nil || raw == nil {
		return
	}
	healthy := err == nil && raw.StatusCode < 500
	a.health.RecordFHIRResponse(context.WithoutCancel(ctx), target.FHIREndpoint.ID, raw.Elapsed, healthy)
}

// Response is the artifact recorded for non-batch exchanges.
type Response struct {
	ResourceType string          `json:"resource_type,omitempty"`
	ID           string          `json:"id,omitempty"`
	Location     string          `json:"location,omitempty"`
	ETag         string          `json:"etag,omitempty"`
	Total        *int            `json:"total,omitempty"`
	FHIRVersion  string          `json:"fhir_version,omitempty"`
	Resources    []string        `json:"supported_resources,omitempty"`
	Resource     json.RawMessage `json:"resource,omitempty"`
}

// capabilityStatement is the subset of a CapabilityStatement read back.
type capabilityStatement struct {
	FHIRVersion string `json:"fhirVersion"`
	Rest        []struct {
		Mode     string `json:"mode"`
		Resource []struct {
			Type string `json:"type"`
		} `json:"resource"`
	} `json:"rest"`
}

func (out *Response) readCapabilities(body []byte) {
	var cs capabilityStatement
	if err := json.Unmarshal(body, &cs); err != nil {
		return
	}
	out.FHIRVersion = cs.FHIRVersion
	for _, r := range cs.Rest {
		if r.Mode != "" && r.Mode != "server" {
			continue
		}
		for _, res := range r.Resource {
			out.Resources = append(out.Resources, res.Type)
		}
	}
}

func (a *Adapter) Parse(req *interop.Request, raw *adapter.RawResponse) interop.Result {
	if req.Type == interop.TypeFHIRBatch {
		if raw.Err != nil || raw.Artifact != nil {
			return batchResult(raw)
		}
		return parseBatchResponse(req, raw)
	}

	res := adapter.HTTPResult(raw)
	oo := decodeOutcome(raw.Body)
	if res.Err != nil {
		if oo != nil && oo.Summary() != "" {
			res.ResponseMessage = oo.Summary()
			if ie, ok := res.Err.(*interop.Error); ok {
				ie.Message = oo.Summary()
			}
		}
		return res
	}
	if oo != nil && oo.HasErrors() {
		res.ResponseMessage = oo.Summary()
		res.Err = interop.Permanent("OPERATION_OUTCOME_ERROR", "%s", oo.Summary()).WithStatus(raw.StatusCode)
		return res
	}

	out := Response{Location: raw.Header.Get("Location"), ETag: raw.Header.Get("ETag")}
	if len(raw.Body) > 0 && json.Valid(raw.Body) {
		out.Resource = raw.Body
		if h, err := peekResource(raw.Body); err == nil {
			out.ResourceType, out.ID = h.ResourceType, h.ID
		}
		if out.ResourceType == "CapabilityStatement" {
			out.readCapabilities(raw.Body)
		}
		if req.Type == interop.TypeFHIRSearch {
			var b Bundle
			if err := json.Unmarshal(raw.Body, &b); err == nil {
				out.Total = b.Total
			}
		}
	}
	if art, err := interop.NewArtifact("fhir_response", out); err == nil {
		res.Artifact = art
	}
	return res
}
