package fhir

import (
	"encoding/json"
	"strconv"
	"strings"
)

const ContentType = "application/fhir+json"

// OperationOutcome severity levels.
const (
	SeverityFatal       = "fatal"
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"
)

type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == SeverityError || issue.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// Summary joins the diagnostics of error and fatal issues.
func (o *OperationOutcome) Summary() string {
	var parts []string
	for _, issue := range o.Issue {
		if issue.Severity != SeverityError && issue.Severity != SeverityFatal {
			continue
		}
		msg := issue.Diagnostics
		if msg == "" {
			msg = issue.Code
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status   string          `json:"status"`
	Location string          `json:"location,omitempty"`
	Etag     string          `json:"etag,omitempty"`
	Outcome  json.RawMessage `json:"outcome,omitempty"`
}

// StatusCode parses the leading code of a response status such as
// "201 Created". It returns 0 when the status is not numeric.
func (r *BundleResponse) StatusCode() int {
	field, _, _ := strings.Cut(strings.TrimSpace(r.Status), " ")
	code, err := strconv.Atoi(field)
	if err != nil {
		return 0
	}
	return code
}

// resourceHeader is the subset of any resource needed for routing.
type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

func peekResource(data []byte) (resourceHeader, error) {
	var h resourceHeader
	err := json.Unmarshal(data, &h)
	return h, err
}

// decodeOutcome returns the OperationOutcome in body, or nil when body is
// some other resource.
func decodeOutcome(body []byte) *OperationOutcome {
	if len(body) == 0 {
		return nil
	}
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return nil
	}
	return &oo
}
