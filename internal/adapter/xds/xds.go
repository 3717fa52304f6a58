// Package xds builds and reads the ebXML registry payloads used by IHE
// cross-community access (ITI-38/39) and document sharing (ITI-41).
package xds

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

const (
	NSQuery = "urn:oasis:names:tc:ebxml-regrep:xsd:query:3.0"
	NSRim   = "urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0"
	NSRs    = "urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0"
	NSLcm   = "urn:oasis:names:tc:ebxml-regrep:xsd:lcm:3.0"
	NSXdsb  = "urn:ihe:iti:xds-b:2007"

	ActionCrossGatewayQuery    = "urn:ihe:iti:2007:CrossGatewayQuery"
	ActionCrossGatewayRetrieve = "urn:ihe:iti:2007:CrossGatewayRetrieve"
	ActionProvideAndRegister   = "urn:ihe:iti:2007:ProvideAndRegisterDocumentSet-b"

	// FindDocumentsQueryID is the stored query id for FindDocuments.
	FindDocumentsQueryID = "urn:uuid:14d4debf-8f97-4251-9a74-a90016b0af0d"

	StatusApproved = "urn:oasis:names:tc:ebxml-regrep:StatusType:Approved"

	ResponseSuccess        = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Success"
	ResponseFailure        = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Failure"
	ResponsePartialSuccess = "urn:ihe:iti:2007:ResponseStatusType:PartialSuccess"

	schemeDocumentUniqueID  = "urn:uuid:2e82c1f6-a085-4c72-9da3-8640a32e42ab"
	schemeDocumentPatientID = "urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427"
	schemeSetUniqueID       = "urn:uuid:96fdda7c-d067-4183-912e-bf5ee74998a8"
	schemeSetSourceID       = "urn:uuid:554ac39e-e3fe-47fe-b233-965d2a147832"
	schemeSetPatientID      = "urn:uuid:6b5aea1a-874d-4603-a4bc-96a0a7b38446"
	objectTypeStableEntry   = "urn:uuid:7edca82f-054d-47f2-a032-9b2a5b5186c1"
	classSubmissionSet      = "urn:uuid:a54d6aa5-d40d-43f9-88c5-b4633d873bdd"
	associationHasMember    = "urn:oasis:names:tc:ebxml-regrep:AssociationType:HasMember"
)

func slot(parent *etree.Element, name string, values ...string) {
	s := parent.CreateElement("rim:Slot")
	s.CreateAttr("name", name)
	list := s.CreateElement("rim:ValueList")
	for _, v := range values {
		list.CreateElement("rim:Value").SetText(v)
	}
}

func externalID(parent *etree.Element, id, scheme, registryObject, value, name string) {
	e := parent.CreateElement("rim:ExternalIdentifier")
	e.CreateAttr("id", id)
	e.CreateAttr("identificationScheme", scheme)
	e.CreateAttr("registryObject", registryObject)
	e.CreateAttr("value", value)
	e.CreateElement("rim:Name").CreateElement("rim:LocalizedString").CreateAttr("value", name)
}

// FindDocuments builds an ITI-38 AdhocQueryRequest for approved documents of
// a patient. patientID is in CX form (id^^^&oid&ISO).
func FindDocuments(patientID, homeCommunityID string) *etree.Element {
	req := etree.NewElement("query:AdhocQueryRequest")
	req.CreateAttr("xmlns:query", NSQuery)
	req.CreateAttr("xmlns:rim", NSRim)
	opt := req.CreateElement("query:ResponseOption")
	opt.CreateAttr("returnComposedObjects", "true")
	opt.CreateAttr("returnType", "LeafClass")

	q := req.CreateElement("rim:AdhocQuery")
	q.CreateAttr("id", FindDocumentsQueryID)
	if homeCommunityID != "" {
		q.CreateAttr("home", homeCommunityID)
	}
	slot(q, "$XDSDocumentEntryPatientId", "'"+patientID+"'")
	slot(q, "$XDSDocumentEntryStatus", "('"+StatusApproved+"')")
	return req
}

// DocumentRef addresses one document in a responding community.
type DocumentRef struct {
	HomeCommunityID    string `json:"home_community_id,omitempty"`
	RepositoryUniqueID string `json:"repository_unique_id"`
	DocumentUniqueID   string `json:"document_unique_id"`
}

// RetrieveDocumentSet builds an ITI-39 request.
func RetrieveDocumentSet(refs ...DocumentRef) *etree.Element {
	req := etree.NewElement("xdsb:RetrieveDocumentSetRequest")
	req.CreateAttr("xmlns:xdsb", NSXdsb)
	for _, r := range refs {
		dr := req.CreateElement("xdsb:DocumentRequest")
		if r.HomeCommunityID != "" {
			dr.CreateElement("xdsb:HomeCommunityId").SetText(r.HomeCommunityID)
		}
		dr.CreateElement("xdsb:RepositoryUniqueId").SetText(r.RepositoryUniqueID)
		dr.CreateElement("xdsb:DocumentUniqueId").SetText(r.DocumentUniqueID)
	}
	return req
}

// Submission is the metadata for an ITI-41 provide and register request.
type Submission struct {
	DocumentUniqueID string
	SetUniqueID      string
	SourceID         string
	PatientID        string
	Title            string
	MimeType         string
	CreationTime     string
	SubmissionTime   string
	Hash             string
	Size             int
}

// ProvideAndRegister builds an ITI-41 request carrying one document inline.
func ProvideAndRegister(s Submission, content []byte) *etree.Element {
	req := etree.NewElement("xdsb:ProvideAndRegisterDocumentSetRequest")
	req.CreateAttr("xmlns:xdsb", NSXdsb)
	req.CreateAttr("xmlns:lcm", NSLcm)
	req.CreateAttr("xmlns:rim", NSRim)

	list := req.CreateElement("lcm:SubmitObjectsRequest").CreateElement("rim:RegistryObjectList")

	doc := list.CreateElement("rim:ExtrinsicObject")
	doc.CreateAttr("id", "Document01")
	doc.CreateAttr("mimeType", s.MimeType)
	doc.CreateAttr("objectType", objectTypeStableEntry)
	if s.CreationTime != "" {
		slot(doc, "creationTime", s.CreationTime)
	}
	slot(doc, "sourcePatientId", s.PatientID)
	slot(doc, "hash", s.Hash)
	slot(doc, "size", strconv.Itoa(s.Size))
	if s.Title != "" {
		doc.CreateElement("rim:Name").CreateElement("rim:LocalizedString").CreateAttr("value", s.Title)
	}
	externalID(doc, "ei01", schemeDocumentPatientID, "Document01", s.PatientID, "XDSDocumentEntry.patientId")
	externalID(doc, "ei02", schemeDocumentUniqueID, "Document01", s.DocumentUniqueID, "XDSDocumentEntry.uniqueId")

	set := list.CreateElement("rim:RegistryPackage")
	set.CreateAttr("id", "SubmissionSet01")
	slot(set, "submissionTime", s.SubmissionTime)
	externalID(set, "ei03", schemeSetUniqueID, "SubmissionSet01", s.SetUniqueID, "XDSSubmissionSet.uniqueId")
	externalID(set, "ei04", schemeSetSourceID, "SubmissionSet01", s.SourceID, "XDSSubmissionSet.sourceId")
	externalID(set, "ei05", schemeSetPatientID, "SubmissionSet01", s.PatientID, "XDSSubmissionSet.patientId")

	cl := list.CreateElement("rim:Classification")
	cl.CreateAttr("id", "cl01")
	cl.CreateAttr("classifiedObject", "SubmissionSet01")
	cl.CreateAttr("classificationNode", classSubmissionSet)

	as := list.CreateElement("rim:Association")
	as.CreateAttr("id", "as01")
	as.CreateAttr("associationType", associationHasMember)
	as.CreateAttr("sourceObject", "SubmissionSet01")
	as.CreateAttr("targetObject", "Document01")
	slot(as, "SubmissionSetStatus", "Original")

	d := req.CreateElement("xdsb:Document")
	d.CreateAttr("id", "Document01")
	d.SetText(base64.StdEncoding.EncodeToString(content))
	return req
}

// RegistryError is one rs:RegistryError.
type RegistryError struct {
	Code     string `json:"code"`
	Context  string `json:"context,omitempty"`
	Severity string `json:"severity,omitempty"`
	Location string `json:"location,omitempty"`
}

// Status is the outcome of a registry response.
type Status struct {
	Value  string          `json:"status"`
	Errors []RegistryError `json:"errors,omitempty"`
}

// Failed reports a Failure status.
func (s Status) Failed() bool { return s.Value == ResponseFailure }

// Partial reports a PartialSuccess status.
func (s Status) Partial() bool { return s.Value == ResponsePartialSuccess }

// Summary joins the error contexts for a result message.
func (s Status) Summary() string {
	var parts []string
	for _, e := range s.Errors {
		if e.Context != "" {
			parts = append(parts, e.Code+": "+e.Context)
		} else {
			parts = append(parts, e.Code)
		}
	}
	if len(parts) == 0 {
		return localStatus(s.Value)
	}
	return strings.Join(parts, "; ")
}

func localStatus(v string) string {
	if i := strings.LastIndexByte(v, ':'); i >= 0 {
		return v[i+1:]
	}
	return v
}

// ReadStatus reads the status attribute and error list from el, which is an
// AdhocQueryResponse, RegistryResponse or any element containing one.
func ReadStatus(el *etree.Element) Status {
	target := el
	if el.Tag != "RegistryResponse" && el.Tag != "AdhocQueryResponse" {
		if rr := el.FindElement(".//RegistryResponse"); rr != nil {
			target = rr
		}
	}
	st := Status{Value: target.SelectAttrValue("status", "")}
	for _, e := range target.FindElements(".//RegistryError") {
		st.Errors = append(st.Errors, RegistryError{
			Code:     e.SelectAttrValue("errorCode", ""),
			Context:  e.SelectAttrValue("codeContext", ""),
			Severity: localStatus(e.SelectAttrValue("severity", "")),
			Location: e.SelectAttrValue("location", ""),
		})
	}
	return st
}

// DocumentEntry is one document found by a query.
type DocumentEntry struct {
	EntryUUID          string `json:"entry_uuid"`
	DocumentUniqueID   string `json:"document_unique_id"`
	RepositoryUniqueID string `json:"repository_unique_id,omitempty"`
	HomeCommunityID    string `json:"home_community_id,omitempty"`
	PatientID          string `json:"patient_id,omitempty"`
	Title              string `json:"title,omitempty"`
	MimeType           string `json:"mime_type,omitempty"`
	CreationTime       string `json:"creation_time,omitempty"`
	Hash               string `json:"hash,omitempty"`
	Size               int    `json:"size,omitempty"`
}

func slotValue(el *etree.Element, name string) string {
	v := el.FindElement(fmt.Sprintf("./Slot[@name='%s']/ValueList/Value", name))
	if v == nil {
		return ""
	}
	return strings.TrimSpace(v.Text())
}

func externalValue(el *etree.Element, scheme string) string {
	e := el.FindElement(fmt.Sprintf("./ExternalIdentifier[@identificationScheme='%s']", scheme))
	if e == nil {
		return ""
	}
	return e.SelectAttrValue("value", "")
}

// ReadDocumentEntries lists the ExtrinsicObjects in a query response.
func ReadDocumentEntries(el *etree.Element) []DocumentEntry {
	var out []DocumentEntry
	for _, eo := range el.FindElements(".//ExtrinsicObject") {
		entry := DocumentEntry{
			EntryUUID:          eo.SelectAttrValue("id", ""),
			HomeCommunityID:    eo.SelectAttrValue("home", ""),
			MimeType:           eo.SelectAttrValue("mimeType", ""),
			DocumentUniqueID:   externalValue(eo, schemeDocumentUniqueID),
			PatientID:          externalValue(eo, schemeDocumentPatientID),
			RepositoryUniqueID: slotValue(eo, "repositoryUniqueId"),
			CreationTime:       slotValue(eo, "creationTime"),
			Hash:               slotValue(eo, "hash"),
		}
		if n, err := strconv.Atoi(slotValue(eo, "size")); err == nil {
			entry.Size = n
		}
		if ls := eo.FindElement("./Name/LocalizedString"); ls != nil {
			entry.Title = ls.SelectAttrValue("value", "")
		}
		out = append(out, entry)
	}
	return out
}

// RetrievedDocument is one DocumentResponse.
type RetrievedDocument struct {
	DocumentRef
	MimeType string `json:"mime_type,omitempty"`
	Content  []byte `json:"-"`
}

// ReadRetrievedDocuments decodes the DocumentResponse elements of an ITI-39
// response.
func ReadRetrievedDocuments(el *etree.Element) ([]RetrievedDocument, error) {
	var out []RetrievedDocument
	for _, dr := range el.FindElements(".//DocumentResponse") {
		doc := RetrievedDocument{MimeType: text(dr, "mimeType")}
		doc.HomeCommunityID = text(dr, "HomeCommunityId")
		doc.RepositoryUniqueID = text(dr, "RepositoryUniqueId")
		doc.DocumentUniqueID = text(dr, "DocumentUniqueId")
		raw := strings.Join(strings.Fields(text(dr, "Document")), "")
		content, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode document %s: %w", doc.DocumentUniqueID, err)
		}
		doc.Content = content
		out = append(out, doc)
	}
	return out, nil
}

func text(el *etree.Element, tag string) string {
	if c := el.SelectElement(tag); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}
