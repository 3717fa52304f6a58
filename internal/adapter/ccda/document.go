package ccda

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/interop/internal/domain/document"
)

// CDA R2 identifiers checked during validation.
const (
	Namespace       = "urn:hl7-org:v3"
	TypeIDRoot      = "2.16.840.1.113883.1.3"
	TypeIDExtension = "POCD_HD000040"
	OIDLOINC        = "2.16.840.1.113883.6.1"
	MimeType        = "text/xml"
)

type instanceID struct {
	Root       string `xml:"root,attr"`
	Extension  string `xml:"extension,attr"`
	NullFlavor string `xml:"nullFlavor,attr"`
}

func (id *instanceID) String() string {
	if id == nil {
		return ""
	}
	if id.Extension != "" {
		return id.Root + "^" + id.Extension
	}
	return id.Root
}

type codedValue struct {
	Code        string `xml:"code,attr"`
	CodeSystem  string `xml:"codeSystem,attr"`
	DisplayName string `xml:"displayName,attr"`
}

type timeValue struct {
	Value string `xml:"value,attr"`
}

type personName struct {
	Given  []string `xml:"given"`
	Family string   `xml:"family"`
}

// header is the part of a ClinicalDocument the gateway inspects. Body
// sections are never decoded.
type header struct {
	XMLName       xml.Name     `xml:"urn:hl7-org:v3 ClinicalDocument"`
	TypeID        *instanceID  `xml:"typeId"`
	TemplateIDs   []instanceID `xml:"templateId"`
	ID            *instanceID  `xml:"id"`
	Code          *codedValue  `xml:"code"`
	Title         string       `xml:"title"`
	EffectiveTime *timeValue   `xml:"effectiveTime"`
	RecordTarget  *struct {
		PatientRole *struct {
			IDs     []instanceID `xml:"id"`
			Patient *struct {
				Name *personName `xml:"name"`
			} `xml:"patient"`
		} `xml:"patientRole"`
	} `xml:"recordTarget"`
	Authors []struct {
		Time           *timeValue `xml:"time"`
		AssignedAuthor *struct {
			IDs []instanceID `xml:"id"`
		} `xml:"assignedAuthor"`
	} `xml:"author"`
	Custodian *struct {
		AssignedCustodian *struct {
			Organization *struct {
				IDs  []instanceID `xml:"id"`
				Name string       `xml:"name"`
			} `xml:"representedCustodianOrganization"`
		} `xml:"assignedCustodian"`
	} `xml:"custodian"`
}

// Metadata describes a C-CDA document for exchange and storage.
type Metadata struct {
	DocumentID    string            `json:"document_id"`
	DocumentType  document.CCDAType `json:"document_type"`
	TypeCode      string            `json:"type_code,omitempty"`
	Title         string            `json:"title,omitempty"`
	TemplateIDs   []string          `json:"template_ids,omitempty"`
	PatientID     string            `json:"patient_id,omitempty"`
	PatientName   string            `json:"patient_name,omitempty"`
	Custodian     string            `json:"custodian,omitempty"`
	EffectiveTime *time.Time        `json:"effective_time,omitempty"`
	ContentHash   string            `json:"content_hash"`
	SizeBytes     int               `json:"size_bytes"`
	MimeType      string            `json:"mime_type"`
}

// PatientCX renders the first patient id as an XDS CX identifier.
func patientCX(ids []instanceID) string {
	for _, id := range ids {
		if id.Extension != "" && id.Root != "" {
			return fmt.Sprintf("%s^^^&%s&ISO", id.Extension, id.Root)
		}
	}
	return ""
}

// parseHL7Time accepts the HL7 TS precisions used in document headers,
// ignoring any timezone offset suffix.
func parseHL7Time(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "+-"); i > 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	switch len(s) {
	case 14:
		return time.Parse("20060102150405", s)
	case 12:
		return time.Parse("200601021504", s)
	case 8:
		return time.Parse("20060102", s)
	}
	return time.Time{}, fmt.Errorf("unrecognized HL7 time %q", s)
}

// ContentHash is the hex sha256 of the document bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Inspect checks the CDA header for the elements every C-CDA document must
// carry and extracts exchange metadata. problems is empty for a
// structurally valid document; err is set only when the XML cannot be read.
func Inspect(data []byte) (*Metadata, []string, error) {
	var h header
	if err := xml.Unmarshal(data, &h); err != nil {
		return nil, nil, fmt.Errorf("parse clinical document: %w", err)
	}
	meta := &Metadata{
		Title:       strings.TrimSpace(h.Title),
		ContentHash: ContentHash(data),
		SizeBytes:   len(data),
		MimeType:    MimeType,
	}

	var problems []string
	if h.TypeID == nil {
		problems = append(problems, "missing typeId")
	} else if h.TypeID.Root != TypeIDRoot || h.TypeID.Extension != TypeIDExtension {
		problems = append(problems, fmt.Sprintf("typeId must be %s/%s", TypeIDRoot, TypeIDExtension))
	}
	for _, t := range h.TemplateIDs {
		meta.TemplateIDs = append(meta.TemplateIDs, t.Root)
	}
	if h.ID == nil || h.ID.Root == "" {
		problems = append(problems, "missing document id")
	} else {
		meta.DocumentID = h.ID.String()
	}
	if h.Code == nil || h.Code.Code == "" {
		problems = append(problems, "missing document code")
		meta.DocumentType = document.CCDAUnstructured
	} else {
		meta.TypeCode = h.Code.Code
		meta.DocumentType = document.TypeForLOINC(h.Code.Code)
	}
	if h.EffectiveTime == nil || h.EffectiveTime.Value == "" {
		problems = append(problems, "missing effectiveTime")
	} else if t, err := parseHL7Time(h.EffectiveTime.Value); err != nil {
		problems = append(problems, "effectiveTime: "+err.Error())
	} else {
		meta.EffectiveTime = &t
	}
	if h.RecordTarget == nil || h.RecordTarget.PatientRole == nil {
		problems = append(problems, "missing recordTarget/patientRole")
	} else {
		role := h.RecordTarget.PatientRole
		meta.PatientID = patientCX(role.IDs)
		if role.Patient != nil && role.Patient.Name != nil {
			n := role.Patient.Name
			meta.PatientName = strings.TrimSpace(strings.Join(append(n.Given, n.Family), " "))
		}
	}
	if len(h.Authors) == 0 {
		problems = append(problems, "missing author")
	}
	if h.Custodian == nil || h.Custodian.AssignedCustodian == nil {
		problems = append(problems, "missing custodian")
	} else if org := h.Custodian.AssignedCustodian.Organization; org != nil {
		meta.Custodian = org.Name
	}
	return meta, problems, nil
}
