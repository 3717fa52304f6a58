package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/adapter/soap"
	"github.com/ehr/interop/internal/adapter/xds"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/interop"
)

const (
	NSHL7v3 = "urn:hl7-org:v3"

	ActionPatientDiscovery = "urn:hl7-org:v3:PRPA_IN201305UV02:CrossGatewayPatientDiscovery"

	oidInteraction  = "2.16.840.1.113883.1.6"
	xcpdPath        = "xcpd"
	xcaQueryPath    = "xca-query"
	xcaRetrievePath = "xca-retrieve"
)

// Patient is the demographic subject of a discovery request.
type Patient struct {
	Given     string
	Family    string
	BirthDate string
	Gender    string
}

func hl7Gender(g string) string {
	switch strings.ToLower(g) {
	case "male", "m":
		return "M"
	case "female", "f":
		return "F"
	case "":
		return ""
	}
	return "UN"
}

func valueParam(list *etree.Element, name, semantics string) *etree.Element {
	p := list.CreateElement(name)
	v := p.CreateElement("value")
	p.CreateElement("semanticsText").SetText(semantics)
	return v
}

// PatientDiscovery builds a PRPA_IN201305UV02 cross-gateway patient
// discovery request from sender to the receiving community.
func PatientDiscovery(queryID, senderOID, receiverOID, creationTime string, p Patient) *etree.Element {
	msg := etree.NewElement("PRPA_IN201305UV02")
	msg.CreateAttr("xmlns", NSHL7v3)
	msg.CreateAttr("ITSVersion", "XML_1.0")
	id := msg.CreateElement("id")
	id.CreateAttr("root", oidInteraction)
	id.CreateAttr("extension", queryID)
	msg.CreateElement("creationTime").CreateAttr("value", creationTime)
	iid := msg.CreateElement("interactionId")
	iid.CreateAttr("root", oidInteraction)
	iid.CreateAttr("extension", "PRPA_IN201305UV02")
	msg.CreateElement("processingCode").CreateAttr("code", "P")
	msg.CreateElement("processingModeCode").CreateAttr("code", "T")
	msg.CreateElement("acceptAckCode").CreateAttr("code", "AL")

	for _, party := range []struct{ tag, typeCode, oid string }{
		{"receiver", "RCV", receiverOID},
		{"sender", "SND", senderOID},
	} {
		el := msg.CreateElement(party.tag)
		el.CreateAttr("typeCode", party.typeCode)
		dev := el.CreateElement("device")
		dev.CreateAttr("classCode", "DEV")
		dev.CreateAttr("determinerCode", "INSTANCE")
		dev.CreateElement("id").CreateAttr("root", party.oid)
	}

	act := msg.CreateElement("controlActProcess")
	act.CreateAttr("classCode", "CACT")
	act.CreateAttr("moodCode", "EVN")
	act.CreateElement("code").CreateAttr("code", "PRPA_TE201305UV02")
	q := act.CreateElement("queryByParameter")
	qid := q.CreateElement("queryId")
	qid.CreateAttr("root", oidInteraction)
	qid.CreateAttr("extension", queryID)
	q.CreateElement("statusCode").CreateAttr("code", "new")
	q.CreateElement("responseModalityCode").CreateAttr("code", "R")
	q.CreateElement("responsePriorityCode").CreateAttr("code", "I")

	list := q.CreateElement("parameterList")
	if g := hl7Gender(p.Gender); g != "" {
		valueParam(list, "livingSubjectAdministrativeGender", "LivingSubject.administrativeGender").CreateAttr("code", g)
	}
	if p.BirthDate != "" {
		valueParam(list, "livingSubjectBirthTime", "LivingSubject.birthTime").CreateAttr("value", strings.ReplaceAll(p.BirthDate, "-", ""))
	}
	if p.Given != "" || p.Family != "" {
		name := valueParam(list, "livingSubjectName", "LivingSubject.name")
		if p.Given != "" {
			name.CreateElement("given").SetText(p.Given)
		}
		name.CreateElement("family").SetText(p.Family)
	}
	return msg
}

// PatientMatch is one subject returned by a responding gateway.
type PatientMatch struct {
	PatientID       string `json:"patient_id"`
	Root            string `json:"root"`
	Extension       string `json:"extension"`
	HomeCommunityID string `json:"home_community_id,omitempty"`
	Given           string `json:"given,omitempty"`
	Family          string `json:"family,omitempty"`
	BirthTime       string `json:"birth_time,omitempty"`
	Gender          string `json:"gender,omitempty"`
}

// Discovery is a decoded PRPA_IN201306UV02 response.
type Discovery struct {
	AckCode      string         `json:"ack_code"`
	ResponseCode string         `json:"query_response_code"`
	Detail       string         `json:"detail,omitempty"`
	Matches      []PatientMatch `json:"matches"`
}

func attr(el *etree.Element, path, name string) string {
	if el == nil {
		return ""
	}
	if c := el.FindElement(path); c != nil {
		return c.SelectAttrValue(name, "")
	}
	return ""
}

func elemText(el *etree.Element, path string) string {
	if c := el.FindElement(path); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

// ReadDiscovery decodes a patient discovery response body element.
func ReadDiscovery(el *etree.Element) Discovery {
	d := Discovery{
		AckCode:      attr(el, "./acknowledgement/typeCode", "code"),
		ResponseCode: attr(el, "./controlActProcess/queryAck/queryResponseCode", "code"),
		Detail:       elemText(el, "./acknowledgement/acknowledgementDetail/text"),
		Matches:      []PatientMatch{},
	}
	for _, ev := range el.FindElements("./controlActProcess/subject/registrationEvent") {
		pt := ev.FindElement("./subject1/patient")
		if pt == nil {
			continue
		}
		m := PatientMatch{
			Root:            attr(pt, "./id", "root"),
			Extension:       attr(pt, "./id", "extension"),
			HomeCommunityID: attr(ev, "./custodian/assignedEntity/id", "root"),
			Given:           elemText(pt, "./patientPerson/name/given"),
			Family:          elemText(pt, "./patientPerson/name/family"),
			BirthTime:       attr(pt, "./patientPerson/birthTime", "value"),
			Gender:          attr(pt, "./patientPerson/administrativeGenderCode", "code"),
		}
		if m.Extension != "" && m.Root != "" {
			m.PatientID = fmt.Sprintf("%s^^^&%s&ISO", m.Extension, m.Root)
		}
		d.Matches = append(d.Matches, m)
	}
	return d
}

func homeCommunity(req *interop.Request, np *partner.NetworkParticipant) string {
	if h := req.Param(ParamHomeCommunityID); h != "" {
		return h
	}
	if np != nil && np.CarequalityID != "" {
		if strings.HasPrefix(np.CarequalityID, "urn:oid:") {
			return np.CarequalityID
		}
		return "urn:oid:" + np.CarequalityID
	}
	return ""
}

func (a *Adapter) sendCarequality(ctx context.Context, req *interop.Request, cred *credential.Credential, base string, np *partner.NetworkParticipant) (*adapter.RawResponse, error) {
	var (
		path string
		msg  soap.Message
	)
	switch {
	case req.Type == interop.TypeCarequalityRetrieve:
		path = xcaRetrievePath
		msg = soap.Message{Action: xds.ActionCrossGatewayRetrieve, Body: xds.RetrieveDocumentSet(xds.DocumentRef{
			HomeCommunityID:    homeCommunity(req, np),
			RepositoryUniqueID: req.Param(ParamRepositoryID),
			DocumentUniqueID:   req.Param(ParamDocumentID),
		})}
	case discovery(req):
		receiver := ""
		if np != nil {
			receiver = strings.TrimPrefix(homeCommunity(req, np), "urn:oid:")
		}
		path = xcpdPath
		queryID := req.TransactionID
		if queryID == "" {
			queryID = uuid.NewString()
		}
		msg = soap.Message{Action: ActionPatientDiscovery, Body: PatientDiscovery(queryID, a.org.OID, receiver,
			a.now().UTC().Format("20060102150405"), Patient{
				Given:     req.Param(ParamGiven),
				Family:    req.Param(ParamFamily),
				BirthDate: req.Param(ParamBirthDate),
				Gender:    req.Param(ParamGender),
			})}
	default:
		path = xcaQueryPath
		msg = soap.Message{Action: xds.ActionCrossGatewayQuery, Body: xds.FindDocuments(req.Param(ParamPatientID), homeCommunity(req, np))}
	}
	url := adapter.JoinURL(base, path)
	return soap.Post(ctx, a.http, cred, url, msg)
}

func parseCarequality(req *interop.Request, raw *adapter.RawResponse) interop.Result {
	res, payload := soap.Interpret(raw)
	if res.Err != nil {
		return res
	}

	var (
		kind string
		data any
	)
	switch {
	case req.Type == interop.TypeCarequalityRetrieve:
		st := xds.ReadStatus(payload)
		if st.Failed() {
			res.ResponseMessage = st.Summary()
			res.Err = interop.Permanent("XDS_REGISTRY_ERROR", "%s", st.Summary()).WithStatus(raw.StatusCode)
			return res
		}
		docs, err := xds.ReadRetrievedDocuments(payload)
		if err != nil {
			res.Err = interop.Permanent("INVALID_DOCUMENT_RESPONSE", "%v", err).WithStatus(raw.StatusCode)
			return res
		}
		if len(docs) == 0 {
			res.Err = interop.Permanent("DOCUMENT_NOT_FOUND", "responding gateway returned no document for %s", req.Param(ParamDocumentID)).WithStatus(raw.StatusCode)
			return res
		}
		kind, data = "carequality_document", retrievedDocuments(docs)
		res.ResponseMessage = fmt.Sprintf("%d documents retrieved", len(docs))
	case discovery(req):
		d := ReadDiscovery(payload)
		switch d.AckCode {
		case "AE", "AR", "CE", "CR":
			res.ResponseMessage = d.Detail
			res.Err = interop.Permanent("XCPD_REJECTED", "acknowledgement %s: %s", d.AckCode, d.Detail).WithStatus(raw.StatusCode)
			return res
		}
		switch d.ResponseCode {
		case "AE", "QE":
			res.ResponseMessage = d.Detail
			res.Err = interop.Permanent("XCPD_QUERY_ERROR", "query response %s: %s", d.ResponseCode, d.Detail).WithStatus(raw.StatusCode)
			return res
		}
		kind, data = "carequality_patient_discovery", d
		res.ResponseMessage = fmt.Sprintf("%d patients matched", len(d.Matches))
	default:
		st := xds.ReadStatus(payload)
		if st.Failed() {
			res.ResponseMessage = st.Summary()
			res.Err = interop.Permanent("XDS_REGISTRY_ERROR", "%s", st.Summary()).WithStatus(raw.StatusCode)
			return res
		}
		docs := xds.ReadDocumentEntries(payload)
		kind, data = "carequality_document_query", map[string]any{"status": st.Value, "documents": docs}
		res.ResponseMessage = fmt.Sprintf("%d documents found", len(docs))
	}
	if art, err := interop.NewArtifact(kind, data); err == nil {
		res.Artifact = art
	}
	return res
}

// Document is a retrieved document carried in an artifact.
type Document struct {
	xds.DocumentRef
	MimeType string `json:"mime_type,omitempty"`
	Content  []byte `json:"content"`
}

func retrievedDocuments(docs []xds.RetrievedDocument) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, Document{DocumentRef: d.DocumentRef, MimeType: d.MimeType, Content: d.Content})
	}
	return out
}
