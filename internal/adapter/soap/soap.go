// Package soap builds and reads SOAP 1.2 envelopes with WS-Addressing
// headers for the IHE exchanges (XCPD, XCA, XDS.b).
package soap

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/interop"
)

const (
	NSEnvelope   = "http://www.w3.org/2003/05/soap-envelope"
	NSAddressing = "http://www.w3.org/2005/08/addressing"
	NSSecurity   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"

	ContentType = "application/soap+xml"
)

// Message is one outbound SOAP request.
type Message struct {
	Action string
	To     string
	// Body is moved into the envelope by Build.
	Body *etree.Element
	// Assertion is a SAML assertion placed in the WS-Security header.
	Assertion string
}

// Build renders the envelope. A fresh urn:uuid MessageID is generated and
// returned alongside the bytes.
func Build(m Message) ([]byte, string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", NSEnvelope)
	env.CreateAttr("xmlns:wsa", NSAddressing)

	messageID := "urn:uuid:" + uuid.NewString()
	header := env.CreateElement("soap:Header")
	action := header.CreateElement("wsa:Action")
	action.CreateAttr("soap:mustUnderstand", "true")
	action.SetText(m.Action)
	header.CreateElement("wsa:MessageID").SetText(messageID)
	reply := header.CreateElement("wsa:ReplyTo")
	reply.CreateElement("wsa:Address").SetText("http://www.w3.org/2005/08/addressing/anonymous")
	to := header.CreateElement("wsa:To")
	to.CreateAttr("soap:mustUnderstand", "true")
	to.SetText(m.To)

	if m.Assertion != "" {
		assertion := etree.NewDocument()
		if err := assertion.ReadFromString(m.Assertion); err != nil {
			return nil, "", fmt.Errorf("parse saml assertion: %w", err)
		}
		sec := header.CreateElement("wsse:Security")
		sec.CreateAttr("xmlns:wsse", NSSecurity)
		sec.CreateAttr("soap:mustUnderstand", "true")
		sec.AddChild(assertion.Root())
	}

	body := env.CreateElement("soap:Body")
	if m.Body != nil {
		body.AddChild(m.Body)
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, "", err
	}
	return out, messageID, nil
}

// Post sends m to url. The credential's SAML assertion, when present, is
// carried in the security header; HTTP-level credentials are applied as
// usual.
func Post(ctx context.Context, client *adapter.HTTPClient, cred *credential.Credential, url string, m Message) (*adapter.RawResponse, error) {
	m.To = url
	if cred != nil && m.Assertion == "" {
		m.Assertion = cred.SAMLAssertion
	}
	body, _, err := Build(m)
	if err != nil {
		return nil, interop.Permanent("SOAP_BUILD", "%v", err)
	}
	return client.Do(ctx, cred, adapter.HTTPExchange{
		Method:      http.MethodPost,
		URL:         url,
		ContentType: fmt.Sprintf(`%s; charset=UTF-8; action="%s"`, ContentType, m.Action),
		Accept:      ContentType,
		Body:        body,
	})
}

// Fault is a SOAP 1.2 fault.
type Fault struct {
	Code    string
	Subcode string
	Reason  string
}

func (f *Fault) Error() string {
	if f.Subcode != "" {
		return fmt.Sprintf("soap fault %s/%s: %s", f.Code, f.Subcode, f.Reason)
	}
	return fmt.Sprintf("soap fault %s: %s", f.Code, f.Reason)
}

// localName strips a namespace prefix from a QName value.
func localName(qname string) string {
	if i := strings.IndexByte(qname, ':'); i >= 0 {
		return qname[i+1:]
	}
	return qname
}

// Read parses an envelope and returns the first element inside Body, or the
// fault it carries.
func Read(data []byte) (*etree.Element, *Fault, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(bytes.TrimSpace(data)); err != nil {
		return nil, nil, fmt.Errorf("parse soap envelope: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return nil, nil, fmt.Errorf("response is not a soap envelope")
	}
	body := root.SelectElement("Body")
	if body == nil {
		return nil, nil, fmt.Errorf("soap envelope has no body")
	}
	if f := body.SelectElement("Fault"); f != nil {
		fault := &Fault{}
		if el := f.FindElement("./Code/Value"); el != nil {
			fault.Code = localName(el.Text())
		}
		if el := f.FindElement("./Code/Subcode/Value"); el != nil {
			fault.Subcode = localName(el.Text())
		}
		if el := f.FindElement("./Reason/Text"); el != nil {
			fault.Reason = strings.TrimSpace(el.Text())
		}
		return nil, fault, nil
	}
	children := body.ChildElements()
	if len(children) == 0 {
		return nil, nil, fmt.Errorf("soap body is empty")
	}
	return children[0], nil, nil
}

// Interpret classifies a SOAP response. Sender faults are permanent,
// receiver faults transient. A non-SOAP body keeps the HTTP status
// classification; a 2xx body that is not an envelope is permanent.
func Interpret(raw *adapter.RawResponse) (interop.Result, *etree.Element) {
	res := adapter.HTTPResult(raw)
	payload, fault, err := Read(raw.Body)
	switch {
	case fault != nil:
		res.ResponseMessage = fault.Reason
		if fault.Code == "Receiver" {
			res.Err = interop.Transient("SOAP_FAULT", "%v", fault).WithStatus(raw.StatusCode)
		} else {
			res.Err = interop.Permanent("SOAP_FAULT", "%v", fault).WithStatus(raw.StatusCode)
		}
		return res, nil
	case res.Err != nil:
		return res, nil
	case err != nil:
		res.Err = interop.Permanent("INVALID_SOAP_RESPONSE", "%v", err).WithStatus(raw.StatusCode)
		return res, nil
	}
	return res, payload
}
