package credential

import (
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/ehr/interop/internal/domain/partner"
)

const (
	samlNS        = "urn:oasis:names:tc:SAML:2.0:assertion"
	samlLifetime  = 5 * time.Minute
	nameIDFormat  = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"
	bearerConfirm = "urn:oasis:names:tc:SAML:2.0:cm:bearer"
)

// BuildSAMLAssertion produces an unsigned SAML 2.0 assertion naming the
// gateway as issuer and the partner as audience. Signing happens at the
// partner's gateway boundary.
func BuildSAMLAssertion(pt *partner.Partner, issuer string, now time.Time) (string, time.Time, error) {
	if issuer == "" {
		return "", time.Time{}, fmt.Errorf("saml issuer is not configured")
	}
	expires := now.Add(samlLifetime)
	ts := func(t time.Time) string { return t.UTC().Format(time.RFC3339) }

	doc := etree.NewDocument()
	a := doc.CreateElement("saml2:Assertion")
	a.CreateAttr("xmlns:saml2", samlNS)
	a.CreateAttr("ID", "_"+uuid.New().String())
	a.CreateAttr("Version", "2.0")
	a.CreateAttr("IssueInstant", ts(now))

	a.CreateElement("saml2:Issuer").SetText(issuer)

	subject := a.CreateElement("saml2:Subject")
	nameID := subject.CreateElement("saml2:NameID")
	nameID.CreateAttr("Format", nameIDFormat)
	subject.CreateElement("saml2:SubjectConfirmation").CreateAttr("Method", bearerConfirm)
	nameID.SetText(issuer)

	cond := a.CreateElement("saml2:Conditions")
	cond.CreateAttr("NotBefore", ts(now))
	cond.CreateAttr("NotOnOrAfter", ts(expires))
	audience := pt.Endpoint
	if audience == "" {
		audience = pt.ID
	}
	cond.CreateElement("saml2:AudienceRestriction").CreateElement("saml2:Audience").SetText(audience)

	authn := a.CreateElement("saml2:AuthnStatement")
	authn.CreateAttr("AuthnInstant", ts(now))
	authn.CreateElement("saml2:AuthnContext").
		CreateElement("saml2:AuthnContextClassRef").
		SetText("urn:oasis:names:tc:SAML:2.0:ac:classes:X509")

	attrs := a.CreateElement("saml2:AttributeStatement")
	attr := attrs.CreateElement("saml2:Attribute")
	attr.CreateAttr("Name", "urn:oasis:names:tc:xspa:1.0:subject:organization-id")
	attr.CreateElement("saml2:AttributeValue").SetText(issuer)

	out, err := doc.WriteToString()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("serialize assertion: %w", err)
	}
	return out, expires, nil
}
