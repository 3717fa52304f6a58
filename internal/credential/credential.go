// Package credential obtains and caches the authentication material each
// trading partner requires: bearer tokens, client certificates, SAML
// assertions and basic credentials.
package credential

import (
	"crypto/tls"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/ehr/interop/internal/domain/partner"
)

// Credential is the material an adapter attaches to an outbound exchange.
type Credential struct {
	PartnerID string
	Type      partner.AuthType

	// Header is added to every HTTP request, e.g. Authorization.
	Header http.Header

	// TLSConfig carries the client certificate for mutual TLS.
	TLSConfig *tls.Config

	// SAMLAssertion is the raw assertion XML for SOAP security headers.
	SAMLAssertion string

	// Username and Password are set for basic auth, including SMTP AUTH.
	Username string
	Password string

	ExpiresAt time.Time
}

// None is the empty credential for partners with auth type none.
func None(partnerID string) *Credential {
	return &Credential{PartnerID: partnerID, Type: partner.AuthNone, Header: http.Header{}}
}

// Apply copies the credential headers onto req.
func (c *Credential) Apply(req *http.Request) {
	if c == nil {
		return
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// HTTPClient returns base, or a copy whose transport presents the client
// certificate when the credential carries one.
func (c *Credential) HTTPClient(base *http.Client) *http.Client {
	if c == nil || c.TLSConfig == nil {
		return base
	}
	var transport *http.Transport
	if t, ok := base.Transport.(*http.Transport); ok && t != nil {
		transport = t.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport.TLSClientConfig = c.TLSConfig
	cp := *base
	cp.Transport = transport
	return &cp
}

func bearer(partnerID string, typ partner.AuthType, tok *Token) *Credential {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok.AccessToken)
	return &Credential{PartnerID: partnerID, Type: typ, Header: h, ExpiresAt: tok.ExpiresAt}
}

func basic(p *partner.Partner) *Credential {
	h := http.Header{}
	raw := p.ClientID + ":" + p.ClientSecret
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	return &Credential{
		PartnerID: p.ID,
		Type:      partner.AuthBasic,
		Header:    h,
		Username:  p.ClientID,
		Password:  p.ClientSecret,
	}
}
