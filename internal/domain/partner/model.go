package partner

import (
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	TypePayer         Type = "payer"
	TypeProvider      Type = "provider"
	TypeClearinghouse Type = "clearinghouse"
	TypeHIE           Type = "hie"
	TypeEHRVendor     Type = "ehr_vendor"
	TypeLab           Type = "lab"
	TypePharmacy      Type = "pharmacy"
	TypePublicHealth  Type = "public_health"
	TypeQHIN          Type = "qhin"
	TypeCarequality   Type = "carequality"
	TypeCommonWell    Type = "commonwell"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

type AuthType string

const (
	AuthNone        AuthType = "none"
	AuthBasic       AuthType = "basic"
	AuthOAuth2      AuthType = "oauth2"
	AuthMutualTLS   AuthType = "mutual_tls"
	AuthSAML        AuthType = "saml"
	AuthSMARTOnFHIR AuthType = "smart_on_fhir"
)

var validTypes = map[Type]bool{
	TypePayer: true, TypeProvider: true, TypeClearinghouse: true, TypeHIE: true,
	TypeEHRVendor: true, TypeLab: true, TypePharmacy: true, TypePublicHealth: true,
	TypeQHIN: true, TypeCarequality: true, TypeCommonWell: true,
}

var validStatuses = map[Status]bool{
	StatusPending: true, StatusActive: true, StatusSuspended: true, StatusTerminated: true,
}

var validAuthTypes = map[AuthType]bool{
	AuthNone: true, AuthBasic: true, AuthOAuth2: true,
	AuthMutualTLS: true, AuthSAML: true, AuthSMARTOnFHIR: true,
}

// Partner maps to the trading_partner table.
type Partner struct {
	ID       string   `db:"id" json:"id"`
	Name     string   `db:"name" json:"name"`
	Type     Type     `db:"type" json:"type"`
	Status   Status   `db:"status" json:"status"`
	Endpoint string   `db:"endpoint" json:"endpoint"`
	AuthType AuthType `db:"auth_type" json:"auth_type"`

	ClientID      string   `db:"client_id" json:"client_id,omitempty"`
	ClientSecret  string   `db:"client_secret" json:"-"`
	TokenEndpoint string   `db:"token_endpoint" json:"token_endpoint,omitempty"`
	Scopes        []string `db:"scopes" json:"scopes,omitempty"`
	// PEM material for mutual TLS, SAML signing and SMART client assertions.
	Certificate string `db:"certificate" json:"-"`
	PrivateKey  string `db:"private_key" json:"-"`
	KeyID       string `db:"key_id" json:"key_id,omitempty"`

	FHIRVersion       string   `db:"fhir_version" json:"fhir_version,omitempty"`
	SupportedProfiles []string `db:"supported_profiles" json:"supported_profiles,omitempty"`
	NativeBatch       bool     `db:"native_batch" json:"native_batch"`

	ISAID        string `db:"isa_id" json:"isa_id,omitempty"`
	ISAQualifier string `db:"isa_qualifier" json:"isa_qualifier,omitempty"`
	GSID         string `db:"gs_id" json:"gs_id,omitempty"`

	DirectDomain string `db:"direct_domain" json:"direct_domain,omitempty"`
	SMTPHost     string `db:"smtp_host" json:"smtp_host,omitempty"`
	SMTPPort     int    `db:"smtp_port" json:"smtp_port,omitempty"`

	// Overrides of the gateway-wide dispatch settings; zero means default.
	MaxRetries    *int    `db:"max_retries" json:"max_retries,omitempty"`
	RateLimitRPS  float64 `db:"rate_limit_rps" json:"rate_limit_rps,omitempty"`
	MaxConcurrent int64   `db:"max_concurrent" json:"max_concurrent,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Dispatchable reports whether transactions may be sent to the partner.
func (p *Partner) Dispatchable() bool {
	return p.Status == StatusActive
}

// Validate checks the fields enrollment must supply before a partner is stored.
func (p *Partner) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !validTypes[p.Type] {
		return fmt.Errorf("invalid partner type: %s", p.Type)
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if !validStatuses[p.Status] {
		return fmt.Errorf("invalid status: %s", p.Status)
	}
	if p.AuthType == "" {
		p.AuthType = AuthNone
	}
	if !validAuthTypes[p.AuthType] {
		return fmt.Errorf("invalid auth type: %s", p.AuthType)
	}
	switch p.AuthType {
	case AuthOAuth2, AuthSMARTOnFHIR:
		if p.ClientID == "" || p.TokenEndpoint == "" {
			return fmt.Errorf("client_id and token_endpoint are required for %s", p.AuthType)
		}
	case AuthMutualTLS:
		if p.Certificate == "" || p.PrivateKey == "" {
			return fmt.Errorf("certificate and private_key are required for mutual_tls")
		}
	}
	if len(p.ISAID) > 15 {
		return fmt.Errorf("isa_id must be at most 15 characters")
	}
	return nil
}

// ScopeString joins the partner's scopes the way token endpoints expect.
func (p *Partner) ScopeString() string {
	return strings.Join(p.Scopes, " ")
}

type Network string

const (
	NetworkTEFCA           Network = "tefca"
	NetworkCarequality     Network = "carequality"
	NetworkCommonWell      Network = "commonwell"
	NetworkEHealthExchange Network = "ehealth_exchange"
	NetworkSurescripts     Network = "surescripts"
	NetworkDirectTrust     Network = "direct_trust"
	NetworkStateHIE        Network = "state_hie"
)

type ParticipantStatus string

const (
	ParticipantPending   ParticipantStatus = "pending"
	ParticipantActive    ParticipantStatus = "active"
	ParticipantSuspended ParticipantStatus = "suspended"
	ParticipantWithdrawn ParticipantStatus = "withdrawn"
)

// NetworkParticipant maps to the network_participant table, unique on
// (network, participant_id).
type NetworkParticipant struct {
	ID                string            `db:"id" json:"id"`
	Network           Network           `db:"network" json:"network"`
	ParticipantID     string            `db:"participant_id" json:"participant_id"`
	Status            ParticipantStatus `db:"status" json:"status"`
	OrganizationName  string            `db:"organization_name" json:"organization_name"`
	OrganizationOID   string            `db:"organization_oid" json:"organization_oid,omitempty"`
	NPI               string            `db:"npi" json:"npi,omitempty"`
	Capabilities      []string          `db:"capabilities" json:"capabilities,omitempty"`
	SupportedPurposes []string          `db:"supported_purposes" json:"supported_purposes,omitempty"`
	QueryEndpoint     string            `db:"query_endpoint" json:"query_endpoint,omitempty"`
	RetrieveEndpoint  string            `db:"retrieve_endpoint" json:"retrieve_endpoint,omitempty"`
	SubmitEndpoint    string            `db:"submit_endpoint" json:"submit_endpoint,omitempty"`
	TEFCARole         string            `db:"tefca_role" json:"tefca_role,omitempty"`
	CarequalityID     string            `db:"carequality_id" json:"carequality_id,omitempty"`
	ImplementerOID    string            `db:"implementer_oid" json:"implementer_oid,omitempty"`
	CommonWellID      string            `db:"commonwell_id" json:"commonwell_id,omitempty"`
	CommonWellOrgID   string            `db:"commonwell_org_id" json:"commonwell_org_id,omitempty"`
	// PartnerID links to the trading partner whose credentials are used.
	PartnerID string    `db:"partner_id" json:"partner_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Supports reports whether the participant advertises the named capability.
// An empty capability list means no restriction was published.
func (np *NetworkParticipant) Supports(capability string) bool {
	if len(np.Capabilities) == 0 {
		return true
	}
	for _, c := range np.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// AcceptsPurpose reports whether purpose is in the participant's supported purposes of use.
func (np *NetworkParticipant) AcceptsPurpose(purpose string) bool {
	if len(np.SupportedPurposes) == 0 {
		return true
	}
	for _, p := range np.SupportedPurposes {
		if strings.EqualFold(p, purpose) {
			return true
		}
	}
	return false
}

type DirectAddressStatus string

const (
	DirectPending   DirectAddressStatus = "pending"
	DirectActive    DirectAddressStatus = "active"
	DirectSuspended DirectAddressStatus = "suspended"
	DirectRevoked   DirectAddressStatus = "revoked"
	DirectExpired   DirectAddressStatus = "expired"
)

type DirectAddressOwner string

const (
	OwnerUser         DirectAddressOwner = "user"
	OwnerOrganization DirectAddressOwner = "organization"
	OwnerDepartment   DirectAddressOwner = "department"
	OwnerSystem       DirectAddressOwner = "system"
)

// DirectAddress maps to the direct_address table.
type DirectAddress struct {
	ID                string              `db:"id" json:"id"`
	Address           string              `db:"address" json:"address"`
	Domain            string              `db:"domain" json:"domain"`
	Status            DirectAddressStatus `db:"status" json:"status"`
	Certificate       string              `db:"certificate" json:"-"`
	PrivateKey        string              `db:"private_key" json:"-"`
	TrustAnchor       string              `db:"trust_anchor" json:"-"`
	TrustBundle       string              `db:"trust_bundle" json:"trust_bundle,omitempty"`
	CertificateExpiry *time.Time          `db:"certificate_expiry" json:"certificate_expiry,omitempty"`
	IssuerDN          string              `db:"issuer_dn" json:"issuer_dn,omitempty"`
	SubjectDN         string              `db:"subject_dn" json:"subject_dn,omitempty"`
	OwnerType         DirectAddressOwner  `db:"owner_type" json:"owner_type,omitempty"`
	OwnerID           string              `db:"owner_id" json:"owner_id,omitempty"`
	OwnerName         string              `db:"owner_name" json:"owner_name,omitempty"`
	HISPID            string              `db:"hisp_id" json:"hisp_id,omitempty"`
	HISPName          string              `db:"hisp_name" json:"hisp_name,omitempty"`
	MessagesSent      int                 `db:"messages_sent" json:"messages_sent"`
	MessagesReceived  int                 `db:"messages_received" json:"messages_received"`
	LastActivity      *time.Time          `db:"last_activity" json:"last_activity,omitempty"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updated_at"`
}

// Usable reports whether the address may send or receive at time now.
// Revoked, suspended, expired and not-yet-activated addresses are refused, as
// is any address whose certificate has lapsed.
func (d *DirectAddress) Usable(now time.Time) error {
	if d.Status != DirectActive {
		return fmt.Errorf("direct address %s is %s", d.Address, d.Status)
	}
	if d.CertificateExpiry != nil && !d.CertificateExpiry.After(now) {
		return fmt.Errorf("direct address %s certificate expired at %s", d.Address, d.CertificateExpiry.Format(time.RFC3339))
	}
	return nil
}

type EndpointStatus string

const (
	EndpointActive     EndpointStatus = "active"
	EndpointInactive   EndpointStatus = "inactive"
	EndpointTesting    EndpointStatus = "testing"
	EndpointDeprecated EndpointStatus = "deprecated"
)

// FHIREndpoint maps to the fhir_endpoint table. Auth settings come from the
// owning partner.
type FHIREndpoint struct {
	ID                 string         `db:"id" json:"id"`
	PartnerID          string         `db:"partner_id" json:"partner_id"`
	URL                string         `db:"url" json:"url"`
	FHIRVersion        string         `db:"fhir_version" json:"fhir_version"`
	Status             EndpointStatus `db:"status" json:"status"`
	SupportedResources []string       `db:"supported_resources" json:"supported_resources,omitempty"`
	SmartEnabled       bool           `db:"smart_enabled" json:"smart_enabled"`
	HealthStatus       string         `db:"health_status" json:"health_status,omitempty"`
	AvgResponseTimeMs  int            `db:"avg_response_time_ms" json:"avg_response_time_ms"`
	LastCheckedAt      *time.Time     `db:"last_checked_at" json:"last_checked_at,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// SupportsResource reports whether resourceType is served by the endpoint.
func (e *FHIREndpoint) SupportsResource(resourceType string) bool {
	if len(e.SupportedResources) == 0 {
		return true
	}
	for _, r := range e.SupportedResources {
		if r == resourceType {
			return true
		}
	}
	return false
}
