package partner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/interop/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// -----------------------------------------------------------------------------
// Trading partners
// -----------------------------------------------------------------------------

const partnerCols = `id, name, type, status, endpoint, auth_type,
	client_id, client_secret, token_endpoint, scopes, certificate, private_key, key_id,
	fhir_version, supported_profiles, native_batch,
	isa_id, isa_qualifier, gs_id, direct_domain, smtp_host, smtp_port,
	max_retries, rate_limit_rps, max_concurrent, created_at, updated_at`

func scanPartner(row pgx.Row) (*Partner, error) {
	var p Partner
	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Status, &p.Endpoint, &p.AuthType,
		&p.ClientID, &p.ClientSecret, &p.TokenEndpoint, &p.Scopes, &p.Certificate, &p.PrivateKey, &p.KeyID,
		&p.FHIRVersion, &p.SupportedProfiles, &p.NativeBatch,
		&p.ISAID, &p.ISAQualifier, &p.GSID, &p.DirectDomain, &p.SMTPHost, &p.SMTPPort,
		&p.MaxRetries, &p.RateLimitRPS, &p.MaxConcurrent, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *repoPG) GetPartner(ctx context.Context, id string) (*Partner, error) {
	return scanPartner(r.conn(ctx).QueryRow(ctx, `SELECT `+partnerCols+` FROM trading_partner WHERE id = $1`, id))
}

func (r *repoPG) UpsertPartner(ctx context.Context, p *Partner) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO trading_partner (id, name, type, status, endpoint, auth_type,
			client_id, client_secret, token_endpoint, scopes, certificate, private_key, key_id,
			fhir_version, supported_profiles, native_batch,
			isa_id, isa_qualifier, gs_id, direct_domain, smtp_host, smtp_port,
			max_retries, rate_limit_rps, max_concurrent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, type=EXCLUDED.type, status=EXCLUDED.status,
			endpoint=EXCLUDED.endpoint, auth_type=EXCLUDED.auth_type, client_id=EXCLUDED.client_id,
			client_secret=EXCLUDED.client_secret, token_endpoint=EXCLUDED.token_endpoint, scopes=EXCLUDED.scopes,
			certificate=EXCLUDED.certificate, private_key=EXCLUDED.private_key, key_id=EXCLUDED.key_id,
			fhir_version=EXCLUDED.fhir_version, supported_profiles=EXCLUDED.supported_profiles,
			native_batch=EXCLUDED.native_batch, isa_id=EXCLUDED.isa_id, isa_qualifier=EXCLUDED.isa_qualifier,
			gs_id=EXCLUDED.gs_id, direct_domain=EXCLUDED.direct_domain, smtp_host=EXCLUDED.smtp_host,
			smtp_port=EXCLUDED.smtp_port, max_retries=EXCLUDED.max_retries,
			rate_limit_rps=EXCLUDED.rate_limit_rps, max_concurrent=EXCLUDED.max_concurrent, updated_at=NOW()`,
		p.ID, p.Name, p.Type, p.Status, p.Endpoint, p.AuthType,
		p.ClientID, p.ClientSecret, p.TokenEndpoint, p.Scopes, p.Certificate, p.PrivateKey, p.KeyID,
		p.FHIRVersion, p.SupportedProfiles, p.NativeBatch,
		p.ISAID, p.ISAQualifier, p.GSID, p.DirectDomain, p.SMTPHost, p.SMTPPort,
		p.MaxRetries, p.RateLimitRPS, p.MaxConcurrent)
	return err
}

func (r *repoPG) SearchPartners(ctx context.Context, params map[string]string, limit, offset int) ([]*Partner, int, error) {
	query := `SELECT ` + partnerCols + ` FROM trading_partner WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM trading_partner WHERE 1=1`
	var args []interface{}
	idx := 1

	for _, f := range []struct{ param, col string }{
		{"status", "status"}, {"type", "type"}, {"auth_type", "auth_type"},
	} {
		if p, ok := params[f.param]; ok {
			clause := fmt.Sprintf(` AND %s = $%d`, f.col, idx)
			query += clause
			countQuery += clause
			args = append(args, p)
			idx++
		}
	}
	if p, ok := params["name"]; ok {
		clause := fmt.Sprintf(` AND name ILIKE '%%' || $%d || '%%'`, idx)
		query += clause
		countQuery += clause
		args = append(args, p)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// -----------------------------------------------------------------------------
// Network participants
// -----------------------------------------------------------------------------

const participantCols = `id, network, participant_id, status, organization_name, organization_oid, npi,
	capabilities, supported_purposes, query_endpoint, retrieve_endpoint, submit_endpoint,
	tefca_role, carequality_id, implementer_oid, commonwell_id, commonwell_org_id, partner_id,
	created_at, updated_at`

func (r *repoPG) GetParticipant(ctx context.Context, network Network, participantID string) (*NetworkParticipant, error) {
	var np NetworkParticipant
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+participantCols+` FROM network_participant
		WHERE network = $1 AND participant_id = $2`, network, participantID).Scan(
		&np.ID, &np.Network, &np.ParticipantID, &np.Status, &np.OrganizationName, &np.OrganizationOID, &np.NPI,
		&np.Capabilities, &np.SupportedPurposes, &np.QueryEndpoint, &np.RetrieveEndpoint, &np.SubmitEndpoint,
		&np.TEFCARole, &np.CarequalityID, &np.ImplementerOID, &np.CommonWellID, &np.CommonWellOrgID, &np.PartnerID,
		&np.CreatedAt, &np.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &np, nil
}

func (r *repoPG) UpsertParticipant(ctx context.Context, np *NetworkParticipant) error {
	if np.ID == "" {
		np.ID = uuid.NewString()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO network_participant (id, network, participant_id, status, organization_name, organization_oid, npi,
			capabilities, supported_purposes, query_endpoint, retrieve_endpoint, submit_endpoint,
			tefca_role, carequality_id, implementer_oid, commonwell_id, commonwell_org_id, partner_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (network, participant_id) DO UPDATE SET status=EXCLUDED.status,
			organization_name=EXCLUDED.organization_name, organization_oid=EXCLUDED.organization_oid,
			npi=EXCLUDED.npi, capabilities=EXCLUDED.capabilities, supported_purposes=EXCLUDED.supported_purposes,
			query_endpoint=EXCLUDED.query_endpoint, retrieve_endpoint=EXCLUDED.retrieve_endpoint,
			submit_endpoint=EXCLUDED.submit_endpoint, tefca_role=EXCLUDED.tefca_role,
			carequality_id=EXCLUDED.carequality_id, implementer_oid=EXCLUDED.implementer_oid,
			commonwell_id=EXCLUDED.commonwell_id, commonwell_org_id=EXCLUDED.commonwell_org_id,
			partner_id=EXCLUDED.partner_id, updated_at=NOW()`,
		np.ID, np.Network, np.ParticipantID, np.Status, np.OrganizationName, np.OrganizationOID, np.NPI,
		np.Capabilities, np.SupportedPurposes, np.QueryEndpoint, np.RetrieveEndpoint, np.SubmitEndpoint,
		np.TEFCARole, np.CarequalityID, np.ImplementerOID, np.CommonWellID, np.CommonWellOrgID, np.PartnerID)
	return err
}

// -----------------------------------------------------------------------------
// Direct addresses
// -----------------------------------------------------------------------------

const directCols = `id, address, domain, status, certificate, private_key, trust_anchor, trust_bundle,
	certificate_expiry, issuer_dn, subject_dn, owner_type, owner_id, owner_name, hisp_id, hisp_name,
	messages_sent, messages_received, last_activity, created_at, updated_at`

func (r *repoPG) GetDirectAddress(ctx context.Context, address string) (*DirectAddress, error) {
	var d DirectAddress
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+directCols+` FROM direct_address WHERE address = $1`, address).Scan(
		&d.ID, &d.Address, &d.Domain, &d.Status, &d.Certificate, &d.PrivateKey, &d.TrustAnchor, &d.TrustBundle,
		&d.CertificateExpiry, &d.IssuerDN, &d.SubjectDN, &d.OwnerType, &d.OwnerID, &d.OwnerName, &d.HISPID, &d.HISPName,
		&d.MessagesSent, &d.MessagesReceived, &d.LastActivity, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *repoPG) UpsertDirectAddress(ctx context.Context, d *DirectAddress) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO direct_address (id, address, domain, status, certificate, private_key, trust_anchor, trust_bundle,
			certificate_expiry, issuer_dn, subject_dn, owner_type, owner_id, owner_name, hisp_id, hisp_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (address) DO UPDATE SET domain=EXCLUDED.domain, status=EXCLUDED.status,
			certificate=EXCLUDED.certificate, private_key=EXCLUDED.private_key, trust_anchor=EXCLUDED.trust_anchor,
			trust_bundle=EXCLUDED.trust_bundle, certificate_expiry=EXCLUDED.certificate_expiry,
			issuer_dn=EXCLUDED.issuer_dn, subject_dn=EXCLUDED.subject_dn, owner_type=EXCLUDED.owner_type,
			owner_id=EXCLUDED.owner_id, owner_name=EXCLUDED.owner_name, hisp_id=EXCLUDED.hisp_id,
			hisp_name=EXCLUDED.hisp_name, updated_at=NOW()`,
		d.ID, d.Address, d.Domain, d.Status, d.Certificate, d.PrivateKey, d.TrustAnchor, d.TrustBundle,
		d.CertificateExpiry, d.IssuerDN, d.SubjectDN, d.OwnerType, d.OwnerID, d.OwnerName, d.HISPID, d.HISPName)
	return err
}

func (r *repoPG) RecordDirectActivity(ctx context.Context, address string, sent bool, at time.Time) error {
	col := "messages_received"
	if sent {
		col = "messages_sent"
	}
	tag, err := r.conn(ctx).Exec(ctx, fmt.Sprintf(`UPDATE direct_address SET %[1]s = %[1]s + 1,
		last_activity = $2, updated_at = NOW() WHERE address = $1`, col), address, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// FHIR endpoints
// -----------------------------------------------------------------------------

const fhirEndpointCols = `id, partner_id, url, fhir_version, status, supported_resources, smart_enabled,
	health_status, avg_response_time_ms, last_checked_at, created_at, updated_at`

func (r *repoPG) GetFHIREndpoint(ctx context.Context, partnerID string) (*FHIREndpoint, error) {
	var e FHIREndpoint
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+fhirEndpointCols+` FROM fhir_endpoint
		WHERE partner_id = $1 AND status = 'active' ORDER BY updated_at DESC LIMIT 1`, partnerID).Scan(
		&e.ID, &e.PartnerID, &e.URL, &e.FHIRVersion, &e.Status, &e.SupportedResources, &e.SmartEnabled,
		&e.HealthStatus, &e.AvgResponseTimeMs, &e.LastCheckedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *repoPG) UpsertFHIREndpoint(ctx context.Context, e *FHIREndpoint) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO fhir_endpoint (id, partner_id, url, fhir_version, status, supported_resources, smart_enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET url=EXCLUDED.url, fhir_version=EXCLUDED.fhir_version,
			status=EXCLUDED.status, supported_resources=EXCLUDED.supported_resources,
			smart_enabled=EXCLUDED.smart_enabled, updated_at=NOW()`,
		e.ID, e.PartnerID, e.URL, e.FHIRVersion, e.Status, e.SupportedResources, e.SmartEnabled)
	return err
}

// RecordFHIRResponse folds one observed latency into the running average
// (weight 1/5) and stamps the health status.
func (r *repoPG) RecordFHIRResponse(ctx context.Context, endpointID string, elapsed time.Duration, healthy bool) error {
	health := "healthy"
	if !healthy {
		health = "unhealthy"
	}
	_, err := r.conn(ctx).Exec(ctx, `UPDATE fhir_endpoint SET
		avg_response_time_ms = CASE WHEN avg_response_time_ms = 0 THEN $2
			ELSE (avg_response_time_ms * 4 + $2) / 5 END,
		health_status = $3, last_checked_at = NOW(), updated_at = NOW()
		WHERE id = $1`, endpointID, int(elapsed.Milliseconds()), health)
	return err
}
