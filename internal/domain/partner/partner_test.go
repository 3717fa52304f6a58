package partner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPartner_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       Partner
		wantErr bool
	}{
		{"minimal", Partner{ID: "p1", Type: TypePayer}, false},
		{"missing id", Partner{Type: TypePayer}, true},
		{"bad type", Partner{ID: "p1", Type: "insurer"}, true},
		{"bad status", Partner{ID: "p1", Type: TypePayer, Status: "dormant"}, true},
		{"oauth without token endpoint", Partner{ID: "p1", Type: TypeEHRVendor, AuthType: AuthOAuth2, ClientID: "c"}, true},
		{"oauth complete", Partner{ID: "p1", Type: TypeEHRVendor, AuthType: AuthOAuth2, ClientID: "c", TokenEndpoint: "https://x/token"}, false},
		{"mtls without key", Partner{ID: "p1", Type: TypeHIE, AuthType: AuthMutualTLS, Certificate: "pem"}, true},
		{"long isa id", Partner{ID: "p1", Type: TypeClearinghouse, ISAID: "0123456789ABCDEF"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPartner_ValidateDefaults(t *testing.T) {
	p := Partner{ID: "p1", Type: TypeLab}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != StatusPending {
		t.Errorf("expected default status pending, got %s", p.Status)
	}
	if p.AuthType != AuthNone {
		t.Errorf("expected default auth none, got %s", p.AuthType)
	}
	if p.Dispatchable() {
		t.Error("pending partner must not be dispatchable")
	}
}

func TestDirectAddress_Usable(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name    string
		addr    DirectAddress
		wantErr bool
	}{
		{"active", DirectAddress{Address: "a@direct.example", Status: DirectActive, CertificateExpiry: &future}, false},
		{"active no expiry", DirectAddress{Address: "a@direct.example", Status: DirectActive}, false},
		{"revoked", DirectAddress{Address: "a@direct.example", Status: DirectRevoked}, true},
		{"suspended", DirectAddress{Address: "a@direct.example", Status: DirectSuspended}, true},
		{"expired status", DirectAddress{Address: "a@direct.example", Status: DirectExpired}, true},
		{"pending", DirectAddress{Address: "a@direct.example", Status: DirectPending}, true},
		{"lapsed certificate", DirectAddress{Address: "a@direct.example", Status: DirectActive, CertificateExpiry: &past}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.addr.Usable(now)
			if (err != nil) != tt.wantErr {
				t.Errorf("Usable() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNetworkParticipant_Supports(t *testing.T) {
	np := &NetworkParticipant{Capabilities: []string{"XCPD", "XCA-Query"}, SupportedPurposes: []string{"TREATMENT"}}
	if !np.Supports("xcpd") {
		t.Error("expected case-insensitive capability match")
	}
	if np.Supports("XDR") {
		t.Error("did not expect XDR support")
	}
	if np.AcceptsPurpose("PAYMENT") {
		t.Error("did not expect PAYMENT purpose")
	}
	open := &NetworkParticipant{}
	if !open.Supports("anything") || !open.AcceptsPurpose("OPERATIONS") {
		t.Error("expected unrestricted participant to accept everything")
	}
}

// ===== Memory repository =====

func TestMemoryRepo_PartnerRoundTrip(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	if _, err := repo.GetPartner(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	p := &Partner{ID: "acme", Name: "Acme Health", Type: TypePayer, Status: StatusActive}
	if err := repo.UpsertPartner(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := repo.GetPartner(ctx, "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got.Name = "mutated"
	again, _ := repo.GetPartner(ctx, "acme")
	if again.Name != "Acme Health" {
		t.Errorf("repo returned shared pointer; name is %q", again.Name)
	}
}

func TestMemoryRepo_SearchPartners(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	for _, p := range []*Partner{
		{ID: "a", Name: "Alpha Payer", Type: TypePayer, Status: StatusActive},
		{ID: "b", Name: "Beta Lab", Type: TypeLab, Status: StatusActive},
		{ID: "c", Name: "Gamma Payer", Type: TypePayer, Status: StatusSuspended},
	} {
		_ = repo.UpsertPartner(ctx, p)
	}

	items, total, err := repo.SearchPartners(ctx, map[string]string{"type": "payer"}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 payers, got total=%d len=%d", total, len(items))
	}
	if items[0].ID != "a" {
		t.Errorf("expected sorted by id, got %s first", items[0].ID)
	}

	items, total, _ = repo.SearchPartners(ctx, map[string]string{"name": "payer", "status": "active"}, 10, 0)
	if total != 1 || items[0].ID != "a" {
		t.Errorf("expected only Alpha Payer, got %d results", total)
	}

	items, total, _ = repo.SearchPartners(ctx, nil, 1, 2)
	if total != 3 || len(items) != 1 || items[0].ID != "c" {
		t.Errorf("unexpected page: total=%d items=%v", total, items)
	}
}

func TestMemoryRepo_DirectActivity(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.UpsertDirectAddress(ctx, &DirectAddress{Address: "Dr.Smith@direct.example.org", Status: DirectActive})

	at := time.Now()
	if err := repo.RecordDirectActivity(ctx, "dr.smith@direct.example.org", true, at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, err := repo.GetDirectAddress(ctx, "DR.SMITH@direct.example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.MessagesSent != 1 || d.LastActivity == nil {
		t.Errorf("expected one sent message with activity stamp, got %+v", d)
	}
	if err := repo.RecordDirectActivity(ctx, "nobody@direct.example.org", true, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_FHIREndpoint(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.UpsertFHIREndpoint(ctx, &FHIREndpoint{ID: "old", PartnerID: "p1", URL: "https://old", Status: EndpointDeprecated})
	_ = repo.UpsertFHIREndpoint(ctx, &FHIREndpoint{ID: "new", PartnerID: "p1", URL: "https://new", Status: EndpointActive})

	e, err := repo.GetFHIREndpoint(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.URL != "https://new" {
		t.Errorf("expected active endpoint, got %s", e.URL)
	}

	_ = repo.RecordFHIRResponse(ctx, "new", 100*time.Millisecond, true)
	_ = repo.RecordFHIRResponse(ctx, "new", 200*time.Millisecond, false)
	e, _ = repo.GetFHIREndpoint(ctx, "p1")
	if e.AvgResponseTimeMs != 120 {
		t.Errorf("expected weighted average 120ms, got %d", e.AvgResponseTimeMs)
	}
	if e.HealthStatus != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", e.HealthStatus)
	}
}
