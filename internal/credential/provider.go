package credential

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/interop"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

const fetchTimeout = 30 * time.Second

// Provider resolves a partner profile into a usable Credential, refreshing
// tokens that are within the skew of expiry.
type Provider struct {
	cache  TokenCache
	skew   time.Duration
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger
	issuer string

	group singleflight.Group

	tlsMu      sync.Mutex
	tlsConfigs map[string]tlsEntry
}

// tlsEntry is a parsed client keypair and the fingerprint of the PEM it was
// built from.
type tlsEntry struct {
	fingerprint [sha256.Size]byte
	config      *tls.Config
}

type ProviderOption func(*Provider)

// WithHTTPClient sets the client used against token endpoints.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithRefreshSkew sets how long before expiry a token is treated as stale.
func WithRefreshSkew(d time.Duration) ProviderOption {
	return func(p *Provider) { p.skew = d }
}

// WithIssuer sets the issuer named in SAML assertions.
func WithIssuer(issuer string) ProviderOption {
	return func(p *Provider) { p.issuer = issuer }
}

func WithLogger(l zerolog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l.With().Str("component", "credential").Logger() }
}

func withClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

func NewProvider(cache TokenCache, opts ...ProviderOption) *Provider {
	p := &Provider{
		cache:      cache,
		skew:       60 * time.Second,
		client:     &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		logger:     zerolog.Nop(),
		tlsConfigs: make(map[string]tlsEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func tokenKey(p *partner.Partner) string {
	return p.ID + "|" + p.ScopeString()
}

// Obtain returns the credential the partner's auth type calls for.
func (p *Provider) Obtain(ctx context.Context, pt *partner.Partner) (*Credential, error) {
	switch pt.AuthType {
	case "", partner.AuthNone:
		return None(pt.ID), nil
	case partner.AuthBasic:
		return basic(pt), nil
	case partner.AuthOAuth2, partner.AuthSMARTOnFHIR:
		tok, err := p.token(ctx, pt)
		if err != nil {
			return nil, err
		}
		return bearer(pt.ID, pt.AuthType, tok), nil
	case partner.AuthMutualTLS:
		cfg, err := p.clientTLS(pt)
		if err != nil {
			return nil, err
		}
		return &Credential{PartnerID: pt.ID, Type: pt.AuthType, Header: http.Header{}, TLSConfig: cfg}, nil
	case partner.AuthSAML:
		assertion, expires, err := BuildSAMLAssertion(pt, p.issuer, p.now().UTC())
		if err != nil {
			return nil, interop.Wrap(interop.KindAuth, "SAML_ASSERTION_FAILED", err, "build saml assertion for %s", pt.ID)
		}
		return &Credential{PartnerID: pt.ID, Type: pt.AuthType, Header: http.Header{}, SAMLAssertion: assertion, ExpiresAt: expires}, nil
	default:
		return nil, interop.Auth("UNSUPPORTED_AUTH_TYPE", "unsupported auth type %q for partner %s", pt.AuthType, pt.ID)
	}
}

// ForceRefresh discards any cached material for the partner and obtains a
// new credential. Used once after the partner rejects a credential.
func (p *Provider) ForceRefresh(ctx context.Context, pt *partner.Partner) (*Credential, error) {
	if err := p.cache.Delete(ctx, tokenKey(pt)); err != nil {
		p.logger.Warn().Err(err).Str("partner_id", pt.ID).Msg("failed to evict cached token")
	}
	p.tlsMu.Lock()
	delete(p.tlsConfigs, pt.ID)
	p.tlsMu.Unlock()
	return p.Obtain(ctx, pt)
}

func (p *Provider) token(ctx context.Context, pt *partner.Partner) (*Token, error) {
	key := tokenKey(pt)
	tok, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn().Err(err).Str("partner_id", pt.ID).Msg("token cache read failed")
	}
	if ok && tok.FreshAt(p.now(), p.skew) {
		return tok, nil
	}

	// The fetch is shared by every caller waiting on key, so it runs
	// detached from the caller that started it.
	ch := p.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		tok, err := p.fetch(fctx, pt)
		if err != nil {
			return nil, err
		}
		if err := p.cache.Set(fctx, key, tok); err != nil {
			p.logger.Warn().Err(err).Str("partner_id", pt.ID).Msg("token cache write failed")
		}
		p.logger.Debug().Str("partner_id", pt.ID).Time("expires_at", tok.ExpiresAt).Msg("access token obtained")
		return tok, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token), nil
	case <-ctx.Done():
		return nil, interop.Classify(ctx.Err())
	}
}

func (p *Provider) fetch(ctx context.Context, pt *partner.Partner) (*Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     pt.ClientID,
		ClientSecret: pt.ClientSecret,
		TokenURL:     pt.TokenEndpoint,
		Scopes:       pt.Scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if pt.AuthType == partner.AuthSMARTOnFHIR {
		assertion, err := p.clientAssertion(pt)
		if err != nil {
			return nil, interop.Wrap(interop.KindAuth, "CLIENT_ASSERTION_FAILED", err, "sign client assertion for %s", pt.ID)
		}
		cfg.ClientSecret = ""
		cfg.AuthStyle = oauth2.AuthStyleInParams
		cfg.EndpointParams = map[string][]string{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	ot, err := cfg.Token(ctx)
	if err != nil {
		return nil, classifyTokenError(pt.ID, err)
	}
	return &Token{AccessToken: ot.AccessToken, TokenType: ot.TokenType, ExpiresAt: ot.Expiry}, nil
}

// classifyTokenError maps a token endpoint failure: rejected client
// credentials are auth failures, server trouble is transient.
func classifyTokenError(partnerID string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		if status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
			return interop.Wrap(interop.KindAuth, "TOKEN_REJECTED", err, "token endpoint rejected client for %s (HTTP %d)", partnerID, status)
		}
		if ie := interop.ClassifyHTTP(status, "token endpoint for "+partnerID); ie != nil {
			ie.Err = err
			return ie
		}
	}
	ie := interop.Classify(err)
	if ie.Kind == interop.KindPermanent {
		return interop.Wrap(interop.KindAuth, "TOKEN_FAILED", err, "obtain token for %s", partnerID)
	}
	return ie
}

// clientAssertion signs a SMART Backend Services private_key_jwt.
func (p *Provider) clientAssertion(pt *partner.Partner) (string, error) {
	key, method, err := parseSigningKey(pt.PrivateKey)
	if err != nil {
		return "", err
	}
	now := p.now()
	claims := jwt.RegisteredClaims{
		Issuer:    pt.ClientID,
		Subject:   pt.ClientID,
		Audience:  jwt.ClaimStrings{pt.TokenEndpoint},
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	token := jwt.NewWithClaims(method, claims)
	if pt.KeyID != "" {
		token.Header["kid"] = pt.KeyID
	}
	return token.SignedString(key)
}

func parseSigningKey(pemKey string) (crypto.Signer, jwt.SigningMethod, error) {
	if pemKey == "" {
		return nil, nil, fmt.Errorf("private key is not configured")
	}
	if rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemKey)); err == nil {
		return rsaKey, jwt.SigningMethodRS384, nil
	}
	if ecKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(pemKey)); err == nil {
		switch ecKey.Curve.Params().BitSize {
		case 256:
			return ecKey, jwt.SigningMethodES256, nil
		case 521:
			return ecKey, jwt.SigningMethodES512, nil
		default:
			return ecKey, jwt.SigningMethodES384, nil
		}
	}
	return nil, nil, fmt.Errorf("private key is neither RSA nor EC PEM")
}

// clientTLS returns the partner's client certificate config. The parsed
// keypair is reused only while the stored PEM material is unchanged.
func (p *Provider) clientTLS(pt *partner.Partner) (*tls.Config, error) {
	h := sha256.New()
	h.Write([]byte(pt.Certificate))
	h.Write([]byte{0})
	h.Write([]byte(pt.PrivateKey))
	var fp [sha256.Size]byte
	copy(fp[:], h.Sum(nil))

	p.tlsMu.Lock()
	defer p.tlsMu.Unlock()
	if e, ok := p.tlsConfigs[pt.ID]; ok && e.fingerprint == fp {
		return e.config, nil
	}
	cert, err := tls.X509KeyPair([]byte(pt.Certificate), []byte(pt.PrivateKey))
	if err != nil {
		delete(p.tlsConfigs, pt.ID)
		return nil, interop.Wrap(interop.KindAuth, "CLIENT_CERT_INVALID", err, "load client certificate for %s", pt.ID)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	p.tlsConfigs[pt.ID] = tlsEntry{fingerprint: fp, config: cfg}
	return cfg, nil
}
