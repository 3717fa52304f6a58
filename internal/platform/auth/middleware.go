package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey     contextKey = "user_id"
	UserRolesKey  contextKey = "user_roles"
	UserScopesKey contextKey = "user_scopes"
)

// Roles understood by the gateway API.
const (
	RoleAdmin     = "admin"
	RoleSubmitter = "interop.submit"
	RoleReader    = "interop.read"
)

type Claims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles"`
	Scopes []string `json:"scopes"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// JWKSURL is discovered from Issuer when empty.
	JWKSURL string
	// SigningKey switches to HS256 verification; development only.
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

const jwksTTL = 5 * time.Minute

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = AuthSkipper
	}
	var (
		once  sync.Once
		cache *JWKSCache
		jwErr error
	)
	jwks := func(ctx context.Context) (*JWKSCache, error) {
		once.Do(func() {
			url := cfg.JWKSURL
			if url == "" {
				url, jwErr = DiscoverJWKS(ctx, cfg.Issuer)
			}
			cache = NewJWKSCache(url, jwksTTL)
		})
		return cache, jwErr
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}
			scheme, tokenStr, ok := strings.Cut(c.Request().Header.Get(echo.HeaderAuthorization), " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed bearer token")
			}

			ctx := c.Request().Context()
			var keyfunc jwt.Keyfunc
			if len(cfg.SigningKey) > 0 {
				keyfunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			} else {
				cache, err := jwks(ctx)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "token verification keys unavailable")
				}
				keyfunc = cache.Keyfunc(ctx)
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyfunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			setIdentity(c, claims.Subject, claims.Roles, claims.Scopes)
			return next(c)
		}
	}
}

// DevAuthMiddleware admits unauthenticated requests as an admin "dev-user".
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			setIdentity(c, "dev-user", []string{RoleAdmin}, nil)
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, subject string, roles, scopes []string) {
	c.Set("user_id", subject)
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, UserIDKey, subject)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	ctx = context.WithValue(ctx, UserScopesKey, scopes)
	c.SetRequest(c.Request().WithContext(ctx))
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(UserScopesKey).([]string)
	return scopes
}
