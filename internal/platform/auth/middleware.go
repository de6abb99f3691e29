package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Roles recognised by the ledger routes. admin passes every check.
const (
	RoleAdmin     = "admin"
	RoleBilling   = "billing"
	RoleCashier   = "cashier"
	RoleInsurance = "insurance"
	RoleService   = "service"
)

type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 tokens; used in development and tests.
	SigningKey []byte
}

// tokenVerifier checks a raw bearer token and fills claims.
type tokenVerifier func(ctx context.Context, raw string, claims *Claims) error

func hmacVerifier(cfg JWTConfig) tokenVerifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return func(_ context.Context, raw string, claims *Claims) error {
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return cfg.SigningKey, nil
		}, opts...)
		if err != nil {
			return err
		}
		if !token.Valid {
			return fmt.Errorf("token is not valid")
		}
		return nil
	}
}

// oidcVerifier validates RS256 tokens against the issuer's key set. The key
// set is fetched lazily and cached by go-oidc.
func oidcVerifier(cfg JWTConfig) tokenVerifier {
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}
	keySet := oidc.NewRemoteKeySet(context.Background(), jwksURL)
	verifier := oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{
		ClientID:          cfg.Audience,
		SkipClientIDCheck: cfg.Audience == "",
	})
	return func(ctx context.Context, raw string, claims *Claims) error {
		tok, err := verifier.Verify(ctx, raw)
		if err != nil {
			return err
		}
		if err := tok.Claims(claims); err != nil {
			return err
		}
		claims.Subject = tok.Subject
		return nil
	}
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	verify := oidcVerifier
	if len(cfg.SigningKey) > 0 {
		verify = hmacVerifier
	}
	check := verify(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			if err := check(c.Request().Context(), strings.TrimSpace(parts[1]), claims); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			// Read by the tenant middleware.
			c.Set("jwt_tenant_id", claims.TenantID)

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, UserRolesKey, claims.Roles)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development that allows
// unauthenticated requests with default values. The X-User-ID and
// X-User-Roles headers override the defaults.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			user := req.Header.Get("X-User-ID")
			if user == "" {
				user = "dev-user"
			}
			roles := []string{RoleAdmin}
			if h := req.Header.Get("X-User-Roles"); h != "" {
				roles = roles[:0]
				for _, r := range strings.Split(h, ",") {
					if r = strings.TrimSpace(r); r != "" {
						roles = append(roles, r)
					}
				}
			}
			ctx := context.WithValue(req.Context(), UserIDKey, user)
			ctx = context.WithValue(ctx, UserRolesKey, roles)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// WithUser returns ctx carrying the given identity. Used by background jobs
// and tests.
func WithUser(ctx context.Context, userID string, roles ...string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}
