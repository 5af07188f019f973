// Package auth is the admin gate: it turns an opaque bearer token minted by
// the external login flow into a Principal and guards every state-mutating
// control-plane route. The login handshake itself lives outside this server;
// the core only ever consumes the resulting username and admin flag.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ErrForbidden is returned when a caller lacks the admin flag or presents no
// usable token.
var ErrForbidden = errors.New("forbidden")

// Principal is one authenticated caller, trusted for the lifetime of a single
// control-plane request.
type Principal struct {
	Username string
	Admin    bool
}

type gateClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

// Gate verifies HS256 bearer tokens carrying {username, admin} claims.
type Gate struct {
	secret []byte
}

// NewGate builds a gate from a shared secret.
func NewGate(secret string) (*Gate, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("admin secret is required")
	}
	return &Gate{secret: []byte(secret)}, nil
}

// Principal extracts and verifies the caller from an Authorization header.
func (g *Gate) Principal(authorization string) (Principal, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer"))
	if raw == "" {
		return Principal{}, ErrForbidden
	}

	var claims gateClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrForbidden
	}
	return Principal{Username: claims.Username, Admin: claims.Admin}, nil
}

// RequireAdmin short-circuits with a Forbidden status when the caller lacks
// the admin flag; no downstream handler runs and no state mutates.
func (g *Gate) RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := g.Principal(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil || !principal.Admin {
			return c.JSON(http.StatusForbidden, map[string]any{
				"success": false,
				"message": "Forbidden",
			})
		}
		c.Set("principal", principal)
		return next(c)
	}
}

// MintToken signs an admin token. Used by tests and by the offline CLI; the
// production login flow mints tokens elsewhere with the same shared secret.
func (g *Gate) MintToken(p Principal) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, gateClaims{
		Username: p.Username,
		Admin:    p.Admin,
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}
