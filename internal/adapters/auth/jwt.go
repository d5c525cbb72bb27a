// Package auth is the auth gateway: it turns a bearer credential into a
// verified domain.Identity.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/teleconsult/internal/domain"
)

// Claims carried by the identity provider's tokens. The user id is the
// subject; older tokens put it in "id" instead.
type Claims struct {
	UserID string `json:"id,omitempty"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed tokens.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

func (v *Verifier) Verify(token string) (domain.Identity, error) {
	identity, _, err := v.verify(token)
	return identity, err
}

// verify also reports the token's expiry, zero when it carries none.
func (v *Verifier) verify(token string) (domain.Identity, time.Time, error) {
	if token == "" {
		return domain.Identity{}, time.Time{}, fmt.Errorf("missing token: %w", domain.ErrAuthentication)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return domain.Identity{}, time.Time{}, fmt.Errorf("invalid token: %v: %w", err, domain.ErrAuthentication)
	}

	id := claims.Subject
	if id == "" {
		id = claims.UserID
	}
	identity, err := domain.NewIdentity(id, domain.Role(claims.Role), claims.Name)
	if err != nil {
		return domain.Identity{}, time.Time{}, fmt.Errorf("token claims: %v: %w", err, domain.ErrAuthentication)
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return identity, exp, nil
}

// Issue signs a token for identity. The identity provider owns issuance in
// production; this serves tests and local tooling.
func (v *Verifier) Issue(identity domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(identity.Role),
		Name: identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity.ID),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest reads the bearer credential from the Authorization
// header, falling back to the token query parameter browsers must use for
// WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
