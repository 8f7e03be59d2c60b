// Package identity verifies bearer tokens and carries the caller through the
// request context.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"document-formatter/internal/apperr"
)

// Principal is the verified caller.
type Principal struct {
	OwnerID string
	Email   string
}

// Claims are the token claims issued by the identity provider.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret   []byte
	audience string
}

func NewVerifier(secret, audience string) *Verifier {
	return &Verifier{secret: []byte(secret), audience: audience}
}

// Verify parses tok and returns its principal. Missing, expired and malformed
// tokens are all Unauthorized.
func (v *Verifier) Verify(tok string) (Principal, error) {
	if strings.TrimSpace(tok) == "" {
		return Principal{}, apperr.New(apperr.Unauthorized, "Missing bearer token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !tkn.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, apperr.Wrap(err, apperr.Unauthorized, "Token expired")
		}
		return Principal{}, apperr.Wrap(err, apperr.Unauthorized, "Invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, apperr.New(apperr.Unauthorized, "Token has no subject")
	}
	return Principal{OwnerID: claims.Subject, Email: claims.Email}, nil
}

// Mint issues a token for p, as formatter-admin mint-token does for local
// development.
func (v *Verifier) Mint(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.OwnerID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// FromRequest reads "Authorization: Bearer <jwt>".
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return Principal{}, apperr.New(apperr.Unauthorized, "Missing bearer token")
	}
	return v.Verify(strings.TrimSpace(hdr[7:]))
}

// Middleware rejects unauthenticated requests through onErr and stores the
// principal on the context otherwise.
func (v *Verifier) Middleware(onErr func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.FromRequest(r)
			if err != nil {
				onErr(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
