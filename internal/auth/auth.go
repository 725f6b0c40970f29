// Package auth verifies bearer tokens and puts the caller's account id on the
// request context. Accounts are registered elsewhere; this service only
// trusts tokens signed with the shared secret.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for a malformed, forged or incomplete token.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned for a token past its expiry.
	ErrExpiredToken = errors.New("token has expired")
)

// Claims is the token payload. The account id travels in user_id; sub is
// accepted as a fallback.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier signs and parses HS256 tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Issue signs a token for accountID valid for ttl.
func (v *Verifier) Issue(accountID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(v.secret)
}

// Parse validates token and returns the account id it names.
func (v *Verifier) Parse(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return "", ErrInvalidToken
	}
	return id, nil
}

type ctxKey string

const accountIDKey ctxKey = "account_id"

// WithAccountID returns ctx carrying accountID.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// AccountID returns the authenticated account id from ctx.
func AccountID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(accountIDKey).(string)
	return id, ok && id != ""
}

// Middleware rejects requests without a valid bearer token.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				unauthorized(w, "missing bearer token")
				return
			}
			accountID, err := v.Parse(strings.TrimSpace(parts[1]))
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
		})
	}
}

// TokenFromQuery copies a ?token= query parameter into the Authorization
// header when the request has none. Browsers cannot set headers on a
// WebSocket handshake.
func TokenFromQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := r.URL.Query().Get("token"); tok != "" && r.Header.Get("Authorization") == "" {
			r = r.Clone(r.Context())
			r.Header.Set("Authorization", "Bearer "+tok)
		}
		next.ServeHTTP(w, r)
	})
}

// InternalAuth guards service-to-service routes with a shared token in
// X-Internal-Token. An empty configured token rejects every request.
func InternalAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Internal-Token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				unauthorized(w, "invalid internal token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
