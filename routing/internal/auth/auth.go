package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AnyTenant in the tenants claim grants access to every tenant.
const AnyTenant = "*"

// AuthInfo is the caller identity attached to the request context.
type AuthInfo struct {
	Subject string
	Tenants []string
}

// Allows reports whether the caller may act on tenantID.
func (a AuthInfo) Allows(tenantID string) bool {
	return slices.Contains(a.Tenants, AnyTenant) || slices.Contains(a.Tenants, tenantID)
}

type claims struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Tenants  []string `json:"tenants,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens. With no secret configured it lets
// every request through with access to all tenants.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

func (v *Verifier) Verify(tokenStr string) (AuthInfo, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return AuthInfo{}, fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return AuthInfo{}, errors.New("invalid token")
	}

	info := AuthInfo{Subject: c.Subject, Tenants: c.Tenants}
	if c.TenantID != "" {
		info.Tenants = append(info.Tenants, c.TenantID)
	}
	if len(info.Tenants) == 0 {
		return AuthInfo{}, errors.New("token carries no tenant scope")
	}
	return info, nil
}

// Sign issues a token for subject scoped to tenants. Used by tooling and tests.
func (v *Verifier) Sign(subject string, tenants ...string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Tenants:          tenants,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	})
	return token.SignedString(v.secret)
}

type ctxKey struct{}

func WithAuthInfo(ctx context.Context, info AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

func FromContext(ctx context.Context) (AuthInfo, bool) {
	info, ok := ctx.Value(ctxKey{}).(AuthInfo)
	return info, ok
}

// Middleware authenticates the bearer token and stores the AuthInfo in the
// request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Enabled() {
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), AuthInfo{Subject: "anonymous", Tenants: []string{AnyTenant}})))
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeUnauthorized(w, "bearer token required")
			return
		}
		info, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), info)))
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
