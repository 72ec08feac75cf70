// Package httpserver contains HTTP handlers and middleware for the job
// dispatch gateway's external REST/SSE API.
package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// Argon2Params defines parameters for Argon2id password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash of password. Reused beyond login
// forms: the callback sink hashes the internal worker shared secret with it.
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyPassword verifies password against its Argon2id hash in constant time.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters64, err1 := parseUint32(parts[1])
	mem64, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actualHash := argon2.IDKey([]byte(password), salt, iters64, mem64, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}

// ownerContextKey is the context key the owner-auth middleware injects the
// authenticated owner id under.
type ownerContextKey struct{}

// OwnerIDFromContext returns the authenticated owner id, or "" if the request
// was not authenticated (should not happen past OwnerAuthenticator.Middleware).
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerContextKey{}).(string); ok {
		return v
	}
	return ""
}

// OwnerAuthenticator validates bearer tokens issued by the external
// IdentityProvider collaborator. The gateway never issues tokens itself
// (token issuance is out of scope); it only verifies the signature, issuer,
// and expiry of a token presented by a caller and trusts the "sub" claim as
// the owner id. Grounded on the bearer-JWT middleware idiom used elsewhere in
// the example corpus (extract Authorization: Bearer, parse with
// golang-jwt/jwt, read MapClaims["sub"]).
type OwnerAuthenticator struct {
	secret []byte
	issuer string
}

// NewOwnerAuthenticator constructs an OwnerAuthenticator from config.
func NewOwnerAuthenticator(cfg config.Config) *OwnerAuthenticator {
	return &OwnerAuthenticator{secret: []byte(cfg.JWTSigningSecret), issuer: cfg.JWTIssuer}
}

// Middleware enforces a valid bearer token and injects the owner id into the
// request context. Responds 401 on any validation failure.
func (a *OwnerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := a.authenticate(r)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err), nil)
			return
		}
		ctx := context.WithValue(r.Context(), ownerContextKey{}, ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *OwnerAuthenticator) authenticate(r *http.Request) (string, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return "", fmt.Errorf("missing bearer token")
	}
	raw := strings.TrimSpace(authz[len("Bearer "):])
	if raw == "" {
		return "", fmt.Errorf("empty bearer token")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("token missing sub claim")
	}
	return sub, nil
}
