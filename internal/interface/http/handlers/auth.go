package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PLAYER AUTH (JWT)
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrMissingToken = shared.NewDomainError("auth", "Authenticate", shared.ErrUnauthorized, "missing token")
	ErrInvalidToken = shared.NewDomainError("auth", "Authenticate", shared.ErrUnauthorized, "invalid token")
	ErrInvalidKey   = shared.NewDomainError("auth", "Authenticate", shared.ErrForbidden, "invalid admin key")
)

type playerKey struct{}

// PlayerFromContext returns the authenticated player id.
func PlayerFromContext(ctx context.Context) (shared.PlayerID, bool) {
	id, ok := ctx.Value(playerKey{}).(shared.PlayerID)
	return id, ok
}

// WithPlayer attaches a player id to ctx.
func WithPlayer(ctx context.Context, id shared.PlayerID) context.Context {
	return context.WithValue(ctx, playerKey{}, id)
}

// PlayerAuth issues and verifies HS256 tokens whose subject is the player id.
type PlayerAuth struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewPlayerAuth creates a PlayerAuth. ttl <= 0 means 24h.
func NewPlayerAuth(secret []byte, issuer string, ttl time.Duration) *PlayerAuth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PlayerAuth{key: secret, issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for the player. The game server and mqctl use it.
func (a *PlayerAuth) Issue(playerID shared.PlayerID) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   playerID.String(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// Parse verifies the token and returns its player id.
func (a *PlayerAuth) Parse(token string) (shared.PlayerID, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return "", shared.WrapError("auth", "Authenticate", shared.ErrUnauthorized, "invalid token", err)
	}

	id, err := shared.NewPlayerID(claims.Subject)
	if err != nil {
		return "", ErrInvalidToken
	}
	return id, nil
}

// tokenFromRequest reads a Bearer header, falling back to ?token= for websockets.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token and stores the player id.
// onError writes the rejection so callers keep their response envelope.
func (a *PlayerAuth) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Parse(tokenFromRequest(r))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPlayer(r.Context(), id)))
		})
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN KEY (bcrypt)
// ══════════════════════════════════════════════════════════════════════════════

// AdminKeyHeader carries the operator key.
const AdminKeyHeader = "X-Admin-Key"

// AdminKeyAuth checks the operator key against a stored bcrypt hash.
type AdminKeyAuth struct {
	hash []byte
}

// NewAdminKeyAuth creates an AdminKeyAuth. An empty hash disables admin routes.
func NewAdminKeyAuth(hash string) *AdminKeyAuth {
	return &AdminKeyAuth{hash: []byte(hash)}
}

// HashAdminKey returns the bcrypt hash to put in configuration.
func HashAdminKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Verify compares key with the stored hash.
func (a *AdminKeyAuth) Verify(key string) error {
	if len(a.hash) == 0 || key == "" {
		return ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidKey
		}
		return shared.WrapError("auth", "Authenticate", shared.ErrForbidden, "invalid admin key", err)
	}
	return nil
}

// Middleware rejects requests without a valid admin key.
func (a *AdminKeyAuth) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.Verify(r.Header.Get(AdminKeyHeader)); err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
