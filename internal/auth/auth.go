// Package auth issues and verifies the bearer tokens that identify riders and
// drivers to the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken            = errors.New("auth: bearer token missing")
	ErrInvalidSigningAlgo = errors.New("auth: unexpected signing method")
	ErrRoleForbidden      = errors.New("auth: role not allowed")
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleDriver }

// Claims carries the caller's id in Subject.
type Claims struct {
	Role Role `json:"role"`
	jwtlib.RegisteredClaims
}

func (c *Claims) UserID() string { return c.Subject }

type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{secret: []byte(s), ttl: ttl, now: time.Now}, nil
}

// Issue signs an HS256 token for userID.
func (m *Manager) Issue(userID string, role Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}
	now := m.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse verifies the signature and the standard time claims.
func (m *Manager) Parse(token string) (*Claims, error) {
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithTimeFunc(m.now),
	)
	claims := &Claims{}
	t, err := parser.ParseWithClaims(token, claims, func(t *jwtlib.Token) (any, error) {
		if t.Method != jwtlib.SigningMethodHS256 {
			return nil, ErrInvalidSigningAlgo
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !t.Valid || claims.Subject == "" || !claims.Role.Valid() {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

// FromRequest reads "Authorization: Bearer <token>", falling back to the
// token query parameter for WebSocket handshakes.
func FromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); tok != "" {
			return tok, nil
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}

// Require reports ErrRoleForbidden unless c has one of roles.
func Require(c *Claims, roles ...Role) error {
	for _, r := range roles {
		if c.Role == r {
			return nil
		}
	}
	return ErrRoleForbidden
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}
