// Package auth provides bearer-token authentication for the escrow API.
//
// Authentication model:
//   - Health, metrics and stats: no auth required
//   - Escrow and dispute endpoints: a signed JWT whose subject is the actor id
//   - Dispute review and resolution: additionally the "arbiter" role
//
// Tokens are HS256 JWTs issued by the surrounding platform. The engine only
// verifies them; Issue exists for tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNoSecret     = errors.New("auth secret is not configured")
)

// Roles
const (
	RoleUser    = "user"
	RoleArbiter = "arbiter"
)

const issuer = "taskescrow"

// Claims are the JWT claims the engine understands. Subject is the actor id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	ActorID   string    `json:"actorId"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// IsArbiter reports whether the caller may review and resolve disputes.
func (p *Principal) IsArbiter() bool {
	return p.Role == RoleArbiter
}

// Manager signs and verifies tokens.
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a manager for the given HMAC secret.
func NewManager(secret string) (*Manager, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Manager{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for actorID with the given role and lifetime.
func (m *Manager) Issue(actorID, role string, ttl time.Duration) (string, error) {
	if actorID == "" {
		return "", fmt.Errorf("issue token: empty actor id")
	}
	if role == "" {
		role = RoleUser
	}
	now := m.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate parses a raw token (with or without the "Bearer " prefix) and
// returns the caller it identifies.
func (m *Manager) Validate(raw string) (*Principal, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	p := &Principal{ActorID: claims.Subject, Role: claims.Role}
	if p.Role == "" {
		p.Role = RoleUser
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}
