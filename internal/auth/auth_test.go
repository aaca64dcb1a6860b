package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("test-secret")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestNewManager_EmptySecret(t *testing.T) {
	if _, err := NewManager(""); !errors.Is(err, ErrNoSecret) {
		t.Errorf("Expected ErrNoSecret, got %v", err)
	}
}

func TestIssueAndValidate(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Issue("client_1", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("Expected a compact JWT, got %s", token)
	}

	p, err := m.Validate("Bearer " + token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if p.ActorID != "client_1" {
		t.Errorf("Expected actor client_1, got %s", p.ActorID)
	}
	if p.Role != RoleUser {
		t.Errorf("Expected default role %s, got %s", RoleUser, p.Role)
	}
	if p.IsArbiter() {
		t.Error("User token should not be an arbiter")
	}
}

func TestValidate_ArbiterRole(t *testing.T) {
	m := newTestManager(t)
	token, _ := m.Issue("arb_1", RoleArbiter, time.Hour)

	p, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !p.IsArbiter() {
		t.Errorf("Expected arbiter, got role %q", p.Role)
	}
}

func TestValidate_Expired(t *testing.T) {
	m := newTestManager(t)
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _ := m.Issue("client_1", RoleUser, time.Hour)
	m.now = time.Now

	if _, err := m.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	token, _ := newTestManager(t).Issue("client_1", RoleUser, time.Hour)

	other, _ := NewManager("another-secret")
	if _, err := other.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for foreign signature, got %v", err)
	}
}

func TestValidate_Empty(t *testing.T) {
	m := newTestManager(t)
	for _, raw := range []string{"", "Bearer ", "   "} {
		if _, err := m.Validate(raw); !errors.Is(err, ErrNoToken) {
			t.Errorf("Validate(%q): expected ErrNoToken, got %v", raw, err)
		}
	}
}

func TestValidate_RejectsOtherAlgorithms(t *testing.T) {
	m := newTestManager(t)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "client_1",
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(m.secret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected HS512 token to be rejected, got %v", err)
	}
}

func TestValidate_MissingSubject(t *testing.T) {
	m := newTestManager(t)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if _, err := m.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected missing subject to be rejected, got %v", err)
	}
}

func TestIssue_EmptyActor(t *testing.T) {
	if _, err := newTestManager(t).Issue("", RoleUser, time.Hour); err == nil {
		t.Error("Expected error for empty actor id")
	}
}
