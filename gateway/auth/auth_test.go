package auth

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/Garudex-Labs/caracal-sub003/internal/principal"
)

func newTestRegistry(t *testing.T) *principal.Registry {
	t.Helper()
	reg, err := principal.New(principal.Options{Path: filepath.Join(t.TempDir(), "registry.json")})
	if err != nil {
		t.Fatalf("principal.New: %v", err)
	}
	return reg
}

func TestAuthenticateAPIKeySuccess(t *testing.T) {
	reg := newTestRegistry(t)
	hash, err := HashAPIKey("s3cret")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	p, err := reg.Register(principal.RegisterOptions{
		Name: "agent-1", Owner: "alice",
		Metadata: map[string]interface{}{"api_key_hash": hash},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	a := New(Options{Registry: reg})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "s3cret")

	result, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.PrincipalID != p.ID {
		t.Fatalf("principal = %s, want %s", result.PrincipalID, p.ID)
	}
	if result.Method != MethodAPIKey {
		t.Fatalf("method = %s, want %s", result.Method, MethodAPIKey)
	}
}

func TestAuthenticateAPIKeyWrongSecretFails(t *testing.T) {
	reg := newTestRegistry(t)
	hash, _ := HashAPIKey("s3cret")
	reg.Register(principal.RegisterOptions{
		Name: "agent-1", Owner: "alice",
		Metadata: map[string]interface{}{"api_key_hash": hash},
	})

	a := New(Options{Registry: reg})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "wrong")

	if _, err := a.Authenticate(req); err == nil {
		t.Fatal("expected authentication failure for wrong api key")
	}
}

func TestAuthenticateNoCredentialsFails(t *testing.T) {
	reg := newTestRegistry(t)
	a := New(Options{Registry: reg})
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	if _, err := a.Authenticate(req); err == nil {
		t.Fatal("expected authentication failure with no credentials presented")
	}
}

func TestAuthenticateJWTSuccess(t *testing.T) {
	reg := newTestRegistry(t)
	p, err := reg.Register(principal.RegisterOptions{Name: "agent-jwt", Owner: "alice"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"agent_id": p.ID,
		"exp":      jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	a := New(Options{Registry: reg, JWTSecret: secret})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	result, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.PrincipalID != p.ID {
		t.Fatalf("principal = %s, want %s", result.PrincipalID, p.ID)
	}
	if result.Method != MethodJWT {
		t.Fatalf("method = %s, want %s", result.Method, MethodJWT)
	}
}

func TestAuthenticateJWTFallsBackToSubClaim(t *testing.T) {
	reg := newTestRegistry(t)
	p, _ := reg.Register(principal.RegisterOptions{Name: "agent-sub", Owner: "alice"})

	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": p.ID,
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, _ := token.SignedString(secret)

	a := New(Options{Registry: reg, JWTSecret: secret})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	result, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.PrincipalID != p.ID {
		t.Fatalf("principal = %s, want %s", result.PrincipalID, p.ID)
	}
}

func TestAuthenticateJWTWrongSecretFails(t *testing.T) {
	reg := newTestRegistry(t)
	p, _ := reg.Register(principal.RegisterOptions{Name: "agent-jwt2", Owner: "alice"})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"agent_id": p.ID,
		"exp":      jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, _ := token.SignedString([]byte("actual-secret"))

	a := New(Options{Registry: reg, JWTSecret: []byte("different-secret")})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	if _, err := a.Authenticate(req); err == nil {
		t.Fatal("expected failure for token signed with a different secret")
	}
}

func TestAuthenticateJWTExpiredFails(t *testing.T) {
	reg := newTestRegistry(t)
	p, _ := reg.Register(principal.RegisterOptions{Name: "agent-jwt3", Owner: "alice"})

	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"agent_id": p.ID,
		"exp":      jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, _ := token.SignedString(secret)

	a := New(Options{Registry: reg, JWTSecret: secret})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	if _, err := a.Authenticate(req); err == nil {
		t.Fatal("expected failure for expired token")
	}
}

func TestAuthenticateUnknownPrincipalFails(t *testing.T) {
	reg := newTestRegistry(t)
	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"agent_id": "does-not-exist",
		"exp":      jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, _ := token.SignedString(secret)

	a := New(Options{Registry: reg, JWTSecret: secret})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	if _, err := a.Authenticate(req); err == nil {
		t.Fatal("expected failure for a claim naming an unregistered principal")
	}
}

func TestHashAPIKeyRoundTrips(t *testing.T) {
	hash, err := HashAPIKey("my-plaintext-key")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	reg := newTestRegistry(t)
	p, _ := reg.Register(principal.RegisterOptions{
		Name: "agent-roundtrip", Owner: "alice",
		Metadata: map[string]interface{}{"api_key_hash": hash},
	})
	a := New(Options{Registry: reg})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "my-plaintext-key")
	result, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.PrincipalID != p.ID {
		t.Fatalf("principal = %s, want %s", result.PrincipalID, p.ID)
	}
}
