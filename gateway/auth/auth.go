// Package auth implements the Authority Gateway's authentication stage
// (mTLS, bearer JWT, or API key) and replay defense (nonce + timestamp).
package auth

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
	"github.com/Garudex-Labs/caracal-sub003/internal/principal"
)

// Method names the authentication factor that succeeded. The gateway never
// reveals which factor was attempted on failure: Method is only meaningful
// on a successful Authenticate call.
type Method string

const (
	MethodMTLS   Method = "mtls"
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
)

// Result is the outcome of a successful authentication.
type Result struct {
	PrincipalID string
	Method      Method
}

// errAuthFailed is the single error surfaced for every failed authentication
// attempt, regardless of which factor or why it failed, so no factor's
// failure reason leaks to the caller.
var errAuthFailed = caracalerr.New(caracalerr.AuthFailure, "authentication failed")

// Registry is the slice of *principal.Registry the Authenticator consumes.
type Registry interface {
	Get(id string) (*principal.Principal, error)
	GetByName(name string) (*principal.Principal, error)
	ListAll() []*principal.Principal
}

// Options configures an Authenticator.
type Options struct {
	Registry Registry
	// JWTSecret is the HMAC shared secret validating the gateway's own bearer
	// tokens (distinct from a mandate's ES256 token; this secret
	// authenticates the caller, the mandate separately authorizes the call).
	JWTSecret []byte
	// CACert, if set, client certificates are additionally verified to chain
	// to this CA. When nil, only CN/SAN extraction is performed: the net/http
	// server is expected to have already validated the chain via
	// tls.Config.ClientCAs when CA verification is desired at the transport
	// layer. This field supports verifying a certificate handed to
	// Authenticator out of band (e.g. forwarded by an upstream LB).
	CACert *x509.Certificate
}

// Authenticator implements every authentication mode the gateway supports.
// Every failure path collapses to the same AuthFailure error so no factor's
// failure reason leaks to the caller. The returned error carries no
// underlying cause: errors.Unwrap on it yields nil.
type Authenticator struct {
	registry  Registry
	jwtSecret []byte
	caCert    *x509.Certificate
}

// New constructs an Authenticator.
func New(opts Options) *Authenticator {
	return &Authenticator{
		registry:  opts.Registry,
		jwtSecret: opts.JWTSecret,
		caCert:    opts.CACert,
	}
}

// Authenticate dispatches to the mode implied by the request: a client
// certificate (mTLS), an Authorization: Bearer header (JWT), or an X-API-Key
// header. Exactly one mode is attempted per request, in that priority order;
// a request presenting none of them fails closed.
func (a *Authenticator) Authenticate(r *http.Request) (Result, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return a.authenticateMTLS(r.TLS.PeerCertificates[0])
	}
	if bearer := extractBearer(r.Header.Get("Authorization")); bearer != "" {
		return a.authenticateJWT(bearer)
	}
	if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
		return a.authenticateAPIKey(apiKey)
	}
	return Result{}, errAuthFailed
}

// authenticateMTLS extracts a principal ID from the client certificate's
// Common Name or a DNS Subject Alternative Name, verifying the certificate
// against the configured CA first when one is set.
func (a *Authenticator) authenticateMTLS(cert *x509.Certificate) (Result, error) {
	if a.caCert != nil {
		roots := x509.NewCertPool()
		roots.AddCert(a.caCert)
		if _, err := cert.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
			return Result{}, errAuthFailed
		}
	}

	principalID := commonName(cert.Subject)
	if principalID == "" {
		for _, name := range cert.DNSNames {
			principalID = name
			break
		}
	}
	if principalID == "" {
		return Result{}, errAuthFailed
	}
	return a.resolvePrincipal(principalID, MethodMTLS)
}

// authenticateJWT verifies an HMAC-signed bearer token and extracts the
// caller's principal ID from the "sub" or "agent_id" claim.
func (a *Authenticator) authenticateJWT(tokenString string) (Result, error) {
	if len(a.jwtSecret) == 0 {
		return Result{}, errAuthFailed
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Result{}, errAuthFailed
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Result{}, errAuthFailed
	}

	principalID, _ := claims["agent_id"].(string)
	if principalID == "" {
		principalID, _ = claims["sub"].(string)
	}
	if principalID == "" {
		return Result{}, errAuthFailed
	}
	return a.resolvePrincipal(principalID, MethodJWT)
}

// authenticateAPIKey looks up the principal whose metadata carries a bcrypt
// hash matching apiKey. The linear scan over principals is a known scaling
// limitation; an API-key index table is deployment-level enrichment.
func (a *Authenticator) authenticateAPIKey(apiKey string) (Result, error) {
	for _, p := range a.registry.ListAll() {
		hash, _ := p.Metadata["api_key_hash"].(string)
		if hash == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) == nil {
			return Result{PrincipalID: p.ID, Method: MethodAPIKey}, nil
		}
	}
	return Result{}, errAuthFailed
}

func (a *Authenticator) resolvePrincipal(principalIDOrName string, method Method) (Result, error) {
	if p, err := a.registry.Get(principalIDOrName); err == nil {
		return Result{PrincipalID: p.ID, Method: method}, nil
	}
	if p, err := a.registry.GetByName(principalIDOrName); err == nil {
		return Result{PrincipalID: p.ID, Method: method}, nil
	}
	return Result{}, errAuthFailed
}

// HashAPIKey bcrypt-hashes a plaintext API key for storage in a principal's
// metadata under "api_key_hash". Exposed so provisioning tooling can
// populate credentials through this package's canonical hashing, never a
// second implementation.
func HashAPIKey(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", caracalerr.Wrap(caracalerr.Configuration, "hash api key", err)
	}
	return string(hash), nil
}

func commonName(subject pkix.Name) string {
	return strings.TrimSpace(subject.CommonName)
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
