// Package mandate implements the Mandate Manager: issuance, ECDSA-P256
// signing and verification, scope/glob validation, and revocation of
// delegated authority tokens. Tokens use the three-segment base64url format
// the gateway's auth layer already expects for bearer tokens, signed
// directly with crypto/ecdsa over the canonical claim serialization.
package mandate

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
	"github.com/Garudex-Labs/caracal-sub003/internal/principal"
)

// Audience is the fixed audience claim every mandate carries.
const Audience = "caracal-core"

// FutureSkewTolerance bounds how far into the future an issued-at claim may
// sit and still be accepted, absorbing minor clock drift between nodes.
const FutureSkewTolerance = 60 * time.Second

// Claims is the decoded, verified payload of a mandate token.
type Claims struct {
	Issuer             string    `json:"iss"`
	Subject            string    `json:"sub"`
	Audience           string    `json:"aud"`
	IssuedAt           time.Time `json:"iat"`
	ExpiresAt          time.Time `json:"exp"`
	ID                 string    `json:"jti"`
	SpendingLimit      string    `json:"spendingLimit"`
	Currency           string    `json:"currency"`
	AllowedOperations  []string  `json:"allowedOperations"`
	AllowedResources   []string  `json:"allowedResources"`
	MaxDelegationDepth int       `json:"maxDelegationDepth"`
	BudgetCategory     string    `json:"budgetCategory,omitempty"`
	ParentMandateID    string    `json:"parentMandateId,omitempty"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// wireClaims mirrors Claims but with unix-second timestamps, used for the
// canonical serialization the signature covers.
type wireClaims struct {
	Issuer             string   `json:"iss"`
	Subject            string   `json:"sub"`
	Audience           string   `json:"aud"`
	IssuedAt           int64    `json:"iat"`
	ExpiresAt          int64    `json:"exp"`
	ID                 string   `json:"jti"`
	SpendingLimit      string   `json:"spendingLimit"`
	Currency           string   `json:"currency"`
	AllowedOperations  []string `json:"allowedOperations"`
	AllowedResources   []string `json:"allowedResources"`
	MaxDelegationDepth int      `json:"maxDelegationDepth"`
	BudgetCategory     string   `json:"budgetCategory,omitempty"`
	ParentMandateID    string   `json:"parentMandateId,omitempty"`
}

// Record is a mandate as tracked by the Manager: the issued token alongside
// its decoded claims and revocation state.
type Record struct {
	Token     string
	Claims    Claims
	Revoked   bool
	RevokedBy string
	Reason    string
}

// Manager issues, validates, and revokes mandates. It holds a non-owning
// reference to the Principal Registry for key lookup: the registry outlives
// any mandate operation and is never copied or closed by the Manager.
type Manager struct {
	registry *principal.Registry

	mu      sync.RWMutex
	records map[string]*Record // keyed by jti
}

// NewManager constructs a Manager reading principal key material from
// registry.
func NewManager(registry *principal.Registry) *Manager {
	return &Manager{
		registry: registry,
		records:  make(map[string]*Record),
	}
}

// IssueOptions configures Issue.
type IssueOptions struct {
	IssuerID           string
	SubjectID          string
	ValiditySeconds    int64
	SpendingLimit      string
	Currency           string
	AllowedOperations  []string
	AllowedResources   []string
	MaxDelegationDepth int
	BudgetCategory     string
	ParentMandateID    string
}

// Issue signs a new mandate on behalf of opts.IssuerID. Fails NotFound if the
// issuer is unknown, and a NotFound-kinded "missing private key" error if the
// issuer has no key material.
func (m *Manager) Issue(opts IssueOptions) (*Record, error) {
	issuer, err := m.registry.Get(opts.IssuerID)
	if err != nil {
		return nil, caracalerr.Wrap(caracalerr.NotFound, "issuer principal not found", err)
	}
	privKey, err := issuer.PrivateKey()
	if err != nil {
		return nil, caracalerr.Wrap(caracalerr.NotFound, "issuer has no private key", err)
	}

	now := time.Now().UTC()
	claims := Claims{
		Issuer:             opts.IssuerID,
		Subject:            opts.SubjectID,
		Audience:           Audience,
		IssuedAt:           now,
		ExpiresAt:          now.Add(time.Duration(opts.ValiditySeconds) * time.Second),
		ID:                 uuid.NewString(),
		SpendingLimit:      opts.SpendingLimit,
		Currency:           opts.Currency,
		AllowedOperations:  opts.AllowedOperations,
		AllowedResources:   opts.AllowedResources,
		MaxDelegationDepth: opts.MaxDelegationDepth,
		BudgetCategory:     opts.BudgetCategory,
		ParentMandateID:    opts.ParentMandateID,
	}

	token, err := encode(claims, opts.IssuerID, privKey)
	if err != nil {
		return nil, caracalerr.Wrap(caracalerr.Configuration, "sign mandate", err)
	}

	rec := &Record{Token: token, Claims: claims}
	m.mu.Lock()
	m.records[claims.ID] = rec
	m.mu.Unlock()
	return rec, nil
}

func encode(claims Claims, issuerID string, privKey *ecdsa.PrivateKey) (string, error) {
	h := header{Alg: "ES256", Typ: "JWT", Kid: issuerID}
	headerJSON, err := marshalSorted(h)
	if err != nil {
		return "", err
	}
	wire := wireClaims{
		Issuer:             claims.Issuer,
		Subject:            claims.Subject,
		Audience:           claims.Audience,
		IssuedAt:           claims.IssuedAt.Unix(),
		ExpiresAt:          claims.ExpiresAt.Unix(),
		ID:                 claims.ID,
		SpendingLimit:      claims.SpendingLimit,
		Currency:           claims.Currency,
		AllowedOperations:  claims.AllowedOperations,
		AllowedResources:   claims.AllowedResources,
		MaxDelegationDepth: claims.MaxDelegationDepth,
		BudgetCategory:     claims.BudgetCategory,
		ParentMandateID:    claims.ParentMandateID,
	}
	payloadJSON, err := marshalSorted(wire)
	if err != nil {
		return "", err
	}

	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := headerB64 + "." + payloadB64

	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, privKey, digest[:])
	if err != nil {
		return "", err
	}
	sigBytes := encodeSignature(r, s, privKey.Curve.Params().BitSize)
	sigB64 := base64.RawURLEncoding.EncodeToString(sigBytes)

	return signingInput + "." + sigB64, nil
}

// marshalSorted serializes v through a map so that keys come out
// lexicographically sorted, matching the canonical-claim-set requirement
// that the signature cover a deterministic serialization.
func marshalSorted(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(asMap))
	for k := range asMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		b.Write(asMap[k])
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func encodeSignature(r, s *big.Int, bitSize int) []byte {
	byteLen := (bitSize + 7) / 8
	out := make([]byte, 2*byteLen)
	r.FillBytes(out[:byteLen])
	s.FillBytes(out[byteLen:])
	return out
}

func decodeSignature(sig []byte) (*big.Int, *big.Int) {
	half := len(sig) / 2
	r := new(big.Int).SetBytes(sig[:half])
	s := new(big.Int).SetBytes(sig[half:])
	return r, s
}

// Get returns the tracked record for a mandate by its jti, as issued by this
// Manager or previously seen by Validate. Used by the gateway's mandate
// lookup stage, which addresses mandates by ID rather than by presenting
// the bearer token on every call.
func (m *Manager) Get(jti string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[jti]
	if !ok {
		return nil, caracalerr.New(caracalerr.NotFound, "mandate not found: "+jti)
	}
	return rec, nil
}

// Validate parses and verifies token, returning its claims. Every distinct
// failure mode (malformed structure, unknown issuer, bad signature, expired,
// wrong audience, revoked) returns a caracalerr with a distinct message so
// callers can log the precise cause even though the gateway boundary
// collapses all of them to 403.
func (m *Manager) Validate(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, caracalerr.New(caracalerr.Validation, "malformed mandate token: expected 3 segments")
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, caracalerr.Wrap(caracalerr.Validation, "malformed mandate header encoding", err)
	}
	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return Claims{}, caracalerr.Wrap(caracalerr.Validation, "malformed mandate header", err)
	}
	if h.Kid == "" {
		return Claims{}, caracalerr.New(caracalerr.Validation, "mandate header missing kid")
	}

	issuer, err := m.registry.Get(h.Kid)
	if err != nil {
		return Claims{}, caracalerr.New(caracalerr.NotFound, "unknown mandate issuer: "+h.Kid)
	}
	pubKey, err := issuer.PublicKey()
	if err != nil {
		return Claims{}, caracalerr.Wrap(caracalerr.NotFound, "issuer has no public key", err)
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, caracalerr.New(caracalerr.Validation, "malformed mandate signature encoding")
	}
	signingInput := parts[0] + "." + parts[1]
	digest := sha256.Sum256([]byte(signingInput))
	r, s := decodeSignature(sigBytes)
	if !ecdsa.Verify(pubKey, digest[:], r, s) {
		return Claims{}, caracalerr.New(caracalerr.AuthFailure, "mandate signature verification failed")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, caracalerr.New(caracalerr.Validation, "malformed mandate payload encoding")
	}
	var wire wireClaims
	if err := json.Unmarshal(payloadJSON, &wire); err != nil {
		return Claims{}, caracalerr.Wrap(caracalerr.Validation, "malformed mandate payload", err)
	}
	if wire.Issuer == "" || wire.Subject == "" || wire.ID == "" {
		return Claims{}, caracalerr.New(caracalerr.Validation, "mandate payload missing required claim")
	}
	if wire.Audience != Audience {
		return Claims{}, caracalerr.New(caracalerr.Validation, "mandate has wrong audience")
	}

	claims := Claims{
		Issuer:             wire.Issuer,
		Subject:            wire.Subject,
		Audience:           wire.Audience,
		IssuedAt:           time.Unix(wire.IssuedAt, 0).UTC(),
		ExpiresAt:          time.Unix(wire.ExpiresAt, 0).UTC(),
		ID:                 wire.ID,
		SpendingLimit:      wire.SpendingLimit,
		Currency:           wire.Currency,
		AllowedOperations:  wire.AllowedOperations,
		AllowedResources:   wire.AllowedResources,
		MaxDelegationDepth: wire.MaxDelegationDepth,
		BudgetCategory:     wire.BudgetCategory,
		ParentMandateID:    wire.ParentMandateID,
	}

	now := time.Now().UTC()
	if claims.IssuedAt.After(now.Add(FutureSkewTolerance)) {
		return Claims{}, caracalerr.New(caracalerr.Validation, "mandate issued-at is too far in the future")
	}
	if now.After(claims.ExpiresAt) {
		return Claims{}, caracalerr.New(caracalerr.Validation, "mandate has expired")
	}

	m.mu.RLock()
	rec, tracked := m.records[claims.ID]
	m.mu.RUnlock()
	if tracked && rec.Revoked {
		return Claims{}, caracalerr.New(caracalerr.AuthorityDenied, "mandate has been revoked")
	}

	if !tracked {
		m.mu.Lock()
		m.records[claims.ID] = &Record{Token: token, Claims: claims}
		m.mu.Unlock()
	}

	return claims, nil
}

// ValidateScope checks that claims permit (action, resource), and — for a
// delegated mandate — walks the parent chain confirming every ancestor also
// permits it and that the chain never exceeds its own max delegation depth.
func (m *Manager) ValidateScope(claims Claims, action, resource string) error {
	if err := matchScope(claims, action, resource); err != nil {
		return err
	}

	depth := 0
	cursor := claims
	for cursor.ParentMandateID != "" {
		depth++
		if depth > cursor.MaxDelegationDepth {
			return caracalerr.New(caracalerr.AuthorityDenied, "delegation chain exceeds max delegation depth")
		}
		m.mu.RLock()
		parentRec, ok := m.records[cursor.ParentMandateID]
		m.mu.RUnlock()
		if !ok {
			return caracalerr.New(caracalerr.NotFound, "parent mandate not found: "+cursor.ParentMandateID)
		}
		if parentRec.Revoked {
			return caracalerr.New(caracalerr.AuthorityDenied, "parent mandate has been revoked")
		}
		if err := matchScope(parentRec.Claims, action, resource); err != nil {
			return err
		}
		cursor = parentRec.Claims
	}
	return nil
}

func matchScope(claims Claims, action, resource string) error {
	allowed := false
	for _, op := range claims.AllowedOperations {
		if op == action {
			allowed = true
			break
		}
	}
	if !allowed {
		return caracalerr.New(caracalerr.AuthorityDenied, fmt.Sprintf("action %q not permitted by mandate", action))
	}

	for _, pattern := range claims.AllowedResources {
		if globMatch(pattern, resource) {
			return nil
		}
	}
	return caracalerr.New(caracalerr.AuthorityDenied, fmt.Sprintf("resource %q not permitted by mandate", resource))
}

// globMatch reports whether resource matches pattern, where pattern segments
// are separated by ':'. Within a segment, '*' matches any run of characters
// (so "gpt-*" matches "gpt-4"); a segment that is exactly '**' matches zero
// or more whole resource segments.
func globMatch(pattern, resource string) bool {
	return matchSegments(strings.Split(pattern, ":"), strings.Split(resource, ":"))
}

func matchSegments(pattern, resource []string) bool {
	if len(pattern) == 0 {
		return len(resource) == 0
	}
	head, rest := pattern[0], pattern[1:]
	if head == "**" {
		if matchSegments(rest, resource) {
			return true
		}
		if len(resource) == 0 {
			return false
		}
		return matchSegments(pattern, resource[1:])
	}
	if len(resource) == 0 {
		return false
	}
	if !matchSegment(head, resource[0]) {
		return false
	}
	return matchSegments(rest, resource[1:])
}

// matchSegment matches one pattern segment against one resource segment,
// with '*' standing for any run of characters (including none).
func matchSegment(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	if pattern[0] == '*' {
		for i := 0; i <= len(s); i++ {
			if matchSegment(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	}
	return s != "" && pattern[0] == s[0] && matchSegment(pattern[1:], s[1:])
}

// Revoke marks the mandate identified by jti as revoked. If cascade is set,
// every mandate in this Manager whose ParentMandateID chain leads back to
// jti is revoked as well. Idempotent: revoking an already-revoked mandate is
// a no-op.
func (m *Manager) Revoke(jti, revokedBy, reason string, cascade bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jti]
	if !ok {
		return caracalerr.New(caracalerr.NotFound, "mandate not found: "+jti)
	}
	if rec.Revoked {
		return nil
	}
	rec.Revoked = true
	rec.RevokedBy = revokedBy
	rec.Reason = reason

	if cascade {
		m.revokeDescendantsLocked(jti, revokedBy, reason)
	}
	return nil
}

func (m *Manager) revokeDescendantsLocked(parentJTI, revokedBy, reason string) {
	for _, rec := range m.records {
		if rec.Claims.ParentMandateID == parentJTI && !rec.Revoked {
			rec.Revoked = true
			rec.RevokedBy = revokedBy
			rec.Reason = reason
			m.revokeDescendantsLocked(rec.Claims.ID, revokedBy, reason)
		}
	}
}
