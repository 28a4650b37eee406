// Package principal implements the Principal Registry: the source of truth
// for agent identities, their ownership, hierarchy, and key material. The
// registry is an in-memory map guarded by a coarse mutex and backed by
// atomic-rename persistence.
package principal

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Garudex-Labs/caracal-sub003/internal/atomicfile"
	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
	"github.com/Garudex-Labs/caracal-sub003/internal/retry"
)

// KeyPair holds a principal's ECDSA-P256 key material in PEM form, stored
// inline in the registry file. Storing the private half in cleartext is a
// deliberate trust assumption; a production deployment should move key
// custody to an external store.
type KeyPair struct {
	PublicKeyPEM  string `json:"public_key_pem"`
	PrivateKeyPEM string `json:"private_key_pem,omitempty"`
}

// Principal is a registered agent identity.
type Principal struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Owner          string                 `json:"owner"`
	CreatedAt      time.Time              `json:"created_at"`
	Metadata       map[string]interface{} `json:"metadata"`
	ParentID       string                 `json:"parent_id,omitempty"`
	Keys           *KeyPair               `json:"keys,omitempty"`
}

// Registry maps principal IDs and names to Principal records, persisted as a
// JSON array via the atomic-rename discipline shared with the Policy Store.
type Registry struct {
	path        string
	backupCount int

	mu          sync.RWMutex
	byID        map[string]*Principal
	byName      map[string]string
}

// Options configures a Registry.
type Options struct {
	Path        string
	BackupCount int
}

// New constructs a Registry backed by opts.Path, loading any existing
// snapshot found there. A missing file is not an error: a brand-new registry
// starts empty.
func New(opts Options) (*Registry, error) {
	backupCount := opts.BackupCount
	if backupCount <= 0 {
		backupCount = atomicfile.DefaultBackupCount
	}
	r := &Registry{
		path:        opts.Path,
		backupCount: backupCount,
		byID:        make(map[string]*Principal),
		byName:      make(map[string]string),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return caracalerr.Wrap(caracalerr.PersistentIO, "read principal registry", err)
	}
	var principals []*Principal
	if err := json.Unmarshal(data, &principals); err != nil {
		return caracalerr.Wrap(caracalerr.Configuration, "parse principal registry", err)
	}
	for _, p := range principals {
		r.byID[p.ID] = p
		r.byName[p.Name] = p.ID
	}
	return nil
}

func (r *Registry) persistLocked() error {
	principals := make([]*Principal, 0, len(r.byID))
	for _, p := range r.byID {
		principals = append(principals, p)
	}
	data, err := json.MarshalIndent(principals, "", "  ")
	if err != nil {
		return caracalerr.Wrap(caracalerr.Configuration, "marshal principal registry", err)
	}
	snapErr := retry.Do(context.Background(), retry.DefaultConfig, func() error {
		return atomicfile.Snapshot(r.path, data, r.backupCount)
	})
	if snapErr != nil {
		return caracalerr.Wrap(caracalerr.PersistentIO, "persist principal registry", snapErr)
	}
	return nil
}

// RegisterOptions configures Register.
type RegisterOptions struct {
	Name          string
	Owner         string
	Metadata      map[string]interface{}
	ParentID      string
	GenerateKeys  bool
}

// Register creates a new principal. Fails with Conflict if the name is
// already taken, NotFound if ParentID is given but absent from the registry.
func (r *Registry) Register(opts RegisterOptions) (*Principal, error) {
	if opts.Name == "" {
		return nil, caracalerr.New(caracalerr.Validation, "principal name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[opts.Name]; taken {
		return nil, caracalerr.New(caracalerr.Conflict, "principal name already registered: "+opts.Name)
	}
	if opts.ParentID != "" {
		if _, ok := r.byID[opts.ParentID]; !ok {
			return nil, caracalerr.New(caracalerr.NotFound, "parent principal not found: "+opts.ParentID)
		}
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	p := &Principal{
		ID:        uuid.NewString(),
		Name:      opts.Name,
		Owner:     opts.Owner,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
		ParentID:  opts.ParentID,
	}

	if opts.GenerateKeys {
		keys, err := generateKeyPair()
		if err != nil {
			return nil, caracalerr.Wrap(caracalerr.Configuration, "generate principal key pair", err)
		}
		p.Keys = keys
	}

	r.byID[p.ID] = p
	r.byName[p.Name] = p.ID

	if err := r.persistLocked(); err != nil {
		delete(r.byID, p.ID)
		delete(r.byName, p.Name)
		return nil, err
	}
	return p, nil
}

// Get returns the principal with the given ID, or NotFound.
func (r *Registry) Get(id string) (*Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, caracalerr.New(caracalerr.NotFound, "principal not found: "+id)
	}
	return p, nil
}

// GetByName returns the principal with the given name, or NotFound.
func (r *Registry) GetByName(name string) (*Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, caracalerr.New(caracalerr.NotFound, "principal not found: "+name)
	}
	return r.byID[id], nil
}

// ListAll returns every registered principal in unspecified order.
func (r *Registry) ListAll() []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Principal, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

// ChildrenOf returns the direct children of id.
func (r *Registry) ChildrenOf(id string) []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Principal
	for _, p := range r.byID {
		if p.ParentID == id {
			out = append(out, p)
		}
	}
	return out
}

// DescendantsOf returns every transitive descendant of id via depth-first
// search. Registry mutations are infrequent enough that this is computed
// fresh on each call rather than memoized.
func (r *Registry) DescendantsOf(id string) []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	childrenByParent := make(map[string][]*Principal)
	for _, p := range r.byID {
		if p.ParentID != "" {
			childrenByParent[p.ParentID] = append(childrenByParent[p.ParentID], p)
		}
	}

	var out []*Principal
	var visit func(string)
	visit = func(parentID string) {
		for _, child := range childrenByParent[parentID] {
			out = append(out, child)
			visit(child.ID)
		}
	}
	visit(id)
	return out
}

// UpdateParent reassigns id's parent to newParentID (empty string clears the
// parent). Rejects a cycle: newParentID must not equal id itself, nor be an
// existing descendant of id.
func (r *Registry) UpdateParent(id string, newParentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return caracalerr.New(caracalerr.NotFound, "principal not found: "+id)
	}
	if newParentID == "" {
		p.ParentID = ""
		return r.persistLocked()
	}
	if _, ok := r.byID[newParentID]; !ok {
		return caracalerr.New(caracalerr.NotFound, "parent principal not found: "+newParentID)
	}
	if newParentID == id {
		return caracalerr.New(caracalerr.Conflict, "principal cannot be its own parent")
	}
	// Walk up from the proposed parent; reaching id means a cycle.
	cursor := newParentID
	seen := map[string]bool{}
	for cursor != "" {
		if cursor == id {
			return caracalerr.New(caracalerr.Conflict, "assigning this parent would create a cycle")
		}
		if seen[cursor] {
			break
		}
		seen[cursor] = true
		next, ok := r.byID[cursor]
		if !ok {
			break
		}
		cursor = next.ParentID
	}

	p.ParentID = newParentID
	return r.persistLocked()
}

func generateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return &KeyPair{
		PublicKeyPEM:  string(pubPEM),
		PrivateKeyPEM: string(privPEM),
	}, nil
}

// PrivateKey parses and returns the principal's ECDSA private key, or
// NotFound if the principal has no key material.
func (p *Principal) PrivateKey() (*ecdsa.PrivateKey, error) {
	if p.Keys == nil || p.Keys.PrivateKeyPEM == "" {
		return nil, caracalerr.New(caracalerr.NotFound, "principal has no private key: "+p.ID)
	}
	block, _ := pem.Decode([]byte(p.Keys.PrivateKeyPEM))
	if block == nil {
		return nil, caracalerr.New(caracalerr.Configuration, "malformed private key PEM for principal: "+p.ID)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, caracalerr.Wrap(caracalerr.Configuration, "parse private key", err)
	}
	return key, nil
}

// PublicKey parses and returns the principal's ECDSA public key, or NotFound
// if the principal has no key material.
func (p *Principal) PublicKey() (*ecdsa.PublicKey, error) {
	if p.Keys == nil || p.Keys.PublicKeyPEM == "" {
		return nil, caracalerr.New(caracalerr.NotFound, "principal has no public key: "+p.ID)
	}
	block, _ := pem.Decode([]byte(p.Keys.PublicKeyPEM))
	if block == nil {
		return nil, caracalerr.New(caracalerr.Configuration, "malformed public key PEM for principal: "+p.ID)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, caracalerr.Wrap(caracalerr.Configuration, "parse public key", err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, caracalerr.New(caracalerr.Configuration, "public key is not ECDSA: "+p.ID)
	}
	return ecdsaPub, nil
}
