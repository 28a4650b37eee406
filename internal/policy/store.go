// Package policy implements the Policy Store and Policy Evaluator: budget
// limits scoped to a principal and time window, and the multi-policy
// fail-closed budget check that guards every proxied call.
package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Garudex-Labs/caracal-sub003/internal/atomicfile"
	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
	"github.com/Garudex-Labs/caracal-sub003/internal/money"
	"github.com/Garudex-Labs/caracal-sub003/internal/principal"
	"github.com/Garudex-Labs/caracal-sub003/internal/retry"
	"github.com/Garudex-Labs/caracal-sub003/internal/timewindow"
)

// Policy is a single budget limit for a principal.
type Policy struct {
	ID                      string    `json:"id"`
	PrincipalID             string    `json:"principal_id"`
	LimitAmount             string    `json:"limit_amount"`
	Currency                string    `json:"currency"`
	TimeWindow              string    `json:"time_window"`
	WindowType              string    `json:"window_type"`
	Active                  bool      `json:"active"`
	CreatedAt               time.Time `json:"created_at"`
	DelegatedFromPrincipal  string    `json:"delegated_from_principal_id,omitempty"`
}

// Limit returns the policy's limit as a decimal.
func (p *Policy) Limit() (decimal.Decimal, error) {
	return money.ParseTotal(p.LimitAmount)
}

// Store owns every policy record, persisted as a JSON array via the same
// atomic-rename discipline as the Principal Registry.
type Store struct {
	path        string
	backupCount int
	registry    *principal.Registry
	logger      *slog.Logger

	mu         sync.RWMutex
	byID       map[string]*Policy
	byPrincipal map[string][]string // principal_id -> []policy_id, creation order
}

// Options configures a Store.
type Options struct {
	Path        string
	BackupCount int
	// Registry, if set, is used to validate that a principal exists before a
	// policy is created against it.
	Registry *principal.Registry
	Logger   *slog.Logger
}

// New constructs a Store, loading any existing snapshot at opts.Path.
func New(opts Options) (*Store, error) {
	backupCount := opts.BackupCount
	if backupCount <= 0 {
		backupCount = atomicfile.DefaultBackupCount
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:        opts.Path,
		backupCount: backupCount,
		registry:    opts.Registry,
		logger:      logger,
		byID:        make(map[string]*Policy),
		byPrincipal: make(map[string][]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return caracalerr.Wrap(caracalerr.PersistentIO, "read policy store", err)
	}
	var policies []*Policy
	if err := json.Unmarshal(data, &policies); err != nil {
		return caracalerr.Wrap(caracalerr.Configuration, "parse policy store", err)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].CreatedAt.Before(policies[j].CreatedAt) })
	for _, p := range policies {
		s.byID[p.ID] = p
		s.byPrincipal[p.PrincipalID] = append(s.byPrincipal[p.PrincipalID], p.ID)
	}
	return nil
}

func (s *Store) persistLocked() error {
	policies := make([]*Policy, 0, len(s.byID))
	for _, p := range s.byID {
		policies = append(policies, p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].CreatedAt.Before(policies[j].CreatedAt) })
	data, err := json.MarshalIndent(policies, "", "  ")
	if err != nil {
		return caracalerr.Wrap(caracalerr.Configuration, "marshal policy store", err)
	}
	snapErr := retry.Do(context.Background(), retry.DefaultConfig, func() error {
		return atomicfile.Snapshot(s.path, data, s.backupCount)
	})
	if snapErr != nil {
		return caracalerr.Wrap(caracalerr.PersistentIO, "persist policy store", snapErr)
	}
	return nil
}

// CreateOptions configures Create.
type CreateOptions struct {
	PrincipalID            string
	LimitAmount            string
	Currency               string
	TimeWindow             timewindow.Window
	WindowType             timewindow.Type
	DelegatedFromPrincipal string
}

// Create validates and persists a new policy. Requires limit > 0. If a
// Registry was configured, the principal (and, when set, the delegating
// parent) must exist, and DelegatedFromPrincipal must actually be the
// principal's registered parent. Currency mismatch and
// shorter-window-exceeds-longer-window conditions against the principal's
// other active policies are logged at warn, never rejected.
func (s *Store) Create(opts CreateOptions) (*Policy, error) {
	limit, err := money.ParseTotal(opts.LimitAmount)
	if err != nil {
		return nil, err
	}
	if err := money.RequirePositive(limit, "limit_amount"); err != nil {
		return nil, err
	}

	if s.registry != nil {
		principalRec, err := s.registry.Get(opts.PrincipalID)
		if err != nil {
			return nil, err
		}
		if opts.DelegatedFromPrincipal != "" && principalRec.ParentID != opts.DelegatedFromPrincipal {
			return nil, caracalerr.New(caracalerr.Validation, "delegated_from_principal_id must be the principal's actual parent")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.warnOnCurrencyMismatch(opts.PrincipalID, opts.Currency)
	s.warnOnWindowInversion(opts.PrincipalID, opts.TimeWindow, limit)

	p := &Policy{
		ID:                     uuid.NewString(),
		PrincipalID:            opts.PrincipalID,
		LimitAmount:            money.Text(limit),
		Currency:               opts.Currency,
		TimeWindow:             string(opts.TimeWindow),
		WindowType:             string(opts.WindowType),
		Active:                 true,
		CreatedAt:              time.Now().UTC(),
		DelegatedFromPrincipal: opts.DelegatedFromPrincipal,
	}

	s.byID[p.ID] = p
	s.byPrincipal[p.PrincipalID] = append(s.byPrincipal[p.PrincipalID], p.ID)

	if err := s.persistLocked(); err != nil {
		delete(s.byID, p.ID)
		ids := s.byPrincipal[p.PrincipalID]
		s.byPrincipal[p.PrincipalID] = ids[:len(ids)-1]
		return nil, err
	}
	return p, nil
}

func (s *Store) warnOnCurrencyMismatch(principalID, currency string) {
	for _, id := range s.byPrincipal[principalID] {
		existing := s.byID[id]
		if existing.Active && existing.Currency != "" && existing.Currency != currency {
			s.logger.Warn("policy currency mismatch on principal",
				"principal_id", principalID, "existing_currency", existing.Currency, "new_currency", currency)
			return
		}
	}
}

var windowRank = map[timewindow.Window]int{
	timewindow.Hourly:  0,
	timewindow.Daily:   1,
	timewindow.Weekly:  2,
	timewindow.Monthly: 3,
}

func (s *Store) warnOnWindowInversion(principalID string, newWindow timewindow.Window, newLimit decimal.Decimal) {
	for _, id := range s.byPrincipal[principalID] {
		existing := s.byID[id]
		if !existing.Active {
			continue
		}
		existingLimit, err := existing.Limit()
		if err != nil {
			continue
		}
		existingRank, ok1 := windowRank[timewindow.Window(existing.TimeWindow)]
		newRank, ok2 := windowRank[newWindow]
		if !ok1 || !ok2 {
			continue
		}
		if newRank < existingRank && newLimit.GreaterThan(existingLimit) {
			s.logger.Warn("shorter-window policy limit exceeds longer-window policy limit",
				"principal_id", principalID, "shorter_window", newWindow, "longer_window", existing.TimeWindow)
		} else if existingRank < newRank && existingLimit.GreaterThan(newLimit) {
			s.logger.Warn("shorter-window policy limit exceeds longer-window policy limit",
				"principal_id", principalID, "shorter_window", existing.TimeWindow, "longer_window", newWindow)
		}
	}
}

// Ping reports whether the store's backing file is reachable, for the
// gateway's health endpoint. A missing file is healthy: a fresh store has
// simply never persisted.
func (s *Store) Ping() error {
	if _, err := os.Stat(s.path); err != nil && !os.IsNotExist(err) {
		return caracalerr.Wrap(caracalerr.TransientIO, "policy store unreachable", err)
	}
	return nil
}

// GetForPrincipal returns all active policies for principalID, in creation order.
func (s *Store) GetForPrincipal(principalID string) []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, id := range s.byPrincipal[principalID] {
		p := s.byID[id]
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// ListDelegatedFrom returns every active policy delegated from parentID.
func (s *Store) ListDelegatedFrom(parentID string) []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.byID {
		if p.Active && p.DelegatedFromPrincipal == parentID {
			out = append(out, p)
		}
	}
	return out
}

// Revoke deactivates the policy identified by policyID. Idempotent.
func (s *Store) Revoke(policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[policyID]
	if !ok {
		return caracalerr.New(caracalerr.NotFound, "policy not found: "+policyID)
	}
	if !p.Active {
		return nil
	}
	p.Active = false
	return s.persistLocked()
}
