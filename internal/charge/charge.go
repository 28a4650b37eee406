// Package charge implements the Provisional Charge Manager: budget
// reservations covering the gap between a budget-check decision and the
// ledger event that settles it, plus a background reaper that releases
// expired reservations. The reservation table is an in-memory map guarded
// by a mutex; reader queries collect matching records under the lock and
// return the stored *Charge pointers, not copies.
package charge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
)

// DefaultExpiration is the reservation TTL used when none is requested.
const DefaultExpiration = 300 * time.Second

// DefaultMaxExpiration is the hard ceiling a requested TTL is capped to.
const DefaultMaxExpiration = 3600 * time.Second

// DefaultReapInterval is how often the background reaper wakes.
const DefaultReapInterval = 60 * time.Second

// DefaultReapBatchSize bounds how many expired charges one reap pass releases.
const DefaultReapBatchSize = 1000

// Charge is a budget reservation pending settlement.
type Charge struct {
	ID            string
	PrincipalID   string
	Amount        decimal.Decimal
	Currency      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Released      bool
	FinalEventID  string
}

// Manager owns the reservation table.
type Manager struct {
	maxExpiration time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	charges map[string]*Charge
}

// Options configures a Manager.
type Options struct {
	MaxExpiration time.Duration
	Logger        *slog.Logger
}

// NewManager constructs a Manager with an empty reservation table.
func NewManager(opts Options) *Manager {
	maxExpiration := opts.MaxExpiration
	if maxExpiration <= 0 {
		maxExpiration = DefaultMaxExpiration
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		maxExpiration: maxExpiration,
		logger:        logger,
		charges:       make(map[string]*Charge),
	}
}

// Create reserves amount against principalID. ttl of zero uses
// DefaultExpiration; a requested ttl exceeding the configured ceiling is
// capped (not rejected) and logged at warn.
func (m *Manager) Create(principalID string, amount decimal.Decimal, currency string, ttl time.Duration) *Charge {
	if ttl <= 0 {
		ttl = DefaultExpiration
	}
	if ttl > m.maxExpiration {
		m.logger.Warn("requested provisional charge ttl exceeds ceiling, capping",
			"principal_id", principalID, "requested_ttl", ttl, "ceiling", m.maxExpiration)
		ttl = m.maxExpiration
	}

	now := time.Now().UTC()
	c := &Charge{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Amount:      amount,
		Currency:    currency,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Released:    false,
	}

	m.mu.Lock()
	m.charges[c.ID] = c
	m.mu.Unlock()
	return c
}

// Release marks chargeID as released, optionally linking the settling
// ledger event. Idempotent: releasing an already-released charge is a no-op
// and never resurrects it. NotFound if chargeID is unknown.
func (m *Manager) Release(chargeID string, finalEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.charges[chargeID]
	if !ok {
		return caracalerr.New(caracalerr.NotFound, "provisional charge not found: "+chargeID)
	}
	if c.Released {
		return nil
	}
	c.Released = true
	if finalEventID != "" {
		c.FinalEventID = finalEventID
	}
	return nil
}

// ActiveFor returns every charge for principalID that is neither released
// nor expired, as of now.
func (m *Manager) ActiveFor(principalID string) []*Charge {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Charge
	for _, c := range m.charges {
		if c.PrincipalID == principalID && !c.Released && c.ExpiresAt.After(now) {
			out = append(out, c)
		}
	}
	return out
}

// ReservedBudget sums the Amount of every active charge for principalID.
func (m *Manager) ReservedBudget(principalID string) decimal.Decimal {
	total := decimal.Zero
	for _, c := range m.ActiveFor(principalID) {
		total = total.Add(c.Amount)
	}
	return total
}

// ExpiredUnreleasedCount returns the number of charges past expiry that the
// reaper has not yet flipped to released. If principalID is empty, counts
// across all principals.
func (m *Manager) ExpiredUnreleasedCount(principalID string) int {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.charges {
		if principalID != "" && c.PrincipalID != principalID {
			continue
		}
		if !c.Released && !c.ExpiresAt.After(now) {
			count++
		}
	}
	return count
}

// Reap marks as released every expired-unreleased charge, up to batchSize
// per call. Returns the number released.
func (m *Manager) Reap(batchSize int) int {
	if batchSize <= 0 {
		batchSize = DefaultReapBatchSize
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for _, c := range m.charges {
		if released >= batchSize {
			break
		}
		if !c.Released && !c.ExpiresAt.After(now) {
			c.Released = true
			released++
		}
	}
	return released
}

// ReaperOptions configures RunReaper.
type ReaperOptions struct {
	Interval  time.Duration
	BatchSize int
}

// RunReaper runs a cooperative loop that wakes every opts.Interval and reaps
// up to opts.BatchSize expired charges, until ctx is cancelled. A panicking
// tick is logged and swallowed and the loop continues, so a future
// persistent backing store slots in unchanged.
func (m *Manager) RunReaper(ctx context.Context, opts ReaperOptions) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultReapBatchSize
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("provisional charge reaper tick panicked, continuing", "recover", r)
					}
				}()
				released := m.Reap(batchSize)
				if released > 0 {
					m.logger.Debug("reaper released expired provisional charges", "count", released)
				}
			}()
		}
	}
}
