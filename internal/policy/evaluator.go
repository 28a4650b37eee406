package policy

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
	"github.com/Garudex-Labs/caracal-sub003/internal/charge"
	"github.com/Garudex-Labs/caracal-sub003/internal/principal"
	"github.com/Garudex-Labs/caracal-sub003/internal/timewindow"
)

// LedgerQuery is the slice of ledger.Query the evaluator consumes. Declared
// locally (rather than importing internal/ledger) so the evaluator depends
// only on the read-only capability it actually needs.
type LedgerQuery interface {
	SumCost(principalID string, start, end time.Time) (decimal.Decimal, error)
}

// DescendantLedgerQuery extends LedgerQuery with the hierarchical-aggregation
// call used by SpendByPrincipal (reporting only, never enforcement).
type DescendantLedgerQuery interface {
	LedgerQuery
	SumWithDescendants(principalID string, start, end time.Time, registry *principal.Registry) (map[string]decimal.Decimal, error)
}

// PolicyBreakdown reports one policy's contribution to a Decision, so callers
// can render per-policy utilization.
type PolicyBreakdown struct {
	Policy      *Policy
	WindowStart time.Time
	WindowEnd   time.Time
	Spent       decimal.Decimal
	Reserved    decimal.Decimal
	Estimated   decimal.Decimal
	Prospective decimal.Decimal
	Passed      bool
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed         bool
	Reason          string
	FailingPolicyID string
	RemainingBudget decimal.Decimal
	Breakdown       []PolicyBreakdown
	Charge          *charge.Charge
}

// Evaluator implements the multi-policy budget check: fail-closed when no
// active policy exists, strict-inequality pass per policy,
// tightest-policy-wins denial, optional provisional charge creation on
// success.
type Evaluator struct {
	store   *Store
	ledger  LedgerQuery
	charges *charge.Manager
}

// NewEvaluator constructs an Evaluator reading policies from store, spend
// from ledger, and reservations from charges.
func NewEvaluator(store *Store, ledger LedgerQuery, charges *charge.Manager) *Evaluator {
	return &Evaluator{store: store, ledger: ledger, charges: charges}
}

// CheckOptions configures Check.
type CheckOptions struct {
	PrincipalID   string
	EstimatedCost decimal.Decimal
	Currency      string
	ChargeTTL     time.Duration
	ReferenceTime time.Time
}

// Check evaluates every active policy for opts.PrincipalID against
// opts.EstimatedCost (which may be the zero Decimal) as of
// opts.ReferenceTime (defaulting to now). On success with a positive
// estimate it atomically creates a provisional charge and attaches it to the
// Decision. It never returns allow under an internal error: any failure
// fetching ledger spend or parsing a policy limit is surfaced as a denial.
func (e *Evaluator) Check(opts CheckOptions) (*Decision, error) {
	ref := opts.ReferenceTime
	if ref.IsZero() {
		ref = time.Now().UTC()
	}
	estimated := opts.EstimatedCost

	policies := e.store.GetForPrincipal(opts.PrincipalID)
	if len(policies) == 0 {
		return &Decision{
			Allowed:         false,
			Reason:          "no active policy",
			RemainingBudget: decimal.Zero,
		}, nil
	}

	// GetForPrincipal already returns creation order, but sort defensively so
	// "first failing policy, stable by creation time" holds regardless.
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].CreatedAt.Before(policies[j].CreatedAt)
	})

	reserved := e.charges.ReservedBudget(opts.PrincipalID)

	breakdown := make([]PolicyBreakdown, 0, len(policies))
	allPassed := true
	var firstFailing *Policy
	var minRemainingOnFailure, minRemainingOnSuccess decimal.Decimal
	haveFailureRemaining, haveSuccessRemaining := false, false

	for _, p := range policies {
		start, end, err := timewindow.Bounds(timewindow.Window(p.TimeWindow), timewindow.Type(p.WindowType), ref)
		if err != nil {
			return denyOnInternalError(err)
		}
		spent, err := e.ledger.SumCost(opts.PrincipalID, start, end)
		if err != nil {
			return denyOnInternalError(err)
		}
		limit, err := p.Limit()
		if err != nil {
			return denyOnInternalError(err)
		}

		prospective := spent.Add(reserved).Add(estimated)
		passed := prospective.LessThan(limit)

		breakdown = append(breakdown, PolicyBreakdown{
			Policy:      p,
			WindowStart: start,
			WindowEnd:   end,
			Spent:       spent,
			Reserved:    reserved,
			Estimated:   estimated,
			Prospective: prospective,
			Passed:      passed,
		})

		remaining := limit.Sub(spent).Sub(reserved)
		if !passed {
			allPassed = false
			if firstFailing == nil {
				firstFailing = p
			}
			if !haveFailureRemaining || remaining.LessThan(minRemainingOnFailure) {
				minRemainingOnFailure = remaining
				haveFailureRemaining = true
			}
		} else {
			remainingOnSuccess := remaining.Sub(estimated)
			if !haveSuccessRemaining || remainingOnSuccess.LessThan(minRemainingOnSuccess) {
				minRemainingOnSuccess = remainingOnSuccess
				haveSuccessRemaining = true
			}
		}
	}

	if !allPassed {
		return &Decision{
			Allowed:         false,
			Reason:          "budget exceeded for policy " + firstFailing.ID,
			FailingPolicyID: firstFailing.ID,
			RemainingBudget: minRemainingOnFailure,
			Breakdown:       breakdown,
		}, nil
	}

	decision := &Decision{
		Allowed:         true,
		RemainingBudget: minRemainingOnSuccess,
		Breakdown:       breakdown,
	}
	if estimated.IsPositive() {
		decision.Charge = e.charges.Create(opts.PrincipalID, estimated, opts.Currency, opts.ChargeTTL)
	}
	return decision, nil
}

// denyOnInternalError converts an internal evaluation error into a
// BudgetExceeded denial: the evaluator never answers allow-by-default under
// uncertainty. The underlying error is returned alongside so callers can
// still log the real cause.
func denyOnInternalError(err error) (*Decision, error) {
	return &Decision{
			Allowed: false,
			Reason:  "internal error during budget evaluation",
		}, caracalerr.Wrap(caracalerr.BudgetExceeded, "budget evaluation failed, denying", err)
}

// AggregateOptions configures hierarchical aggregation.
type AggregateOptions struct {
	PrincipalID string
	Start       time.Time
	End         time.Time
}

// SpendByPrincipal is the distinct hierarchical-aggregation entry point used
// by reporting (never by enforcement): total spend per principal across
// principalID and its transitive descendants.
func SpendByPrincipal(opts AggregateOptions, registry *principal.Registry, ledger DescendantLedgerQuery) (map[string]decimal.Decimal, error) {
	return ledger.SumWithDescendants(opts.PrincipalID, opts.Start, opts.End, registry)
}
