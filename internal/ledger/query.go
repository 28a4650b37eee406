package ledger

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
	"github.com/Garudex-Labs/caracal-sub003/internal/principal"
)

// Query is a read-only view over the ledger log. It never modifies the log;
// malformed trailing lines are skipped with a warning rather than treated as
// fatal, so the log tolerates partial-append damage left by a crash.
type Query struct {
	path   string
	logger *slog.Logger
}

// QueryOptions configures a Query.
type QueryOptions struct {
	Path   string
	Logger *slog.Logger
}

// NewQuery constructs a Query over the ledger at opts.Path.
func NewQuery(opts QueryOptions) *Query {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Query{path: opts.Path, logger: logger}
}

// Ping reports whether the log file is reachable, for the gateway's health
// endpoint. A missing file is healthy: no event has been appended yet.
func (q *Query) Ping() error {
	if _, err := os.Stat(q.path); err != nil && !os.IsNotExist(err) {
		return caracalerr.Wrap(caracalerr.TransientIO, "ledger unreachable", err)
	}
	return nil
}

// Filter narrows GetEvents.
type Filter struct {
	PrincipalID  string
	ResourceType string
	Start        time.Time
	End          time.Time
}

func (f Filter) matches(e *Event) bool {
	if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// scan sequentially reads every well-formed line in the log, invoking fn for
// each. Malformed lines are skipped with a warning log, never fatal.
func (q *Query) scan(fn func(*Event)) error {
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return caracalerr.Wrap(caracalerr.PersistentIO, "open ledger for query", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			q.logger.Warn("skipping malformed ledger line", "line", lineNo, "error", err)
			continue
		}
		evt.Timestamp = evt.Timestamp.UTC()
		fn(&evt)
	}
	return nil
}

// GetEvents returns every event matching filter, in log order.
func (q *Query) GetEvents(filter Filter) ([]*Event, error) {
	var out []*Event
	err := q.scan(func(e *Event) {
		if filter.matches(e) {
			out = append(out, e)
		}
	})
	return out, err
}

func parseCostWarn(q *Query, e *Event) decimal.Decimal {
	cost, err := decimal.NewFromString(e.Cost)
	if err != nil {
		q.logger.Warn("failed to parse event cost", "event_id", e.EventID, "cost", e.Cost, "error", err)
		return decimal.Zero
	}
	return cost
}

// SumCost returns the total cost for principalID within [start, end].
func (q *Query) SumCost(principalID string, start, end time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	err := q.scan(func(e *Event) {
		if e.PrincipalID != principalID {
			return
		}
		if !start.IsZero() && e.Timestamp.Before(start) {
			return
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			return
		}
		total = total.Add(parseCostWarn(q, e))
	})
	return total, err
}

// AggregateByPrincipal sums cost per principal within [start, end].
func (q *Query) AggregateByPrincipal(start, end time.Time) (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal)
	err := q.scan(func(e *Event) {
		if !start.IsZero() && e.Timestamp.Before(start) {
			return
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			return
		}
		totals[e.PrincipalID] = totals[e.PrincipalID].Add(parseCostWarn(q, e))
	})
	return totals, err
}

// SumWithDescendants sums cost for principalID plus every transitive
// descendant (per registry) within [start, end], keyed by principal ID.
func (q *Query) SumWithDescendants(principalID string, start, end time.Time, registry *principal.Registry) (map[string]decimal.Decimal, error) {
	ids := map[string]bool{principalID: true}
	for _, d := range registry.DescendantsOf(principalID) {
		ids[d.ID] = true
	}

	totals := make(map[string]decimal.Decimal)
	for id := range ids {
		totals[id] = decimal.Zero
	}
	err := q.scan(func(e *Event) {
		if !ids[e.PrincipalID] {
			return
		}
		if !start.IsZero() && e.Timestamp.Before(start) {
			return
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			return
		}
		totals[e.PrincipalID] = totals[e.PrincipalID].Add(parseCostWarn(q, e))
	})
	return totals, err
}

// Breakdown is a recursive spending tree node.
type Breakdown struct {
	PrincipalID       string       `json:"principal_id"`
	OwnSpent          decimal.Decimal `json:"own_spent"`
	Children          []*Breakdown `json:"children"`
	TotalWithDescendants decimal.Decimal `json:"total_with_descendants"`
}

// SpendingBreakdown builds a recursive tree of spending for principalID and
// its descendants within [start, end].
func (q *Query) SpendingBreakdown(principalID string, start, end time.Time, registry *principal.Registry) (*Breakdown, error) {
	own, err := q.SumCost(principalID, start, end)
	if err != nil {
		return nil, err
	}
	node := &Breakdown{PrincipalID: principalID, OwnSpent: own, TotalWithDescendants: own}

	for _, child := range registry.ChildrenOf(principalID) {
		childNode, err := q.SpendingBreakdown(child.ID, start, end, registry)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
		node.TotalWithDescendants = node.TotalWithDescendants.Add(childNode.TotalWithDescendants)
	}
	return node, nil
}
