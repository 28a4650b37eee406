// Package gateway implements the Authority Gateway's request pipeline:
// authenticate, check for replay, look up and validate the presented
// mandate, validate its scope against the requested call, evaluate budget
// (with degraded-mode cache fallback), forward to the upstream API, meter
// the result into the ledger, and return the response. The pipeline is a
// single ServeHTTP over explicit stages rather than a chi middleware chain:
// the budget-check stage's degraded-mode fallback and the metering stage's
// full-body capture don't compose as independent middleware.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Garudex-Labs/caracal-sub003/internal/cache"
	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
	"github.com/Garudex-Labs/caracal-sub003/internal/charge"
	"github.com/Garudex-Labs/caracal-sub003/internal/ledger"
	"github.com/Garudex-Labs/caracal-sub003/internal/mandate"
	"github.com/Garudex-Labs/caracal-sub003/internal/money"
	"github.com/Garudex-Labs/caracal-sub003/internal/policy"
	"github.com/Garudex-Labs/caracal-sub003/gateway/auth"
	"github.com/Garudex-Labs/caracal-sub003/gateway/middleware"
	"github.com/Garudex-Labs/caracal-sub003/observability/logging"
)

// Headers the pipeline reads from or writes to every proxied request.
const (
	HeaderMandateID     = "X-Mandate-ID"
	HeaderTargetURL     = "X-Target-URL"
	HeaderEstimatedCost = "X-Estimated-Cost"
	HeaderResourceType  = "X-Resource-Type"
	HeaderActualCost    = "X-Actual-Cost"
	HeaderDegradedMode  = "X-Degraded-Mode"
	HeaderCacheAge      = "X-Cache-Age"
	HeaderCacheWarning  = "X-Cache-Warning"
)

// hopByHopHeaders are stripped before forwarding upstream, either because
// they are connection-scoped (RFC 7230 §6.1) or because they are the
// gateway's own control headers the upstream has no business seeing.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding",
	"Upgrade", "Te", "Trailer", "Host",
	"Authorization", "X-API-Key", HeaderMandateID, HeaderTargetURL, HeaderEstimatedCost,
	HeaderResourceType, "X-Nonce", "X-Timestamp",
}

// Evaluator is the slice of policy.Evaluator the Gateway consumes.
type Evaluator interface {
	Check(opts policy.CheckOptions) (*policy.Decision, error)
}

// Config wires every subsystem the pipeline depends on.
type Config struct {
	Authenticator *auth.Authenticator
	Replay        *auth.ReplayGuard
	Mandates      *mandate.Manager
	Evaluator     Evaluator
	Charges       *charge.Manager
	Ledger        *ledger.Writer
	Cache         *cache.Cache
	Observability *middleware.Observability

	// HTTPClient performs the upstream forwarding request. Defaults to a
	// client with UpstreamTimeout if nil.
	HTTPClient *http.Client
	// UpstreamTimeout bounds stage 6's forwarding call. Defaults to 30s.
	UpstreamTimeout time.Duration
	// ChargeTTL is passed to the evaluator's provisional charge creation.
	// Zero uses charge.DefaultExpiration.
	ChargeTTL time.Duration

	Logger *slog.Logger
}

// Gateway implements http.Handler over the 8-stage pipeline.
type Gateway struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	stats  pipelineStats
}

// pipelineStats tracks request outcomes for the /stats admin endpoint,
// alongside (not instead of) the Prometheus counters in Observability.
type pipelineStats struct {
	total        atomic.Int64
	allowed      atomic.Int64
	denied       atomic.Int64
	authFailures atomic.Int64
	replayBlocks atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the pipeline's request counters.
type StatsSnapshot struct {
	Total        int64 `json:"total"`
	Allowed      int64 `json:"allowed"`
	Denied       int64 `json:"denied"`
	AuthFailures int64 `json:"auth_failures"`
	ReplayBlocks int64 `json:"replay_blocks"`
}

// Stats returns the pipeline's request counters.
func (g *Gateway) Stats() StatsSnapshot {
	return StatsSnapshot{
		Total:        g.stats.total.Load(),
		Allowed:      g.stats.allowed.Load(),
		Denied:       g.stats.denied.Load(),
		AuthFailures: g.stats.authFailures.Load(),
		ReplayBlocks: g.stats.replayBlocks.Load(),
	}
}

// New constructs a Gateway from cfg, applying documented defaults for any
// zero-valued field.
func New(cfg Config) *Gateway {
	timeout := cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cfg: cfg, client: client, logger: logger}
}

// ServeHTTP runs every proxied call through the full authority pipeline.
// Any panic raised before stage 6 actually forwards the request is
// recovered and reported as a 500, keeping the pipeline fail-closed: an
// internal error must never resolve to an implicit allow.
// A panic after forwarding has begun is logged but cannot be undone, since
// the side effect has already reached the upstream API.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	forwarded := false
	defer func() {
		if rec := recover(); rec != nil {
			if !forwarded {
				g.logger.Error("pipeline panic before forwarding, denying", "recover", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			g.logger.Error("pipeline panic after forwarding began, response already sent upstream", "recover", rec)
		}
	}()

	ctx := r.Context()
	g.stats.total.Add(1)

	// Stage 1: authenticate.
	result, err := g.cfg.Authenticator.Authenticate(r)
	if err != nil {
		g.stats.authFailures.Add(1)
		g.logger.Warn("authentication failed", "error", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	r = r.WithContext(middleware.WithPrincipal(ctx, result.PrincipalID))
	ctx = r.Context()

	// Stage 2: replay defense. The rejection reason names the failed check
	// (nonce vs timestamp); unlike stage 1, nothing here is secret.
	if g.cfg.Replay != nil {
		if r.Header.Get("X-Nonce") == "" && r.Header.Get("X-Timestamp") == "" {
			g.logger.Warn("request carries no replay-defense headers", "principal_id", result.PrincipalID)
		} else if err := g.cfg.Replay.Check(ctx, r); err != nil {
			g.stats.replayBlocks.Add(1)
			g.recordReplayBlock()
			g.logger.Warn("replay check failed", "principal_id", result.PrincipalID, "error", err)
			http.Error(w, replayReason(err), http.StatusForbidden)
			return
		}
	}

	// Stage 3: mandate lookup.
	mandateID := strings.TrimSpace(r.Header.Get(HeaderMandateID))
	targetURL := strings.TrimSpace(r.Header.Get(HeaderTargetURL))
	if mandateID == "" || targetURL == "" {
		http.Error(w, HeaderMandateID+" and "+HeaderTargetURL+" headers are required", http.StatusBadRequest)
		return
	}
	rec, err := g.cfg.Mandates.Get(mandateID)
	if err != nil {
		g.stats.denied.Add(1)
		g.recordMandateValidation("not_found")
		http.Error(w, "mandate not found", http.StatusForbidden)
		return
	}
	claims, err := g.cfg.Mandates.Validate(rec.Token)
	if err != nil {
		g.stats.denied.Add(1)
		g.recordMandateValidation(mandateOutcome(err))
		g.logger.Warn("mandate validation failed",
			"mandate_id", mandateID, "token", logging.MaskToken(rec.Token), "error", err)
		http.Error(w, "mandate invalid", http.StatusForbidden)
		return
	}
	if claims.Subject != result.PrincipalID {
		g.stats.denied.Add(1)
		g.recordMandateValidation("scope_denied")
		http.Error(w, "mandate does not belong to authenticated caller", http.StatusForbidden)
		return
	}

	// Stage 4: scope validation.
	if err := g.cfg.Mandates.ValidateScope(claims, "call", targetURL); err != nil {
		g.stats.denied.Add(1)
		g.recordMandateValidation("scope_denied")
		http.Error(w, "mandate scope denied", http.StatusForbidden)
		return
	}
	g.recordMandateValidation("allowed")

	// Stage 5: budget check.
	estimated := decimal.Zero
	if raw := strings.TrimSpace(r.Header.Get(HeaderEstimatedCost)); raw != "" {
		parsed, err := money.ParseTotal(raw)
		if err != nil {
			http.Error(w, HeaderEstimatedCost+" is not a valid amount", http.StatusBadRequest)
			return
		}
		estimated = parsed
	}

	decision, degraded, cacheAge, evalErr := g.evaluateBudget(result.PrincipalID, targetURL, estimated, claims.Currency, mandateID)
	if evalErr != nil {
		g.stats.denied.Add(1)
		g.recordBudgetDecision("unavailable")
		http.Error(w, "budget evaluation unavailable", http.StatusServiceUnavailable)
		return
	}
	if !decision.Allowed {
		g.stats.denied.Add(1)
		g.recordBudgetDecision("denied")
		http.Error(w, decision.Reason, http.StatusForbidden)
		return
	}
	g.stats.allowed.Add(1)
	if degraded {
		g.recordBudgetDecision("degraded")
	} else {
		g.recordBudgetDecision("allowed")
	}

	// Stage 6: forward.
	forwarded = true
	upstreamResp, forwardErr := g.forward(ctx, r, targetURL)
	if forwardErr != nil {
		g.recordUpstreamForward(forwardResult(forwardErr))
		g.releaseCharge(decision, "")
		if errors.Is(forwardErr, context.DeadlineExceeded) {
			http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer upstreamResp.Body.Close()
	body, readErr := io.ReadAll(upstreamResp.Body)
	if readErr != nil {
		g.recordUpstreamForward("error")
		g.releaseCharge(decision, "")
		http.Error(w, "failed reading upstream response", http.StatusBadGateway)
		return
	}
	g.recordUpstreamForward("success")

	// Stage 7: meter.
	eventID := g.meter(ctx, meterOptions{
		PrincipalID:   result.PrincipalID,
		TargetURL:     targetURL,
		EstimatedCost: estimated,
		Currency:      claims.Currency,
		ResourceType:  strings.TrimSpace(r.Header.Get(HeaderResourceType)),
		ResponseBody:  body,
		UpstreamResp:  upstreamResp,
		ChargeID:      chargeIDOf(decision),
	})
	g.releaseCharge(decision, eventID)

	// Stage 8: return.
	for key, values := range upstreamResp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if degraded {
		w.Header().Set(HeaderDegradedMode, "true")
		w.Header().Set(HeaderCacheAge, cacheAge.String())
		w.Header().Set(HeaderCacheWarning, "budget decision served from degraded-mode cache; policy store was unreachable")
	}
	w.WriteHeader(upstreamResp.StatusCode)
	_, _ = w.Write(body)
}

func replayReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrNonceReused):
		return "nonce reused"
	case errors.Is(err, auth.ErrTimestampOutOfWindow):
		return "timestamp outside the allowed window"
	default:
		return "replay detected"
	}
}

func mandateOutcome(err error) string {
	switch caracalerr.KindOf(err) {
	case caracalerr.NotFound:
		return "not_found"
	case caracalerr.AuthFailure:
		return "invalid_signature"
	case caracalerr.AuthorityDenied:
		return "revoked"
	default:
		return "expired"
	}
}

func chargeIDOf(decision *policy.Decision) string {
	if decision == nil || decision.Charge == nil {
		return ""
	}
	return decision.Charge.ID
}

func forwardResult(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// evaluateBudget runs the evaluator and, on an internal failure, falls back
// to the degraded-mode policy cache. On evaluator success it refreshes the
// cache so a later outage can still serve this decision.
func (g *Gateway) evaluateBudget(principalID, targetURL string, estimated decimal.Decimal, currency, mandateID string) (*policy.Decision, bool, time.Duration, error) {
	decision, err := g.cfg.Evaluator.Check(policy.CheckOptions{
		PrincipalID:   principalID,
		EstimatedCost: estimated,
		Currency:      currency,
		ChargeTTL:     g.cfg.ChargeTTL,
	})
	if err == nil {
		if g.cfg.Cache != nil {
			g.cfg.Cache.Put(principalID, targetURL, cache.Decision{
				Allowed: decision.Allowed,
				Reason:  decision.Reason,
			}, mandateID, nil)
		}
		return decision, false, 0, nil
	}

	g.logger.Error("budget evaluation failed, attempting degraded-mode cache", "principal_id", principalID, "error", err)
	if g.cfg.Cache == nil {
		return nil, false, 0, err
	}
	entry, ok := g.cfg.Cache.Get(principalID, targetURL)
	if !ok {
		return nil, false, 0, err
	}
	return &policy.Decision{Allowed: entry.Decision.Allowed, Reason: entry.Decision.Reason}, true, time.Since(entry.InsertedAt), nil
}

func (g *Gateway) forward(ctx context.Context, r *http.Request, targetURL string) (*http.Response, error) {
	forwardCtx := ctx
	if g.client.Timeout > 0 {
		var cancel context.CancelFunc
		forwardCtx, cancel = context.WithTimeout(ctx, g.client.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(forwardCtx, r.Method, targetURL, r.Body)
	if err != nil {
		return nil, caracalerr.Wrap(caracalerr.Validation, "construct upstream request", err)
	}
	req.Header = r.Header.Clone()
	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}
	return g.client.Do(req)
}

type meterOptions struct {
	PrincipalID   string
	TargetURL     string
	EstimatedCost decimal.Decimal
	Currency      string
	ResourceType  string
	ResponseBody  []byte
	UpstreamResp  *http.Response
	ChargeID      string
}

// meter appends the settling ledger event for a forwarded call. Cost
// precedence: the upstream's own X-Actual-Cost header, else the caller's
// estimate if positive, else a per-byte metering fallback so every call
// leaves a ledger record even when neither party declares a price. The
// caller's X-Resource-Type, when present, overrides the resource type in
// every case.
func (g *Gateway) meter(ctx context.Context, opts meterOptions) string {
	cost := opts.EstimatedCost
	resourceType := "api_call"
	quantity := "1"
	if actual := strings.TrimSpace(opts.UpstreamResp.Header.Get(HeaderActualCost)); actual != "" {
		if parsed, err := money.ParseTotal(actual); err == nil {
			cost = parsed
		}
	} else if !cost.IsPositive() {
		resourceType = "bytes_out"
		quantity = strconv.Itoa(len(opts.ResponseBody))
		cost = decimal.Zero
	}
	if opts.ResourceType != "" {
		resourceType = opts.ResourceType
	}

	event, err := g.cfg.Ledger.Append(ctx, ledger.AppendOptions{
		PrincipalID:         opts.PrincipalID,
		ResourceType:        resourceType,
		Quantity:            quantity,
		Cost:                money.Text(cost),
		Currency:            opts.Currency,
		ProvisionalChargeID: opts.ChargeID,
		Metadata:            map[string]interface{}{"target_url": opts.TargetURL},
	})
	if err != nil {
		g.logger.Error("ledger append failed, call already forwarded upstream and cannot be undone",
			"principal_id", opts.PrincipalID, "error", err)
		return ""
	}
	return strconv.FormatInt(event.EventID, 10)
}

func (g *Gateway) releaseCharge(decision *policy.Decision, eventID string) {
	if decision == nil || decision.Charge == nil || g.cfg.Charges == nil {
		return
	}
	if err := g.cfg.Charges.Release(decision.Charge.ID, eventID); err != nil {
		g.logger.Warn("release provisional charge failed", "charge_id", decision.Charge.ID, "error", err)
	}
}

func (g *Gateway) recordMandateValidation(outcome string) {
	if g.cfg.Observability != nil {
		g.cfg.Observability.RecordMandateValidation(outcome)
	}
}

func (g *Gateway) recordReplayBlock() {
	if g.cfg.Observability != nil {
		g.cfg.Observability.RecordReplayBlock()
	}
}

func (g *Gateway) recordBudgetDecision(outcome string) {
	if g.cfg.Observability != nil {
		g.cfg.Observability.RecordBudgetDecision(outcome)
	}
}

func (g *Gateway) recordUpstreamForward(result string) {
	if g.cfg.Observability != nil {
		g.cfg.Observability.RecordUpstreamForward(result)
	}
}

// RunMaintenance runs the periodic upkeep tasks (provisional charge
// reaping, replay-guard pruning) until ctx is cancelled. Intended to be
// started as a background goroutine alongside the HTTP server.
func (g *Gateway) RunMaintenance(ctx context.Context, reapInterval time.Duration) {
	if g.cfg.Charges != nil {
		go g.cfg.Charges.RunReaper(ctx, charge.ReaperOptions{Interval: reapInterval})
	}
	if g.cfg.Replay == nil {
		return
	}
	if reapInterval <= 0 {
		reapInterval = charge.DefaultReapInterval
	}
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.cfg.Replay.Prune(ctx); err != nil {
				g.logger.Warn("replay guard prune failed", "error", err)
			}
			if g.cfg.Cache != nil {
				g.cfg.Cache.CleanupExpired()
			}
		}
	}
}
