package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/Garudex-Labs/caracal-sub003/gateway/auth"
	"github.com/Garudex-Labs/caracal-sub003/internal/cache"
	"github.com/Garudex-Labs/caracal-sub003/internal/charge"
	"github.com/Garudex-Labs/caracal-sub003/internal/ledger"
	"github.com/Garudex-Labs/caracal-sub003/internal/mandate"
	"github.com/Garudex-Labs/caracal-sub003/internal/policy"
	"github.com/Garudex-Labs/caracal-sub003/internal/principal"
	"github.com/Garudex-Labs/caracal-sub003/internal/timewindow"
)

var testJWTSecret = []byte("pipeline-test-secret")

type pipelineEnv struct {
	gw       *Gateway
	registry *principal.Registry
	mandates *mandate.Manager
	policies *policy.Store
	charges  *charge.Manager
	query    *ledger.Query
	cache    *cache.Cache

	issuer *principal.Principal
	caller *principal.Principal
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	dir := t.TempDir()

	registry, err := principal.New(principal.Options{Path: filepath.Join(dir, "registry.json")})
	if err != nil {
		t.Fatalf("principal.New: %v", err)
	}
	issuer, err := registry.Register(principal.RegisterOptions{Name: "issuer", Owner: "ops", GenerateKeys: true})
	if err != nil {
		t.Fatalf("register issuer: %v", err)
	}
	caller, err := registry.Register(principal.RegisterOptions{Name: "caller", Owner: "ops", ParentID: issuer.ID})
	if err != nil {
		t.Fatalf("register caller: %v", err)
	}

	mandates := mandate.NewManager(registry)
	policies, err := policy.New(policy.Options{Path: filepath.Join(dir, "policies.json"), Registry: registry})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	charges := charge.NewManager(charge.Options{})
	ledgerPath := filepath.Join(dir, "ledger.jsonl")
	writer, err := ledger.NewWriter(ledger.WriterOptions{Path: ledgerPath})
	if err != nil {
		t.Fatalf("ledger.NewWriter: %v", err)
	}
	query := ledger.NewQuery(ledger.QueryOptions{Path: ledgerPath})
	evaluator := policy.NewEvaluator(policies, query, charges)
	policyCache := cache.New(cache.Options{})

	gw := New(Config{
		Authenticator: auth.New(auth.Options{Registry: registry, JWTSecret: testJWTSecret}),
		Replay:        auth.NewReplayGuard(auth.ReplayGuardOptions{}),
		Mandates:      mandates,
		Evaluator:     evaluator,
		Charges:       charges,
		Ledger:        writer,
		Cache:         policyCache,
	})

	return &pipelineEnv{
		gw:       gw,
		registry: registry,
		mandates: mandates,
		policies: policies,
		charges:  charges,
		query:    query,
		cache:    policyCache,
		issuer:   issuer,
		caller:   caller,
	}
}

func (env *pipelineEnv) bearerToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"agent_id": env.caller.ID,
		"exp":      jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(testJWTSecret)
	if err != nil {
		t.Fatalf("sign bearer token: %v", err)
	}
	return signed
}

func (env *pipelineEnv) issueMandate(t *testing.T, resources []string) *mandate.Record {
	t.Helper()
	rec, err := env.mandates.Issue(mandate.IssueOptions{
		IssuerID:           env.issuer.ID,
		SubjectID:          env.caller.ID,
		ValiditySeconds:    3600,
		SpendingLimit:      "1000.00",
		Currency:           "USD",
		AllowedOperations:  []string{"call"},
		AllowedResources:   resources,
		MaxDelegationDepth: 2,
	})
	if err != nil {
		t.Fatalf("issue mandate: %v", err)
	}
	return rec
}

func (env *pipelineEnv) createPolicy(t *testing.T, limit string) {
	t.Helper()
	if _, err := env.policies.Create(policy.CreateOptions{
		PrincipalID: env.caller.ID, LimitAmount: limit, Currency: "USD",
		TimeWindow: timewindow.Daily, WindowType: timewindow.Calendar,
	}); err != nil {
		t.Fatalf("create policy: %v", err)
	}
}

func (env *pipelineEnv) proxiedRequest(t *testing.T, mandateID, targetURL string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"prompt":"hi"}`))
	r.Header.Set("Authorization", "Bearer "+env.bearerToken(t))
	r.Header.Set(HeaderMandateID, mandateID)
	r.Header.Set(HeaderTargetURL, targetURL)
	return r
}

func TestPipelineHappyPathMetersActualCost(t *testing.T) {
	env := newPipelineEnv(t)
	env.createPolicy(t, "100.00")
	rec := env.issueMandate(t, []string{"**"})

	var upstreamSawAuthHeader, upstreamSawMandateHeader bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamSawAuthHeader = r.Header.Get("Authorization") != ""
		upstreamSawMandateHeader = r.Header.Get(HeaderMandateID) != ""
		w.Header().Set(HeaderActualCost, "12.34")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	req := env.proxiedRequest(t, rec.Claims.ID, upstream.URL)
	req.Header.Set(HeaderEstimatedCost, "10.00")
	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q, want 200", w.Code, w.Body.String())
	}
	if upstreamSawAuthHeader || upstreamSawMandateHeader {
		t.Fatal("gateway control headers must be stripped before forwarding")
	}
	body, _ := io.ReadAll(w.Body)
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %q, want upstream body passed through", body)
	}

	total, err := env.query.SumCost(env.caller.ID, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("SumCost: %v", err)
	}
	if total.String() != "12.34" {
		t.Fatalf("metered total = %s, want actual cost 12.34", total)
	}
	if reserved := env.charges.ReservedBudget(env.caller.ID); !reserved.IsZero() {
		t.Fatalf("reserved = %s, want 0 (charge settled)", reserved)
	}

	events, err := env.query.GetEvents(ledger.Filter{PrincipalID: env.caller.ID})
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %v (%v), want exactly one", events, err)
	}
	if events[0].ProvisionalChargeID == "" {
		t.Fatal("settling event should link back to the provisional charge")
	}

	stats := env.gw.Stats()
	if stats.Total != 1 || stats.Allowed != 1 {
		t.Fatalf("stats = %+v, want total=1 allowed=1", stats)
	}
}

func TestPipelineMetersBodyBytesWithoutCostSignals(t *testing.T) {
	env := newPipelineEnv(t)
	env.createPolicy(t, "100.00")
	rec := env.issueMandate(t, []string{"**"})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer upstream.Close()

	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, env.proxiedRequest(t, rec.Claims.ID, upstream.URL))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	events, err := env.query.GetEvents(ledger.Filter{PrincipalID: env.caller.ID})
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %v (%v), want exactly one", events, err)
	}
	if events[0].ResourceType != "bytes_out" {
		t.Fatalf("resource_type = %q, want bytes_out fallback", events[0].ResourceType)
	}
	if events[0].Quantity != "10" {
		t.Fatalf("quantity = %q, want response byte count 10", events[0].Quantity)
	}
}

func TestPipelineResourceTypeHeaderOverridesMetering(t *testing.T) {
	env := newPipelineEnv(t)
	env.createPolicy(t, "100.00")
	rec := env.issueMandate(t, []string{"**"})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderActualCost, "3.00")
	}))
	defer upstream.Close()

	req := env.proxiedRequest(t, rec.Claims.ID, upstream.URL)
	req.Header.Set(HeaderResourceType, "tokens")
	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	events, err := env.query.GetEvents(ledger.Filter{PrincipalID: env.caller.ID})
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %v (%v), want exactly one", events, err)
	}
	if events[0].ResourceType != "tokens" {
		t.Fatalf("resource_type = %q, want caller override", events[0].ResourceType)
	}
	if events[0].Cost != "3" {
		t.Fatalf("cost = %q, want upstream actual cost", events[0].Cost)
	}
}

func TestPipelineRejectsUnauthenticated(t *testing.T) {
	env := newPipelineEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/proxy", nil)
	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if env.gw.Stats().AuthFailures != 1 {
		t.Fatal("auth failure should be counted")
	}
}

func TestPipelineRequiresMandateHeaders(t *testing.T) {
	env := newPipelineEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/proxy", nil)
	req.Header.Set("Authorization", "Bearer "+env.bearerToken(t))
	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing mandate headers", w.Code)
	}
}

func TestPipelineReplayDefense(t *testing.T) {
	env := newPipelineEnv(t)
	env.createPolicy(t, "100.00")
	rec := env.issueMandate(t, []string{"**"})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	now := strconv.FormatInt(time.Now().Unix(), 10)

	first := env.proxiedRequest(t, rec.Claims.ID, upstream.URL)
	first.Header.Set("X-Nonce", "n1")
	first.Header.Set("X-Timestamp", now)
	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, first)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	replayed := env.proxiedRequest(t, rec.Claims.ID, upstream.URL)
	replayed.Header.Set("X-Nonce", "n1")
	replayed.Header.Set("X-Timestamp", now)
	w = httptest.NewRecorder()
	env.gw.ServeHTTP(w, replayed)
	if w.Code != http.StatusForbidden {
		t.Fatalf("replayed status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "nonce") {
		t.Fatalf("body = %q, want reason mentioning the nonce", w.Body.String())
	}

	stale := env.proxiedRequest(t, rec.Claims.ID, upstream.URL)
	stale.Header.Set("X-Nonce", "n2")
	stale.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Add(-600*time.Second).Unix(), 10))
	w = httptest.NewRecorder()
	env.gw.ServeHTTP(w, stale)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stale status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "timestamp") {
		t.Fatalf("body = %q, want reason mentioning the timestamp window", w.Body.String())
	}
	if env.gw.Stats().ReplayBlocks != 2 {
		t.Fatalf("replay blocks = %d, want 2", env.gw.Stats().ReplayBlocks)
	}
}

func TestPipelineDeniesOutOfScopeResource(t *testing.T) {
	env := newPipelineEnv(t)
	env.createPolicy(t, "100.00")
	rec := env.issueMandate(t, []string{"api:openai:*"})

	req := env.proxiedRequest(t, rec.Claims.ID, "http://example.com/anything")
	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for out-of-scope target", w.Code)
	}
}

func TestPipelineDeniesRevokedMandate(t *testing.T) {
	env := newPipelineEnv(t)
	env.createPolicy(t, "100.00")
	rec := env.issueMandate(t, []string{"**"})
	if err := env.mandates.Revoke(rec.Claims.ID, env.issuer.ID, "compromised", false); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	req := env.proxiedRequest(t, rec.Claims.ID, "http://example.com/anything")
	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for revoked mandate", w.Code)
	}
}

func TestPipelineDeniesOverBudget(t *testing.T) {
	env := newPipelineEnv(t)
	env.createPolicy(t, "5.00")
	rec := env.issueMandate(t, []string{"**"})

	req := env.proxiedRequest(t, rec.Claims.ID, "http://example.com/anything")
	req.Header.Set(HeaderEstimatedCost, "10.00")
	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for budget denial", w.Code)
	}
	if env.gw.Stats().Denied != 1 {
		t.Fatalf("denied = %d, want 1", env.gw.Stats().Denied)
	}
}

// failingEvaluator simulates the policy store being unreachable.
type failingEvaluator struct{}

func (failingEvaluator) Check(opts policy.CheckOptions) (*policy.Decision, error) {
	return nil, errors.New("policy store unreachable")
}

func TestPipelineServesFromCacheInDegradedMode(t *testing.T) {
	env := newPipelineEnv(t)
	rec := env.issueMandate(t, []string{"**"})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	degraded := New(Config{
		Authenticator: env.gw.cfg.Authenticator,
		Mandates:      env.mandates,
		Evaluator:     failingEvaluator{},
		Charges:       env.charges,
		Ledger:        env.gw.cfg.Ledger,
		Cache:         env.cache,
	})

	// No cached decision yet: fail closed with 503.
	req := env.proxiedRequest(t, rec.Claims.ID, upstream.URL)
	w := httptest.NewRecorder()
	degraded.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without cache = %d, want 503", w.Code)
	}

	// A prior allow decision in cache keeps the principal serviceable.
	env.cache.Put(env.caller.ID, upstream.URL, cache.Decision{Allowed: true}, rec.Claims.ID, nil)
	req = env.proxiedRequest(t, rec.Claims.ID, upstream.URL)
	w = httptest.NewRecorder()
	degraded.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status with cache = %d, body %q, want 200", w.Code, w.Body.String())
	}
	if w.Header().Get(HeaderDegradedMode) != "true" {
		t.Fatal("degraded response must carry X-Degraded-Mode: true")
	}
	if w.Header().Get(HeaderCacheAge) == "" || w.Header().Get(HeaderCacheWarning) == "" {
		t.Fatal("degraded response must carry cache age and warning headers")
	}
}

func TestPipelineUpstreamTimeoutReturns504(t *testing.T) {
	env := newPipelineEnv(t)
	env.createPolicy(t, "100.00")
	rec := env.issueMandate(t, []string{"**"})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer upstream.Close()

	fast := New(Config{
		Authenticator:   env.gw.cfg.Authenticator,
		Mandates:        env.mandates,
		Evaluator:       env.gw.cfg.Evaluator,
		Charges:         env.charges,
		Ledger:          env.gw.cfg.Ledger,
		UpstreamTimeout: 20 * time.Millisecond,
	})

	req := env.proxiedRequest(t, rec.Claims.ID, upstream.URL)
	req.Header.Set(HeaderEstimatedCost, "1.00")
	w := httptest.NewRecorder()
	fast.ServeHTTP(w, req)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	if reserved := env.charges.ReservedBudget(env.caller.ID); !reserved.IsZero() {
		t.Fatalf("reserved = %s, want 0 (charge released on forward failure)", reserved)
	}
}

func TestPipelineUpstreamNetworkErrorReturns502(t *testing.T) {
	env := newPipelineEnv(t)
	env.createPolicy(t, "100.00")
	rec := env.issueMandate(t, []string{"**"})

	// A closed server guarantees a connection error.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	req := env.proxiedRequest(t, rec.Claims.ID, target)
	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, req)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestPipelineRejectsMandateOfAnotherPrincipal(t *testing.T) {
	env := newPipelineEnv(t)
	env.createPolicy(t, "100.00")

	other, err := env.registry.Register(principal.RegisterOptions{Name: "other", Owner: "ops"})
	if err != nil {
		t.Fatalf("register other: %v", err)
	}
	rec, err := env.mandates.Issue(mandate.IssueOptions{
		IssuerID: env.issuer.ID, SubjectID: other.ID, ValiditySeconds: 3600,
		AllowedOperations: []string{"call"}, AllowedResources: []string{"**"},
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := env.proxiedRequest(t, rec.Claims.ID, "http://example.com/anything")
	w := httptest.NewRecorder()
	env.gw.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for a mandate bound to someone else", w.Code)
	}
}
