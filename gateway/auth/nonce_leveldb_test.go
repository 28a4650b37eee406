package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestLevelDBNoncePersistenceReplayAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonces")
	backend, err := NewLevelDBNoncePersistence(path)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}

	now := time.Unix(1_717_787_717, 0).UTC()
	nowFn := func() time.Time { return now }

	makeRequest := func(nonce string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "https://example.test/v1/resource", nil)
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Timestamp", strconv.FormatInt(now.Unix(), 10))
		return req
	}

	guard := NewReplayGuard(ReplayGuardOptions{NowFn: nowFn, Persistence: backend})
	if err := guard.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	nonce := "nonce-restart"
	if err := guard.Check(context.Background(), makeRequest(nonce)); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close persistence: %v", err)
	}

	reopened, err := NewLevelDBNoncePersistence(path)
	if err != nil {
		t.Fatalf("reopen persistence: %v", err)
	}
	defer reopened.Close()

	// A brand-new in-memory guard over the reopened store must still reject
	// the nonce already recorded before the restart, once hydrated.
	restarted := NewReplayGuard(ReplayGuardOptions{NowFn: nowFn, Persistence: reopened})
	if err := restarted.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate after restart: %v", err)
	}
	if err := restarted.Check(context.Background(), makeRequest(nonce)); err == nil {
		t.Fatal("expected replay rejection for nonce recorded before restart")
	}
}

func TestLevelDBNoncePersistencePruneRemovesOldEntries(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLevelDBNoncePersistence(filepath.Join(dir, "nonces"))
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	defer backend.Close()

	old := time.Unix(1_000_000_000, 0).UTC()
	if _, err := backend.EnsureNonce(context.Background(), NonceRecord{Nonce: "old-nonce", ObservedAt: old}); err != nil {
		t.Fatalf("ensure old nonce: %v", err)
	}
	recent := old.Add(time.Hour)
	if _, err := backend.EnsureNonce(context.Background(), NonceRecord{Nonce: "recent-nonce", ObservedAt: recent}); err != nil {
		t.Fatalf("ensure recent nonce: %v", err)
	}

	if err := backend.PruneNonces(context.Background(), old.Add(time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := backend.RecentNonces(context.Background(), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("recent nonces: %v", err)
	}
	if len(records) != 1 || records[0].Nonce != "recent-nonce" {
		t.Fatalf("expected only recent-nonce to survive prune, got %+v", records)
	}
}
