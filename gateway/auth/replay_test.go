package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func replayRequest(nonce string, ts time.Time) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if nonce != "" {
		r.Header.Set("X-Nonce", nonce)
	}
	if !ts.IsZero() {
		r.Header.Set("X-Timestamp", strconv.FormatInt(ts.Unix(), 10))
	}
	return r
}

func TestReplayGuardAllowsRequestWithoutHeaders(t *testing.T) {
	g := NewReplayGuard(ReplayGuardOptions{})
	if err := g.Check(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatalf("request with no replay headers should pass: %v", err)
	}
}

func TestReplayGuardRejectsReusedNonce(t *testing.T) {
	now := time.Now()
	g := NewReplayGuard(ReplayGuardOptions{NowFn: func() time.Time { return now }})

	if err := g.Check(context.Background(), replayRequest("n1", now)); err != nil {
		t.Fatalf("first use of nonce should pass: %v", err)
	}
	err := g.Check(context.Background(), replayRequest("n1", now))
	if !errors.Is(err, ErrNonceReused) {
		t.Fatalf("err = %v, want ErrNonceReused", err)
	}
}

func TestReplayGuardRejectsStaleTimestamp(t *testing.T) {
	now := time.Now()
	g := NewReplayGuard(ReplayGuardOptions{NowFn: func() time.Time { return now }})

	err := g.Check(context.Background(), replayRequest("n2", now.Add(-600*time.Second)))
	if !errors.Is(err, ErrTimestampOutOfWindow) {
		t.Fatalf("err = %v, want ErrTimestampOutOfWindow", err)
	}
}

func TestReplayGuardToleratesBoundedFutureSkew(t *testing.T) {
	now := time.Now()
	g := NewReplayGuard(ReplayGuardOptions{NowFn: func() time.Time { return now }})

	if err := g.Check(context.Background(), replayRequest("n3", now.Add(30*time.Second))); err != nil {
		t.Fatalf("30s of future skew should be tolerated: %v", err)
	}
	err := g.Check(context.Background(), replayRequest("n4", now.Add(120*time.Second)))
	if !errors.Is(err, ErrTimestampOutOfWindow) {
		t.Fatalf("err = %v, want ErrTimestampOutOfWindow beyond the skew allowance", err)
	}
}

func TestReplayGuardFailsClosedOnPartialHeaders(t *testing.T) {
	g := NewReplayGuard(ReplayGuardOptions{})

	if err := g.Check(context.Background(), replayRequest("n5", time.Time{})); err == nil {
		t.Fatal("nonce without timestamp should fail closed")
	}
	if err := g.Check(context.Background(), replayRequest("", time.Now())); err == nil {
		t.Fatal("timestamp without nonce should fail closed")
	}

	r := replayRequest("n6", time.Time{})
	r.Header.Set("X-Timestamp", "not-a-number")
	if err := g.Check(context.Background(), r); !errors.Is(err, ErrTimestampOutOfWindow) {
		t.Fatal("unparseable timestamp should fail closed")
	}
}

func TestReplayGuardEvictsOldestNonceAtCapacity(t *testing.T) {
	now := time.Now()
	g := NewReplayGuard(ReplayGuardOptions{Capacity: 2, NowFn: func() time.Time { return now }})
	ctx := context.Background()

	for _, n := range []string{"a", "b", "c"} {
		if err := g.Check(ctx, replayRequest(n, now)); err != nil {
			t.Fatalf("nonce %s: %v", n, err)
		}
	}
	// "a" was evicted to admit "c"; replaying it is (regrettably) accepted,
	// which is the documented cost of bounding the set.
	if err := g.Check(ctx, replayRequest("a", now)); err != nil {
		t.Fatalf("evicted nonce should be accepted again: %v", err)
	}
	// "c" is still resident and must be caught.
	if err := g.Check(ctx, replayRequest("c", now)); !errors.Is(err, ErrNonceReused) {
		t.Fatalf("err = %v, want ErrNonceReused for resident nonce", err)
	}
}

func TestReplayGuardStats(t *testing.T) {
	now := time.Now()
	g := NewReplayGuard(ReplayGuardOptions{NowFn: func() time.Time { return now }})
	_ = g.Check(context.Background(), replayRequest("s1", now))
	_ = g.Check(context.Background(), replayRequest("s2", now))

	stats := g.Stats()
	if stats.NonceCount != 2 {
		t.Fatalf("nonce count = %d, want 2", stats.NonceCount)
	}
	if stats.Window != DefaultReplayWindow {
		t.Fatalf("window = %s, want %s", stats.Window, DefaultReplayWindow)
	}
}
