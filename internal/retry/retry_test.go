package retry

import (
	"context"
	"testing"
	"time"

	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := Config{Attempts: 3, Base: time.Millisecond, Factor: 2}
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return caracalerr.New(caracalerr.TransientIO, "disk busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonTransientError(t *testing.T) {
	calls := 0
	cfg := Config{Attempts: 3, Base: time.Millisecond, Factor: 2}
	wantErr := caracalerr.New(caracalerr.Validation, "bad input")
	err := Do(context.Background(), cfg, func() error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on non-transient error)", calls)
	}
}

func TestDoExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	cfg := Config{Attempts: 3, Base: time.Millisecond, Factor: 2}
	err := Do(context.Background(), cfg, func() error {
		calls++
		return caracalerr.New(caracalerr.TransientIO, "still busy")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{Attempts: 3, Base: 10 * time.Millisecond, Factor: 2}
	calls := 0
	err := Do(ctx, cfg, func() error {
		calls++
		return caracalerr.New(caracalerr.TransientIO, "busy")
	})
	if err == nil {
		t.Fatalf("expected error from cancelled context")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (cancel before first backoff sleep ever blocks a 2nd attempt)", calls)
	}
}
