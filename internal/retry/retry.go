// Package retry provides exponential backoff retry for transient I/O
// failures, as an explicit loop rather than a wrapper type so the control
// flow stays visible at the call site.
package retry

import (
	"context"
	"time"

	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
)

// Config controls attempt count and backoff growth.
type Config struct {
	Attempts int
	Base     time.Duration
	Factor   float64
}

// DefaultConfig makes up to 3 attempts, waiting 100ms before the first retry
// and doubling the wait before each later one.
var DefaultConfig = Config{
	Attempts: 3,
	Base:     100 * time.Millisecond,
	Factor:   2,
}

// Do invokes fn up to cfg.Attempts times, sleeping with exponentially growing
// backoff between attempts. Retries only happen when fn returns an error
// classified as caracalerr.TransientIO; any other error (or nil) returns
// immediately. If every attempt fails, the last error is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConfig.Attempts
	}
	if cfg.Base <= 0 {
		cfg.Base = DefaultConfig.Base
	}
	if cfg.Factor <= 0 {
		cfg.Factor = DefaultConfig.Factor
	}

	var lastErr error
	delay := cfg.Base
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !caracalerr.Is(err, caracalerr.TransientIO) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.Factor)
	}
	return lastErr
}
