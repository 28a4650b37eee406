// Package ledger implements the append-only event log: the Writer that
// assigns monotonic event IDs and fsyncs every append under a gofrs/flock
// advisory lock, and the Query that scans the log read-only for
// aggregation.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/Garudex-Labs/caracal-sub003/internal/atomicfile"
	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
	"github.com/Garudex-Labs/caracal-sub003/internal/money"
	"github.com/Garudex-Labs/caracal-sub003/internal/retry"
)

// Event is a single immutable ledger record.
type Event struct {
	EventID             int64                  `json:"event_id"`
	PrincipalID         string                 `json:"principal_id"`
	Timestamp           time.Time              `json:"timestamp"`
	ResourceType        string                 `json:"resource_type"`
	Quantity            string                 `json:"quantity"`
	Cost                string                 `json:"cost"`
	Currency            string                 `json:"currency"`
	ProvisionalChargeID string                 `json:"provisional_charge_id,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// Writer owns the ledger file and the next event ID counter.
type Writer struct {
	path        string
	backupCount int
	logger      *slog.Logger

	mu            sync.Mutex
	nextEventID   int64
	backupCreated bool
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	Path        string
	BackupCount int
	Logger      *slog.Logger
}

// NewWriter constructs a Writer, scanning the existing log (if any) to
// determine the next event ID from the last well-formed line.
func NewWriter(opts WriterOptions) (*Writer, error) {
	backupCount := opts.BackupCount
	if backupCount <= 0 {
		backupCount = atomicfile.DefaultBackupCount
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{path: opts.Path, backupCount: backupCount, logger: logger, nextEventID: 1}
	if err := w.initializeEventID(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) initializeEventID() error {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return caracalerr.Wrap(caracalerr.PersistentIO, "open ledger for event-id scan", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lastEvent *Event
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue // tolerate a truncated trailing line
		}
		lastEvent = &evt
	}
	if lastEvent != nil {
		w.nextEventID = lastEvent.EventID + 1
	}
	return nil
}

// AppendOptions describes the event to append.
type AppendOptions struct {
	PrincipalID         string
	ResourceType        string
	Quantity            string
	Cost                string
	Currency            string
	ProvisionalChargeID string
	Metadata            map[string]interface{}
}

// Append validates and writes a new event, returning it with its assigned
// EventID. Transient I/O errors are retried per internal/retry's default
// policy; exhausted retries surface as PersistentIO and are logged loudly,
// because the upstream call being metered may already have happened and
// nothing beyond retry can recover the record.
func (w *Writer) Append(ctx context.Context, opts AppendOptions) (*Event, error) {
	if opts.PrincipalID == "" {
		return nil, caracalerr.New(caracalerr.Validation, "principal_id must not be empty")
	}
	if opts.ResourceType == "" {
		return nil, caracalerr.New(caracalerr.Validation, "resource_type must not be empty")
	}
	quantity, err := money.ParsePrice(opts.Quantity)
	if err != nil {
		return nil, err
	}
	if err := money.RequireNonNegative(quantity, "quantity"); err != nil {
		return nil, err
	}
	cost, err := money.ParseTotal(opts.Cost)
	if err != nil {
		return nil, err
	}
	if err := money.RequireNonNegative(cost, "cost"); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureBackupLocked(); err != nil {
		w.logger.Warn("failed to create ledger backup, continuing without it", "error", err)
	}

	event := &Event{
		EventID:             w.nextEventID,
		PrincipalID:         opts.PrincipalID,
		Timestamp:           time.Now().UTC(),
		ResourceType:        opts.ResourceType,
		Quantity:            money.Text(quantity),
		Cost:                money.Text(cost),
		Currency:            opts.Currency,
		ProvisionalChargeID: opts.ProvisionalChargeID,
		Metadata:            opts.Metadata,
	}

	appendErr := retry.Do(ctx, retry.DefaultConfig, func() error {
		return w.atomicAppend(ctx, event)
	})
	if appendErr != nil {
		w.logger.Error("ledger append failed after retries, charge may already be forwarded upstream",
			"principal_id", event.PrincipalID, "event_id", event.EventID, "error", appendErr)
		return nil, caracalerr.Wrap(caracalerr.PersistentIO, "append ledger event", appendErr)
	}

	w.nextEventID++
	return event, nil
}

func (w *Writer) ensureBackupLocked() error {
	if w.backupCreated {
		return nil
	}
	info, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			w.backupCreated = true
			return nil
		}
		return err
	}
	w.backupCreated = true
	if info.Size() == 0 {
		return nil
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	return os.WriteFile(w.path+".bak.1", data, 0o644)
}

func (w *Writer) atomicAppend(ctx context.Context, event *Event) error {
	lockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	lock := flock.New(w.path + ".lock")
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return caracalerr.Wrap(caracalerr.TransientIO, "acquire ledger lock", err)
	}
	if !locked {
		return caracalerr.New(caracalerr.TransientIO, "ledger lock contended")
	}
	defer lock.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return caracalerr.Wrap(caracalerr.TransientIO, "open ledger for append", err)
	}
	defer f.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return caracalerr.Wrap(caracalerr.Configuration, "marshal ledger event", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return caracalerr.Wrap(caracalerr.TransientIO, "write ledger event", err)
	}
	if err := f.Sync(); err != nil {
		return caracalerr.Wrap(caracalerr.TransientIO, "fsync ledger", err)
	}
	return nil
}

