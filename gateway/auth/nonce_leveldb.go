package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
)

// LevelDBNoncePersistence is a NoncePersistence backed by goleveldb, so the
// gateway's replay defense survives a restart instead of re-accepting every
// nonce seen before the crash. Nonces live in a single global namespace:
// X-Nonce is scoped to the gateway as a whole, not per caller.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) a LevelDB database at path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records record.Nonce as observed if it has not been seen
// before, returning true when it was already present (a replay).
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("leveldb persistence not configured")
	}
	nonce := strings.TrimSpace(record.Nonce)
	if nonce == "" {
		return false, fmt.Errorf("nonce must not be empty")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	nonceKey := []byte(nonceKeyPrefix + nonce)
	_, err := p.db.Get(nonceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		// fall through to insert
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		return true, nil
	}

	batch := new(leveldb.Batch)
	nanos := observed.UnixNano()
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, nonce)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns every persisted nonce observed at or after cutoff.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("leveldb persistence not configured")
	}
	cutoff = cutoff.UTC()
	cutoffKey := []byte(observedKey(cutoff.UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	records := make([]NonceRecord, 0)
	for ok := iter.Seek(cutoffKey); ok; ok = iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		key := append([]byte(nil), iter.Key()...)
		nonce, nanos, ok := parseObservedKey(key)
		if !ok {
			continue
		}
		records = append(records, NonceRecord{
			Nonce:      nonce,
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes every persisted nonce observed before cutoff.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	cutoff = cutoff.UTC()
	cutoffKey := []byte(observedKey(cutoff.UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if compareKeys(iter.Key(), cutoffKey) >= 0 {
			break
		}
		nonce, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + nonce))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

func observedKey(nanos int64, nonce string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, nonce)
}

func parseObservedKey(key []byte) (string, int64, bool) {
	raw := string(key)
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}

func compareKeys(a, b []byte) int {
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	for i := 0; i < min; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
