// Package atomicfile implements the snapshot-rotate-rename persistence
// discipline shared by the Principal Registry and Policy Store: rotate N
// rolling backups, write a temp file, fsync, then atomically rename over the
// canonical path. A crash mid-snapshot leaves either the previous file
// intact or a stray temp file, never a torn canonical file.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Garudex-Labs/caracal-sub003/internal/caracalerr"
)

// DefaultBackupCount is the number of rolling backups retained per file.
const DefaultBackupCount = 3

// Snapshot writes data to path using the atomic-rename discipline:
//  1. rotate backups (path.bak.(N-1) -> path.bak.N, ..., path -> path.bak.1)
//  2. write data to path+".tmp"
//  3. fsync the temp file
//  4. rename the temp file over path
//
// Backup rotation failures are non-fatal and are not reported. Every OS
// failure on the canonical path is classified TransientIO: a single failed
// open/write/fsync/rename may succeed on the next attempt, so callers run
// Snapshot through retry.Do and escalate to PersistentIO themselves once
// retries are exhausted.
func Snapshot(path string, data []byte, backupCount int) error {
	if backupCount <= 0 {
		backupCount = DefaultBackupCount
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return caracalerr.Wrap(caracalerr.TransientIO, "create parent directory", err)
	}
	rotateBackups(path, backupCount)

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return caracalerr.Wrap(caracalerr.TransientIO, "open temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return caracalerr.Wrap(caracalerr.TransientIO, "write temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return caracalerr.Wrap(caracalerr.TransientIO, "fsync temp file", err)
	}
	if err := f.Close(); err != nil {
		return caracalerr.Wrap(caracalerr.TransientIO, "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return caracalerr.Wrap(caracalerr.TransientIO, "rename temp file over canonical path", err)
	}
	return nil
}

// rotateBackups shifts path.bak.(N-1) to path.bak.N down to path.bak.1, then
// copies the current canonical file (if any) into path.bak.1. Errors are
// swallowed: a missed backup must never block the write it is protecting.
func rotateBackups(path string, backupCount int) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	oldest := fmt.Sprintf("%s.bak.%d", path, backupCount)
	_ = os.Remove(oldest)
	for i := backupCount - 1; i >= 1; i-- {
		older := fmt.Sprintf("%s.bak.%d", path, i)
		newer := fmt.Sprintf("%s.bak.%d", path, i+1)
		if _, err := os.Stat(older); err == nil {
			_ = os.Rename(older, newer)
		}
	}
	backup := path + ".bak.1"
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = os.WriteFile(backup, data, 0o644)
}
