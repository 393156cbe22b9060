// Package fsx holds the filesystem write primitive the backup and bundle
// engines share: atomic file replacement via a sibling temp file, fsync,
// and rename, with the parent directory fsynced afterwards. Writes never
// cross a volume boundary because the temp file is always created next to
// its destination.
package fsx

import (
	"os"
	"path/filepath"

	"github.com/arklowdun/dbcore/internal/herrors"
)

// AtomicWriteOptions carries the test-only failure injection points.
type AtomicWriteOptions struct {
	// CrashBeforeRename simulates the process dying after the temp file is
	// written and synced but before it is renamed over the target. The
	// destination keeps its previous contents and the temp file is removed.
	CrashBeforeRename bool
}

// WriteFileAtomic writes data to path so that a reader observes either the
// file's previous contents or the new contents, never a torn mix. The temp
// file lives in path's own directory, so the final rename never crosses a
// volume.
func WriteFileAtomic(path string, data []byte, mode os.FileMode, opts *AtomicWriteOptions) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return herrors.FromIOError(err)
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return herrors.FromIOError(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return herrors.FromIOError(err)
	}
	if err := tmp.Close(); err != nil {
		return herrors.FromIOError(err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return herrors.FromIOError(err)
	}

	if opts != nil && opts.CrashBeforeRename {
		return herrors.New("IO/SIMULATED_CRASH", "simulated crash before rename").
			WithContext("path", path)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return herrors.FromIOError(err)
	}
	renamed = true
	return SyncDir(dir)
}

// SyncDir fsyncs a directory so a completed rename inside it survives a
// power loss. Platforms that cannot open a directory handle (Windows) make
// the rename durable through their native replace primitive instead, so a
// failed open is not an error.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return nil
	}
	return nil
}
