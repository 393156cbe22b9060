package repair

import (
	"os"
	"path/filepath"

	"github.com/arklowdun/dbcore/internal/herrors"
)

// Swap atomically replaces the live database file with a newly rebuilt copy
// while preserving the original under archivePath. The caller is responsible
// for ensuring newPath has been fully validated before calling Swap. The
// sequence: same-parent checks, fsync of the new file,
// archive-then-rename-over, sidecar removal, and revert-on-rename-failure.
func Swap(livePath, newPath, archivePath string) error {
	if err := ensureSameParent(livePath, newPath, "new"); err != nil {
		return err
	}
	if err := ensureSameParent(livePath, archivePath, "archive"); err != nil {
		return err
	}

	parent := filepath.Dir(livePath)

	if err := syncFile(newPath); err != nil {
		return herrors.FromIOError(err).WithContext("operation", "sync_new_db").WithContext("path", newPath)
	}

	if _, err := os.Stat(archivePath); err == nil {
		if err := os.Remove(archivePath); err != nil {
			return herrors.FromIOError(err).WithContext("operation", "remove_existing_archive").WithContext("path", archivePath)
		}
	}

	if err := os.Rename(livePath, archivePath); err != nil {
		return herrors.FromIOError(err).
			WithContext("operation", "archive_live_db").
			WithContext("from", livePath).
			WithContext("to", archivePath)
	}

	if err := removeSidecars(livePath); err != nil {
		return herrors.FromIOError(err).WithContext("operation", "remove_live_sidecars").WithContext("path", livePath)
	}

	if err := os.Rename(newPath, livePath); err != nil {
		// Revert: restore the archived original to its original position.
		_ = os.Rename(archivePath, livePath)
		return herrors.FromIOError(err).
			WithContext("operation", "promote_new_db").
			WithContext("from", newPath).
			WithContext("to", livePath)
	}

	if err := syncFile(livePath); err != nil {
		return herrors.FromIOError(err).WithContext("operation", "sync_live_db").WithContext("path", livePath)
	}
	if err := syncDir(parent); err != nil {
		return herrors.FromIOError(err).WithContext("operation", "sync_parent_dir").WithContext("path", parent)
	}
	return nil
}

func ensureSameParent(live, other, role string) error {
	liveParent := filepath.Dir(live)
	otherParent := filepath.Dir(other)
	if liveParent != otherParent {
		return herrors.New("DB_SWAP/DIFFERENT_PARENT", "swap paths must share the same parent directory").
			WithContext("live", live).
			WithContext(role, other)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func syncDir(path string) error {
	return syncFile(path)
}

func removeSidecar(base, suffix string) error {
	err := os.Remove(base + suffix)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func removeSidecars(livePath string) error {
	if err := removeSidecar(livePath, "-wal"); err != nil {
		return err
	}
	if err := removeSidecar(livePath, "-shm"); err != nil {
		return err
	}
	return nil
}
