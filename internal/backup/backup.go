// Package backup implements the online snapshot engine: a self-contained
// directory per backup containing a copy of the database file plus
// manifest.json.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/arklowdun/dbcore/internal/clock"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/fsx"
	"github.com/arklowdun/dbcore/internal/health"
	"github.com/arklowdun/dbcore/internal/herrors"
	"github.com/arklowdun/dbcore/internal/types"
)

// copyChunkPages is the number of 4096-byte pages read per chunk by
// copyOnline, which checks for cancellation between chunks.
const copyChunkPages = 1024

// lowDiskMultiplier is how much free space the engine requires relative to
// the current database size before it will attempt a backup.
const lowDiskMultiplier = 1.5

const (
	manifestName = "manifest.json"
	// manifestHashName is the sidecar carrying the SHA-256 of manifest.json
	// itself, so a consumer can detect a tampered manifest.
	manifestHashName = "manifest.json.sha256"
)

// FreeBytesFunc reports the free space available on the volume hosting dir.
// Production code passes a real statfs-backed implementation; tests inject a
// fake to exercise BACKUP/LOW_DISK deterministically.
type FreeBytesFunc func(dir string) (uint64, error)

// Engine produces and retires backup snapshots.
type Engine struct {
	db         *dbx.DB
	checker    *health.Checker
	backupRoot string
	appVersion string
	freeBytes  FreeBytesFunc
	clock      clock.Clock
	logger     *zap.Logger
	retain     int
}

// Config configures an Engine.
type Config struct {
	BackupRoot string
	AppVersion string
	FreeBytes  FreeBytesFunc
	Clock      clock.Clock
	Logger     *zap.Logger
	// Retain is how many snapshots to keep after a successful backup;
	// defaults to 7 if zero.
	Retain int
}

// New constructs an Engine.
func New(db *dbx.DB, checker *health.Checker, cfg Config) *Engine {
	if cfg.FreeBytes == nil {
		cfg.FreeBytes = statfsFree
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 7
	}
	return &Engine{
		db:         db,
		checker:    checker,
		backupRoot: cfg.BackupRoot,
		appVersion: cfg.AppVersion,
		freeBytes:  cfg.FreeBytes,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		retain:     cfg.Retain,
	}
}

// Result describes a completed backup.
type Result struct {
	Dir        string
	SQLitePath string
	Manifest   types.BackupManifest
}

// Run performs one backup: free-space check, chunked copy into a fresh
// snapshot directory (removed again if a later step fails), hash, manifest,
// fsyncs, then retention pruning.
func (e *Engine) Run(ctx context.Context, dbPath string) (*Result, error) {
	info, err := os.Stat(dbPath)
	if err != nil {
		return nil, herrors.FromIOError(err)
	}
	dbSize := info.Size()

	free, err := e.freeBytes(filepath.Dir(dbPath))
	if err != nil {
		return nil, herrors.FromIOError(err)
	}
	if float64(free) < float64(dbSize)*lowDiskMultiplier {
		return nil, herrors.New("BACKUP/LOW_DISK", "insufficient free space for a safe backup").
			WithContext("db_size_bytes", fmt.Sprintf("%d", dbSize)).
			WithContext("free_bytes", fmt.Sprintf("%d", free))
	}

	if err := os.MkdirAll(e.backupRoot, 0o755); err != nil {
		return nil, herrors.FromIOError(err)
	}

	createdAt := e.clock.Now()
	snapshotName := createdAt.UTC().Format("20060102T150405.000Z")
	snapshotDir := filepath.Join(e.backupRoot, snapshotName)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, herrors.FromIOError(err)
	}

	sqlitePath := filepath.Join(snapshotDir, filepath.Base(dbPath))
	ok := false
	defer func() {
		if !ok {
			_ = os.RemoveAll(snapshotDir)
		}
	}()

	if err := e.copyOnline(ctx, dbPath, sqlitePath); err != nil {
		return nil, err
	}

	hash, err := sha256File(sqlitePath)
	if err != nil {
		return nil, err
	}

	schemaHash := ""
	if e.checker != nil {
		schemaHash, err = e.checker.SchemaHash(ctx)
		if err != nil {
			return nil, err
		}
	}

	manifest := types.BackupManifest{
		AppVersion:  e.appVersion,
		SchemaHash:  schemaHash,
		DBSizeBytes: dbSize,
		CreatedAt:   createdAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		SHA256:      hash,
	}

	if err := writeManifestAtomic(snapshotDir, manifest); err != nil {
		return nil, err
	}
	manifestHash, err := sha256File(filepath.Join(snapshotDir, manifestName))
	if err != nil {
		return nil, err
	}
	if err := fsx.WriteFileAtomic(filepath.Join(snapshotDir, manifestHashName), []byte(manifestHash+"\n"), 0o600, nil); err != nil {
		return nil, err
	}

	if err := fsyncFile(sqlitePath); err != nil {
		return nil, err
	}
	if err := fsyncDir(snapshotDir); err != nil {
		return nil, err
	}
	if err := fsyncDir(e.backupRoot); err != nil {
		return nil, err
	}

	ok = true

	if err := e.prune(); err != nil {
		e.logger.Warn("backup_retention_prune_failed", zap.Error(err))
	}

	return &Result{Dir: snapshotDir, SQLitePath: sqlitePath, Manifest: manifest}, nil
}

// copyOnline copies the main database file src to dst in chunks of
// copyChunkPages pages, checking ctx for cancellation between chunks. It
// reads the file directly rather than through sqlite's online backup API,
// takes no database lock, and copies neither the -wal nor the -shm file, so
// changes not yet checkpointed into the main file are not in the copy.
func (e *Engine) copyOnline(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return herrors.FromIOError(err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return herrors.FromIOError(err)
	}
	defer out.Close()

	const pageSize = 4096
	buf := make([]byte, pageSize*copyChunkPages)
	for {
		select {
		case <-ctx.Done():
			return herrors.New("BACKUP/CANCELLED", "backup cancelled").WithCause(herrors.FromIOError(ctx.Err()))
		default:
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return herrors.FromIOError(werr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return herrors.FromIOError(readErr)
		}
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", herrors.FromIOError(err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", herrors.FromIOError(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeManifestAtomic(dir string, manifest types.BackupManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return herrors.FromJSONError(err)
	}
	return fsx.WriteFileAtomic(filepath.Join(dir, manifestName), data, 0o600, nil)
}

func fsyncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return herrors.FromIOError(err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return herrors.FromIOError(err)
	}
	return nil
}

func fsyncDir(path string) error {
	return fsyncFile(path)
}

// prune deletes snapshots beyond the retention cap, oldest first, by
// directory-name creation timestamp.
func (e *Engine) prune() error {
	entries, err := os.ReadDir(e.backupRoot)
	if err != nil {
		return herrors.FromIOError(err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= e.retain {
		return nil
	}
	toDelete := names[:len(names)-e.retain]
	for _, name := range toDelete {
		if err := os.RemoveAll(filepath.Join(e.backupRoot, name)); err != nil {
			return herrors.FromIOError(err)
		}
	}
	return nil
}

// ReadManifest loads a snapshot's manifest.json, verifying it against the
// manifest.json.sha256 sidecar so a tampered manifest is detected before its
// contents are trusted.
func ReadManifest(snapshotDir string) (types.BackupManifest, error) {
	data, err := os.ReadFile(filepath.Join(snapshotDir, manifestName))
	if err != nil {
		return types.BackupManifest{}, herrors.FromIOError(err)
	}

	sidecar, err := os.ReadFile(filepath.Join(snapshotDir, manifestHashName))
	if err != nil {
		return types.BackupManifest{}, herrors.FromIOError(err)
	}
	want := strings.TrimSpace(string(sidecar))
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != want {
		return types.BackupManifest{}, herrors.New("BACKUP/MANIFEST_TAMPERED", "manifest.json does not match its recorded hash").
			WithContext("dir", snapshotDir)
	}

	var m types.BackupManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return types.BackupManifest{}, herrors.FromJSONError(err)
	}
	return m, nil
}
