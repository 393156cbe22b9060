package fsx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arklowdun/dbcore/internal/herrors"
)

func TestWriteFileAtomicCreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target.json")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o600, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o600, nil))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestWriteFileAtomicCrashBeforeRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target.json")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o600))

	err := WriteFileAtomic(path, []byte("never visible"), 0o600, &AtomicWriteOptions{CrashBeforeRename: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulated crash before rename")
	assert.Equal(t, "IO/SIMULATED_CRASH", herrors.Code(err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data), "previous contents must survive the simulated crash")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the temp file must be removed")
	assert.Equal(t, "target.json", entries[0].Name())
}

func TestWriteFileAtomicLeavesNoTempOnSuccess(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteFileAtomic(filepath.Join(dir, "a.txt"), []byte("x"), 0o600, nil))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
