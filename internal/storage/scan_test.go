package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/services/fileops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan(t *testing.T) {
	dest := t.TempDir()
	fs := fileops.New(testLogger())
	first := finishedBackup(t, dest, "docs", "hourly", created)
	second := finishedBackup(t, dest, "docs", "daily", created.Add(time.Hour))
	require.NoError(t, UpdateLatest(dest, second, fs))

	// unfinished: metadata missing
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "partial", DataName), 0o755))
	// stray file at the root
	require.NoError(t, os.WriteFile(filepath.Join(dest, "notes.txt"), []byte("x"), 0o644))

	backups, err := Scan(dest, fs, testLogger())
	require.NoError(t, err)
	require.Len(t, backups, 2)

	paths := []string{backups[0].Path(), backups[1].Path()}
	assert.ElementsMatch(t, []string{first.Path(), second.Path()}, paths)
	assert.DirExists(t, filepath.Join(dest, "partial"), "unfinished folders are never deleted")
}

func TestScan_CorruptMetadataIsFatal(t *testing.T) {
	dest := t.TempDir()
	path := filepath.Join(dest, "broken")
	require.NoError(t, os.MkdirAll(filepath.Join(path, DataName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, MetaFileName), []byte("garbage"), 0o644))

	_, err := Scan(dest, fileops.New(testLogger()), testLogger())

	var invalid *InvalidBackupError
	assert.ErrorAs(t, err, &invalid)
}

func TestScan_MissingDestination(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "missing"), fileops.New(testLogger()), testLogger())
	assert.Error(t, err)
}

func TestUpdateLatest(t *testing.T) {
	dest := t.TempDir()
	fs := fileops.New(testLogger())
	first := finishedBackup(t, dest, "docs", "hourly", created)
	second := finishedBackup(t, dest, "docs", "hourly", created.Add(time.Hour))

	require.NoError(t, UpdateLatest(dest, first, fs))
	require.NoError(t, UpdateLatest(dest, second, fs))

	resolved, err := filepath.EvalSymlinks(filepath.Join(dest, LatestName))
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(second.DataPath())
	require.NoError(t, err)
	assert.Equal(t, expected, resolved)
	assert.True(t, LatestResolves(dest))

	require.NoError(t, second.Remove())
	assert.False(t, LatestResolves(dest))

	require.NoError(t, RemoveLatest(dest, fs))
	_, err = os.Lstat(filepath.Join(dest, LatestName))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, RemoveLatest(dest, fs))
}
