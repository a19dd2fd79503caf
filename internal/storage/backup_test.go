package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/services/fileops"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

var created = time.Date(2024, 3, 10, 14, 30, 0, 0, time.Local)

// finishedBackup creates a finished backup with a real data directory.
func finishedBackup(t *testing.T, dest, name, interval string, at time.Time) *Backup {
	t.Helper()
	fs := fileops.New(testLogger())
	b := New(filepath.Join(dest, FolderName(name, at, interval)), fs, testLogger())
	require.NoError(t, b.SetMetadata(name, at, interval))
	require.NoError(t, b.Prepare())
	require.NoError(t, os.Mkdir(b.DataPath(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(b.DataPath(), "file.txt"), []byte(interval), 0o644))
	require.NoError(t, b.Finish())
	return b
}

func TestFolderName(t *testing.T) {
	assert.Equal(t, "docs_2024-03-10T14:30:00_hourly", FolderName("docs", created, "hourly"))
}

func TestBackup_Lifecycle(t *testing.T) {
	dest := t.TempDir()
	b := New(filepath.Join(dest, "docs"), fileops.New(testLogger()), testLogger())

	assert.False(t, b.IsFinished())
	require.NoError(t, b.SetMetadata("docs", created.Add(500*time.Millisecond), "hourly"))
	require.NoError(t, b.Prepare())
	assert.DirExists(t, b.Path())
	assert.False(t, b.IsFinished())

	err := b.Finish()
	require.Error(t, err, "finish without data")

	require.NoError(t, os.Mkdir(b.DataPath(), 0o755))
	require.NoError(t, b.Finish())
	assert.True(t, b.IsFinished())

	content, err := os.ReadFile(filepath.Join(b.Path(), MetaFileName))
	require.NoError(t, err)
	assert.Equal(t, "docs\n2024-03-10T14:30:00\nhourly\n", string(content))
	assert.True(t, created.Equal(b.CreatedAt()))
}

func TestBackup_FinishedIsImmutable(t *testing.T) {
	b := finishedBackup(t, t.TempDir(), "docs", "hourly", created)

	assert.ErrorIs(t, b.SetMetadata("other", created, "daily"), ErrIllegalOperation)
	assert.ErrorIs(t, b.Prepare(), ErrIllegalOperation)
	assert.ErrorIs(t, b.Finish(), ErrIllegalOperation)
	assert.Equal(t, "docs", b.Name())
	assert.Equal(t, "hourly", b.IntervalName())
}

func TestBackup_LoadMetadata(t *testing.T) {
	dest := t.TempDir()
	orig := finishedBackup(t, dest, "docs", "daily", created)

	loaded := New(orig.Path(), fileops.New(testLogger()), testLogger())
	require.NoError(t, loaded.LoadMetadata())
	assert.Equal(t, "docs", loaded.Name())
	assert.Equal(t, "daily", loaded.IntervalName())
	assert.True(t, created.Equal(loaded.CreatedAt()))
}

func TestBackup_LoadMetadataCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "too few lines", content: "docs\n2024-03-10T14:30:00\n"},
		{name: "too many lines", content: "docs\n2024-03-10T14:30:00\nhourly\nextra\n"},
		{name: "bad timestamp", content: "docs\nyesterday\nhourly\n"},
		{name: "empty interval", content: "docs\n2024-03-10T14:30:00\n \n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "b")
			require.NoError(t, os.MkdirAll(filepath.Join(path, DataName), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(path, MetaFileName), []byte(tt.content), 0o644))

			err := New(path, fileops.New(testLogger()), testLogger()).LoadMetadata()

			var invalid *InvalidBackupError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, path, invalid.Path)
		})
	}
}

func TestBackup_LinkAndResolve(t *testing.T) {
	dest := t.TempDir()
	fs := fileops.New(testLogger())
	origin := finishedBackup(t, dest, "docs", "hourly", created)

	linked := New(filepath.Join(dest, FolderName("docs", created, "daily")), fs, testLogger())
	require.NoError(t, linked.SetMetadata("docs", created, "daily"))
	require.NoError(t, linked.Prepare())
	require.NoError(t, linked.LinkDataFrom(origin))
	require.NoError(t, linked.Finish())

	isLink, err := linked.DataIsLink()
	require.NoError(t, err)
	assert.True(t, isLink)

	resolves, err := linked.ResolvesTo(origin)
	require.NoError(t, err)
	assert.True(t, resolves)

	resolves, err = origin.ResolvesTo(linked)
	require.NoError(t, err)
	assert.False(t, resolves, "real data never resolves to another backup")

	assert.True(t, linked.Info().Linked)
	assert.False(t, origin.Info().Linked)
}

func TestBackup_LinkFromUnfinishedFails(t *testing.T) {
	dest := t.TempDir()
	fs := fileops.New(testLogger())
	target := New(filepath.Join(dest, "a"), fs, testLogger())
	b := New(filepath.Join(dest, "b"), fs, testLogger())
	require.NoError(t, b.Prepare())

	assert.Error(t, b.LinkDataFrom(target))
}

func TestBackup_PrepareExistingFolderFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), FolderName("docs", created, "hourly"))
	require.NoError(t, os.Mkdir(path, 0o755))

	b := New(path, fileops.New(testLogger()), testLogger())
	require.NoError(t, b.SetMetadata("docs", created, "hourly"))

	assert.ErrorIs(t, b.Prepare(), os.ErrExist)
}

func TestBackup_MoveDataTo(t *testing.T) {
	dest := t.TempDir()
	fs := fileops.New(testLogger())
	origin := finishedBackup(t, dest, "docs", "hourly", created)

	linked := New(filepath.Join(dest, FolderName("docs", created, "daily")), fs, testLogger())
	require.NoError(t, linked.SetMetadata("docs", created, "daily"))
	require.NoError(t, linked.Prepare())
	require.NoError(t, linked.LinkDataFrom(origin))
	require.NoError(t, linked.Finish())

	assert.Error(t, origin.MoveDataTo(linked), "target still holds a link")

	require.NoError(t, linked.RemoveDataLink())
	require.NoError(t, origin.MoveDataTo(linked))

	isLink, err := linked.DataIsLink()
	require.NoError(t, err)
	assert.False(t, isLink)
	assert.FileExists(t, filepath.Join(linked.DataPath(), "file.txt"))
	assert.NoDirExists(t, origin.DataPath())

	require.NoError(t, origin.Remove())
	assert.NoDirExists(t, origin.Path())
}

func TestBackup_RemoveDataLinkOnRealData(t *testing.T) {
	b := finishedBackup(t, t.TempDir(), "docs", "hourly", created)
	assert.Error(t, b.RemoveDataLink())
}
