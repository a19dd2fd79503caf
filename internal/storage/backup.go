// Package storage models a single backup on disk. A backup is a folder
// holding a metadata file and a data entry:
//
//	<destination>/<task>_<timestamp>_<interval>/
//	    snapshot.info   name, timestamp and interval, one per line
//	    backup/         the copied tree, or a symlink to another backup's tree
//
// A folder missing either entry is unfinished and invisible to scheduling
// and retention. Once finished, its metadata can no longer be changed.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/services/fileops"
	"github.com/rs/zerolog"
)

const (
	// MetaFileName is the metadata file inside each backup folder.
	MetaFileName = "snapshot.info"
	// DataName is the data entry inside each backup folder.
	DataName = "backup"
	// LatestName is the reserved symlink at the destination root.
	LatestName = "latest"
)

// ErrIllegalOperation is returned when a finished backup is asked to change.
var ErrIllegalOperation = errors.New("operation not allowed on a finished backup")

// InvalidBackupError is returned when a finished folder has unreadable metadata.
type InvalidBackupError struct {
	Path   string
	Reason string
}

func (e *InvalidBackupError) Error() string {
	return fmt.Sprintf("invalid backup at %s: %s", e.Path, e.Reason)
}

// Backup is one backup folder.
type Backup struct {
	path    string
	meta    metadata
	hasMeta bool
	fs      fileops.Service
	logger  zerolog.Logger
}

// New returns a handle for the backup folder at path. Nothing is touched on disk.
func New(path string, fs fileops.Service, logger zerolog.Logger) *Backup {
	return &Backup{
		path:   path,
		fs:     fs,
		logger: logger,
	}
}

// FolderName builds the folder name of a backup.
func FolderName(task string, createdAt time.Time, interval string) string {
	return fmt.Sprintf("%s_%s_%s", task, createdAt.Format(TimeFormat), interval)
}

// Path is the backup folder.
func (b *Backup) Path() string { return b.path }

// Name is the backup name stored in the metadata.
func (b *Backup) Name() string { return b.meta.name }

// CreatedAt is the creation timestamp stored in the metadata.
func (b *Backup) CreatedAt() time.Time { return b.meta.createdAt }

// IntervalName is the interval the backup belongs to.
func (b *Backup) IntervalName() string { return b.meta.interval }

// DataPath is where the backed up tree (or the link to it) lives.
func (b *Backup) DataPath() string { return filepath.Join(b.path, DataName) }

func (b *Backup) metaPath() string { return filepath.Join(b.path, MetaFileName) }

// IsFinished reports whether both the metadata file and the data entry exist.
func (b *Backup) IsFinished() bool {
	if _, err := os.Stat(b.metaPath()); err != nil {
		return false
	}
	_, err := os.Lstat(b.DataPath())
	return err == nil
}

// SetMetadata sets the in-memory metadata. It is persisted by Finish.
func (b *Backup) SetMetadata(name string, createdAt time.Time, interval string) error {
	if b.IsFinished() {
		return fmt.Errorf("set metadata of %s: %w", b.path, ErrIllegalOperation)
	}
	b.meta = metadata{
		name:      name,
		createdAt: createdAt.In(time.Local).Truncate(time.Second),
		interval:  interval,
	}
	b.hasMeta = true
	return nil
}

// LoadMetadata reads the metadata file of a finished backup.
func (b *Backup) LoadMetadata() error {
	if _, err := os.Stat(b.metaPath()); err != nil {
		return &InvalidBackupError{Path: b.path, Reason: "metadata file not found"}
	}
	m, err := readMetadata(b.metaPath())
	if err != nil {
		return &InvalidBackupError{Path: b.path, Reason: err.Error()}
	}
	b.meta = m
	b.hasMeta = true
	return nil
}

// Prepare creates the backup folder so data can be written into it. The
// folder must not exist yet.
func (b *Backup) Prepare() error {
	if b.IsFinished() {
		return fmt.Errorf("prepare %s: %w", b.path, ErrIllegalOperation)
	}
	b.logger.Debug().Str("path", b.path).Msg("preparing backup folder")
	if err := os.Mkdir(b.path, 0o755); err != nil {
		return fmt.Errorf("failed to create backup folder %s: %w", b.path, err)
	}
	return nil
}

// Finish persists the metadata. From then on the backup is finished.
func (b *Backup) Finish() error {
	if b.IsFinished() {
		return fmt.Errorf("finish %s: %w", b.path, ErrIllegalOperation)
	}
	if !b.hasMeta {
		return fmt.Errorf("finish %s: metadata not set", b.path)
	}
	if _, err := os.Lstat(b.DataPath()); err != nil {
		return fmt.Errorf("finish %s: data missing: %w", b.path, err)
	}
	return writeMetadata(b.metaPath(), b.meta)
}

// LinkDataFrom makes this backup's data a symlink to target's data.
func (b *Backup) LinkDataFrom(target *Backup) error {
	if b.IsFinished() {
		return fmt.Errorf("link data into %s: %w", b.path, ErrIllegalOperation)
	}
	if !target.IsFinished() {
		return fmt.Errorf("link data from %s: backup is not finished", target.path)
	}
	b.logger.Info().
		Str("link", b.DataPath()).
		Str("target", target.DataPath()).
		Msg("linking backup data")
	return b.fs.Symlink(target.DataPath(), b.DataPath())
}

// DataIsLink reports whether the data entry is a symlink.
func (b *Backup) DataIsLink() (bool, error) {
	fi, err := os.Lstat(b.DataPath())
	if err != nil {
		return false, fmt.Errorf("failed to stat data of %s: %w", b.path, err)
	}
	return fi.Mode()&os.ModeSymlink != 0, nil
}

// ResolvesTo reports whether this backup's data is a link that ends, possibly
// through other links, at target's data. A dangling link resolves nowhere.
func (b *Backup) ResolvesTo(target *Backup) (bool, error) {
	isLink, err := b.DataIsLink()
	if err != nil || !isLink {
		return false, err
	}
	own, err := os.Stat(b.DataPath())
	if os.IsNotExist(err) {
		b.logger.Warn().Str("path", b.DataPath()).Msg("data link is dangling")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve data of %s: %w", b.path, err)
	}
	other, err := os.Stat(target.DataPath())
	if err != nil {
		return false, fmt.Errorf("failed to resolve data of %s: %w", target.path, err)
	}
	return os.SameFile(own, other), nil
}

// RemoveDataLink removes the data symlink and leaves the metadata in place.
func (b *Backup) RemoveDataLink() error {
	isLink, err := b.DataIsLink()
	if err != nil {
		return err
	}
	if !isLink {
		return fmt.Errorf("remove data link of %s: data is not a link", b.path)
	}
	b.logger.Info().Str("path", b.DataPath()).Msg("removing data link")
	return b.fs.RemoveSymlink(b.DataPath())
}

// MoveDataTo moves this backup's real data into target, whose data entry
// must have been removed first.
func (b *Backup) MoveDataTo(target *Backup) error {
	isLink, err := b.DataIsLink()
	if err != nil {
		return err
	}
	if isLink {
		return fmt.Errorf("move data of %s: data is a link", b.path)
	}
	if target.IsFinished() {
		return fmt.Errorf("move data into %s: target still holds data", target.path)
	}
	b.logger.Debug().Str("from", b.path).Str("to", target.path).Msg("moving backup data")
	return b.fs.Move(b.DataPath(), target.DataPath())
}

// Remove deletes the whole backup folder.
func (b *Backup) Remove() error {
	b.logger.Info().Str("path", b.path).Msg("removing backup folder")
	return b.fs.RemoveRecursive(b.path)
}

// Info returns a read-only view of the backup.
func (b *Backup) Info() models.BackupInfo {
	linked, _ := b.DataIsLink()
	return models.BackupInfo{
		Name:         b.meta.name,
		Path:         b.path,
		CreatedAt:    b.meta.createdAt,
		IntervalName: b.meta.interval,
		Linked:       linked,
	}
}
