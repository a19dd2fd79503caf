package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fgeck/gorsync-homelab/internal/services/fileops"
	"github.com/rs/zerolog"
)

// Scan loads every finished backup below destination. The latest symlink is
// skipped, unfinished folders are logged and left alone. A finished backup
// with unreadable metadata aborts the scan.
func Scan(destination string, fs fileops.Service, logger zerolog.Logger) ([]*Backup, error) {
	entries, err := os.ReadDir(destination)
	if err != nil {
		return nil, fmt.Errorf("failed to read destination %s: %w", destination, err)
	}

	var backups []*Backup
	for _, entry := range entries {
		if entry.Name() == LatestName {
			continue
		}
		path := filepath.Join(destination, entry.Name())
		if !entry.IsDir() {
			logger.Debug().Str("path", path).Msg("skipping non-directory entry")
			continue
		}

		b := New(path, fs, logger)
		if !b.IsFinished() {
			logger.Warn().Str("path", path).Msg("ignoring unfinished backup folder")
			continue
		}
		if err := b.LoadMetadata(); err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}

	logger.Debug().
		Str("destination", destination).
		Int("backups", len(backups)).
		Msg("scanned destination")

	return backups, nil
}

// UpdateLatest points the latest symlink in destination at target's data.
// The link is replaced by rename, so readers never see it missing.
func UpdateLatest(destination string, target *Backup, fs fileops.Service) error {
	latest := filepath.Join(destination, LatestName)
	tmp := latest + ".tmp"

	if _, err := os.Lstat(tmp); err == nil {
		if err := fs.RemoveSymlink(tmp); err != nil {
			return err
		}
	}
	if err := fs.Symlink(target.DataPath(), tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, latest); err != nil {
		return fmt.Errorf("failed to replace %s: %w", latest, err)
	}
	return nil
}

// RemoveLatest deletes the latest symlink if present.
func RemoveLatest(destination string, fs fileops.Service) error {
	latest := filepath.Join(destination, LatestName)
	if _, err := os.Lstat(latest); err != nil {
		return nil
	}
	return fs.RemoveSymlink(latest)
}

// LatestResolves reports whether the latest symlink exists and points at
// something that still exists.
func LatestResolves(destination string) bool {
	_, err := os.Stat(filepath.Join(destination, LatestName))
	return err == nil
}
