// Package fileops provides the symlink, move and delete primitives the
// retention engine builds on. Every operation checks its preconditions
// first and refuses to touch the tree if they do not hold.
package fileops

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Service defines the interface for file operations.
type Service interface {
	Symlink(target, linkPath string) error
	RemoveSymlink(path string) error
	Move(src, dst string) error
	RemoveRecursive(path string) error
	HardlinkCopy(src, dst string) error
}

// PreconditionError is returned when an operation is asked to do something
// the current state of the file system does not allow.
type PreconditionError struct {
	Op     string
	Path   string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Reason)
}

// Impl implements the Service interface on the local file system.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new file operations service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Symlink creates linkPath pointing to target. The link is stored relative
// to the directory of linkPath, so trees stay valid when moved as a whole.
func (s *Impl) Symlink(target, linkPath string) error {
	if !exists(target) {
		return &PreconditionError{Op: "symlink", Path: target, Reason: "target does not exist"}
	}
	if lexists(linkPath) {
		return &PreconditionError{Op: "symlink", Path: linkPath, Reason: "already exists"}
	}

	rel, err := relativeTarget(target, linkPath)
	if err != nil {
		return err
	}

	s.logger.Debug().Str("link", linkPath).Str("target", rel).Msg("creating symlink")
	if err := os.Symlink(rel, linkPath); err != nil {
		return fmt.Errorf("failed to create symlink %s: %w", linkPath, err)
	}
	return nil
}

// RemoveSymlink removes a symlink without touching what it points to.
func (s *Impl) RemoveSymlink(path string) error {
	path = strings.TrimRight(path, string(filepath.Separator))
	fi, err := os.Lstat(path)
	if err != nil {
		return &PreconditionError{Op: "remove symlink", Path: path, Reason: "does not exist"}
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return &PreconditionError{Op: "remove symlink", Path: path, Reason: "not a symlink"}
	}

	s.logger.Debug().Str("path", path).Msg("removing symlink")
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove symlink %s: %w", path, err)
	}
	return nil
}

// Move renames src to dst.
func (s *Impl) Move(src, dst string) error {
	if !lexists(src) {
		return &PreconditionError{Op: "move", Path: src, Reason: "does not exist"}
	}
	if lexists(dst) {
		return &PreconditionError{Op: "move", Path: dst, Reason: "already exists"}
	}

	s.logger.Debug().Str("src", src).Str("dst", dst).Msg("moving")
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
	}
	return nil
}

// RemoveRecursive deletes path and, for directories, everything below it.
// Symlinks inside the tree are removed, never followed.
func (s *Impl) RemoveRecursive(path string) error {
	if !lexists(path) {
		return &PreconditionError{Op: "remove", Path: path, Reason: "does not exist"}
	}

	s.logger.Debug().Str("path", path).Msg("removing recursively")
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// HardlinkCopy recreates the tree at src under dst, hardlinking regular
// files instead of copying their content (cp -al).
func (s *Impl) HardlinkCopy(src, dst string) error {
	if !exists(src) {
		return &PreconditionError{Op: "hardlink copy", Path: src, Reason: "does not exist"}
	}
	if lexists(dst) {
		return &PreconditionError{Op: "hardlink copy", Path: dst, Reason: "already exists"}
	}

	s.logger.Debug().Str("src", src).Str("dst", dst).Msg("hardlink copy")
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.Mkdir(target, info.Mode().Perm())
		default:
			return os.Link(path, target)
		}
	})
}

func relativeTarget(target, linkPath string) (string, error) {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", target, err)
	}
	absLinkDir, err := filepath.Abs(filepath.Dir(linkPath))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", linkPath, err)
	}
	rel, err := filepath.Rel(absLinkDir, absTarget)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", target, err)
	}
	return rel, nil
}

// exists follows symlinks, so a dangling link does not exist.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func lexists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
