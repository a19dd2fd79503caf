package rsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// DefaultCommand is used when no rsync binary is configured.
const DefaultCommand = "rsync"

// Service defines the interface for rsync operations.
type Service interface {
	Run(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output streams and exit code.
// A non-zero exit is reported through exitCode, not err.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, err
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

// Impl implements the Service interface.
type Impl struct {
	command  string
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new rsync service running the given binary.
func New(logger zerolog.Logger, command string) *Impl {
	return NewWithExecutor(logger, command, &DefaultExecutor{})
}

// NewWithExecutor creates a new rsync service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, command string, executor CommandExecutor) *Impl {
	if command == "" {
		command = DefaultCommand
	}
	return &Impl{
		command:  command,
		executor: executor,
		logger:   logger,
	}
}

// BuildArgs returns the rsync arguments for req, without the binary.
func BuildArgs(req models.TransferRequest) ([]string, error) {
	s := req.Settings
	var args []string

	for _, f := range s.Filter.Filters {
		args = append(args, "--filter="+f)
	}
	for _, inc := range s.Filter.Includes {
		args = append(args, "--include="+inc)
	}
	for _, f := range s.Filter.IncludeFiles {
		args = append(args, "--include-from="+f)
	}
	for _, exc := range s.Filter.Excludes {
		args = append(args, "--exclude="+exc)
	}
	for _, f := range s.Filter.ExcludeFiles {
		args = append(args, "--exclude-from="+f)
	}

	if s.Args != "" {
		extra, err := shellquote.Split(s.Args)
		if err != nil {
			return nil, fmt.Errorf("invalid rsync arguments %q: %w", s.Args, err)
		}
		args = append(args, extra...)
	}

	if s.OneFileSystem {
		args = append(args, "--one-file-system")
	}
	if s.SSHArgs != "" {
		args = append(args, "--rsh=ssh "+s.SSHArgs)
	}

	if req.LinkDest != "" {
		abs, err := filepath.Abs(req.LinkDest)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve link-dest %s: %w", req.LinkDest, err)
		}
		args = append(args, "--link-dest="+abs)
	}

	if s.Logfile != nil && req.LogDir != "" {
		args = append(args, "--log-file="+filepath.Join(req.LogDir, s.Logfile.Name))
		if s.Logfile.Format != "" {
			args = append(args, "--log-file-format="+s.Logfile.Format)
		}
	}

	args = append(args, req.Sources...)
	args = append(args, req.Destination)
	return args, nil
}

// Run copies the sources into the request's destination. A non-zero exit is
// reported through TransferResult.Error; the returned error is reserved for
// requests that could not be turned into a command line.
func (s *Impl) Run(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error) {
	args, err := BuildArgs(req)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("task", req.Task).
		Strs("sources", req.Sources).
		Str("destination", req.Destination).
		Str("link_dest", req.LinkDest).
		Msg("starting transfer")
	s.logger.Debug().Str("command", s.command).Strs("args", args).Msg("rsync command line")

	start := time.Now()
	stdout, stderr, exitCode, err := s.executor.Execute(ctx, s.command, args...)
	result := &models.TransferResult{
		ExitCode: exitCode,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		Duration: time.Since(start),
	}

	switch {
	case err != nil:
		result.Error = fmt.Errorf("failed to run %s: %w", s.command, err)
	case exitCode != 0:
		result.Error = fmt.Errorf("rsync exited with code %d: %s", exitCode, result.Stderr)
	}

	if result.Error != nil {
		s.logger.Error().
			Str("task", req.Task).
			Int("exit_code", exitCode).
			Str("stderr", result.Stderr).
			Dur("duration", result.Duration).
			Msg("transfer failed")
		return result, nil
	}

	s.logger.Info().
		Str("task", req.Task).
		Dur("duration", result.Duration).
		Msg("transfer completed")
	return result, nil
}
