// Package task drives one backup repository: it decides which intervals are
// due, creates the new backups, and retires expired ones while keeping every
// dedup chain anchored on exactly one real data directory.
package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/metrics"
	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/services/fileops"
	"github.com/fgeck/gorsync-homelab/internal/storage"
	"github.com/rs/zerolog"
)

// Transferer copies the sources of a task into a new backup.
type Transferer interface {
	Run(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error)
}

// TransferError is returned when rsync fails. It is fatal to the task.
type TransferError struct {
	Task     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of task %s failed with exit code %d: %v", e.Task, e.ExitCode, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Config is the static part of a task.
type Config struct {
	Name        string
	Sources     []string
	Destination string
	Intervals   []IntervalSpec // declaration order
	Transfer    models.TransferSettings
}

// Task owns one destination tree. Only the goroutine running cycles mutates
// it; Backups may be called from anywhere.
type Task struct {
	cfg      Config
	transfer Transferer
	fs       fileops.Service
	logger   zerolog.Logger

	mu      sync.RWMutex
	backups []*storage.Backup
	report  models.CycleReport
}

// New builds a task and loads the finished backups of its destination.
func New(cfg Config, transfer Transferer, fs fileops.Service, logger zerolog.Logger) (*Task, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("task name must not be empty")
	}
	if err := validateIntervals(cfg.Intervals); err != nil {
		return nil, fmt.Errorf("task %s: %w", cfg.Name, err)
	}

	logger = logger.With().Str("task", cfg.Name).Logger()
	backups, err := storage.Scan(cfg.Destination, fs, logger)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", cfg.Name, err)
	}

	t := &Task{
		cfg:      cfg,
		transfer: transfer,
		fs:       fs,
		logger:   logger,
		backups:  backups,
	}
	metrics.SetKnownBackups(cfg.Name, len(backups))
	logger.Info().Int("backups", len(backups)).Str("destination", cfg.Destination).Msg("task loaded")
	return t, nil
}

// Name returns the task name.
func (t *Task) Name() string { return t.cfg.Name }

// Destination returns the destination directory.
func (t *Task) Destination() string { return t.cfg.Destination }

// Backups returns the known backups, oldest first.
func (t *Task) Backups() []models.BackupInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	infos := make([]models.BackupInfo, 0, len(t.backups))
	for _, b := range t.backups {
		infos = append(infos, b.Info())
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// RunCycle creates due backups and retires expired ones. Any error is fatal
// to the task.
func (t *Task) RunCycle(ctx context.Context, now time.Time) error {
	start := time.Now()
	report := models.CycleReport{Started: now}

	due, primary, err := t.create(ctx, now)
	if err != nil {
		return err
	}
	for _, iv := range due {
		report.Intervals = append(report.Intervals, iv.Name)
	}
	if primary != nil {
		report.Created = filepath.Base(primary.Path())
	}
	afterCreate := t.count()

	if err := t.HandleExpired(now); err != nil {
		return err
	}
	report.Kept = t.count()
	report.Removed = afterCreate - report.Kept
	report.Duration = time.Since(start)

	t.mu.Lock()
	t.report = report
	t.mu.Unlock()

	if primary != nil || report.Removed > 0 {
		t.logger.Info().
			Str("created", report.Created).
			Strs("intervals", report.Intervals).
			Int("removed", report.Removed).
			Int("kept", report.Kept).
			Msg("cycle completed")
	}
	return nil
}

func (t *Task) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.backups)
}

// LastReport returns the summary of the most recent successful cycle.
func (t *Task) LastReport() models.CycleReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.report
}

// DueIntervals returns the intervals that need a new backup at now, in
// declaration order. An interval without backups is always due.
func (t *Task) DueIntervals(now time.Time) []IntervalSpec {
	var due []IntervalSpec
	for _, iv := range t.cfg.Intervals {
		newest := t.newest(iv.Name)
		if newest == nil {
			t.logger.Debug().Str("interval", iv.Name).Msg("no backup yet, interval due")
			due = append(due, iv)
			continue
		}
		if iv.Schedule.OccurredSince(newest.CreatedAt(), now, false) {
			t.logger.Debug().
				Str("interval", iv.Name).
				Time("last", newest.CreatedAt()).
				Msg("schedule fired since last backup, interval due")
			due = append(due, iv)
		}
	}
	return due
}

// CreateIfNecessary creates one real backup for the first due interval and a
// linked sibling for each further due interval.
func (t *Task) CreateIfNecessary(ctx context.Context, now time.Time) error {
	_, _, err := t.create(ctx, now)
	return err
}

func (t *Task) create(ctx context.Context, now time.Time) ([]IntervalSpec, *storage.Backup, error) {
	due := t.withoutCollisions(now, t.DueIntervals(now))
	if len(due) == 0 {
		return nil, nil, nil
	}

	primary, err := t.createPrimary(ctx, now, due[0])
	if err != nil {
		return nil, nil, err
	}

	for _, iv := range due[1:] {
		sibling := t.newBackup(now, iv.Name)
		if err := sibling.SetMetadata(filepath.Base(sibling.Path()), now, iv.Name); err != nil {
			return nil, nil, err
		}
		if err := sibling.Prepare(); err != nil {
			return nil, nil, err
		}
		if err := sibling.LinkDataFrom(primary); err != nil {
			return nil, nil, err
		}
		if err := sibling.Finish(); err != nil {
			return nil, nil, err
		}
		t.register(sibling)
		metrics.RecordBackupCreated(t.cfg.Name, iv.Name, metrics.KindLinked)
		t.logger.Info().Str("backup", sibling.Path()).Str("interval", iv.Name).Msg("linked backup created")
	}

	return due, primary, nil
}

func (t *Task) createPrimary(ctx context.Context, now time.Time, iv IntervalSpec) (*storage.Backup, error) {
	b := t.newBackup(now, iv.Name)
	if err := b.SetMetadata(filepath.Base(b.Path()), now, iv.Name); err != nil {
		return nil, err
	}
	if err := b.Prepare(); err != nil {
		return nil, err
	}

	req := models.TransferRequest{
		Task:        t.cfg.Name,
		Sources:     t.cfg.Sources,
		Destination: b.DataPath(),
		LogDir:      b.Path(),
		Settings:    t.cfg.Transfer,
	}
	if ref := t.newest(""); ref != nil {
		req.LinkDest = ref.DataPath()
	}

	result, err := t.transfer.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.cfg.Name, err)
	}
	metrics.ObserveTransfer(t.cfg.Name, result.Duration.Seconds(), result.Error != nil)
	if result.Error != nil {
		t.logger.Error().
			Int("exit_code", result.ExitCode).
			Str("stderr", result.Stderr).
			Str("backup", b.Path()).
			Msg("transfer failed, backup left unfinished")
		return nil, &TransferError{
			Task:     t.cfg.Name,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
			Err:      result.Error,
		}
	}

	if _, err := os.Lstat(b.DataPath()); os.IsNotExist(err) {
		if err := os.Mkdir(b.DataPath(), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", b.DataPath(), err)
		}
	}
	if err := b.Finish(); err != nil {
		return nil, err
	}
	t.register(b)
	metrics.RecordBackupCreated(t.cfg.Name, iv.Name, metrics.KindReal)

	if err := storage.UpdateLatest(t.cfg.Destination, b, t.fs); err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("backup", b.Path()).
		Str("interval", iv.Name).
		Dur("duration", result.Duration).
		Msg("backup created")
	return b, nil
}

// withoutCollisions drops the intervals whose folder for now already exists.
// Folder names use wall-clock time, so they repeat when clocks fall back; the
// interval stays due and gets a fresh name on the next cycle.
func (t *Task) withoutCollisions(now time.Time, due []IntervalSpec) []IntervalSpec {
	free := due[:0]
	for _, iv := range due {
		path := t.newBackup(now, iv.Name).Path()
		if _, err := os.Lstat(path); err == nil {
			t.logger.Warn().
				Str("backup", path).
				Str("interval", iv.Name).
				Msg("backup folder already exists, retrying next cycle")
			continue
		}
		free = append(free, iv)
	}
	return free
}

func (t *Task) newBackup(now time.Time, interval string) *storage.Backup {
	path := filepath.Join(t.cfg.Destination, storage.FolderName(t.cfg.Name, now, interval))
	return storage.New(path, t.fs, t.logger)
}

// newest returns the most recent backup of interval, or of any interval when
// interval is empty. Among equal timestamps the first registered wins.
func (t *Task) newest(interval string) *storage.Backup {
	var newest *storage.Backup
	for _, b := range t.backups {
		if interval != "" && b.IntervalName() != interval {
			continue
		}
		if newest == nil || b.CreatedAt().After(newest.CreatedAt()) {
			newest = b
		}
	}
	return newest
}

func (t *Task) register(b *storage.Backup) {
	t.mu.Lock()
	t.backups = append(t.backups, b)
	n := len(t.backups)
	t.mu.Unlock()
	metrics.SetKnownBackups(t.cfg.Name, n)
}

func (t *Task) unregister(b *storage.Backup) {
	t.mu.Lock()
	for i, known := range t.backups {
		if known == b {
			t.backups = append(t.backups[:i], t.backups[i+1:]...)
			break
		}
	}
	n := len(t.backups)
	t.mu.Unlock()
	metrics.SetKnownBackups(t.cfg.Name, n)
}
