// Package runner runs the daemon: one controller per configured task, the
// control socket and the metrics endpoint.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/services/control"
	"github.com/fgeck/gorsync-homelab/internal/services/controller"
	"github.com/fgeck/gorsync-homelab/internal/services/fileops"
	"github.com/fgeck/gorsync-homelab/internal/services/rsync"
	"github.com/fgeck/gorsync-homelab/internal/services/ssh"
	"github.com/fgeck/gorsync-homelab/internal/services/telegram"
	"github.com/fgeck/gorsync-homelab/internal/services/wol"
	"github.com/fgeck/gorsync-homelab/internal/storage"
	"github.com/fgeck/gorsync-homelab/internal/task"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const notifyTimeout = 30 * time.Second

var (
	// ErrUnknownTask is returned by the control accessors for a name that is
	// not configured.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotServing is returned by Start before Run has been called.
	ErrNotServing = errors.New("daemon is not running")
)

// Service defines the interface for the daemon.
type Service interface {
	Run(ctx context.Context) error
}

// Services bundles the collaborators of the daemon.
type Services struct {
	Rsync    rsync.Service
	WOL      wol.Service
	SSH      ssh.Service
	Telegram telegram.Service
	Files    fileops.Service
}

type taskEntry struct {
	cfg     models.TaskConfig
	task    *task.Task
	ctrl    *controller.Controller
	lock    *storage.Lock
	loadErr error
}

// Impl implements the runner Service interface.
type Impl struct {
	cfg      *models.DaemonConfig
	svc      Services
	logger   zerolog.Logger
	hostname string
	ctrlOpts []controller.Option

	mu      sync.RWMutex
	taskCtx context.Context
	names   []string
	tasks   map[string]*taskEntry
}

// New creates a new daemon for cfg.
func New(logger zerolog.Logger, cfg *models.DaemonConfig) *Impl {
	return NewWithServices(logger, cfg, Services{
		Rsync:    rsync.New(logger, cfg.Rsync.Command),
		WOL:      wol.New(logger),
		SSH:      ssh.New(logger),
		Telegram: telegram.New(logger),
		Files:    fileops.New(logger),
	})
}

// NewWithServices creates a new daemon with custom services (for testing).
func NewWithServices(logger zerolog.Logger, cfg *models.DaemonConfig, svc Services, opts ...controller.Option) *Impl {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Impl{
		cfg:      cfg,
		svc:      svc,
		logger:   logger,
		hostname: hostname,
		ctrlOpts: opts,
		tasks:    make(map[string]*taskEntry),
	}
}

// Load builds every configured task. A task whose destination cannot be
// scanned is kept in the list but never started.
func (s *Impl) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocks()
	s.names = s.names[:0]
	s.tasks = make(map[string]*taskEntry, len(s.cfg.Tasks))

	for _, tc := range s.cfg.Tasks {
		entry := &taskEntry{cfg: tc}
		s.names = append(s.names, tc.Name)
		s.tasks[tc.Name] = entry

		t, err := s.buildTask(tc)
		if err == nil {
			entry.lock, err = storage.LockDestination(tc.Destination)
		}
		if err != nil {
			entry.loadErr = err
			s.logger.Error().Err(err).Str("task", tc.Name).Msg("task failed to load, not starting it")
			s.notifyFailure(tc, StepLoad, err)
			continue
		}

		entry.task = t
		opts := append([]controller.Option{controller.WithOnFatal(s.onFatal)}, s.ctrlOpts...)
		entry.ctrl = controller.New(&notifyingCycle{Task: t, runner: s, cfg: tc}, s.logger, opts...)
	}
}

// Close releases the destination locks taken by Load.
func (s *Impl) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocks()
}

func (s *Impl) releaseLocks() {
	for name, entry := range s.tasks {
		if err := entry.lock.Release(); err != nil {
			s.logger.Warn().Err(err).Str("task", name).Msg("failed to release destination lock")
		}
		entry.lock = nil
	}
}

func (s *Impl) buildTask(tc models.TaskConfig) (*task.Task, error) {
	if tc.CreateDestination {
		if err := os.MkdirAll(tc.Destination, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create destination %s: %w", tc.Destination, err)
		}
	}

	intervals, err := task.IntervalsFromConfig(tc.Intervals)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", tc.Name, err)
	}

	transfer := &preflightTransfer{
		next:   s.svc.Rsync,
		wol:    s.svc.WOL,
		ssh:    s.svc.SSH,
		cfg:    tc,
		logger: s.logger.With().Str("task", tc.Name).Logger(),
	}

	return task.New(task.Config{
		Name:        tc.Name,
		Sources:     tc.Sources,
		Destination: tc.Destination,
		Intervals:   intervals,
		Transfer:    tc.Transfer,
	}, transfer, s.svc.Files, s.logger)
}

// Run loads and starts every task, then serves the control socket and the
// metrics endpoint until ctx is done. On shutdown every task is stopped and
// in-flight transfers are allowed to finish.
func (s *Impl) Run(ctx context.Context) error {
	s.Load()
	defer s.Close()

	srv, err := control.NewServer(s.cfg.Control.Socket, s, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.taskCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	for _, name := range s.TaskNames() {
		if err := s.Start(name); err != nil {
			s.logger.Warn().Err(err).Str("task", name).Msg("task not started")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx)
	})

	if s.cfg.Metrics.Listen != "" {
		httpSrv := &http.Server{
			Addr:              s.cfg.Metrics.Listen,
			Handler:           s.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			s.logger.Info().Str("listen", httpSrv.Addr).Msg("metrics endpoint listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.stopAll()
		return nil
	})

	return g.Wait()
}

func (s *Impl) stopAll() {
	s.logger.Info().Msg("stopping all tasks")

	var wg sync.WaitGroup
	for _, name := range s.TaskNames() {
		entry, err := s.entry(name)
		if err != nil || entry.ctrl == nil {
			continue
		}
		wg.Add(1)
		go func(c *controller.Controller) {
			defer wg.Done()
			c.Stop(true)
		}(entry.ctrl)
	}
	wg.Wait()

	s.logger.Info().Msg("all tasks stopped")
}

// AbortAll cancels every running cycle. Backups being written stay
// unfinished on disk.
func (s *Impl) AbortAll() {
	for _, name := range s.TaskNames() {
		if ctrl, err := s.controllerOf(name); err == nil {
			ctrl.Abort()
		}
	}
}

func (s *Impl) entry(name string) (*taskEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return entry, nil
}

// controllerOf returns the controller of a task that loaded.
func (s *Impl) controllerOf(name string) (*controller.Controller, error) {
	entry, err := s.entry(name)
	if err != nil {
		return nil, err
	}
	if entry.loadErr != nil {
		return nil, fmt.Errorf("task %s failed to load: %w", name, entry.loadErr)
	}
	return entry.ctrl, nil
}

// TaskNames returns the configured task names in configuration order.
func (s *Impl) TaskNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.names...)
}

// Status returns the control-plane view of a task.
func (s *Impl) Status(name string) (models.TaskStatus, error) {
	entry, err := s.entry(name)
	if err != nil {
		return models.TaskStatus{}, err
	}

	st := models.TaskStatus{
		Name:        name,
		State:       models.TaskStopped.String(),
		Destination: entry.cfg.Destination,
	}
	if entry.loadErr != nil {
		st.FatalError = entry.loadErr.Error()
		return st, nil
	}

	st.State = entry.ctrl.State().String()
	st.Backups = len(entry.task.Backups())
	st.LastCycle = entry.ctrl.LastCycle()
	if err := entry.ctrl.Err(); err != nil {
		st.FatalError = err.Error()
	}
	return st, nil
}

// Start starts a stopped task.
func (s *Impl) Start(name string) error {
	ctrl, err := s.controllerOf(name)
	if err != nil {
		return err
	}

	s.mu.RLock()
	ctx := s.taskCtx
	s.mu.RUnlock()
	if ctx == nil {
		return ErrNotServing
	}
	return ctrl.Start(ctx)
}

// Stop stops a task. With block it returns once the task loop has exited.
func (s *Impl) Stop(name string, block bool) error {
	ctrl, err := s.controllerOf(name)
	if err != nil {
		return err
	}
	ctrl.Stop(block)
	return nil
}

// Pause pauses a task. With block it returns once no cycle is in flight.
func (s *Impl) Pause(name string, block bool) error {
	ctrl, err := s.controllerOf(name)
	if err != nil {
		return err
	}
	return ctrl.Pause(block)
}

// Resume resumes a paused task.
func (s *Impl) Resume(name string) error {
	ctrl, err := s.controllerOf(name)
	if err != nil {
		return err
	}
	return ctrl.Resume()
}

// Backups returns the finished backups of a task, oldest first.
func (s *Impl) Backups(name string) ([]models.BackupInfo, error) {
	entry, err := s.entry(name)
	if err != nil {
		return nil, err
	}
	if entry.task == nil {
		return nil, fmt.Errorf("task %s failed to load: %w", name, entry.loadErr)
	}
	return entry.task.Backups(), nil
}
