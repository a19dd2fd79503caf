// Package controller runs a task's cycle once a minute on its own goroutine
// and implements start, stop, pause, resume and abort on top of a run gate.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/metrics"
	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/rs/zerolog"
)

var (
	// ErrNotPaused is returned by Resume when the task is not paused.
	ErrNotPaused = errors.New("task is not paused")
	// ErrAlreadyRunning is returned by Start while the loop is alive.
	ErrAlreadyRunning = errors.New("task is already running")
	// ErrNotRunning is returned by Pause when the loop is not alive.
	ErrNotRunning = errors.New("task is not running")
)

// Cycler is the unit of work run once per minute.
type Cycler interface {
	Name() string
	RunCycle(ctx context.Context, now time.Time) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithPollInterval sets how often the gate is checked while sleeping.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.poll = d }
}

// WithNextCycle sets the delay between the end of a cycle and the next one.
func WithNextCycle(f func(now time.Time) time.Duration) Option {
	return func(c *Controller) { c.untilNext = f }
}

// WithOnFatal registers a hook called when a cycle fails. The loop has
// already stopped when it runs.
func WithOnFatal(f func(task string, err error)) Option {
	return func(c *Controller) { c.onFatal = f }
}

// Controller owns the runtime state of one task.
type Controller struct {
	task      Cycler
	logger    zerolog.Logger
	now       func() time.Time
	poll      time.Duration
	untilNext func(time.Time) time.Duration
	onFatal   func(string, error)

	mu        sync.Mutex
	cond      *sync.Cond
	state     models.TaskState
	gateOpen  bool
	quiesced  bool
	running   bool
	terminate bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastCycle time.Time
	fatal     error
}

// New creates a stopped controller for task.
func New(task Cycler, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		task:      task,
		logger:    logger.With().Str("task", task.Name()).Logger(),
		now:       time.Now,
		poll:      time.Second,
		untilNext: untilNextMinute,
		state:     models.TaskStopped,
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	metrics.SetTaskState(task.Name(), int(models.TaskStopped))
	return c
}

func untilNextMinute(now time.Time) time.Duration {
	return time.Duration(60-now.Second())*time.Second - time.Duration(now.Nanosecond())
}

// Start launches the loop. The first cycle runs immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.terminate = false
	c.gateOpen = true
	c.quiesced = false
	c.fatal = nil
	c.setState(models.TaskActive)

	c.logger.Info().Msg("task started")
	go c.loop(loopCtx, c.done)
	return nil
}

// Pause closes the gate so no new cycle starts. With block it returns only
// once no cycle is in flight.
func (c *Controller) Pause(block bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.terminate {
		return ErrNotRunning
	}
	c.gateOpen = false
	if c.state == models.TaskActive {
		c.setState(models.TaskPaused)
	}
	c.logger.Info().Bool("block", block).Msg("pause requested")

	if block {
		for !c.quiesced && c.running {
			c.cond.Wait()
		}
	}
	return nil
}

// Resume reopens the gate of a paused task.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.terminate || c.gateOpen {
		return ErrNotPaused
	}
	c.gateOpen = true
	if c.state == models.TaskPaused {
		c.setState(models.TaskActive)
	}
	c.cond.Broadcast()
	c.logger.Info().Msg("task resumed")
	return nil
}

// Stop ends the loop once the current cycle, if any, has completed. With
// block it waits for the loop to exit.
func (c *Controller) Stop(block bool) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.gateOpen = false
	c.terminate = true
	c.setState(models.TaskStopped)
	c.cond.Broadcast()
	done := c.done
	c.mu.Unlock()

	c.logger.Info().Bool("block", block).Msg("stop requested")
	if block {
		<-done
	}
}

// Abort cancels the running cycle without waiting. A backup being written
// stays unfinished on disk and is ignored by later scans.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.gateOpen = false
	c.terminate = true
	c.setState(models.TaskStopped)
	c.cancel()
	c.cond.Broadcast()
	c.logger.Warn().Msg("task aborted")
}

// State returns the current runtime state.
func (c *Controller) State() models.TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that stopped the loop, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// LastCycle returns the start time of the most recent cycle.
func (c *Controller) LastCycle() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCycle
}

// Done is closed when the current loop exits. Nil before the first Start.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer c.exit(done)

	for {
		c.mu.Lock()
		c.quiesced = true
		c.cond.Broadcast()
		for !c.gateOpen && !c.terminate {
			c.cond.Wait()
		}
		if c.terminate {
			c.mu.Unlock()
			return
		}
		c.quiesced = false
		c.setState(models.TaskWorking)
		now := c.now()
		c.lastCycle = now
		c.mu.Unlock()

		err := c.task.RunCycle(ctx, now)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if err != nil {
			c.fatal = err
			c.setState(models.TaskStopped)
			c.mu.Unlock()
			c.logger.Error().Err(err).Msg("cycle failed, task stopped")
			if c.onFatal != nil {
				c.onFatal(c.task.Name(), err)
			}
			return
		}
		if c.state == models.TaskWorking {
			if c.gateOpen {
				c.setState(models.TaskActive)
			} else {
				c.setState(models.TaskPaused)
			}
		}
		c.mu.Unlock()

		if !c.sleep(ctx) {
			return
		}
	}
}

// sleep waits until the next cycle, polling the gate. It returns false when
// the context is done.
func (c *Controller) sleep(ctx context.Context) bool {
	remaining := c.untilNext(c.now())
	for remaining > 0 {
		step := min(c.poll, remaining)
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		remaining -= step

		c.mu.Lock()
		interrupted := !c.gateOpen || c.terminate
		c.mu.Unlock()
		if interrupted {
			return true
		}
	}
	return true
}

func (c *Controller) exit(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = false
	c.quiesced = true
	c.cancel()
	if c.state != models.TaskStopped {
		c.setState(models.TaskStopped)
	}
	close(done)
	c.cond.Broadcast()
	c.logger.Debug().Msg("task loop exited")
}

// setState must be called with mu held.
func (c *Controller) setState(s models.TaskState) {
	c.state = s
	metrics.SetTaskState(c.task.Name(), int(s))
}
