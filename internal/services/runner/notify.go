package runner

import (
	"context"
	"errors"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/task"
)

// notifyingCycle sends a success notification after every cycle that
// created a backup, when the config asks for it.
type notifyingCycle struct {
	*task.Task
	runner *Impl
	cfg    models.TaskConfig
}

func (c *notifyingCycle) RunCycle(ctx context.Context, now time.Time) error {
	if err := c.Task.RunCycle(ctx, now); err != nil {
		return err
	}

	report := c.Task.LastReport()
	if report.Created != "" {
		c.runner.notifySuccess(c.cfg, report)
	}
	return nil
}

func (s *Impl) onFatal(name string, err error) {
	s.logger.Error().Err(err).Str("task", name).Msg("task stopped after a fatal error, start it manually once fixed")

	entry, lookupErr := s.entry(name)
	if lookupErr != nil {
		return
	}
	s.notifyFailure(entry.cfg, failedStep(err), err)
}

func failedStep(err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step
	}
	var transferErr *task.TransferError
	if errors.As(err, &transferErr) {
		return StepTransfer
	}
	return StepCycle
}

func (s *Impl) notifySuccess(tc models.TaskConfig, report models.CycleReport) {
	if s.cfg.Telegram == nil || !s.cfg.Telegram.NotifySuccess {
		return
	}
	s.send(models.TelegramMessage{
		Success:        true,
		Task:           tc.Name,
		Host:           s.hostname,
		Destination:    tc.Destination,
		Time:           report.Started,
		Duration:       report.Duration,
		BackupName:     report.Created,
		Intervals:      report.Intervals,
		BackupsRemoved: report.Removed,
		BackupsKept:    report.Kept,
	})
}

func (s *Impl) notifyFailure(tc models.TaskConfig, step string, err error) {
	if s.cfg.Telegram == nil {
		return
	}
	s.send(models.TelegramMessage{
		Success:      false,
		Task:         tc.Name,
		Host:         s.hostname,
		Destination:  tc.Destination,
		Time:         time.Now(),
		FailedStep:   step,
		ErrorMessage: err.Error(),
	})
}

func (s *Impl) send(msg models.TelegramMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	result, err := s.svc.Telegram.SendNotification(ctx, *s.cfg.Telegram, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Debug().Str("task", msg.Task).Bool("success", msg.Success).Msg("Telegram notification sent")
}
