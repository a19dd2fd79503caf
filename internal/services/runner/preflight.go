package runner

import (
	"context"
	"fmt"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/services/rsync"
	"github.com/fgeck/gorsync-homelab/internal/services/ssh"
	"github.com/fgeck/gorsync-homelab/internal/services/wol"
	"github.com/rs/zerolog"
)

// Steps reported in failure notifications.
const (
	StepLoad     = "load"
	StepWOL      = "wol"
	StepSSH      = "ssh"
	StepTransfer = "transfer"
	StepCycle    = "cycle"
)

// StepError tags a transfer failure with the preflight step that caused it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// preflightTransfer wakes the storage host and checks remote sources before
// handing the request to rsync. Preflight failures are reported as failed
// transfers so the task treats them the same way.
type preflightTransfer struct {
	next   rsync.Service
	wol    wol.Service
	ssh    ssh.Service
	cfg    models.TaskConfig
	logger zerolog.Logger
}

func (p *preflightTransfer) Run(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error) {
	if p.cfg.WOL != nil {
		if err := p.wake(ctx); err != nil {
			return failedTransfer(StepWOL, err), nil
		}
	}

	if p.cfg.SSH != nil {
		if err := p.checkRemoteSources(ctx, req.Sources); err != nil {
			return failedTransfer(StepSSH, err), nil
		}
	}

	return p.next.Run(ctx, req)
}

func failedTransfer(step string, err error) *models.TransferResult {
	return &models.TransferResult{ExitCode: -1, Error: &StepError{Step: step, Err: err}}
}

func (p *preflightTransfer) wake(ctx context.Context) error {
	result, err := p.wol.EnsureAwake(ctx, *p.cfg.WOL)
	if err != nil {
		return err
	}
	if result.Error != nil {
		return result.Error
	}

	p.logger.Debug().
		Bool("packet_sent", result.PacketSent).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")
	return nil
}

// checkRemoteSources checks the remote sources host by host. A configured
// SSH host replaces the host part of every remote source.
func (p *preflightTransfer) checkRemoteSources(ctx context.Context, sources []string) error {
	var hosts []string
	paths := make(map[string][]string)
	for _, src := range sources {
		host, path, remote := models.SplitRemote(src)
		if !remote {
			continue
		}
		if p.cfg.SSH.Host != "" {
			host = p.cfg.SSH.Host
		}
		if _, seen := paths[host]; !seen {
			hosts = append(hosts, host)
		}
		paths[host] = append(paths[host], path)
	}

	for _, host := range hosts {
		cfg := *p.cfg.SSH
		cfg.Host = host

		result, err := p.ssh.CheckPaths(ctx, cfg, paths[host])
		if err != nil {
			return err
		}
		if result.Error != nil {
			return result.Error
		}
		p.logger.Debug().Str("host", host).Strs("paths", paths[host]).Msg("remote sources present")
	}
	return nil
}
