package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/gorsync-homelab/internal/config"
	"github.com/fgeck/gorsync-homelab/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backup daemon",
	Long: `Run the backup daemon. Every task checks once a minute which of its
intervals are due, creates the missing backups and retires expired ones.

A task whose transfer fails is stopped and stays stopped until it is started
again with "gorsync-homelab start <task>".

SIGINT or SIGTERM stops every task after its current cycle. A second signal
aborts running transfers.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	log.Info().
		Str("config", configFile).
		Int("tasks", len(cfg.Tasks)).
		Str("socket", cfg.Control.Socket).
		Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon := runner.New(log.Logger, cfg)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, stopping tasks after their current cycle")
		cancel()

		sig = <-sigChan
		log.Error().Str("signal", sig.String()).Msg("received second signal, aborting running transfers")
		daemon.AbortAll()
	}()

	if err := daemon.Run(ctx); err != nil {
		log.Error().Err(err).Msg("daemon failed")
		return err
	}

	log.Info().Msg("daemon stopped")
	return nil
}
