package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/config"
	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var testSSH bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without starting any task. With --ssh the
SSH connection of every task that has one is tested as well.`,
	RunE: validateConfig,
}

func init() {
	validateCmd.Flags().BoolVar(&testSSH, "ssh", false, "test the SSH connection of every task")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Printf("  rsync: %s\n", cfg.Rsync.Command)
	fmt.Printf("  Control socket: %s\n", cfg.Control.Socket)
	if cfg.Metrics.Listen != "" {
		fmt.Printf("  Metrics: http://%s/metrics\n", cfg.Metrics.Listen)
	}
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Println()

	for _, tc := range cfg.Tasks {
		printTask(tc)
	}

	if testSSH {
		return testConnections(cmd.Context(), cfg)
	}
	return nil
}

func printTask(tc models.TaskConfig) {
	fmt.Printf("Task %s\n", tc.Name)
	fmt.Printf("  Sources: %s\n", strings.Join(tc.Sources, ", "))
	fmt.Printf("  Destination: %s\n", tc.Destination)
	fmt.Printf("  rsync args: %s\n", tc.Transfer.Args)
	fmt.Printf("  Wake-on-LAN: %v\n", tc.WOL != nil)
	fmt.Printf("  SSH check: %v\n", tc.SSH != nil)

	table := newTable("INTERVAL", "SCHEDULE", "KEEP", "MAX AGE")
	for _, iv := range tc.Intervals {
		table.Append([]string{iv.Name, iv.Schedule, strconv.Itoa(iv.KeepCount), iv.KeepAge})
	}
	table.Render()
	fmt.Println()
}

func testConnections(ctx context.Context, cfg *models.DaemonConfig) error {
	svc := ssh.New(log.Logger)

	var failed int
	for _, tc := range cfg.Tasks {
		if tc.SSH == nil {
			continue
		}

		sshCfg := *tc.SSH
		if sshCfg.Host == "" {
			for _, src := range tc.Sources {
				if host, _, remote := models.SplitRemote(src); remote {
					sshCfg.Host = host
					break
				}
			}
		}

		checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		result, err := svc.TestConnection(checkCtx, sshCfg)
		cancel()
		if err == nil {
			err = result.Error
		}
		if err != nil {
			failed++
			log.Error().Err(err).Str("task", tc.Name).Str("host", sshCfg.Host).Msg("SSH connection failed")
			continue
		}
		fmt.Printf("SSH connection of task %s to %s: OK\n", tc.Name, sshCfg.Host)
	}

	if failed > 0 {
		return fmt.Errorf("%d SSH connection(s) failed", failed)
	}
	return nil
}
