package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/config"
	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/services/control"
	"github.com/spf13/cobra"
)

var (
	socketPath string
	block      bool
)

func addControlCommands(root *cobra.Command) {
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket (default: from config, else "+models.DefaultSocketPath+")")

	stopCmd.Flags().BoolVar(&block, "block", false, "wait until the task has stopped")
	pauseCmd.Flags().BoolVar(&block, "block", false, "wait until the running cycle has finished")

	root.AddCommand(listCmd, statusCmd, startCmd, stopCmd, pauseCmd, resumeCmd, backupsCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tasks of the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := client().List(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [task]",
	Short: "Show the state of one or all tasks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) == 1 {
			name = args[0]
		}
		statuses, err := client().Status(cmd.Context(), name)
		if err != nil {
			return err
		}

		table := newTable("TASK", "STATE", "BACKUPS", "LAST CYCLE", "ERROR")
		for _, st := range statuses {
			table.Append([]string{st.Name, st.State, strconv.Itoa(st.Backups), formatTime(st.LastCycle), st.FatalError})
		}
		table.Render()
		return nil
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups <task>",
	Short: "List the finished backups of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backups, err := client().Backups(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		table := newTable("CREATED", "INTERVAL", "DATA", "PATH")
		for _, b := range backups {
			data := "real"
			if b.Linked {
				data = "link"
			}
			table.Append([]string{formatTime(b.CreatedAt), b.IntervalName, data, b.Path})
		}
		table.Render()
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <task>",
	Short: "Start a stopped task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return done(args[0], "started", client().Start(cmd.Context(), args[0]))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <task>",
	Short: "Stop a task after its current cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return done(args[0], "stopped", client().Stop(cmd.Context(), args[0], block))
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <task>",
	Short: "Pause a task after its current cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return done(args[0], "paused", client().Pause(cmd.Context(), args[0], block))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <task>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return done(args[0], "resumed", client().Resume(cmd.Context(), args[0]))
	},
}

func client() *control.Client {
	return control.NewClient(resolveSocket())
}

// resolveSocket prefers --socket, then the socket of --config.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if configFile != "" {
		if cfg, err := config.NewParser().LoadFile(configFile); err == nil {
			return cfg.Control.Socket
		}
	}
	return models.DefaultSocketPath
}

func done(task, verb string, err error) error {
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", task, verb)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

