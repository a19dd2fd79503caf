// Package models contains the data structures used throughout gorsync-homelab.
package models

// DefaultSocketPath is the control socket used when none is configured.
const DefaultSocketPath = "/run/gorsync-homelab.sock"

// DaemonConfig holds the complete, resolved configuration of the daemon.
type DaemonConfig struct {
	Rsync    RsyncSettings
	Control  ControlSettings
	Metrics  MetricsSettings
	Telegram *TelegramConfig // nil if not configured
	Tasks    []TaskConfig
}

// RsyncSettings holds settings shared by every transfer.
type RsyncSettings struct {
	Command string // path or name of the rsync binary
}

// ControlSettings defines where the control socket listens.
type ControlSettings struct {
	Socket string `json:"socket" validate:"required"`
}

// MetricsSettings defines the Prometheus endpoint. Empty Listen disables it.
type MetricsSettings struct {
	Listen string `json:"listen" validate:"omitempty,hostname_port"`
}

// TaskConfig is one task with all defaults already applied.
type TaskConfig struct {
	Name              string
	Sources           []string
	Destination       string
	CreateDestination bool
	Intervals         []IntervalConfig // declaration order matters
	Transfer          TransferSettings
	WOL               *WOLConfig // nil if not configured
	SSH               *SSHConfig // nil if not configured
}

// IntervalConfig is one retention tier as written in the config file.
type IntervalConfig struct {
	Name      string
	Schedule  string // cron pattern, e.g. "0 * * * *" or "@daily"
	KeepCount int
	KeepAge   string // relative age rule, e.g. "7d" or "1M"
}

// TransferSettings holds the rsync arguments of a task.
type TransferSettings struct {
	Args          string // extra rsync arguments, shell-quoted
	OneFileSystem bool
	SSHArgs       string
	Filter        FilterSettings
	Logfile       *LogfileOptions // nil if rsync should not write a log file
}

// FilterSettings mirrors the rsync filter arguments.
type FilterSettings struct {
	Filters      []string
	Includes     []string
	IncludeFiles []string
	Excludes     []string
	ExcludeFiles []string
}

// LogfileOptions controls the log file rsync writes next to the backup data.
type LogfileOptions struct {
	Name   string
	Format string
}
