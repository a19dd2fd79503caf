package models

import "time"

// TaskState is the runtime state of a task controller.
type TaskState int

const (
	// TaskStopped means no goroutine is running the task loop.
	TaskStopped TaskState = iota
	// TaskActive means the loop is idle between cycles.
	TaskActive
	// TaskWorking means a cycle is in progress.
	TaskWorking
	// TaskPaused means the loop is blocked until resumed.
	TaskPaused
)

// String returns the lower-case name of the state.
func (s TaskState) String() string {
	switch s {
	case TaskStopped:
		return "stopped"
	case TaskActive:
		return "active"
	case TaskWorking:
		return "working"
	case TaskPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// TaskStatus is the control-plane view of one task.
type TaskStatus struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Backups     int       `json:"backups"`
	LastCycle   time.Time `json:"last_cycle,omitempty"`
	FatalError  string    `json:"fatal_error,omitempty"`
	Destination string    `json:"destination"`
}

// BackupInfo is a read-only view of a finished backup.
type BackupInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	CreatedAt    time.Time `json:"created_at"`
	IntervalName string    `json:"interval"`
	Linked       bool      `json:"linked"`
}

// TransferResult holds the outcome of one rsync invocation.
type TransferResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Error    error
}

// TransferRequest describes one rsync invocation for a new backup.
type TransferRequest struct {
	Task        string
	Sources     []string
	Destination string // data path of the new backup
	LinkDest    string // data path of the newest existing backup, empty for a full copy
	LogDir      string // folder receiving the rsync log file, if enabled
	Settings    TransferSettings
}

// CycleReport summarizes what one cycle changed.
type CycleReport struct {
	Started   time.Time
	Duration  time.Duration
	Created   string   // folder name of the new real backup, empty if none
	Intervals []string // intervals that received a backup
	Removed   int
	Kept      int
}
