package models

import "time"

// WOLConfig describes how to wake the machine a task transfers to or from.
type WOLConfig struct {
	MACAddress    string        `json:"mac_address" validate:"required,mac"`
	BroadcastIP   string        `json:"broadcast_ip" validate:"required,ip"`
	PollURL       string        `json:"poll_url" validate:"omitempty,url"` // polled until the storage host answers; empty skips waiting
	Timeout       time.Duration `json:"timeout" validate:"gt=0"`           // upper bound for the whole wake-up
	PollInterval  time.Duration `json:"poll_interval" validate:"gt=0"`
	StabilizeWait time.Duration `json:"stabilize_wait" validate:"gte=0"` // grace period once the host answers
}

// WOLResult holds the outcome of a wake-up before a transfer.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
