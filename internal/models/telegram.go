package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken      string
	ChatID        string
	NotifySuccess bool
}

// TelegramMessage holds the data for a task notification.
type TelegramMessage struct {
	Success     bool
	Task        string
	Host        string
	Destination string
	Time        time.Time
	Duration    time.Duration

	// Cycle stats (if successful).
	BackupName     string
	Intervals      []string
	BackupsRemoved int
	BackupsKept    int

	// Error info (if failed).
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
