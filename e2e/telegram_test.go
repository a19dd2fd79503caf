//go:build e2e

package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/services/telegram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// telegramTarget reads TEST_TELEGRAM_BOT_TOKEN and TEST_TELEGRAM_CHAT_ID.
func telegramTarget(t *testing.T) models.TelegramConfig {
	t.Helper()
	return models.TelegramConfig{
		BotToken: requireEnv(t, "TEST_TELEGRAM_BOT_TOKEN"),
		ChatID:   requireEnv(t, "TEST_TELEGRAM_CHAT_ID"),
	}
}

func TestTelegramNotifications_E2E(t *testing.T) {
	cfg := telegramTarget(t)
	svc := telegram.New(testLogger())

	messages := map[string]models.TelegramMessage{
		"backup created": {
			Success:        true,
			Task:           "e2e",
			Host:           "e2e-test-host",
			Destination:    "/mnt/backup/e2e",
			Time:           time.Now(),
			Duration:       90 * time.Second,
			BackupName:     "e2e_2024-01-15T10:00:00_hourly",
			Intervals:      []string{"hourly", "daily"},
			BackupsRemoved: 1,
			BackupsKept:    31,
		},
		"task stopped": {
			Task:         "e2e",
			Host:         "e2e-test-host",
			Destination:  "/mnt/backup/e2e",
			Time:         time.Now(),
			FailedStep:   "transfer",
			ErrorMessage: "rsync exited with code 23: <some files> could not be transferred",
		},
	}

	for name, msg := range messages {
		t.Run(name, func(t *testing.T) {
			result, err := svc.SendNotification(context.Background(), cfg, msg)

			require.NoError(t, err)
			assert.True(t, result.MessageSent)
			assert.NoError(t, result.Error)
		})
	}
}

func TestTelegramRejected_E2E(t *testing.T) {
	valid := telegramTarget(t)

	tests := map[string]models.TelegramConfig{
		"invalid token":   {BotToken: "invalid:token", ChatID: valid.ChatID},
		"invalid chat id": {BotToken: valid.BotToken, ChatID: "invalid-chat-id"},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := telegram.New(testLogger()).SendNotification(context.Background(), cfg, models.TelegramMessage{Task: "e2e"})

			require.NoError(t, err)
			assert.False(t, result.MessageSent)
			assert.ErrorContains(t, result.Error, "telegram API returned status")
		})
	}
}
