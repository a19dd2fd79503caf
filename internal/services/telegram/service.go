// Package telegram sends task notifications to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	// maxErrorLength keeps rendered failures below the 4096 character
	// sendMessage limit.
	maxErrorLength  = 3000
	truncatedSuffix = " …"
)

// Service sends task notifications.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl talks to the Telegram Bot API.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return NewWithClient(logger, &http.Client{Timeout: 30 * time.Second}, defaultBaseURL)
}

// NewWithClient creates a Telegram service with a custom HTTP client and API
// base URL (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// apiResponse is the envelope of every Bot API reply.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// SendNotification renders msg and posts it to the configured chat. Delivery
// problems are reported in the result, never as the returned error.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}
	logger := s.logger.With().Str("task", msg.Task).Bool("success", msg.Success).Logger()

	logger.Debug().Str("chat_id", cfg.ChatID).Msg("sending Telegram notification")

	if err := s.post(ctx, cfg, render(msg)); err != nil {
		logger.Warn().Err(err).Msg("Telegram notification failed")
		result.Error = err
		return result, nil
	}

	result.MessageSent = true
	logger.Info().Msg("Telegram notification sent")
	return result, nil
}

func (s *Impl) post(ctx context.Context, cfg models.TelegramConfig, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var reply apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &reply)

	if resp.StatusCode != http.StatusOK {
		if reply.Description != "" {
			return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, reply.Description)
		}
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// truncate shortens text to at most n runes.
func truncate(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + truncatedSuffix
}

func render(msg models.TelegramMessage) string {
	var b strings.Builder

	if msg.Success {
		fmt.Fprintf(&b, "✅ <b>Backup Created: %s</b>\n\n", html.EscapeString(msg.Task))
	} else {
		fmt.Fprintf(&b, "❌ <b>Task Stopped: %s</b>\n\n", html.EscapeString(msg.Task))
	}

	field(&b, "Host", html.EscapeString(msg.Host))
	field(&b, "Destination", html.EscapeString(msg.Destination))
	field(&b, "Time", msg.Time.Format(time.DateTime))
	if msg.Duration > 0 {
		field(&b, "Duration", msg.Duration.Round(time.Second).String())
	}

	if msg.Success {
		renderCycle(&b, msg)
	} else {
		renderFailure(&b, msg)
	}
	return b.String()
}

func renderCycle(b *strings.Builder, msg models.TelegramMessage) {
	b.WriteString("\n<b>Cycle:</b>\n")
	if msg.BackupName != "" {
		bullet(b, "Backup: <code>%s</code>", html.EscapeString(msg.BackupName))
	}
	if len(msg.Intervals) > 0 {
		bullet(b, "Intervals: %s", html.EscapeString(strings.Join(msg.Intervals, ", ")))
	}
	bullet(b, "Backups kept: %d", msg.BackupsKept)
	bullet(b, "Backups removed: %d", msg.BackupsRemoved)
}

func renderFailure(b *strings.Builder, msg models.TelegramMessage) {
	b.WriteString("\n<b>Error Details:</b>\n")
	bullet(b, "Failed step: %s", html.EscapeString(msg.FailedStep))
	bullet(b, "Error: <code>%s</code>", html.EscapeString(truncate(msg.ErrorMessage, maxErrorLength)))
	b.WriteString("\nThe task stays stopped until it is started again.\n")
}

func field(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "<b>%s:</b> %s\n", name, value)
}

func bullet(b *strings.Builder, format string, args ...any) {
	fmt.Fprintf(b, "  • "+format+"\n", args...)
}
