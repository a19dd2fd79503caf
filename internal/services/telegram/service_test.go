package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.TelegramConfig {
	return models.TelegramConfig{
		BotToken: "123456:ABC-DEF",
		ChatID:   "-100123456789",
	}
}

// botAPI records sendMessage calls and answers with the given status and body.
type botAPI struct {
	*httptest.Server
	mu   sync.Mutex
	path string
	sent []sendMessageRequest
}

func newBotAPI(t *testing.T, status int, reply string) *botAPI {
	t.Helper()
	api := &botAPI{}
	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		api.mu.Lock()
		api.path = r.URL.Path
		api.sent = append(api.sent, req)
		api.mu.Unlock()

		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(api.Close)
	return api
}

func (a *botAPI) requests() (string, []sendMessageRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path, a.sent
}

func (a *botAPI) service() *Impl {
	return NewWithClient(testLogger(), a.Client(), a.URL+"/")
}

func TestSendNotification_Success(t *testing.T) {
	api := newBotAPI(t, http.StatusOK, `{"ok":true,"result":{}}`)

	result, err := api.service().SendNotification(context.Background(), testConfig(), models.TelegramMessage{
		Success:    true,
		Task:       "home",
		Host:       "server1",
		BackupName: "home_2024-01-15T10:00:00_hourly",
	})

	require.NoError(t, err)
	assert.True(t, result.MessageSent)
	assert.NoError(t, result.Error)

	path, sent := api.requests()
	assert.Equal(t, "/bot123456:ABC-DEF/sendMessage", path)
	require.Len(t, sent, 1)
	assert.Equal(t, "-100123456789", sent[0].ChatID)
	assert.Equal(t, "HTML", sent[0].ParseMode)
	assert.True(t, sent[0].DisableWebPagePreview)
	assert.Contains(t, sent[0].Text, "Backup Created: home")
}

func TestSendNotification_APIError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		reply   string
		wantErr string
	}{
		{
			name:    "with description",
			status:  http.StatusBadRequest,
			reply:   `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			wantErr: "status 400: Bad Request: chat not found",
		},
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			reply:   `{"ok":false,"error_code":401,"description":"Unauthorized"}`,
			wantErr: "status 401: Unauthorized",
		},
		{
			name:    "non json body",
			status:  http.StatusBadGateway,
			reply:   "<html>bad gateway</html>",
			wantErr: "status 502",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newBotAPI(t, tt.status, tt.reply)

			result, err := api.service().SendNotification(context.Background(), testConfig(), models.TelegramMessage{Task: "home"})

			require.NoError(t, err)
			assert.False(t, result.MessageSent)
			require.Error(t, result.Error)
			assert.Contains(t, result.Error.Error(), tt.wantErr)
		})
	}
}

func TestSendNotification_TransportError(t *testing.T) {
	svc := NewWithClient(testLogger(), &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("network error")
		},
	}, defaultBaseURL)

	result, err := svc.SendNotification(context.Background(), testConfig(), models.TelegramMessage{Task: "home"})

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to send request")
}

func TestSendNotification_ContextCancelled(t *testing.T) {
	svc := NewWithClient(testLogger(), &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, req.Context().Err()
		},
	}, defaultBaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.SendNotification(ctx, testConfig(), models.TelegramMessage{Task: "home"})

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	assert.ErrorIs(t, result.Error, context.Canceled)
}

func TestSendNotification_TruncatesLongErrors(t *testing.T) {
	api := newBotAPI(t, http.StatusOK, `{"ok":true}`)

	_, err := api.service().SendNotification(context.Background(), testConfig(), models.TelegramMessage{
		Task:         "home",
		FailedStep:   "transfer",
		ErrorMessage: strings.Repeat("ü", 10000),
	})

	require.NoError(t, err)
	_, sent := api.requests()
	require.Len(t, sent, 1)
	text := sent[0].Text
	assert.Less(t, utf8.RuneCountInString(text), 4096)
	assert.True(t, utf8.ValidString(text))
	assert.Contains(t, text, truncatedSuffix+"</code>")
}

func TestRender_Success(t *testing.T) {
	result := render(models.TelegramMessage{
		Success:        true,
		Task:           "photos",
		Host:           "myserver",
		Destination:    "/mnt/backup/photos",
		Time:           time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Duration:       3*time.Minute + 45*time.Second,
		BackupName:     "photos_2024-01-15T10:30:00_hourly",
		Intervals:      []string{"hourly", "daily"},
		BackupsRemoved: 3,
		BackupsKept:    30,
	})

	assert.Contains(t, result, "Backup Created: photos")
	assert.Contains(t, result, "<b>Host:</b> myserver")
	assert.Contains(t, result, "<b>Destination:</b> /mnt/backup/photos")
	assert.Contains(t, result, "<b>Time:</b> 2024-01-15 10:30:00")
	assert.Contains(t, result, "<b>Duration:</b> 3m45s")
	assert.Contains(t, result, "Backup: <code>photos_2024-01-15T10:30:00_hourly</code>")
	assert.Contains(t, result, "Intervals: hourly, daily")
	assert.Contains(t, result, "Backups kept: 30")
	assert.Contains(t, result, "Backups removed: 3")
	assert.NotContains(t, result, "Error")
}

func TestRender_Failure(t *testing.T) {
	result := render(models.TelegramMessage{
		Task:         "photos",
		Host:         "myserver",
		Time:         time.Now(),
		FailedStep:   "wol",
		ErrorMessage: "timeout waiting for storage host",
	})

	assert.Contains(t, result, "Task Stopped: photos")
	assert.Contains(t, result, "Failed step: wol")
	assert.Contains(t, result, "<code>timeout waiting for storage host</code>")
	assert.Contains(t, result, "stays stopped")
	assert.NotContains(t, result, "Backups kept")
	assert.NotContains(t, result, "Duration")
}

func TestRender_EscapesHTML(t *testing.T) {
	result := render(models.TelegramMessage{
		Task:         "a<b>",
		FailedStep:   "transfer",
		ErrorMessage: "rsync: <stdin> & friends",
	})

	assert.Contains(t, result, "a&lt;b&gt;")
	assert.Contains(t, result, "&lt;stdin&gt; &amp; friends")
}
