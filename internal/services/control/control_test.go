package control

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnknown = errors.New("unknown task: nope")

type mockHandler struct {
	names     []string
	stopFunc  func(name string, block bool) error
	pauseFunc func(name string, block bool) error
	started   []string
	resumed   []string
}

func (m *mockHandler) TaskNames() []string { return m.names }

func (m *mockHandler) Status(name string) (models.TaskStatus, error) {
	for _, n := range m.names {
		if n == name {
			return models.TaskStatus{Name: name, State: models.TaskActive.String(), Backups: 2}, nil
		}
	}
	return models.TaskStatus{}, errUnknown
}

func (m *mockHandler) Start(name string) error {
	m.started = append(m.started, name)
	return nil
}

func (m *mockHandler) Stop(name string, block bool) error {
	if m.stopFunc != nil {
		return m.stopFunc(name, block)
	}
	return nil
}

func (m *mockHandler) Pause(name string, block bool) error {
	if m.pauseFunc != nil {
		return m.pauseFunc(name, block)
	}
	return nil
}

func (m *mockHandler) Resume(name string) error {
	m.resumed = append(m.resumed, name)
	return nil
}

func (m *mockHandler) Backups(name string) ([]models.BackupInfo, error) {
	if name != "home" {
		return nil, errUnknown
	}
	return []models.BackupInfo{
		{Name: "home", IntervalName: "hourly", CreatedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)},
		{Name: "home", IntervalName: "daily", CreatedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), Linked: true},
	}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// socketPath stays short enough for the unix socket path limit.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "gorsync")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

func startServer(t *testing.T, h Handler) *Client {
	t.Helper()
	path := socketPath(t)

	srv, err := NewServer(path, h, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	return NewClient(path)
}

func TestClient_List(t *testing.T) {
	client := startServer(t, &mockHandler{names: []string{"home", "photos"}})

	names, err := client.List(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"home", "photos"}, names)
}

func TestClient_StatusAll(t *testing.T) {
	client := startServer(t, &mockHandler{names: []string{"home", "photos"}})

	statuses, err := client.Status(context.Background(), "")

	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "home", statuses[0].Name)
	assert.Equal(t, "active", statuses[1].State)
}

func TestClient_StatusUnknownTask(t *testing.T) {
	client := startServer(t, &mockHandler{names: []string{"home"}})

	_, err := client.Status(context.Background(), "nope")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestClient_Backups(t *testing.T) {
	client := startServer(t, &mockHandler{names: []string{"home"}})

	backups, err := client.Backups(context.Background(), "home")

	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "hourly", backups[0].IntervalName)
	assert.True(t, backups[1].Linked)
	assert.True(t, backups[0].CreatedAt.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
}

func TestClient_ForwardsBlockFlag(t *testing.T) {
	var stopBlock, pauseBlock bool
	h := &mockHandler{
		names: []string{"home"},
		stopFunc: func(name string, block bool) error {
			stopBlock = block
			return nil
		},
		pauseFunc: func(name string, block bool) error {
			pauseBlock = block
			return nil
		},
	}
	client := startServer(t, h)
	ctx := context.Background()

	require.NoError(t, client.Stop(ctx, "home", true))
	require.NoError(t, client.Pause(ctx, "home", false))
	require.NoError(t, client.Start(ctx, "home"))
	require.NoError(t, client.Resume(ctx, "home"))

	assert.True(t, stopBlock)
	assert.False(t, pauseBlock)
	assert.Equal(t, []string{"home"}, h.started)
	assert.Equal(t, []string{"home"}, h.resumed)
}

func TestClient_HandlerError(t *testing.T) {
	h := &mockHandler{
		names: []string{"home"},
		pauseFunc: func(name string, block bool) error {
			return errors.New("task is not running")
		},
	}
	client := startServer(t, h)

	err := client.Pause(context.Background(), "home", true)

	require.Error(t, err)
	assert.Equal(t, "task is not running", err.Error())
}

func TestServer_RequiresTaskName(t *testing.T) {
	client := startServer(t, &mockHandler{})

	err := client.Start(context.Background(), "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "task name is required")
}

func TestServer_UnknownCommand(t *testing.T) {
	client := startServer(t, &mockHandler{})

	resp, err := client.Send(context.Background(), Request{Type: "REBOOT", Task: "home"})

	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command type")
}

func TestServer_InvalidRequest(t *testing.T) {
	path := socketPath(t)
	srv, err := NewServer(path, &mockHandler{}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Contains(t, string(data), "invalid request")
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	srv, err := NewServer(path, &mockHandler{}, testLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_KeepsNonSocketPath(t *testing.T) {
	tests := map[string]func(t *testing.T, path string) string{
		"regular file": func(t *testing.T, path string) string {
			require.NoError(t, os.WriteFile(path, []byte("config"), 0o600))
			return path
		},
		"directory": func(t *testing.T, path string) string {
			require.NoError(t, os.Mkdir(path, 0o755))
			precious := filepath.Join(path, "precious.txt")
			require.NoError(t, os.WriteFile(precious, []byte("backup"), 0o600))
			return precious
		},
	}

	for name, setup := range tests {
		t.Run(name, func(t *testing.T) {
			path := socketPath(t)
			kept := setup(t, path)

			srv, err := NewServer(path, &mockHandler{}, testLogger())

			require.Error(t, err)
			assert.Nil(t, srv)
			assert.Contains(t, err.Error(), "is not a socket")
			assert.FileExists(t, kept)
		})
	}
}

func TestClient_NoDaemon(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))

	_, err := client.List(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to daemon")
}
