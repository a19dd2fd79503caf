//go:build e2e

package e2e

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/fgeck/gorsync-homelab/internal/services/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set", key)
	}
	return v
}

// sshTarget reads TEST_SSH_HOST, TEST_SSH_PORT, TEST_SSH_USER,
// TEST_SSH_KEY_PATH and the optional TEST_SSH_KNOWN_HOSTS.
func sshTarget(t *testing.T) models.SSHConfig {
	t.Helper()

	host := requireEnv(t, "TEST_SSH_HOST")
	keyPath := requireEnv(t, "TEST_SSH_KEY_PATH")
	port, err := strconv.Atoi(envOr("TEST_SSH_PORT", "22"))
	require.NoError(t, err)

	return models.SSHConfig{
		Host:       host,
		Port:       port,
		Username:   envOr("TEST_SSH_USER", "root"),
		KeyPath:    keyPath,
		KnownHosts: os.Getenv("TEST_SSH_KNOWN_HOSTS"),
	}
}

func TestSSHTestConnection_E2E(t *testing.T) {
	result, err := ssh.New(testLogger()).TestConnection(context.Background(), sshTarget(t))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.NoError(t, result.Error)
}

func TestSSHCheckPaths_E2E(t *testing.T) {
	const missing = "/gorsync-e2e-does-not-exist"

	result, err := ssh.New(testLogger()).CheckPaths(context.Background(), sshTarget(t), []string{"/", "/tmp", missing})

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Equal(t, []string{missing}, result.Missing)
	assert.ErrorContains(t, result.Error, "remote sources missing")
}

func TestSSHUnreachableHost_E2E(t *testing.T) {
	cfg := models.SSHConfig{
		Host:     "192.168.255.254",
		Port:     22,
		Username: "root",
		KeyPath:  requireEnv(t, "TEST_SSH_KEY_PATH"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := time.Now()
	result, err := ssh.New(testLogger()).CheckPaths(ctx, cfg, []string{"/srv"})

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	assert.Error(t, result.Error)
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestSSHUnknownHostKey_E2E(t *testing.T) {
	cfg := sshTarget(t)
	cfg.KnownHosts = t.TempDir() + "/known_hosts"
	require.NoError(t, os.WriteFile(cfg.KnownHosts, nil, 0o600))

	result, err := ssh.New(testLogger()).TestConnection(context.Background(), cfg)

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	assert.ErrorContains(t, result.Error, "knownhosts")
}
