// Package ssh checks remote rsync sources over SSH before a transfer.
package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 30 * time.Second

// Service runs preflight commands on the host that serves remote sources.
type Service interface {
	CheckPaths(ctx context.Context, cfg models.SSHConfig, paths []string) (*models.SSHResult, error)
	TestConnection(ctx context.Context, cfg models.SSHConfig) (*models.SSHResult, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// Dialer opens SSH connections.
type Dialer interface {
	Dial(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

type netDialer struct{}

func (netDialer) Dial(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &clientAdapter{client}, nil
}

type clientAdapter struct {
	*ssh.Client
}

func (c *clientAdapter) NewSession() (SSHSession, error) {
	return c.Client.NewSession()
}

// Impl implements Service with golang.org/x/crypto/ssh.
type Impl struct {
	dialer Dialer
	logger zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return NewWithDialer(logger, netDialer{})
}

// NewWithDialer creates an SSH service with a custom dialer (for testing).
func NewWithDialer(logger zerolog.Logger, dialer Dialer) *Impl {
	return &Impl{
		dialer: dialer,
		logger: logger,
	}
}

// CheckPaths reports which of paths do not exist on the remote host.
// Result.Error is set when the host cannot be reached or a path is missing.
func (s *Impl) CheckPaths(ctx context.Context, cfg models.SSHConfig, paths []string) (*models.SSHResult, error) {
	s.logger.Debug().Str("host", cfg.Host).Strs("paths", paths).Msg("checking remote sources")

	result := s.run(ctx, cfg, missingPathsCommand(paths))
	if result.Error != nil {
		return result, nil
	}

	for _, line := range strings.Split(result.Output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			result.Missing = append(result.Missing, line)
		}
	}
	if len(result.Missing) > 0 {
		result.Error = fmt.Errorf("remote sources missing on %s: %s", cfg.Host, strings.Join(result.Missing, ", "))
		s.logger.Warn().Str("host", cfg.Host).Strs("missing", result.Missing).Msg("remote sources missing")
	}
	return result, nil
}

// TestConnection logs in and runs a no-op command.
func (s *Impl) TestConnection(ctx context.Context, cfg models.SSHConfig) (*models.SSHResult, error) {
	s.logger.Debug().Str("host", cfg.Host).Int("port", cfg.Port).Msg("testing SSH connection")
	return s.run(ctx, cfg, "true"), nil
}

// missingPathsCommand prints every path of paths that does not exist.
func missingPathsCommand(paths []string) string {
	return fmt.Sprintf(`for p in %s; do [ -e "$p" ] || printf '%%s\n' "$p"; done`, shellquote.Join(paths...))
}

// run executes cmd in a fresh session. The connection is closed as soon as
// ctx is done, which also ends a command that is still running.
func (s *Impl) run(ctx context.Context, cfg models.SSHConfig, cmd string) *models.SSHResult {
	result := &models.SSHResult{}

	client, err := s.connect(ctx, cfg)
	if err != nil {
		result.Error = err
		return result
	}
	defer func() { _ = client.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("failed to create session: %w", err)
		return result
	}
	defer func() { _ = session.Close() }()

	output, err := session.CombinedOutput(cmd)
	result.Output = string(output)
	result.CommandRun = true
	switch {
	case ctx.Err() != nil:
		result.Error = ctx.Err()
	case err != nil:
		result.Error = fmt.Errorf("remote command failed: %w, output: %s", err, strings.TrimSpace(result.Output))
	}
	return result
}

// connect dials cfg.Host, giving up when ctx is done.
func (s *Impl) connect(ctx context.Context, cfg models.SSHConfig) (SSHClient, error) {
	config, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	type dialed struct {
		client SSHClient
		err    error
	}
	ch := make(chan dialed, 1)
	go func() {
		client, err := s.dialer.Dial("tcp", addr, config)
		ch <- dialed{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if d := <-ch; d.client != nil {
				_ = d.client.Close()
			}
		}()
		return nil, ctx.Err()
	case d := <-ch:
		if d.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, d.err)
		}
		return d.client, nil
	}
}

func clientConfig(cfg models.SSHConfig) (*ssh.ClientConfig, error) {
	key := cfg.PrivateKey
	if len(key) == 0 {
		if cfg.KeyPath == "" {
			return nil, fmt.Errorf("no private key provided")
		}
		var err error
		key, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeys, err := hostKeyCallback(cfg.KnownHosts)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	}, nil
}

// hostKeyCallback verifies against a known_hosts file when one is configured.
func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // homelab default, known_hosts is opt-in
	}
	callback, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts from %s: %w", knownHostsFile, err)
	}
	return callback, nil
}
