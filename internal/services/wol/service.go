// Package wol wakes the storage host of a task before rsync runs.
package wol

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

const (
	magicPacketPort = "9"
	// resendEvery re-sends the magic packet after this many unanswered polls.
	resendEvery = 10
)

// Service wakes a storage host and waits until it answers.
type Service interface {
	EnsureAwake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type udpClient struct{}

// Wake sends a magic packet to mac on the discard port of broadcastIP.
func (udpClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(net.JoinHostPort(ip.String(), magicPacketPort), mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}
	return nil
}

// Impl implements Service.
type Impl struct {
	wolClient  Client
	httpClient HTTPClient
	logger     zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return NewWithClients(logger, udpClient{}, &http.Client{Timeout: 5 * time.Second})
}

// NewWithClients creates a new WOL service with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, wolClient Client, httpClient HTTPClient) *Impl {
	return &Impl{
		wolClient:  wolClient,
		httpClient: httpClient,
		logger:     logger,
	}
}

// EnsureAwake makes sure the storage host answers before a transfer. A host
// that already answers its poll URL is left alone; otherwise a magic packet
// is sent and the URL polled until it answers or cfg.Timeout elapses.
// Without a poll URL the packet is sent on every call.
func (s *Impl) EnsureAwake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	result := &models.WOLResult{}
	start := time.Now()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}

	if cfg.PollURL != "" && s.reachable(ctx, cfg.PollURL) {
		s.logger.Debug().Str("url", cfg.PollURL).Msg("storage host already awake")
		result.TargetReady = true
		return result, nil
	}

	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("broadcast", cfg.BroadcastIP).
		Msg("waking storage host")

	if err := s.wolClient.Wake(cfg.BroadcastIP, mac); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.PacketSent = true

	if cfg.PollURL == "" {
		result.TargetReady = true
		result.WaitDuration = time.Since(start)
		return result, nil
	}

	err = s.waitForTarget(ctx, cfg, mac)
	if err == nil {
		err = sleep(ctx, cfg.StabilizeWait)
	}
	if err != nil {
		result.WaitDuration = time.Since(start)
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	result.TargetReady = true
	result.WaitDuration = time.Since(start)
	s.logger.Info().Dur("duration", result.WaitDuration).Msg("storage host is awake")
	return result, nil
}

// reachable reports whether url answers without a server error.
func (s *Impl) reachable(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// waitForTarget polls cfg.PollURL until it answers or cfg.Timeout elapses.
// Magic packets get lost, so a host that stays silent is woken again.
func (s *Impl) waitForTarget(ctx context.Context, cfg models.WOLConfig, mac net.HardwareAddr) error {
	waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		if s.reachable(waitCtx, cfg.PollURL) {
			return nil
		}
		s.logger.Debug().Str("url", cfg.PollURL).Int("polls", polls).Msg("storage host not ready yet")

		if polls%resendEvery == 0 {
			if err := s.wolClient.Wake(cfg.BroadcastIP, mac); err != nil {
				s.logger.Warn().Err(err).Msg("failed to resend magic packet")
			}
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("timeout waiting for storage host at %s", cfg.PollURL)
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
