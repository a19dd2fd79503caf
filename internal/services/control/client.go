package control

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/goccy/go-json"
)

// Client talks to a running daemon.
type Client struct {
	path string
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Send performs one request over a fresh connection.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, req Request, out any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// List returns the configured task names.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var names []string
	err := c.call(ctx, Request{Type: CmdList}, &names)
	return names, err
}

// Status returns the status of one task, or of all tasks when name is empty.
func (c *Client) Status(ctx context.Context, name string) ([]models.TaskStatus, error) {
	var statuses []models.TaskStatus
	err := c.call(ctx, Request{Type: CmdStatus, Task: name}, &statuses)
	return statuses, err
}

// Start restarts a stopped task.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.call(ctx, Request{Type: CmdStart, Task: name}, nil)
}

// Stop stops a task. With block it returns once the task loop has exited.
func (c *Client) Stop(ctx context.Context, name string, block bool) error {
	return c.call(ctx, Request{Type: CmdStop, Task: name, Block: block}, nil)
}

// Pause pauses a task. With block it returns once no cycle is in flight.
func (c *Client) Pause(ctx context.Context, name string, block bool) error {
	return c.call(ctx, Request{Type: CmdPause, Task: name, Block: block}, nil)
}

// Resume resumes a paused task.
func (c *Client) Resume(ctx context.Context, name string) error {
	return c.call(ctx, Request{Type: CmdResume, Task: name}, nil)
}

// Backups lists the finished backups of a task, oldest first.
func (c *Client) Backups(ctx context.Context, name string) ([]models.BackupInfo, error) {
	var backups []models.BackupInfo
	err := c.call(ctx, Request{Type: CmdBackups, Task: name}, &backups)
	return backups, err
}
