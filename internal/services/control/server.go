package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const readTimeout = 10 * time.Second

// Handler is the daemon side of the control commands.
type Handler interface {
	TaskNames() []string
	Status(name string) (models.TaskStatus, error)
	Start(name string) error
	Stop(name string, block bool) error
	Pause(name string, block bool) error
	Resume(name string) error
	Backups(name string) ([]models.BackupInfo, error)
}

// Server accepts control connections on a unix socket.
type Server struct {
	path     string
	handler  Handler
	logger   zerolog.Logger
	listener net.Listener
}

// NewServer creates the socket at path, replacing a stale one. Any other
// file at path is left alone and reported as an error.
func NewServer(path string, handler Handler, logger zerolog.Logger) (*Server, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	if err := os.Chmod(path, 0o660); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return &Server{
		path:     path,
		handler:  handler,
		logger:   logger.With().Str("socket", path).Logger(),
		listener: listener,
	}, nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat socket path: %w", err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	return nil
}

// Serve handles connections until ctx is done, then closes the socket.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	s.logger.Info().Msg("control socket listening")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		go s.handleConnection(conn)
	}
}

// Close closes the listener and removes the socket file.
func (s *Server) Close() error {
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.write(conn, errResponse(fmt.Errorf("invalid request: %w", err)))
		return
	}

	s.logger.Debug().Str("command", string(req.Type)).Str("task", req.Task).Msg("control request")
	s.write(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) *Response {
	if req.Type != CmdList && req.Type != CmdStatus && req.Task == "" {
		return errResponse(errors.New("task name is required"))
	}

	var (
		data any
		err  error
	)
	switch req.Type {
	case CmdList:
		data = s.handler.TaskNames()
	case CmdStatus:
		data, err = s.status(req.Task)
	case CmdStart:
		err = s.handler.Start(req.Task)
	case CmdStop:
		err = s.handler.Stop(req.Task, req.Block)
	case CmdPause:
		err = s.handler.Pause(req.Task, req.Block)
	case CmdResume:
		err = s.handler.Resume(req.Task)
	case CmdBackups:
		data, err = s.handler.Backups(req.Task)
	default:
		err = fmt.Errorf("unknown command type: %s", req.Type)
	}
	if err != nil {
		return errResponse(err)
	}

	resp, err := okResponse(data)
	if err != nil {
		return errResponse(fmt.Errorf("failed to marshal response: %w", err))
	}
	return resp
}

// status returns every task when name is empty.
func (s *Server) status(name string) ([]models.TaskStatus, error) {
	names := []string{name}
	if name == "" {
		names = s.handler.TaskNames()
	}

	statuses := make([]models.TaskStatus, 0, len(names))
	for _, n := range names {
		st, err := s.handler.Status(n)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (s *Server) write(conn net.Conn, resp *Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send control response")
	}
}
