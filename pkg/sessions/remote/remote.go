// Package remote drives a projup-host process as an automation session.
//
// The host is started through a Transport (a local process or an SSH exec
// request) and spoken to with the line protocol in pkg/automation/protocol.
// One command is in flight at a time; the host's retryable errors come back
// wrapped around automation.ErrBusy so the engine retries them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/projup/projup/pkg/automation"
	"github.com/projup/projup/pkg/automation/protocol"
)

// ErrClosed is returned by calls on a session whose host has gone away.
var ErrClosed = errors.New("remote session is closed")

// Transport defines how the host binary is uploaded and started.
type Transport interface {
	// Upload copies the host binary to the target machine
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the host and returns its stdin and stdout
	Execute(ctx context.Context, remotePath string, args ...string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup removes an uploaded host binary
	Cleanup(ctx context.Context, remotePath string) error
}

// Config contains remote session options.
type Config struct {
	Transport Transport
	// HostBinary is the local projup-host to upload. When empty the host is
	// expected at RemotePath already.
	HostBinary string
	RemotePath string
	// ProgramID names the automation server the host should attach to.
	ProgramID      string
	TTL            time.Duration
	StartupTimeout time.Duration
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

func (c *Config) setDefaults() error {
	if c.Transport == nil {
		return fmt.Errorf("transport is required")
	}
	if c.RemotePath == "" {
		if c.HostBinary == "" {
			return fmt.Errorf("host binary or remote path is required")
		}
		c.RemotePath = "/tmp/projup-host"
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = time.Minute
	}
	return nil
}

func (c *Config) args() []string {
	var args []string
	if c.ProgramID != "" {
		args = append(args, "--prog-id", c.ProgramID)
	}
	if c.TTL > 0 {
		args = append(args, "--ttl", c.TTL.String())
	}
	return args
}

// Session is an automation.Session backed by a projup-host process.
type Session struct {
	cfg      Config
	uploaded bool
	logger   zerolog.Logger

	mu     sync.Mutex
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	stdin  io.WriteCloser
	stdout io.ReadCloser
	ready  *protocol.ReadyMessage
	closed bool
}

// Connector starts a fresh host for every connect.
func Connector(cfg Config) automation.Connector {
	return automation.ConnectorFunc(func(ctx context.Context) (automation.Session, error) {
		return Dial(ctx, cfg)
	})
}

// Dial uploads the host if configured, starts it and waits for READY.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, logger: cfg.Logger.With().Str("component", "remote-session").Logger()}

	if cfg.HostBinary != "" {
		if err := cfg.Transport.Upload(ctx, cfg.HostBinary, cfg.RemotePath); err != nil {
			return nil, fmt.Errorf("failed to upload host: %w", err)
		}
		s.uploaded = true
	}

	stdin, stdout, err := cfg.Transport.Execute(ctx, cfg.RemotePath, cfg.args()...)
	if err != nil {
		s.cleanup(ctx)
		return nil, fmt.Errorf("failed to start host: %w", err)
	}
	s.stdin, s.stdout = stdin, stdout
	s.enc = protocol.NewEncoder(stdin)
	s.dec = protocol.NewDecoder(stdout)

	ready, err := s.awaitReady(ctx)
	if err != nil {
		s.shutdown(ctx)
		return nil, err
	}
	s.ready = ready
	s.logger.Debug().
		Str("version", ready.Version).
		Str("platform", ready.Platform).
		Str("session", ready.Session).
		Int("pid", ready.PID).
		Msg("Host ready")
	return s, nil
}

func (s *Session) awaitReady(ctx context.Context) (*protocol.ReadyMessage, error) {
	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	type result struct {
		ready *protocol.ReadyMessage
		err   error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.dec.Decode()
		if err != nil {
			done <- result{err: err}
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			done <- result{err: fmt.Errorf("expected READY, got %s", msg.Type)}
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{ready: &ready}
	}()

	select {
	case <-readyCtx.Done():
		// Closing stdout in shutdown unblocks the decoder.
		return nil, fmt.Errorf("timeout waiting for READY message")
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to receive READY: %w", r.err)
		}
		return r.ready, nil
	}
}

// Ready returns the READY message received during startup.
func (s *Session) Ready() *protocol.ReadyMessage {
	return s.ready
}

// call sends one command and waits for its DONE or ERROR. The host bounds
// each command with the timeout carried in the CMD message.
func (s *Session) call(ctx context.Context, typ protocol.CommandType, params, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd, err := protocol.NewCommand(uuid.NewString(), typ, s.cfg.CommandTimeout, params)
	if err != nil {
		return err
	}
	if err := s.enc.EncodeCommand(cmd); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}

	for {
		msg, err := s.dec.Decode()
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return fmt.Errorf("failed to parse event: %w", err)
			}
			s.logger.Debug().Str("command_id", event.CommandID).Str("level", event.Level).Msg(event.Message)

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			if result == nil || len(done.Result) == 0 {
				return nil
			}
			return protocol.ParseParams(done.Result, result)

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			if errMsg.Retryable {
				return fmt.Errorf("%s: %s: %w", typ, errMsg.Message, automation.ErrBusy)
			}
			return fmt.Errorf("%s: %w", typ, &errMsg)

		case protocol.MessageTypeExit:
			var exit protocol.ExitMessage
			_ = protocol.ParseParams(msg.Data, &exit)
			s.closed = true
			return fmt.Errorf("host exited (%s): %w", exit.Reason, ErrClosed)

		default:
			return fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// Open implements automation.Session.
func (s *Session) Open(ctx context.Context, path string) error {
	return s.call(ctx, protocol.CommandOpen, &protocol.PathParams{Path: path}, nil)
}

// SaveAs implements automation.Session.
func (s *Session) SaveAs(ctx context.Context, path string) error {
	return s.call(ctx, protocol.CommandSaveAs, &protocol.PathParams{Path: path}, nil)
}

// Close implements automation.Session.
func (s *Session) Close(ctx context.Context) error {
	return s.call(ctx, protocol.CommandClose, nil, nil)
}

// Quit ends the host. The transport is torn down whether or not the host
// acknowledged the command.
func (s *Session) Quit(ctx context.Context) error {
	err := s.call(ctx, protocol.CommandQuit, nil, nil)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	s.shutdown(ctx)
	return err
}

// AddProjectFromFile implements automation.Session.
func (s *Session) AddProjectFromFile(ctx context.Context, path string) (automation.ProjectRef, error) {
	var res protocol.RefResult
	err := s.call(ctx, protocol.CommandAddProject, &protocol.PathParams{Path: path}, &res)
	return res.Ref, err
}

// EnumerateProjects implements automation.Session.
func (s *Session) EnumerateProjects(ctx context.Context) ([]automation.ProjectRef, error) {
	var res protocol.RefsResult
	err := s.call(ctx, protocol.CommandListProjs, nil, &res)
	return res.Refs, err
}

// EnumerateSubProjects implements automation.Session.
func (s *Session) EnumerateSubProjects(ctx context.Context, container automation.ProjectRef) ([]automation.ProjectRef, error) {
	var res protocol.RefsResult
	err := s.call(ctx, protocol.CommandChildren, &protocol.RefParams{Ref: container}, &res)
	return res.Refs, err
}

// GetProperty implements automation.Session.
func (s *Session) GetProperty(ctx context.Context, ref automation.ProjectRef, name string) (string, error) {
	var res protocol.ValueResult
	err := s.call(ctx, protocol.CommandGetProperty, &protocol.PropertyParams{Ref: ref, Name: name}, &res)
	return res.Value, err
}

// SetProperty implements automation.Session.
func (s *Session) SetProperty(ctx context.Context, ref automation.ProjectRef, name, value string) error {
	return s.call(ctx, protocol.CommandSetProperty, &protocol.PropertyParams{Ref: ref, Name: name, Value: value}, nil)
}

// ReloadProject implements automation.Session.
func (s *Session) ReloadProject(ctx context.Context, ref automation.ProjectRef) (automation.ProjectRef, error) {
	var res protocol.RefResult
	err := s.call(ctx, protocol.CommandReload, &protocol.RefParams{Ref: ref}, &res)
	return res.Ref, err
}

// shutdown closes the host's pipes and removes an uploaded binary.
func (s *Session) shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	stdin, stdout := s.stdin, s.stdout
	s.stdin, s.stdout = nil, nil
	s.mu.Unlock()

	if stdin != nil {
		if err := stdin.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to close host stdin")
		}
	}
	if stdout != nil {
		if err := stdout.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to close host stdout")
		}
	}
	s.cleanup(ctx)
}

func (s *Session) cleanup(ctx context.Context) {
	if !s.uploaded {
		return
	}
	// The host may already have removed itself.
	if err := s.cfg.Transport.Cleanup(ctx, s.cfg.RemotePath); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to remove host binary")
	}
	s.uploaded = false
}

var _ automation.Session = (*Session)(nil)
