// Package host serves an automation.Session over the stdio protocol.
//
// A host reads CMD messages one at a time and dispatches each to the wrapped
// session, so the session only ever sees one call at a time. Busy rejections
// are answered with a retryable ERROR.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/projup/projup/pkg/automation"
	"github.com/projup/projup/pkg/automation/protocol"
)

// Exit reasons reported in the EXIT message.
const (
	ReasonStdinClosed = "stdin_closed"
	ReasonTTLExpired  = "ttl_expired"
	ReasonQuit        = "quit"
	ReasonError       = "error"
)

// Config configures a Server.
type Config struct {
	Version string
	// SessionKind is announced in READY, e.g. "solution-file".
	SessionKind string
	// Metadata is passed through in READY.
	Metadata map[string]string
	Logger   zerolog.Logger
}

// Server dispatches protocol commands to a session.
type Server struct {
	sess     automation.Session
	enc      *protocol.Encoder
	dec      *protocol.Decoder
	cfg      Config
	commands int
}

// NewServer creates a server reading commands from r and writing replies to w.
func NewServer(sess automation.Session, r io.Reader, w io.Writer, cfg Config) *Server {
	return &Server{
		sess: sess,
		enc:  protocol.NewEncoder(w),
		dec:  protocol.NewDecoder(r),
		cfg:  cfg,
	}
}

type decoded struct {
	cmd *protocol.CommandMessage
	err error
}

// Serve announces READY and processes commands until the input ends, the
// session quits, or ctx is done. It always sends EXIT and returns its message.
// The reader goroutine lives until the input is closed.
func (s *Server) Serve(ctx context.Context) *protocol.ExitMessage {
	exit := &protocol.ExitMessage{Reason: ReasonStdinClosed}
	defer func() {
		exit.CommandsTotal = s.commands
		if err := s.enc.EncodeExit(exit); err != nil {
			s.cfg.Logger.Debug().Err(err).Msg("Failed to send EXIT")
		}
	}()

	if err := s.enc.EncodeReady(s.ready()); err != nil {
		exit.Reason, exit.ExitCode = ReasonError, 1
		return exit
	}

	incoming := make(chan decoded)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			cmd, err := s.dec.DecodeCommand()
			select {
			case incoming <- decoded{cmd: cmd, err: err}:
			case <-stop:
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrStream) {
				return
			}
		}
	}()

	for {
		var in decoded
		select {
		case <-ctx.Done():
			exit.Reason = ReasonTTLExpired
			return exit
		case in = <-incoming:
		}

		if in.err != nil {
			if errors.Is(in.err, io.EOF) {
				return exit
			}
			if errors.Is(in.err, protocol.ErrStream) {
				s.cfg.Logger.Error().Err(in.err).Msg("Command stream failed")
				exit.Reason, exit.ExitCode = ReasonError, 1
				return exit
			}
			// Malformed input is answered and skipped.
			_ = s.enc.EncodeError(&protocol.ErrorMessage{
				Code:    protocol.ErrCodeInvalidParams,
				Message: in.err.Error(),
			})
			continue
		}

		s.commands++
		s.handle(ctx, in.cmd)
		if in.cmd.Type == protocol.CommandQuit {
			exit.Reason = ReasonQuit
			return exit
		}
	}
}

func (s *Server) ready() *protocol.ReadyMessage {
	caps := make(map[string]bool)
	for _, c := range []protocol.CommandType{
		protocol.CommandOpen, protocol.CommandSaveAs, protocol.CommandClose, protocol.CommandQuit,
		protocol.CommandAddProject, protocol.CommandListProjs, protocol.CommandChildren,
		protocol.CommandGetProperty, protocol.CommandSetProperty, protocol.CommandReload,
	} {
		caps[string(c)] = true
	}
	return &protocol.ReadyMessage{
		Version:  s.cfg.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Session:  s.cfg.SessionKind,
		Caps:     caps,
		Metadata: s.cfg.Metadata,
	}
}

// handle runs one command and writes its DONE or ERROR reply.
func (s *Server) handle(ctx context.Context, cmd *protocol.CommandMessage) {
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	logger := s.cfg.Logger.With().Str("command_id", cmd.ID).Str("command", string(cmd.Type)).Logger()
	start := time.Now()
	result, err := s.dispatch(cmdCtx, cmd)
	if err != nil {
		msg := toErrorMessage(cmd.ID, err)
		logger.Debug().Str("code", msg.Code).Bool("retryable", msg.Retryable).Msg(msg.Message)
		if encErr := s.enc.EncodeError(msg); encErr != nil {
			logger.Warn().Err(encErr).Msg("Failed to send ERROR")
		}
		return
	}

	var raw json.RawMessage
	if result != nil {
		raw, err = json.Marshal(result)
		if err != nil {
			_ = s.enc.EncodeError(toErrorMessage(cmd.ID, err))
			return
		}
	}
	if err := s.enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    raw,
		Duration:  time.Since(start).Seconds(),
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to send DONE")
	}
}

// paramsError marks a request the host could not decode.
type paramsError struct{ err error }

func (e *paramsError) Error() string { return e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

func parse(cmd *protocol.CommandMessage, target any) error {
	if err := protocol.ParseParams(cmd.Params, target); err != nil {
		return &paramsError{err: err}
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, cmd *protocol.CommandMessage) (any, error) {
	switch cmd.Type {
	case protocol.CommandOpen, protocol.CommandSaveAs:
		var p protocol.PathParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		if cmd.Type == protocol.CommandOpen {
			return nil, s.sess.Open(ctx, p.Path)
		}
		return nil, s.sess.SaveAs(ctx, p.Path)

	case protocol.CommandClose:
		return nil, s.sess.Close(ctx)

	case protocol.CommandQuit:
		return nil, s.sess.Quit(ctx)

	case protocol.CommandAddProject:
		var p protocol.PathParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		ref, err := s.sess.AddProjectFromFile(ctx, p.Path)
		if err != nil {
			return nil, err
		}
		return &protocol.RefResult{Ref: ref}, nil

	case protocol.CommandListProjs:
		refs, err := s.sess.EnumerateProjects(ctx)
		if err != nil {
			return nil, err
		}
		return &protocol.RefsResult{Refs: refs}, nil

	case protocol.CommandChildren:
		var p protocol.RefParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		refs, err := s.sess.EnumerateSubProjects(ctx, p.Ref)
		if err != nil {
			return nil, err
		}
		return &protocol.RefsResult{Refs: refs}, nil

	case protocol.CommandGetProperty:
		var p protocol.PropertyParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		v, err := s.sess.GetProperty(ctx, p.Ref, p.Name)
		if err != nil {
			return nil, err
		}
		return &protocol.ValueResult{Value: v}, nil

	case protocol.CommandSetProperty:
		var p protocol.PropertyParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		return nil, s.sess.SetProperty(ctx, p.Ref, p.Name, p.Value)

	case protocol.CommandReload:
		var p protocol.RefParams
		if err := parse(cmd, &p); err != nil {
			return nil, err
		}
		ref, err := s.sess.ReloadProject(ctx, p.Ref)
		if err != nil {
			return nil, err
		}
		return &protocol.RefResult{Ref: ref}, nil

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func toErrorMessage(commandID string, err error) *protocol.ErrorMessage {
	msg := &protocol.ErrorMessage{CommandID: commandID, Code: protocol.ErrCodeFailed, Message: err.Error()}
	var pe *paramsError
	switch {
	case automation.IsBusy(err):
		msg.Code, msg.Retryable = protocol.ErrCodeBusy, true
	case errors.As(err, &pe):
		msg.Code = protocol.ErrCodeInvalidParams
	}
	return msg
}
