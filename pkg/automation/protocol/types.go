// Package protocol defines the JSON-over-stdio protocol spoken between projup
// and an automation host.
//
// Every message is one line of JSON. The host announces itself with READY,
// then answers each CMD with zero or more EVENT messages followed by exactly
// one DONE or ERROR carrying the command ID. EXIT is sent before the host
// terminates.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/projup/projup/pkg/automation"
)

// MessageType tags an envelope.
type MessageType string

// Envelope types. READY and EXIT bracket a host's lifetime; CMD flows to the
// host and the rest flow back.
const (
	MessageTypeReady   MessageType = "READY"
	MessageTypeCommand MessageType = "CMD"
	MessageTypeEvent   MessageType = "EVENT"
	MessageTypeDone    MessageType = "DONE"
	MessageTypeError   MessageType = "ERROR"
	MessageTypeExit    MessageType = "EXIT"
)

// CommandType names a session operation.
type CommandType string

// Commands, one per automation.Session method.
const (
	CommandOpen        CommandType = automation.OpOpen
	CommandSaveAs      CommandType = automation.OpSaveAs
	CommandClose       CommandType = automation.OpClose
	CommandQuit        CommandType = automation.OpQuit
	CommandAddProject  CommandType = automation.OpAddProject
	CommandListProjs   CommandType = automation.OpListProjs
	CommandChildren    CommandType = automation.OpChildren
	CommandGetProperty CommandType = automation.OpGetProperty
	CommandSetProperty CommandType = automation.OpSetProperty
	CommandReload      CommandType = automation.OpReload
)

// Error codes carried by ErrorMessage.
const (
	ErrCodeBusy          = "BUSY"
	ErrCodeInvalidParams = "INVALID_PARAMS"
	ErrCodeUnsupported   = "UNSUPPORTED"
	ErrCodeFailed        = "FAILED"
	ErrCodeInit          = "INIT_FAILED"
)

// Message is the envelope written on every line. Data holds one of the
// payload types below, selected by Type.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces the host and the commands it accepts.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Session  string            `json:"session"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage asks the host to run one session operation.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params"`
}

// EventMessage is a progress line emitted while a command runs.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
}

// DoneMessage ends a command that succeeded.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage ends a command that failed. Retryable is set when the
// automation server rejected the call because it was busy.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExitMessage is the last line a host writes.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// PathParams carries a file path for open, save_as and add.
type PathParams struct {
	Path string `json:"path"`
}

// RefParams carries a project ref for children and reload.
type RefParams struct {
	Ref automation.ProjectRef `json:"ref"`
}

// PropertyParams carries a property read or write.
type PropertyParams struct {
	Ref   automation.ProjectRef `json:"ref"`
	Name  string                `json:"name"`
	Value string                `json:"value,omitempty"`
}

// RefResult is the result of add and reload.
type RefResult struct {
	Ref automation.ProjectRef `json:"ref"`
}

// RefsResult is the result of list and children.
type RefsResult struct {
	Refs []automation.ProjectRef `json:"refs"`
}

// ValueResult is the result of a property read.
type ValueResult struct {
	Value string `json:"value"`
}

var (
	messageTypes = map[MessageType]struct{}{
		MessageTypeReady: {}, MessageTypeCommand: {}, MessageTypeEvent: {},
		MessageTypeDone: {}, MessageTypeError: {}, MessageTypeExit: {},
	}
	commandTypes = map[CommandType]struct{}{
		CommandOpen: {}, CommandSaveAs: {}, CommandClose: {}, CommandQuit: {},
		CommandAddProject: {}, CommandListProjs: {}, CommandChildren: {},
		CommandGetProperty: {}, CommandSetProperty: {}, CommandReload: {},
	}
	eventLevels = map[string]struct{}{"info": {}, "warn": {}, "debug": {}}
)

func (mt MessageType) Validate() error {
	if _, ok := messageTypes[mt]; !ok {
		return fmt.Errorf("unknown message type %q", mt)
	}
	return nil
}

func (ct CommandType) Validate() error {
	if _, ok := commandTypes[ct]; !ok {
		return fmt.Errorf("unknown command %q", ct)
	}
	return nil
}

// Validate rejects commands without an ID, a positive timeout or params.
func (cmd *CommandMessage) Validate() error {
	switch {
	case cmd.ID == "":
		return errors.New("command without id")
	case cmd.Timeout <= 0:
		return fmt.Errorf("command %s: timeout must be positive", cmd.ID)
	case len(cmd.Params) == 0:
		return fmt.Errorf("command %s: params missing", cmd.ID)
	}
	return cmd.Type.Validate()
}

// Validate defaults an empty level to info.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return errors.New("event without command id")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	if _, ok := eventLevels[evt.Level]; !ok {
		return fmt.Errorf("unknown event level %q", evt.Level)
	}
	return nil
}

func (e *ErrorMessage) Error() string {
	return e.Code + ": " + e.Message
}
