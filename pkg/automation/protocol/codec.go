package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxLineSize bounds a single message line.
const maxLineSize = 10 * 1024 * 1024

// ErrStream wraps read failures of the underlying stream. No further
// messages can be decoded after it.
var ErrStream = errors.New("protocol stream failed")

// Encoder frames messages as newline-terminated JSON. Concurrent writers
// never interleave their lines.
type Encoder struct {
	mu  sync.Mutex
	out io.Writer
	buf bytes.Buffer
	now func() time.Time
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{out: w, now: time.Now}
}

// Encode wraps payload in an envelope of type t and writes it as one line.
func (e *Encoder) Encode(t MessageType, payload any) error {
	if err := t.Validate(); err != nil {
		return err
	}
	env := Message{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", t, err)
		}
		env.Data = data
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	env.Timestamp = e.now().UTC()
	e.buf.Reset()
	// json.Encoder terminates every value with '\n'.
	if err := json.NewEncoder(&e.buf).Encode(env); err != nil {
		return fmt.Errorf("encoding %s envelope: %w", t, err)
	}
	if _, err := e.out.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("writing %s: %w", t, err)
	}
	return nil
}

func (e *Encoder) EncodeReady(m *ReadyMessage) error { return e.Encode(MessageTypeReady, m) }
func (e *Encoder) EncodeDone(m *DoneMessage) error   { return e.Encode(MessageTypeDone, m) }
func (e *Encoder) EncodeError(m *ErrorMessage) error { return e.Encode(MessageTypeError, m) }
func (e *Encoder) EncodeExit(m *ExitMessage) error   { return e.Encode(MessageTypeExit, m) }

// EncodeCommand refuses commands the host would reject anyway.
func (e *Encoder) EncodeCommand(m *CommandMessage) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return e.Encode(MessageTypeCommand, m)
}

func (e *Encoder) EncodeEvent(m *EventMessage) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return e.Encode(MessageTypeEvent, m)
}

// Decoder splits a stream into envelopes, one per line.
type Decoder struct {
	lines *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(nil, maxLineSize)
	return &Decoder{lines: s}
}

// Decode returns the next envelope, or io.EOF once the peer closed the
// stream. Blank lines are a framing error.
func (d *Decoder) Decode() (*Message, error) {
	if !d.lines.Scan() {
		if err := d.lines.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStream, err)
		}
		return nil, io.EOF
	}
	line := bytes.TrimSpace(d.lines.Bytes())
	if len(line) == 0 {
		return nil, errors.New("blank protocol line")
	}

	msg := new(Message)
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeCommand reads the next envelope and requires it to carry a valid
// command.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("want %s, received %s", MessageTypeCommand, msg.Type)
	}
	cmd := new(CommandMessage)
	if err := ParseParams(msg.Data, cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// NewCommand builds a command whose params are the JSON form of params.
// The timeout is rounded down to whole seconds with a floor of one.
func NewCommand(id string, typ CommandType, timeout time.Duration, params any) (*CommandMessage, error) {
	cmd := &CommandMessage{
		ID:      id,
		Type:    typ,
		Timeout: max(int(timeout/time.Second), 1),
		Params:  json.RawMessage(`{}`),
	}
	if params == nil {
		return cmd, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", typ, err)
	}
	cmd.Params = raw
	return cmd, nil
}

// ParseParams decodes a params or result payload into target.
func ParseParams(raw json.RawMessage, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
