package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/projup/projup/pkg/automation"
)

func fixedClock(e *Encoder) {
	e.now = func() time.Time { return time.Date(2015, 7, 20, 0, 0, 0, 0, time.UTC) }
}

func TestEncode_OneLinePerMessage(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	fixedClock(enc)

	steps := []func() error{
		func() error {
			return enc.EncodeReady(&ReadyMessage{Version: "dev", Platform: "windows", Session: "solution-file"})
		},
		func() error {
			return enc.EncodeEvent(&EventMessage{CommandID: "c1", Message: "Opening <App.sln>"})
		},
		func() error { return enc.EncodeDone(&DoneMessage{CommandID: "c1", Duration: 0.25}) },
		func() error {
			return enc.EncodeError(&ErrorMessage{CommandID: "c2", Code: ErrCodeBusy, Message: "rejected", Retryable: true})
		},
		func() error { return enc.EncodeExit(&ExitMessage{Reason: "stdin_closed", CommandsTotal: 2}) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	want := []MessageType{MessageTypeReady, MessageTypeEvent, MessageTypeDone, MessageTypeError, MessageTypeExit}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), buf.String())
	}
	for i, line := range lines {
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("line %d is not JSON: %v", i, err)
		}
		if msg.Type != want[i] {
			t.Errorf("line %d: type %s, want %s", i, msg.Type, want[i])
		}
		if !msg.Timestamp.Equal(time.Date(2015, 7, 20, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("line %d: timestamp %v", i, msg.Timestamp)
		}
	}
}

func TestEncode_Rejects(t *testing.T) {
	enc := NewEncoder(io.Discard)

	if err := enc.Encode(MessageType("PING"), nil); err == nil {
		t.Error("unknown envelope type was encoded")
	}
	if err := enc.EncodeEvent(&EventMessage{CommandID: "c1", Level: "trace"}); err == nil {
		t.Error("event with unknown level was encoded")
	}
	if err := enc.EncodeCommand(&CommandMessage{ID: "c1", Type: "exec", Timeout: 1, Params: json.RawMessage(`{}`)}); err == nil {
		t.Error("unknown command was encoded")
	}
}

func TestEncode_ConcurrentWritersDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = enc.EncodeEvent(&EventMessage{CommandID: "c", Message: strings.Repeat("x", 100+i)})
		}()
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	count := 0
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decode after %d messages: %v", count, err)
		}
		if msg.Type != MessageTypeEvent {
			t.Fatalf("unexpected type %s", msg.Type)
		}
		count++
	}
	if count != 16 {
		t.Errorf("decoded %d events, want 16", count)
	}
}

func TestDecode(t *testing.T) {
	const ts = `"timestamp":"2015-07-20T00:00:00Z"`
	cases := map[string]struct {
		line    string
		want    MessageType
		wantErr bool
	}{
		"ready":        {line: `{"type":"READY",` + ts + `,"data":{"version":"dev","capabilities":{}}}`, want: MessageTypeReady},
		"without data": {line: `{"type":"EXIT",` + ts + `}`, want: MessageTypeExit},
		"padded":       {line: "  {\"type\":\"DONE\"," + ts + "}\t", want: MessageTypeDone},
		"not json":     {line: `{"type":`, wantErr: true},
		"unknown type": {line: `{"type":"PING",` + ts + `}`, wantErr: true},
		"blank":        {line: ``, wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			msg, err := NewDecoder(strings.NewReader(tc.line + "\n")).Decode()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if msg.Type != tc.want {
				t.Errorf("type %s, want %s", msg.Type, tc.want)
			}
		})
	}
}

func TestDecode_EndOfStream(t *testing.T) {
	if _, err := NewDecoder(strings.NewReader("")).Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("pipe broken") }

func TestDecode_StreamFailure(t *testing.T) {
	_, err := NewDecoder(failingReader{}).Decode()
	if !errors.Is(err, ErrStream) {
		t.Errorf("expected ErrStream, got %v", err)
	}
}

func TestDecodeCommand(t *testing.T) {
	cmd := func(data string) string {
		return `{"type":"CMD","timestamp":"2015-07-20T00:00:00Z","data":` + data + `}`
	}
	cases := []struct {
		name    string
		line    string
		want    CommandType
		wantErr bool
	}{
		{
			name: "property set",
			line: cmd(`{"id":"c2","type":"property.set","timeout":10,"params":{"ref":{"index":1,"name":"A"},"name":"TargetFrameworkMoniker","value":".NETFramework,Version=v4.5"}}`),
			want: CommandSetProperty,
		},
		{name: "not a command", line: `{"type":"EVENT","timestamp":"2015-07-20T00:00:00Z","data":{}}`, wantErr: true},
		{name: "unknown command", line: cmd(`{"id":"c3","type":"exec","timeout":30,"params":{}}`), wantErr: true},
		{name: "no id", line: cmd(`{"type":"session.close","timeout":30,"params":{}}`), wantErr: true},
		{name: "zero timeout", line: cmd(`{"id":"c4","type":"session.close","timeout":0,"params":{}}`), wantErr: true},
		{name: "no params", line: cmd(`{"id":"c5","type":"session.close","timeout":5}`), wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewDecoder(strings.NewReader(tc.line + "\n")).DecodeCommand()
			if (err != nil) != tc.wantErr {
				t.Fatalf("DecodeCommand error = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && got.Type != tc.want {
				t.Errorf("command %s, want %s", got.Type, tc.want)
			}
		})
	}
}

func TestNewCommand_ThroughCodec(t *testing.T) {
	ref := automation.ProjectRef{Index: 3, FullName: `C:\w\A\A.csproj`, Name: "A", Kind: automation.KindProject}
	cmd, err := NewCommand("c5", CommandGetProperty, 500*time.Millisecond, &PropertyParams{Ref: ref, Name: "TargetFrameworkMoniker"})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if cmd.Timeout != 1 {
		t.Errorf("sub-second timeout should floor at 1s, got %d", cmd.Timeout)
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeCommand(cmd); err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	got, err := NewDecoder(&buf).DecodeCommand()
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}

	var params PropertyParams
	if err := ParseParams(got.Params, &params); err != nil {
		t.Fatalf("ParseParams: %v", err)
	}
	if params.Ref != ref || params.Name != "TargetFrameworkMoniker" {
		t.Errorf("params %+v", params)
	}

	bare, err := NewCommand("c6", CommandClose, 90*time.Second, nil)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if string(bare.Params) != "{}" || bare.Timeout != 90 {
		t.Errorf("bare command: params %s timeout %d", bare.Params, bare.Timeout)
	}
}

func TestValidate(t *testing.T) {
	if CommandType("exec").Validate() == nil {
		t.Error("exec accepted as a command")
	}
	for ct := range commandTypes {
		if err := ct.Validate(); err != nil {
			t.Errorf("%s: %v", ct, err)
		}
	}

	evt := &EventMessage{CommandID: "c1"}
	if err := evt.Validate(); err != nil || evt.Level != "info" {
		t.Errorf("level %q, err %v", evt.Level, err)
	}
	if (&EventMessage{}).Validate() == nil {
		t.Error("event without command id accepted")
	}

	var err error = &ErrorMessage{Code: ErrCodeBusy, Message: "call was rejected"}
	if err.Error() != "BUSY: call was rejected" {
		t.Errorf("Error() = %q", err.Error())
	}
}
