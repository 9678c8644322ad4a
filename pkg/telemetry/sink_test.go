package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memoryLineStore struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (s *memoryLineStore) AppendLog(_ context.Context, line string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, line)
	return nil
}

func (s *memoryLineStore) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func jsonLogger(w io.Writer) *Logger {
	return NewWriterLogger(w, LoggingConfig{Level: "info", Format: "json"})
}

func TestSink_KeepsOrderAndEchoes(t *testing.T) {
	var buf bytes.Buffer
	store := &memoryLineStore{}
	sink := NewSink(jsonLogger(&buf), store, SinkConfig{BufferSize: 16})

	sink.Log("Attempt %d", 1)
	sink.Log("Solution busy... Waiting %g seconds", 3.0)
	sink.Close()

	want := []string{"Attempt 1", "Solution busy... Waiting 3 seconds"}
	got := sink.Lines()
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	stored := store.snapshot()
	if len(stored) != 2 || stored[1] != want[1] {
		t.Errorf("expected store to receive both lines, got %v", stored)
	}
	if !strings.Contains(buf.String(), `"component":"engine"`) {
		t.Errorf("expected component field in log output, got %s", buf.String())
	}
}

func TestSink_NeverBlocksWhenFull(t *testing.T) {
	store := &blockingLineStore{release: make(chan struct{})}
	sink := NewSink(jsonLogger(io.Discard), store, SinkConfig{BufferSize: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			sink.Log("line %d", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a full queue")
	}

	if n := len(sink.Lines()); n != 50 {
		t.Errorf("expected 50 lines kept, got %d", n)
	}
	if sink.Dropped() == 0 {
		t.Error("expected some echoes to be dropped")
	}

	close(store.release)
	sink.Close()
}

type blockingLineStore struct {
	release chan struct{}
	memoryLineStore
}

func (s *blockingLineStore) AppendLog(ctx context.Context, line string, at time.Time) error {
	<-s.release
	return s.memoryLineStore.AppendLog(ctx, line, at)
}

func TestSink_FullQueueStillPersistsEveryLine(t *testing.T) {
	store := &blockingLineStore{release: make(chan struct{})}
	sink := NewSink(jsonLogger(io.Discard), store, SinkConfig{BufferSize: 1})

	for i := 0; i < 20; i++ {
		sink.Log("line %d", i)
	}
	if sink.Dropped() == 0 {
		t.Fatal("expected the echo queue to overflow")
	}
	close(store.release)
	sink.Close()
	sink.Log("after close")

	got := store.snapshot()
	if len(got) != 20 {
		t.Fatalf("expected 20 persisted lines, got %d: %v", len(got), got)
	}
	for i, line := range got {
		if want := fmt.Sprintf("line %d", i); line != want {
			t.Errorf("persisted[%d] = %q, want %q", i, line, want)
		}
	}
}

func TestSink_StoreErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(jsonLogger(&buf), &memoryLineStore{err: errors.New("disk full")}, SinkConfig{BufferSize: 4})
	sink.Log("hello")
	sink.Close()

	if !strings.Contains(buf.String(), "disk full") {
		t.Errorf("expected store error in log output, got %s", buf.String())
	}
}

func TestSink_LogAfterClose(t *testing.T) {
	sink := NewSink(jsonLogger(io.Discard), nil, SinkConfig{BufferSize: 4})
	sink.Close()
	sink.Close()

	sink.Log("late")
	if got := sink.Lines(); len(got) != 1 || got[0] != "late" {
		t.Errorf("expected late line kept, got %v", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"zero buffer", func(c *Config) { c.Sink.BufferSize = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
