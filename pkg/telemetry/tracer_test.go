package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestTracer_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Tracing
	cfg.Enabled = true
	cfg.Exporter = "stdout"

	tr, err := newTracer(cfg, "projup", "test", "test", &buf)
	if err != nil {
		t.Fatalf("newTracer: %v", err)
	}

	_, span := tr.StartCommandSpan(context.Background(), "retarget", "All.sln")
	RecordError(span, errors.New("2 project(s) not updated"))
	RecordError(span, nil)
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"command.retarget", "projup.solution", "All.sln", "2 project(s) not updated"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported spans missing %q:\n%s", want, out)
		}
	}
}

func TestTracer_Disabled(t *testing.T) {
	tr, err := NewTracer(DefaultConfig().Tracing, "projup", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	_, span := tr.StartCommandSpan(context.Background(), "aggregate", "All.sln")
	if span.IsRecording() {
		t.Error("expected a disabled tracer to hand out non-recording spans")
	}
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestTracer_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig().Tracing
	cfg.Enabled = true
	cfg.Exporter = "zipkin"
	if _, err := newTracer(cfg, "projup", "test", "test", &bytes.Buffer{}); err == nil {
		t.Error("expected an unsupported exporter to fail")
	}
}
