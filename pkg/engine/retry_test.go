package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/projup/projup/pkg/automation"
)

// lineSink collects formatted log lines.
type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) Log(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, fmt.Sprintf(format, args...))
}

func (s *lineSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func (s *lineSink) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func TestRetryExecutor_SucceedsFirstTime(t *testing.T) {
	r := NewRetryExecutor(time.Millisecond, nil, nil)

	calls := 0
	err := r.Attempt(context.Background(), "op", 5, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryExecutor_RetryBound(t *testing.T) {
	for _, k := range []int{1, 2, 3, 7} {
		r := NewRetryExecutor(time.Millisecond, nil, nil)
		calls := 0
		err := r.Attempt(context.Background(), "op", k, func(context.Context) error {
			calls++
			return errors.New("still broken")
		})
		if err == nil {
			t.Fatalf("k=%d: expected an error after exhausting attempts", k)
		}
		if calls != k {
			t.Errorf("k=%d: expected %d calls, got %d", k, k, calls)
		}
	}
}

func TestRetryExecutor_ZeroAttemptsRunsOnce(t *testing.T) {
	r := NewRetryExecutor(time.Millisecond, nil, nil)
	calls := 0
	_ = r.Attempt(context.Background(), "op", 0, func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryExecutor_ExhaustionPropagatesLastError(t *testing.T) {
	r := NewRetryExecutor(time.Millisecond, nil, nil)
	sentinel := errors.New("project file is malformed")

	err := r.Attempt(context.Background(), automation.OpAddProject, 3, func(context.Context) error {
		return sentinel
	})
	if err == nil {
		t.Fatal("expected the caller to observe a failure")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected last error in chain, got %v", err)
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected *EngineError, got %T", err)
	}
	if engineErr.Code != ErrCodeRetriesExhausted {
		t.Errorf("expected code %s, got %s", ErrCodeRetriesExhausted, engineErr.Code)
	}
	if engineErr.Operation != automation.OpAddProject {
		t.Errorf("expected operation %s, got %s", automation.OpAddProject, engineErr.Operation)
	}
	if !IsPermanent(err) {
		t.Error("expected exhausted retries to be permanent")
	}
}

func TestRetryExecutor_BusyLogsWaitNotice(t *testing.T) {
	sink := &lineSink{}
	r := NewRetryExecutor(time.Millisecond, sink, nil)

	calls := 0
	err := r.Attempt(context.Background(), "op", 5, func(context.Context) error {
		calls++
		if calls < 3 {
			return automation.ErrBusy
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if got := sink.count("Solution busy... Waiting"); got != 2 {
		t.Errorf("expected 2 wait notices, got %d", got)
	}
}

func TestRetryExecutor_NonBusyDoesNotLogWaitNotice(t *testing.T) {
	sink := &lineSink{}
	r := NewRetryExecutor(time.Millisecond, sink, nil)

	_ = r.Attempt(context.Background(), "op", 2, func(context.Context) error {
		return errors.New("other failure")
	})
	if sink.contains("Solution busy") {
		t.Error("expected no wait notice for non-busy errors")
	}
}

func TestRetryExecutor_FailFastOnPermanent(t *testing.T) {
	r := NewRetryExecutor(time.Millisecond, nil, nil)
	r.FailFastOnPermanent = true

	calls := 0
	err := r.Attempt(context.Background(), "op", 5, func(context.Context) error {
		calls++
		return errors.New("not busy")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}

	calls = 0
	_ = r.Attempt(context.Background(), "op", 3, func(context.Context) error {
		calls++
		return automation.ErrBusy
	})
	if calls != 3 {
		t.Errorf("expected busy errors to keep retrying, got %d calls", calls)
	}
}

func TestRetryExecutor_FatalStopsImmediately(t *testing.T) {
	r := NewRetryExecutor(time.Millisecond, nil, nil)
	calls := 0
	err := r.Attempt(context.Background(), "op", 5, func(context.Context) error {
		calls++
		return NewFatalError("gone", nil)
	})
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryExecutor_ClassifiesRawBusySignal(t *testing.T) {
	r := NewRetryExecutor(time.Millisecond, nil, nil)
	raw := errors.New("call was rejected by callee (" + automation.BusyMarker + ")")

	err := r.Attempt(context.Background(), automation.OpOpen, 2, func(context.Context) error {
		return raw
	})
	if !errors.Is(err, raw) {
		t.Fatalf("expected the raw error in the chain, got %v", err)
	}
	var inner *EngineError
	if !errors.As(errors.Unwrap(err), &inner) {
		t.Fatalf("expected a classified cause, got %v", errors.Unwrap(err))
	}
	if inner.Class != ErrorClassBusy || inner.Operation != automation.OpOpen {
		t.Errorf("cause class %s operation %s", inner.Class, inner.Operation)
	}
}

func TestRetryExecutor_StopsOnNonRetryable(t *testing.T) {
	cases := map[string]struct {
		err       error
		wantCalls int
	}{
		"permanent":         {err: NewPermanentError("bad path", nil), wantCalls: 1},
		"fatal":             {err: NewFatalError("session gone", nil), wantCalls: 1},
		"stale":             {err: NewStaleError("handle invalid", nil), wantCalls: 3},
		"per-call deadline": {err: context.DeadlineExceeded, wantCalls: 3},
		"unclassified":      {err: errors.New("free text"), wantCalls: 3},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewRetryExecutor(time.Millisecond, nil, nil)
			calls := 0
			_ = r.Attempt(context.Background(), "op", 3, func(context.Context) error {
				calls++
				return tc.err
			})
			if calls != tc.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryExecutor_CancelledDuringDelay(t *testing.T) {
	r := NewRetryExecutor(time.Hour, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Attempt(ctx, "op", 5, func(context.Context) error {
			calls++
			return automation.ErrBusy
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !IsCancelled(err) {
			t.Errorf("expected cancellation error, got %v", err)
		}
		var engineErr *EngineError
		if errors.As(err, &engineErr) && engineErr.Code != ErrCodeCancelled {
			t.Errorf("expected code %s, got %s", ErrCodeCancelled, engineErr.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected cancellation to interrupt the delay")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestRetryExecutor_ObserverCallbacks(t *testing.T) {
	obs := &countingObserver{}
	r := NewRetryExecutor(time.Millisecond, nil, obs)

	calls := 0
	_ = r.Attempt(context.Background(), "op", 3, func(context.Context) error {
		calls++
		if calls == 1 {
			return automation.ErrBusy
		}
		return nil
	})
	if obs.sessionCalls != 2 {
		t.Errorf("expected 2 session calls, got %d", obs.sessionCalls)
	}
	if obs.busyRetries != 1 {
		t.Errorf("expected 1 busy retry, got %d", obs.busyRetries)
	}
}

type countingObserver struct {
	mu           sync.Mutex
	sessionCalls int
	busyRetries  int
	passes       int
	outcomes     map[Outcome]int
}

func (o *countingObserver) SessionCall(string, error, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessionCalls++
}

func (o *countingObserver) Retry(_ string, busy bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if busy {
		o.busyRetries++
	}
}

func (o *countingObserver) Pass(Operation, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes++
}

func (o *countingObserver) Outcome(_ Operation, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[Outcome]int)
	}
	o.outcomes[outcome]++
}
