package engine

import (
	"context"
	"fmt"
	"time"
)

// DefaultRetryDelay is the fixed pause between two attempts of a session call.
const DefaultRetryDelay = 3 * time.Second

// RetryExecutor runs session calls with a bounded number of attempts and a
// fixed delay between them. It is safe for concurrent use.
type RetryExecutor struct {
	// Delay is the pause between attempts. Zero means DefaultRetryDelay.
	Delay time.Duration

	// FailFastOnPermanent stops retrying on the first error that is not the busy signal.
	FailFastOnPermanent bool

	sink     LogSink
	observer Observer
}

// NewRetryExecutor creates a retry executor that reports to sink and observer.
// Either may be nil.
func NewRetryExecutor(delay time.Duration, sink LogSink, observer Observer) *RetryExecutor {
	if sink == nil {
		sink = discardSink{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &RetryExecutor{Delay: delay, sink: sink, observer: observer}
}

// retryContext is the budget of one retried action.
type retryContext struct {
	remaining int
	delay     time.Duration
}

// wait sleeps the fixed delay unless ctx is done first.
func (rc *retryContext) wait(ctx context.Context) error {
	if rc.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(rc.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempt calls fn at most maxAttempts times until it succeeds.
//
// A busy rejection is logged as a wait notice before the delay. When every
// attempt fails the last error is returned wrapped in a permanent EngineError
// with code RETRIES_EXHAUSTED; a raw busy signal inside it is classified busy
// first. Errors that are not retryable end the loop early and are returned as is. Cancellation is checked before each
// attempt and interrupts the delay.
func (r *RetryExecutor) Attempt(ctx context.Context, op string, maxAttempts int, fn func(context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	rc := &retryContext{remaining: maxAttempts, delay: r.delay()}

	var last error
	for rc.remaining > 0 {
		if err := ctx.Err(); err != nil {
			return cancelledError(op, err)
		}

		start := time.Now()
		err := fn(ctx)
		rc.remaining--
		r.observer.SessionCall(op, err, time.Since(start))
		if err == nil {
			return nil
		}
		last = err

		if IsCancelled(err) {
			if ctx.Err() != nil {
				return cancelledError(op, ctx.Err())
			}
			// A per-call deadline expired; the outer budget still allows another attempt.
		} else if !IsRetryable(err) {
			return err
		}

		busy := IsBusy(err)
		if _, classified := classOf(err); busy && !classified {
			err = NewBusyError("solution busy", err).WithOperation(op)
			last = err
		}
		if busy {
			r.sink.Log("Solution busy... Waiting %g seconds", rc.delay.Seconds())
		} else if r.FailFastOnPermanent && !IsStale(err) {
			break
		}
		if rc.remaining == 0 {
			break
		}

		r.observer.Retry(op, busy)
		if err := rc.wait(ctx); err != nil {
			return cancelledError(op, err)
		}
	}

	return NewPermanentError(
		fmt.Sprintf("giving up after %d attempts", maxAttempts-rc.remaining), last,
	).WithOperation(op).WithCode(ErrCodeRetriesExhausted)
}

func (r *RetryExecutor) delay() time.Duration {
	if r.Delay == 0 {
		return DefaultRetryDelay
	}
	return r.Delay
}

func cancelledError(op string, err error) error {
	return NewPermanentError("operation cancelled", err).
		WithOperation(op).
		WithCode(ErrCodeCancelled)
}
