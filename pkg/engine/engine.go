package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/projup/projup/pkg/automation"
)

// Defaults for Options.
const (
	DefaultMaxAttempts     = 15
	DefaultAddAttempts     = 3
	DefaultUnitAttempts    = 10
	DefaultSessionAttempts = 10
	DefaultParallelism     = 4

	// maxContainerDepth bounds the recursion into nested containers.
	maxContainerDepth = 32
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// MaxAttempts is the number of outer passes of both operations.
	MaxAttempts int

	// AddAttempts is the retry budget of one project add.
	AddAttempts int

	// UnitAttempts is the retry budget of one project retarget unit.
	UnitAttempts int

	// SessionAttempts is the retry budget of open, save, close and enumeration calls.
	SessionAttempts int

	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration

	// Parallelism bounds the number of concurrent retarget units.
	Parallelism int

	// Extensions are the project file extensions to scan for.
	Extensions []string

	// FailFastOnPermanent stops retrying on errors that are not the busy signal.
	FailFastOnPermanent bool

	Sink     LogSink
	Recorder RunRecorder
	Observer Observer
	Tracer   trace.Tracer
	Guard    RetargetGuard
	Hook     MonikerHook
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.AddAttempts <= 0 {
		o.AddAttempts = DefaultAddAttempts
	}
	if o.UnitAttempts <= 0 {
		o.UnitAttempts = DefaultUnitAttempts
	}
	if o.SessionAttempts <= 0 {
		o.SessionAttempts = DefaultSessionAttempts
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if len(o.Extensions) == 0 {
		o.Extensions = DefaultProjectExtensions
	}
	if o.Sink == nil {
		o.Sink = discardSink{}
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/projup/projup/pkg/engine")
	}
	return o
}

// Engine reconciles a solution manifest with the project files on disk.
// Runs on one engine are sequential; the views may be read at any time.
type Engine struct {
	connector automation.Connector
	solution  string
	opts      Options
	retry     *RetryExecutor
	state     *reconciliationState

	// runMu serializes runs.
	runMu sync.Mutex
}

// New creates an engine for the manifest at solution. Every run opens its own
// session through connector.
func New(connector automation.Connector, solution string, opts Options) *Engine {
	opts = opts.withDefaults()
	retry := NewRetryExecutor(opts.RetryDelay, opts.Sink, opts.Observer)
	retry.FailFastOnPermanent = opts.FailFastOnPermanent
	return &Engine{
		connector: connector,
		solution:  solution,
		opts:      opts,
		retry:     retry,
		state:     newReconciliationState(),
	}
}

// Solution returns the manifest path.
func (e *Engine) Solution() string {
	return e.solution
}

// MissingProjects returns the project files still absent from the manifest
// after the last aggregate run, in discovery order.
func (e *Engine) MissingProjects() []ProjectFileCandidate {
	return e.state.missingSnapshot()
}

// NonUpdatedProjects returns the projects that did not converge in the last
// retarget run. Containers are never included.
func (e *Engine) NonUpdatedProjects() []ProjectView {
	return e.state.nonUpdatedViews()
}

// DiffMissing scans root and returns the project files whose name is not
// referenced by the manifest text. No session is opened.
func (e *Engine) DiffMissing(root string) ([]ProjectFileCandidate, error) {
	candidates, err := CollectProjectFiles(root, e.opts.Extensions)
	if err != nil {
		return nil, err
	}
	membership, err := ReadMembership(e.solution)
	if err != nil {
		return nil, err
	}
	return membership.Diff(candidates), nil
}

// startRun creates and records a run.
func (e *Engine) startRun(ctx context.Context, op Operation, target string) *Run {
	run := &Run{
		ID:        uuid.New().String(),
		Operation: op,
		Solution:  e.solution,
		Target:    target,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}
	if e.opts.Recorder != nil {
		if err := e.opts.Recorder.RunStarted(ctx, run); err != nil {
			log.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record run start")
		}
	}
	return run
}

// finishRun stamps and records the terminal state of run.
func (e *Engine) finishRun(ctx context.Context, run *Run, status RunStatus, err error) {
	run.finish(status, err)
	if e.opts.Recorder != nil {
		if recErr := e.opts.Recorder.RunFinished(context.WithoutCancel(ctx), run); recErr != nil {
			log.Warn().Err(recErr).Str("run_id", run.ID).Msg("Failed to record run result")
		}
	}
}

// recordOutcome reports a project outcome to the recorder and observer.
func (e *Engine) recordOutcome(ctx context.Context, run *Run, outcome ProjectOutcome) {
	e.opts.Observer.Outcome(run.Operation, outcome.Outcome)
	if e.opts.Recorder == nil {
		return
	}
	if err := e.opts.Recorder.RecordOutcome(context.WithoutCancel(ctx), run.ID, outcome); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Str("project", outcome.Project).
			Msg("Failed to record project outcome")
	}
}

// connect opens a serialized session.
func (e *Engine) connect(ctx context.Context) (*automation.Serialized, error) {
	sess, err := e.connector.Connect(ctx)
	if err != nil {
		return nil, NewFatalError("failed to start automation session", err).
			WithCode(ErrCodeSessionOpenFailed)
	}
	return automation.Serialize(sess), nil
}

// openSolution opens the manifest, creating it first when create is set and it
// does not exist yet.
func (e *Engine) openSolution(ctx context.Context, sess automation.Session, create bool) error {
	n := e.opts.SessionAttempts
	if create {
		if _, err := os.Stat(e.solution); errors.Is(err, fs.ErrNotExist) {
			e.opts.Sink.Log("Since solution does not exist, creating dummy placeholder")
			err := e.retry.Attempt(ctx, automation.OpSaveAs, n, func(ctx context.Context) error {
				return sess.SaveAs(ctx, e.solution)
			})
			if err != nil {
				return NewFatalError("failed to create solution", err).
					WithResource(e.solution).
					WithCode(ErrCodeSessionSaveFailed)
			}
		} else {
			e.opts.Sink.Log("Solution already exists")
		}
	}

	err := e.retry.Attempt(ctx, automation.OpOpen, n, func(ctx context.Context) error {
		return sess.Open(ctx, e.solution)
	})
	if err != nil {
		if IsCancelled(err) {
			return err
		}
		return NewFatalError("failed to open solution", err).
			WithResource(e.solution).
			WithCode(ErrCodeSessionOpenFailed)
	}
	return nil
}

// saveSolution writes the manifest back to its path.
func (e *Engine) saveSolution(ctx context.Context, sess automation.Session) error {
	e.opts.Sink.Log("Saving Solution")
	err := e.retry.Attempt(ctx, automation.OpSaveAs, e.opts.SessionAttempts, func(ctx context.Context) error {
		return sess.SaveAs(ctx, e.solution)
	})
	if err != nil {
		if IsCancelled(err) {
			return err
		}
		return NewFatalError("failed to save solution", err).
			WithResource(e.solution).
			WithCode(ErrCodeSessionSaveFailed)
	}
	return nil
}

// closeSession closes the manifest, quits the session and stops its owner
// goroutine. It still runs after ctx is cancelled, with a single attempt per call.
func (e *Engine) closeSession(ctx context.Context, sess *automation.Serialized) {
	defer sess.Stop()

	n := e.opts.SessionAttempts
	if ctx.Err() != nil {
		n = 1
	}
	ctx = context.WithoutCancel(ctx)

	e.opts.Sink.Log("Closing Solution")
	if err := e.retry.Attempt(ctx, automation.OpClose, n, sess.Close); err != nil {
		err = NewPermanentError("failed to close solution", err).
			WithOperation(automation.OpClose).
			WithCode(ErrCodeSessionCloseFailed)
		e.opts.Sink.Log("Failed to close solution: %v", err)
	}
	if err := e.retry.Attempt(ctx, automation.OpQuit, n, sess.Quit); err != nil {
		e.opts.Sink.Log("Failed to quit automation session: %v", err)
	}
}

// loadProjects enumerates the manifest and expands containers.
func (e *Engine) loadProjects(ctx context.Context, sess automation.Session) ([]Project, error) {
	var refs []automation.ProjectRef
	err := e.retry.Attempt(ctx, automation.OpListProjs, e.opts.SessionAttempts, func(ctx context.Context) error {
		var err error
		refs, err = sess.EnumerateProjects(ctx)
		return err
	})
	if err != nil {
		if IsCancelled(err) {
			return nil, err
		}
		return nil, NewFatalError("failed to enumerate projects", err).WithResource(e.solution)
	}
	return e.expand(ctx, sess, refs, 0), nil
}

// expand wraps refs, recursing into containers. A container whose children
// cannot be listed is kept as a special leaf.
func (e *Engine) expand(ctx context.Context, sess automation.Session, refs []automation.ProjectRef, depth int) []Project {
	out := make([]Project, 0, len(refs))
	for _, ref := range refs {
		if !ref.Kind.IsContainer() {
			out = append(out, Leaf{Descriptor: newDescriptor(ref)})
			continue
		}
		if depth >= maxContainerDepth {
			out = append(out, Leaf{Descriptor: newDescriptor(ref)})
			continue
		}

		var children []automation.ProjectRef
		err := e.retry.Attempt(ctx, automation.OpChildren, e.opts.SessionAttempts, func(ctx context.Context) error {
			var err error
			children, err = sess.EnumerateSubProjects(ctx, ref)
			return err
		})
		if err != nil {
			e.opts.Sink.Log("Could not list the projects nested in %s: %v", ref, err)
			out = append(out, Leaf{Descriptor: newDescriptor(ref)})
			continue
		}
		out = append(out, Container{Ref: ref, Children: e.expand(ctx, sess, children, depth+1)})
	}
	return out
}

// startSpan starts a span and returns a function ending it with err.
func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := e.opts.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// terminalStatus maps a run error to its status.
func terminalStatus(err error, remaining int) RunStatus {
	switch {
	case err != nil && IsCancelled(err):
		return RunStatusCancelled
	case err != nil:
		return RunStatusFailed
	case remaining > 0:
		return RunStatusPartial
	default:
		return RunStatusSucceeded
	}
}
