package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/projup/projup/pkg/automation"
)

// UpdateTargetFrameworkForProjects sets the framework moniker of every project
// in the manifest to target. maxAttempts bounds the outer passes; zero selects
// the configured default.
//
// Each pass fans out one unit per non-updated project, bounded by the
// configured parallelism; all session calls are serialized. Containers are
// excluded, projects on an incompatible platform are left alone. Projects that
// never converge are reported by NonUpdatedProjects and in the result.
func (e *Engine) UpdateTargetFrameworkForProjects(ctx context.Context, target TargetFramework, maxAttempts int) (_ *RetargetResult, err error) {
	if vErr := target.Validate(); vErr != nil {
		return nil, NewPermanentError("invalid target framework", vErr).WithCode(ErrCodeValidation)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	if maxAttempts <= 0 {
		maxAttempts = e.opts.MaxAttempts
	}

	moniker := target.Moniker()
	e.state.reset()
	run := e.startRun(ctx, OperationRetarget, moniker)
	ctx, endSpan := e.startSpan(ctx, "engine.retarget",
		attribute.String("run_id", run.ID),
		attribute.String("solution", e.solution),
		attribute.String("target", moniker),
	)

	result := &RetargetResult{RunID: run.ID, Solution: e.solution, Target: moniker}
	start := time.Now()
	e.opts.Sink.Log("Starting the Project Updating process")
	defer func() {
		if err != nil {
			e.opts.Sink.Log("~~~~~~ An error occurred while attempting to update all the projects ~~~~~~~")
			e.opts.Sink.Log("%v", err)
		}
		result.Duration = time.Since(start)
		result.Outcomes = e.state.outcomeSnapshot()
		result.NonUpdated = e.state.nonUpdatedViews()
		run.Passes = result.Passes
		run.Remaining = len(result.NonUpdated)
		e.finishRun(ctx, run, terminalStatus(err, len(result.NonUpdated)), err)
		e.opts.Sink.Log("Project Updating process is finished")
		endSpan(err)
	}()

	sess, err := e.connect(ctx)
	if err != nil {
		return result, err
	}
	defer e.closeSession(ctx, sess)

	if err = e.openSolution(ctx, sess, false); err != nil {
		return result, err
	}

	projects, err := e.loadProjects(ctx, sess)
	if err != nil {
		return result, err
	}
	descriptors := Flatten(projects)
	e.state.seedNonUpdated(descriptors)
	e.opts.Sink.Log("Number of projects currently in the solution: %d", len(descriptors))

	for pass := 1; pass <= maxAttempts; pass++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, cancelledError(string(OperationRetarget), ctxErr)
		}

		pending := e.state.pending()
		if len(pending) == 0 {
			break
		}
		result.Passes = pass
		e.opts.Sink.Log("************ Attempt %d ************", pass)
		e.opts.Sink.Log("Number of projects not yet updated: %d", len(pending))

		if err = e.retargetPass(ctx, sess, run, pass, pending, moniker); err != nil {
			return result, err
		}
		e.opts.Observer.Pass(OperationRetarget, pass, len(e.state.nonUpdatedViews()))
	}

	if err = e.saveSolution(ctx, sess); err != nil {
		return result, err
	}

	for _, v := range e.state.nonUpdatedViews() {
		e.recordOutcome(ctx, run, ProjectOutcome{Project: v.FullName, Outcome: OutcomeNonUpdated, After: moniker})
	}
	return result, nil
}

// retargetPass runs one unit per pending descriptor and waits for all of them.
// Only cancellation is returned; per-project failures leave the descriptor
// in the non-updated set for the next pass.
func (e *Engine) retargetPass(
	ctx context.Context,
	sess automation.Session,
	run *Run,
	pass int,
	pending []*ProjectHandleDescriptor,
	moniker string,
) error {
	ctx, endSpan := e.startSpan(ctx, "engine.retarget.pass", attribute.Int("pass", pass))

	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for _, d := range pending {
		g.Go(func() error {
			u := &retargetUnit{engine: e, sess: sess, d: d, target: moniker}
			outcome, err := u.run(ctx)
			if err != nil {
				if IsCancelled(err) {
					return err
				}
				e.opts.Sink.Log("Could not update %s for now: %v", d.Name, err)
				return nil
			}
			e.recordOutcome(ctx, run, outcome)
			return nil
		})
	}
	err := g.Wait()
	endSpan(err)
	return err
}

// retargetUnit converges one descriptor. Its state survives retries so that a
// write followed by a failed reload is still reported as a retarget.
type retargetUnit struct {
	engine *Engine
	sess   automation.Session
	d      *ProjectHandleDescriptor
	target string

	written bool
	before  string
}

func (u *retargetUnit) run(ctx context.Context) (ProjectOutcome, error) {
	e := u.engine
	ctx, endSpan := e.startSpan(ctx, "engine.retarget.project", attribute.String("project", u.d.FullName))

	var outcome ProjectOutcome
	err := e.retry.Attempt(ctx, "project.retarget", e.opts.UnitAttempts, func(ctx context.Context) error {
		var err error
		outcome, err = u.attempt(ctx)
		return err
	})
	endSpan(err)
	return outcome, err
}

func (u *retargetUnit) attempt(ctx context.Context) (ProjectOutcome, error) {
	e, d := u.engine, u.d
	state := e.state

	if state.isStale(d) {
		ref, err := u.sess.ReloadProject(ctx, d.Ref)
		if err != nil {
			if IsBusy(err) {
				return ProjectOutcome{}, err
			}
			return ProjectOutcome{}, NewStaleError("failed to reload project", err).WithResource(d.FullName)
		}
		state.refresh(d, ref)
	}

	if d.Special || d.Ref.Kind.IsContainer() {
		state.markSpecial(d)
		outcome := ProjectOutcome{Project: d.key(), Outcome: OutcomeSpecial}
		state.resolve(d, outcome)
		return outcome, nil
	}

	current, err := u.sess.GetProperty(ctx, d.Ref, automation.TargetFrameworkProperty)
	if err != nil {
		if IsBusy(err) {
			return ProjectOutcome{}, err
		}
		state.markStale(d)
		return ProjectOutcome{}, NewStaleError("failed to read target framework", err).
			WithResource(d.FullName).
			WithCode(ErrCodePropertyRead)
	}
	if !u.written {
		u.before = current
	}

	if isIncompatiblePlatform(current) {
		outcome := ProjectOutcome{Project: d.FullName, Outcome: OutcomeIgnored, Before: current, After: current}
		state.resolve(d, outcome)
		e.opts.Sink.Log("\tProject Ignored: %s targets %s", d.Name, current)
		return outcome, nil
	}

	want, err := u.targetFor(ctx)
	if err != nil {
		return ProjectOutcome{}, err
	}

	if current == want {
		kind := OutcomeUnchanged
		if u.written {
			kind = OutcomeRetargeted
		}
		outcome := ProjectOutcome{Project: d.FullName, Outcome: kind, Before: u.before, After: current}
		state.resolve(d, outcome)
		if kind == OutcomeUnchanged {
			e.opts.Sink.Log("\tProject Up To Date: %s", d.Name)
		} else {
			e.opts.Sink.Log("\tProject Updated: %s", d.Name)
		}
		return outcome, nil
	}

	if e.opts.Guard != nil {
		decision, err := e.opts.Guard.Check(ctx, GuardInput{Project: d.View(), Current: current, Target: want})
		if err != nil {
			return ProjectOutcome{}, NewPermanentError("retarget policy evaluation failed", err).
				WithResource(d.FullName).
				WithCode(ErrCodePolicyDenied)
		}
		if !decision.Allowed {
			outcome := ProjectOutcome{
				Project: d.FullName,
				Outcome: OutcomeDenied,
				Before:  current,
				After:   current,
				Detail:  fmt.Sprint(decision.Reasons),
			}
			state.resolve(d, outcome)
			e.opts.Sink.Log("\tProject Denied: %s %v", d.Name, decision.Reasons)
			return outcome, nil
		}
	}

	if err := u.sess.SetProperty(ctx, d.Ref, automation.TargetFrameworkProperty, want); err != nil {
		if IsBusy(err) {
			return ProjectOutcome{}, err
		}
		state.markStale(d)
		return ProjectOutcome{}, NewStaleError("failed to write target framework", err).
			WithResource(d.FullName).
			WithCode(ErrCodePropertyWrite)
	}
	u.written = true

	ref, err := u.sess.ReloadProject(ctx, d.Ref)
	if err != nil {
		state.markStale(d)
		return ProjectOutcome{}, NewStaleError("failed to reload project after update", err).WithResource(d.FullName)
	}
	state.refresh(d, ref)

	outcome := ProjectOutcome{Project: d.FullName, Outcome: OutcomeRetargeted, Before: u.before, After: want}
	state.resolve(d, outcome)
	e.opts.Sink.Log("\tProject Updated: %s", d.Name)
	return outcome, nil
}

// targetFor returns the moniker for this project, consulting the hook if set.
func (u *retargetUnit) targetFor(ctx context.Context) (string, error) {
	hook := u.engine.opts.Hook
	if hook == nil {
		return u.target, nil
	}
	want, err := hook.TargetMoniker(ctx, u.d.View(), u.target)
	if err != nil {
		return "", NewPermanentError("moniker hook failed", err).WithResource(u.d.FullName)
	}
	if want == "" {
		return u.target, nil
	}
	return want, nil
}
