package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/projup/projup/pkg/automation"
)

// AggregateProjects adds the project files under root that the manifest does
// not reference yet. maxAttempts bounds the outer passes; zero selects the
// configured default.
//
// When nothing is missing the session is never opened and Aggregated is false.
// Candidates the live session already lists are dropped before the first
// pass. Aggregated is true once the solution was driven for at least one
// candidate, even if every add failed. Projects that still fail to add after
// the last pass stay in MissingProjects; that is a partial success and not an
// error. Only session-level failures (create, open, save) are returned as
// errors.
func (e *Engine) AggregateProjects(ctx context.Context, root string, maxAttempts int) (_ *AggregateResult, err error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if maxAttempts <= 0 {
		maxAttempts = e.opts.MaxAttempts
	}

	e.state.reset()
	run := e.startRun(ctx, OperationAggregate, "")
	ctx, endSpan := e.startSpan(ctx, "engine.aggregate",
		attribute.String("run_id", run.ID),
		attribute.String("solution", e.solution),
		attribute.String("root", root),
	)

	result := &AggregateResult{RunID: run.ID, Solution: e.solution}
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		result.Missing = e.state.missingSnapshot()
		status := terminalStatus(err, len(result.Missing))
		if err == nil && !result.Aggregated {
			status = RunStatusNoChanges
		}
		run.Passes = result.Passes
		run.Remaining = len(result.Missing)
		e.finishRun(ctx, run, status, err)
		endSpan(err)
	}()

	missing, err := e.DiffMissing(root)
	if err != nil {
		return result, NewFatalError("failed to compute missing projects", err).WithResource(root)
	}
	e.state.setMissing(missing)
	if len(missing) == 0 {
		e.opts.Sink.Log("No projects are missing from the solution")
		return result, nil
	}

	e.opts.Sink.Log("Attempting to add all projects in %d attempts", maxAttempts)

	sess, err := e.connect(ctx)
	if err != nil {
		return result, err
	}
	defer e.closeSession(ctx, sess)

	if err = e.openSolution(ctx, sess, true); err != nil {
		return result, err
	}

	projects, err := e.loadProjects(ctx, sess)
	if err != nil {
		return result, err
	}
	descriptors := Flatten(projects)
	e.opts.Sink.Log("Number of projects currently in the solution: %d", len(descriptors))

	if still := stillMissing(missing, descriptors); len(still) < len(missing) {
		e.opts.Sink.Log("Number of projects already loaded in the session: %d", len(missing)-len(still))
		e.state.setMissing(still)
		if len(still) == 0 {
			return result, nil
		}
	}
	result.Aggregated = true
	lastErr := make(map[string]error)

	for pass := 1; pass <= maxAttempts; pass++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, cancelledError(string(OperationAggregate), ctxErr)
		}

		pending := e.state.missingSnapshot()
		if len(pending) == 0 {
			break
		}
		result.Passes = pass

		e.opts.Sink.Log("************ Attempt %d ************", pass)
		e.opts.Sink.Log("Number of projects missing from the solution: %d", len(pending))

		for _, c := range pending {
			d, addErr := e.addProject(ctx, sess, c)
			if addErr != nil {
				if IsCancelled(addErr) {
					return result, addErr
				}
				lastErr[c.Path] = addErr
				e.opts.Sink.Log("Skipping adding this project for now")
				continue
			}
			descriptors = append(descriptors, d)
			result.Added = append(result.Added, c)
			e.opts.Sink.Log("\tProject Added: %s", c.Name)
			e.recordOutcome(ctx, run, ProjectOutcome{Project: c.Path, Outcome: OutcomeAdded})
		}

		still := stillMissing(pending, descriptors)
		e.state.setMissing(still)
		e.opts.Observer.Pass(OperationAggregate, pass, len(still))
	}

	if err = e.saveSolution(ctx, sess); err != nil {
		return result, err
	}

	for _, c := range e.state.missingSnapshot() {
		o := ProjectOutcome{Project: c.Path, Outcome: OutcomeMissing}
		if err := lastErr[c.Path]; err != nil {
			o.Detail = err.Error()
		}
		e.recordOutcome(ctx, run, o)
	}
	return result, nil
}

// addProject adds one candidate through the retry executor.
func (e *Engine) addProject(ctx context.Context, sess automation.Session, c ProjectFileCandidate) (*ProjectHandleDescriptor, error) {
	var ref automation.ProjectRef
	err := e.retry.Attempt(ctx, automation.OpAddProject, e.opts.AddAttempts, func(ctx context.Context) error {
		var err error
		ref, err = sess.AddProjectFromFile(ctx, c.Path)
		return err
	})
	if err != nil {
		if IsCancelled(err) {
			return nil, err
		}
		return nil, NewPermanentError("failed to add project", err).
			WithResource(c.Path).
			WithOperation(automation.OpAddProject).
			WithCode(ErrCodeProjectAddFailed)
	}
	if ref.FullName == "" {
		ref.FullName = c.Path
	}
	return newDescriptor(ref), nil
}

// stillMissing returns the candidates whose path matches no descriptor.
func stillMissing(candidates []ProjectFileCandidate, descriptors []*ProjectHandleDescriptor) []ProjectFileCandidate {
	present := make(map[string]struct{}, len(descriptors))
	for _, d := range descriptors {
		if d.FullName != "" {
			present[pathKey(d.FullName)] = struct{}{}
		}
	}
	var out []ProjectFileCandidate
	for _, c := range candidates {
		if _, ok := present[pathKey(c.Path)]; !ok {
			out = append(out, c)
		}
	}
	return out
}
