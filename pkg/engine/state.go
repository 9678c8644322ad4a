package engine

import (
	"sync"

	"github.com/projup/projup/pkg/automation"
)

// reconciliationState holds the missing and non-updated sets of the current run.
// It is the only state shared across concurrent units; every access goes
// through its mutex and readers only ever receive copies.
type reconciliationState struct {
	mu         sync.Mutex
	missing    []ProjectFileCandidate
	nonUpdated []*ProjectHandleDescriptor
	outcomes   []ProjectOutcome
}

func newReconciliationState() *reconciliationState {
	return &reconciliationState{}
}

// reset clears the state at the start of a run.
func (s *reconciliationState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing = nil
	s.nonUpdated = nil
	s.outcomes = nil
}

func (s *reconciliationState) setMissing(candidates []ProjectFileCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing = append([]ProjectFileCandidate(nil), candidates...)
}

func (s *reconciliationState) missingSnapshot() []ProjectFileCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProjectFileCandidate(nil), s.missing...)
}

// seedNonUpdated replaces the non-updated set with descriptors, in order.
func (s *reconciliationState) seedNonUpdated(descriptors []*ProjectHandleDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonUpdated = append([]*ProjectHandleDescriptor(nil), descriptors...)
}

// pending returns the descriptors still to process in the next pass.
func (s *reconciliationState) pending() []*ProjectHandleDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ProjectHandleDescriptor(nil), s.nonUpdated...)
}

// resolve removes d from the non-updated set and records its outcome.
// It reports whether d was still present.
func (s *reconciliationState) resolve(d *ProjectHandleDescriptor, outcome ProjectOutcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.nonUpdated {
		if cur == d {
			s.nonUpdated = append(s.nonUpdated[:i], s.nonUpdated[i+1:]...)
			s.outcomes = append(s.outcomes, outcome)
			return true
		}
	}
	return false
}

// markSpecial flags d as a container.
func (s *reconciliationState) markSpecial(d *ProjectHandleDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Special = true
}

// markStale flags d for a reload on its next attempt.
func (s *reconciliationState) markStale(d *ProjectHandleDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.stale = true
}

// refresh points d at a re-resolved ref and clears its stale flag.
func (s *reconciliationState) refresh(d *ProjectHandleDescriptor, ref automation.ProjectRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Ref = ref
	d.stale = false
	if ref.FullName != "" {
		d.FullName = ref.FullName
	}
	if ref.Kind.IsContainer() {
		d.Special = true
	}
}

func (s *reconciliationState) isStale(d *ProjectHandleDescriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.stale
}

// addOutcome records an outcome that does not resolve a non-updated entry.
func (s *reconciliationState) addOutcome(outcome ProjectOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
}

func (s *reconciliationState) outcomeSnapshot() []ProjectOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProjectOutcome(nil), s.outcomes...)
}

// nonUpdatedViews returns the unconverged projects, special ones excluded.
func (s *reconciliationState) nonUpdatedViews() []ProjectView {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]ProjectView, 0, len(s.nonUpdated))
	for _, d := range s.nonUpdated {
		if d.Special {
			continue
		}
		views = append(views, d.View())
	}
	return views
}
