package automation

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionStopped is returned for calls submitted after Stop.
var ErrSessionStopped = errors.New("serialized session stopped")

// call is one queued invocation of the wrapped session.
type call struct {
	ctx  context.Context
	fn   func(ctx context.Context, s Session) error
	done chan error
}

// Serialized funnels every call into the wrapped session through a single
// owner goroutine, so callers may invoke it from concurrent workers while the
// underlying session only ever sees one call at a time.
type Serialized struct {
	inner Session
	queue chan *call

	stopOnce sync.Once
	stopped  chan struct{}
	finished chan struct{}
}

// Serialize starts the owner goroutine for s. Stop must be called to release it.
func Serialize(s Session) *Serialized {
	ss := &Serialized{
		inner:    s,
		queue:    make(chan *call),
		stopped:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	go ss.loop()
	return ss
}

func (s *Serialized) loop() {
	defer close(s.finished)
	for {
		select {
		case <-s.stopped:
			return
		case c := <-s.queue:
			// A caller that gave up while queued is skipped rather than executed.
			if err := c.ctx.Err(); err != nil {
				c.done <- err
				continue
			}
			c.done <- c.fn(c.ctx, s.inner)
		}
	}
}

// Stop terminates the owner goroutine and waits for the in-flight call to finish.
// It does not close or quit the wrapped session.
func (s *Serialized) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
	<-s.finished
}

// Do runs fn against the wrapped session on the owner goroutine.
func (s *Serialized) Do(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	c := &call{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case s.queue <- c:
	case <-s.stopped:
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted the call runs to completion; the session call itself
	// observes ctx for cancellation.
	return <-c.done
}

// Open implements Session.
func (s *Serialized) Open(ctx context.Context, path string) error {
	return s.Do(ctx, func(ctx context.Context, in Session) error {
		return in.Open(ctx, path)
	})
}

// SaveAs implements Session.
func (s *Serialized) SaveAs(ctx context.Context, path string) error {
	return s.Do(ctx, func(ctx context.Context, in Session) error {
		return in.SaveAs(ctx, path)
	})
}

// Close implements Session.
func (s *Serialized) Close(ctx context.Context) error {
	return s.Do(ctx, func(ctx context.Context, in Session) error {
		return in.Close(ctx)
	})
}

// Quit implements Session.
func (s *Serialized) Quit(ctx context.Context) error {
	return s.Do(ctx, func(ctx context.Context, in Session) error {
		return in.Quit(ctx)
	})
}

// AddProjectFromFile implements Session.
func (s *Serialized) AddProjectFromFile(ctx context.Context, path string) (ProjectRef, error) {
	var ref ProjectRef
	err := s.Do(ctx, func(ctx context.Context, in Session) error {
		var err error
		ref, err = in.AddProjectFromFile(ctx, path)
		return err
	})
	return ref, err
}

// EnumerateProjects implements Session.
func (s *Serialized) EnumerateProjects(ctx context.Context) ([]ProjectRef, error) {
	var refs []ProjectRef
	err := s.Do(ctx, func(ctx context.Context, in Session) error {
		var err error
		refs, err = in.EnumerateProjects(ctx)
		return err
	})
	return refs, err
}

// EnumerateSubProjects implements Session.
func (s *Serialized) EnumerateSubProjects(ctx context.Context, container ProjectRef) ([]ProjectRef, error) {
	var refs []ProjectRef
	err := s.Do(ctx, func(ctx context.Context, in Session) error {
		var err error
		refs, err = in.EnumerateSubProjects(ctx, container)
		return err
	})
	return refs, err
}

// GetProperty implements Session.
func (s *Serialized) GetProperty(ctx context.Context, ref ProjectRef, name string) (string, error) {
	var value string
	err := s.Do(ctx, func(ctx context.Context, in Session) error {
		var err error
		value, err = in.GetProperty(ctx, ref, name)
		return err
	})
	return value, err
}

// SetProperty implements Session.
func (s *Serialized) SetProperty(ctx context.Context, ref ProjectRef, name, value string) error {
	return s.Do(ctx, func(ctx context.Context, in Session) error {
		return in.SetProperty(ctx, ref, name, value)
	})
}

// ReloadProject implements Session.
func (s *Serialized) ReloadProject(ctx context.Context, ref ProjectRef) (ProjectRef, error) {
	var out ProjectRef
	err := s.Do(ctx, func(ctx context.Context, in Session) error {
		var err error
		out, err = in.ReloadProject(ctx, ref)
		return err
	})
	return out, err
}
