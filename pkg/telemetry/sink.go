package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/projup/projup/pkg/engine"
)

// LineStore persists progress lines. The run store implements it and
// attaches lines to the run in progress.
type LineStore interface {
	AppendLog(ctx context.Context, line string, at time.Time) error
}

type sinkEntry struct {
	line string
	at   time.Time
}

// Sink implements engine.LogSink. Every line is kept in order in memory and
// queued for a single drain goroutine that echoes it to zerolog. Log never
// blocks: when the queue is full the echo is dropped and counted. The drain
// goroutine persists to the optional LineStore from the in-memory list, so the
// store receives every line logged before Close in order.
type Sink struct {
	logger zerolog.Logger
	store  LineStore

	mu        sync.Mutex
	entries   []sinkEntry
	persisted int
	sealed    int
	closed    bool

	queue     chan sinkEntry
	done      chan struct{}
	dropped   atomic.Int64
	closeOnce sync.Once
}

var _ engine.LogSink = (*Sink)(nil)

// NewSink starts a sink. store may be nil.
func NewSink(logger *Logger, store LineStore, cfg SinkConfig) *Sink {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultConfig().Sink.BufferSize
	}
	s := &Sink{
		logger: logger.NewComponentLogger("engine").Zerolog(),
		store:  store,
		queue:  make(chan sinkEntry, size),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Log formats and records one progress line.
func (s *Sink) Log(format string, args ...any) {
	entry := sinkEntry{line: fmt.Sprintf(format, args...), at: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if s.closed {
		return
	}
	select {
	case s.queue <- entry:
	default:
		s.dropped.Add(1)
	}
}

// Lines returns a copy of every line logged so far, in order.
func (s *Sink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.line
	}
	return out
}

// Dropped returns the number of lines whose echo was dropped.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting echo work and waits until the queue is drained and
// every earlier line is persisted. Lines logged afterwards stay in memory only.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.sealed = len(s.entries)
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
}

func (s *Sink) drain() {
	defer close(s.done)
	for entry := range s.queue {
		s.logger.Info().Msg(entry.line)
		s.persist()
	}
	s.persist()
}

// persist writes the lines the store has not seen yet.
func (s *Sink) persist() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	limit := len(s.entries)
	if s.closed {
		limit = s.sealed
	}
	batch := s.entries[s.persisted:limit]
	s.persisted = limit
	s.mu.Unlock()

	for _, e := range batch {
		if err := s.store.AppendLog(context.Background(), e.line, e.at); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to persist progress line")
		}
	}
}
