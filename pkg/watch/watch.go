// Package watch reports new, renamed and removed project files under a
// directory tree, debounced into batches.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/projup/projup/pkg/engine"
)

// DefaultDebounce is used when Config.Debounce is zero.
const DefaultDebounce = 2 * time.Second

// Config configures a Watcher.
type Config struct {
	Root       string
	Extensions []string
	Debounce   time.Duration
	Logger     zerolog.Logger
}

// HandlerFunc is called once per debounced batch with the changed paths,
// sorted. A returned error is logged and watching continues.
type HandlerFunc func(ctx context.Context, changed []string) error

// Watcher watches Root recursively. Directories created later are added.
type Watcher struct {
	cfg     Config
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// New creates a watcher on every directory under cfg.Root.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("watch root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", cfg.Root, err)
	}
	cfg.Root = root
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = engine.DefaultProjectExtensions
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		cfg:     cfg,
		watcher: fw,
		logger:  cfg.Logger.With().Str("component", "watch").Logger(),
	}
	if err := w.addTree(cfg.Root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// addTree adds dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context, fn HandlerFunc) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.cfg.Debounce)
	timer.Stop()
	pending := make(map[string]struct{})

	w.logger.Info().Str("root", w.cfg.Root).Dur("debounce", w.cfg.Debounce).Msg("Watching for project files")

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Project tree changed")
			if event.Has(fsnotify.Create) {
				if err := w.addTree(event.Name); err == nil && !w.isProjectFile(event.Name) {
					// A new directory may already hold project files.
					w.collect(event.Name, pending)
				}
			}
			if w.isProjectFile(event.Name) {
				pending[event.Name] = struct{}{}
			}
			if len(pending) > 0 {
				timer.Reset(w.cfg.Debounce)
			}

		case <-timer.C:
			changed := make([]string, 0, len(pending))
			for path := range pending {
				changed = append(changed, path)
			}
			sort.Strings(changed)
			clear(pending)

			if err := fn(ctx, changed); err != nil {
				w.logger.Error().Err(err).Int("files", len(changed)).Msg("Failed to handle project changes")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// relevant drops writes and chmods: only the set of files matters.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

func (w *Watcher) isProjectFile(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range w.cfg.Extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// collect adds the project files already present under dir.
func (w *Watcher) collect(dir string, pending map[string]struct{}) {
	for c, err := range engine.Scan(dir, w.cfg.Extensions) {
		if err != nil {
			return
		}
		pending[c.Path] = struct{}{}
	}
}
