// Package watcher reports changes to build scripts under a source tree
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/poltergeist/cmakectl/pkg/logger"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

// DefaultDebounce is the quiet period before a batch is delivered
const DefaultDebounce = 500 * time.Millisecond

// ChangeFunc receives a batch of changed paths relative to the root
type ChangeFunc func(paths []string)

// Watcher watches a directory tree recursively with fsnotify
type Watcher struct {
	root       string
	matcher    *utils.PatternMatcher
	exclusions map[string]bool
	skipDirs   []string
	debounce   time.Duration
	logger     logger.Logger
	fs         *fsnotify.Watcher
}

// Option customizes a Watcher
type Option func(*Watcher)

// WithDebounce sets the quiet period before changes are delivered
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(w *Watcher) { w.logger = logger.OrNop(log) }
}

// WithExcludedDir skips a directory and everything under it, typically an
// in-source build tree
func WithExcludedDir(dir string) Option {
	return func(w *Watcher) {
		if dir = utils.NormalizePath(dir); dir != "" {
			w.skipDirs = append(w.skipDirs, dir)
		}
	}
}

// New creates a watcher for root. Only files matching patterns are reported.
func New(root string, patterns []string, opts ...Option) (*Watcher, error) {
	if len(patterns) == 0 {
		patterns = utils.DefaultBuildScriptPatterns()
	}
	matcher, err := utils.NewPatternMatcher(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid watch pattern: %w", err)
	}

	w := &Watcher{
		root:       utils.NormalizePath(root),
		matcher:    matcher,
		exclusions: make(map[string]bool),
		debounce:   DefaultDebounce,
		logger:     logger.Nop(),
	}
	for _, e := range utils.DefaultExclusions() {
		w.exclusions[e] = true
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("watcher")

	if !utils.DirectoryExists(w.root) {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w.fs = fsw

	if err := w.addTree(w.root); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Close releases the underlying watcher
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Run delivers debounced batches of changes until ctx is done. onChange is
// called on Run's goroutine.
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) error {
	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if utils.DirectoryExists(event.Name) {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("Failed to watch new directory", logger.WithField("path", event.Name), logger.WithError(err))
					}
				}
			}
			rel, ok := w.relevant(event)
			if !ok {
				continue
			}
			w.logger.Debug("Build script changed", logger.WithField("path", rel), logger.WithField("op", event.Op.String()))
			pending[rel] = true
			timer.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Watcher error", logger.WithError(err))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = make(map[string]bool)
			onChange(paths)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) (string, bool) {
	if event.Op == fsnotify.Chmod {
		return "", false
	}
	path := utils.NormalizePath(event.Name)
	if w.excluded(path) {
		return "", false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if !w.matcher.Match(rel) {
		return "", false
	}
	return rel, true
}

func (w *Watcher) excluded(path string) bool {
	for _, dir := range w.skipDirs {
		if path == dir || strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.exclusions[part] {
			return true
		}
	}
	return false
}

func (w *Watcher) addTree(dir string) error {
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Debug("Skipping unreadable path", logger.WithField("path", path), logger.WithError(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.excluded(utils.NormalizePath(path)) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", logger.WithField("path", path), logger.WithError(err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return nil
}
