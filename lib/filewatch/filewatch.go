// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package filewatch calls back when any of a set of files changes on
// disk, coalescing bursts of events.
//
// The parent directory of each file is watched rather than the file
// itself, so replacing a file by rename (as editors and configuration
// management tools do) is seen as a change. Events for other files in
// those directories are ignored.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/consolegate/consolegate/lib/clock"
)

// Config configures a Watcher.
type Config struct {
	// Paths are the files to watch. Their directories must exist.
	Paths []string

	// Debounce is how long the watcher waits after the last event
	// before calling OnChange. Default 500ms.
	Debounce time.Duration

	// OnChange receives the changed paths, sorted. It runs on the Run
	// goroutine.
	OnChange func(ctx context.Context, changed []string)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Watcher watches files. Create with New, then call Run.
type Watcher struct {
	config  Config
	logger  *slog.Logger
	clock   clock.Clock
	watcher *fsnotify.Watcher
	files   map[string]bool
}

// New starts watching the directories holding config.Paths.
func New(config Config) (*Watcher, error) {
	if len(config.Paths) == 0 {
		return nil, errors.New("filewatch: no paths")
	}
	if config.OnChange == nil {
		return nil, errors.New("filewatch: OnChange is required")
	}
	if config.Debounce <= 0 {
		config.Debounce = 500 * time.Millisecond
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatch: creating watcher: %w", err)
	}
	files := make(map[string]bool, len(config.Paths))
	var directories []string
	for _, path := range config.Paths {
		if path == "" {
			continue
		}
		absolute, err := filepath.Abs(path)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("filewatch: %s: %w", path, err)
		}
		files[absolute] = true
		if directory := filepath.Dir(absolute); !slices.Contains(directories, directory) {
			directories = append(directories, directory)
		}
	}
	for _, directory := range directories {
		if err := watcher.Add(directory); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("filewatch: watching %s: %w", directory, err)
		}
	}
	return &Watcher{
		config:  config,
		logger:  logger,
		clock:   config.Clock,
		watcher: watcher,
		files:   files,
	}, nil
}

// Run delivers debounced changes until ctx is done or the watcher
// fails. It closes the watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	pending := make(map[string]bool)
	fire := make(chan struct{}, 1)
	var debounce *clock.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("filewatch: event stream closed")
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !w.files[name] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			w.logger.Debug("watched file event", "path", name, "op", event.Op.String())
			pending[name] = true
			if debounce != nil {
				debounce.Stop()
			}
			debounce = w.clock.AfterFunc(w.config.Debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for name := range pending {
				changed = append(changed, name)
			}
			sort.Strings(changed)
			clear(pending)
			w.logger.Info("watched files changed", "paths", changed)
			w.config.OnChange(ctx, changed)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("filewatch: error stream closed")
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}
