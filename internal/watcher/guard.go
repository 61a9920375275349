// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package watcher keeps the gateway main config free of provider API keys
// by re-scrubbing it whenever the file changes on disk.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/hooks"
	"github.com/ctangarife/openclaw-docker/internal/syncer"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce collapses bursts of writes into one scrub.
const DefaultDebounce = 200 * time.Millisecond

// Publisher receives scrub events.
type Publisher interface {
	Publish(ctx *hooks.EventContext)
}

// ScrubFunc removes secrets from the file at path and reports the providers
// that were cleaned.
type ScrubFunc func(path string) ([]string, error)

// Guard watches one main-config file.
type Guard struct {
	path     string
	scrub    ScrubFunc
	events   Publisher
	debounce time.Duration

	scrubMu sync.Mutex
	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewGuard creates a guard for path. events may be nil.
func NewGuard(path string, events Publisher) *Guard {
	return &Guard{
		path:     filepath.Clean(path),
		scrub:    syncer.ScrubMainConfig,
		events:   events,
		debounce: DefaultDebounce,
	}
}

// Run scrubs the file once, then watches its directory until ctx is
// cancelled.
func (g *Guard) Run(ctx context.Context) error {
	if g.path == "." || g.path == "" {
		return errors.New("watcher: main config path is required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	dir := filepath.Dir(g.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", dir, err)
	}
	log.Infof("watcher: guarding %s", g.path)

	g.Scrub()
	defer g.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != g.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				g.schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Errorf("watcher: %v", err)
		}
	}
}

func (g *Guard) schedule() {
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if g.stopped {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.debounce, func() {
		g.timerMu.Lock()
		g.timer = nil
		g.timerMu.Unlock()
		g.Scrub()
	})
}

func (g *Guard) stopTimer() {
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	g.stopped = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// Scrub runs one scrub of the main config and reports the cleaned providers.
func (g *Guard) Scrub() []string {
	g.scrubMu.Lock()
	defer g.scrubMu.Unlock()

	cleaned, err := g.scrub(g.path)
	if err != nil {
		log.Warnf("watcher: scrub of %s failed: %v", g.path, err)
		return nil
	}
	if len(cleaned) > 0 && g.events != nil {
		g.events.Publish(hooks.NewEvent(hooks.EventMainConfigScrubbed, map[string]any{
			"path":      g.path,
			"providers": cleaned,
		}, nil))
	}
	return cleaned
}
