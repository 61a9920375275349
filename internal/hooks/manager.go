// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hooks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// reloadSettle is how long the watcher waits for editors to finish writing.
const reloadSettle = 100 * time.Millisecond

// HookManager manages the lifecycle and execution of automation hooks.
type HookManager struct {
	hooksDir       string
	hooks          map[HookEvent][]*Hook
	eventBus       *EventBus
	programs       map[string]*vm.Program
	actionHandlers map[HookAction]ActionHandler
	mu             sync.RWMutex

	unsubscribe func()
	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
	stopOnce    sync.Once
}

// NewHookManager creates a hook manager reading hooks from hooksDir and
// registers the built-in actions bound to deps.
func NewHookManager(hooksDir string, eventBus *EventBus, deps ActionDeps) (*HookManager, error) {
	if strings.TrimSpace(hooksDir) == "" {
		return nil, errors.New("hooks directory is required")
	}
	if eventBus == nil {
		return nil, errors.New("event bus is required")
	}

	manager := &HookManager{
		hooksDir:       hooksDir,
		hooks:          make(map[HookEvent][]*Hook),
		eventBus:       eventBus,
		programs:       make(map[string]*vm.Program),
		actionHandlers: make(map[HookAction]ActionHandler),
		stopWatcher:    make(chan struct{}),
	}

	RegisterBuiltInActions(manager, deps)

	return manager, nil
}

// LoadHooks loads all hooks from the hooks directory. Unreadable or invalid
// files are logged and skipped.
func (m *HookManager) LoadHooks() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.hooksDir, 0o755); err != nil {
		return fmt.Errorf("failed to create hooks directory: %w", err)
	}

	newHooks := make(map[HookEvent][]*Hook)
	err := filepath.WalkDir(m.hooksDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("Failed to read hook file %s: %v", path, err)
			return nil
		}

		var hook Hook
		if err := yaml.Unmarshal(data, &hook); err != nil {
			log.Errorf("Failed to parse hook %s: %v", path, err)
			return nil
		}
		if hook.Event == "" || hook.Action == "" {
			log.Errorf("Hook %s is missing event or action", path)
			return nil
		}

		hook.FilePath = path
		if hook.ID == "" {
			hook.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if hook.Enabled {
			newHooks[hook.Event] = append(newHooks[hook.Event], &hook)
			log.Debugf("Loaded hook: %s for event %s", hook.Name, hook.Event)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.hooks = newHooks
	m.programs = make(map[string]*vm.Program)

	log.Infof("Loaded hooks for %d event types", len(m.hooks))
	return nil
}

// SubscribeToAllEvents connects the manager to every published event.
// Calling it again is a no-op.
func (m *HookManager) SubscribeToAllEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		return
	}
	m.unsubscribe = m.eventBus.SubscribeAll(m.handleEvent)
}

func (m *HookManager) handleEvent(ctx *EventContext) {
	m.mu.RLock()
	hooks := m.hooks[ctx.Event]
	m.mu.RUnlock()

	for _, hook := range hooks {
		matches, err := m.evaluateCondition(hook.Condition, ctx)
		if err != nil {
			log.Warnf("Failed to evaluate hook condition '%s': %v", hook.Condition, err)
			continue
		}

		if matches {
			log.Infof("Executing hook: %s (Action: %s)", hook.Name, hook.Action)
			go m.executeAction(hook, ctx)
		}
	}
}

func conditionEnv(ctx *EventContext) map[string]any {
	env := map[string]any{
		"Event":     string(ctx.Event),
		"Timestamp": ctx.Timestamp,
		"Data":      ctx.Data,
		"Provider":  ctx.Provider,
		"Model":     ctx.Model,
		"Error":     ctx.ErrorMessage,
	}
	if ctx.Data == nil {
		env["Data"] = map[string]any{}
	}
	if ctx.Error != nil && ctx.ErrorMessage == "" {
		env["Error"] = ctx.Error.Error()
	}
	return env
}

func (m *HookManager) evaluateCondition(condition string, ctx *EventContext) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" || condition == "true" {
		return true, nil
	}

	m.mu.Lock()
	program, exists := m.programs[condition]
	if !exists {
		var err error
		program, err = expr.Compile(condition, expr.AsBool())
		if err != nil {
			m.mu.Unlock()
			return false, err
		}
		m.programs[condition] = program
	}
	m.mu.Unlock()

	output, err := expr.Run(program, conditionEnv(ctx))
	if err != nil {
		return false, err
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean")
	}

	return result, nil
}

func (m *HookManager) executeAction(hook *Hook, ctx *EventContext) {
	m.mu.RLock()
	handler, exists := m.actionHandlers[hook.Action]
	m.mu.RUnlock()

	if !exists {
		log.Warnf("No handler registered for action: %s", hook.Action)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Action %s panicked for hook %s: %v", hook.Action, hook.Name, r)
		}
	}()
	if err := handler(hook, ctx); err != nil {
		log.Errorf("Action %s failed for hook %s: %v", hook.Action, hook.Name, err)
	}
}

// RegisterAction registers a handler for a specific action type.
func (m *HookManager) RegisterAction(action HookAction, handler ActionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionHandlers[action] = handler
}

// StartWatcher starts a background fsnotify watcher for hot-reloading hooks.
func (m *HookManager) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err = watcher.Add(m.hooksDir); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Infof("Hooks directory changed (%s), reloading...", event.Name)
					time.Sleep(reloadSettle)
					if err := m.LoadHooks(); err != nil {
						log.Errorf("Failed to reload hooks: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Hooks watcher error: %v", err)
			case <-m.stopWatcher:
				return
			}
		}
	}()

	return nil
}

// StopWatcher stops the file watcher and detaches from the event bus.
func (m *HookManager) StopWatcher() {
	m.stopOnce.Do(func() {
		close(m.stopWatcher)
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
		m.mu.Lock()
		if m.unsubscribe != nil {
			m.unsubscribe()
			m.unsubscribe = nil
		}
		m.mu.Unlock()
	})
}

// GetHooksDir returns the hooks directory path.
func (m *HookManager) GetHooksDir() string {
	return m.hooksDir
}

// GetHooks returns all loaded hooks ordered by ID.
func (m *HookManager) GetHooks() []*Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Hook, 0)
	for _, hooks := range m.hooks {
		result = append(result, hooks...)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetHook returns a hook by ID.
func (m *HookManager) GetHook(id string) *Hook {
	for _, h := range m.GetHooks() {
		if h.ID == id {
			return h
		}
	}
	return nil
}

// EvaluateCondition reports whether h fires for ctx.
func (m *HookManager) EvaluateCondition(h *Hook, ctx *EventContext) (bool, error) {
	return m.evaluateCondition(h.Condition, ctx)
}
