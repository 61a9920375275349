// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reconcile brings the gateway in line with the credential store:
// it writes the gateway artifacts and, when that worked, restarts the
// gateway container so it reads them.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/container"
	"github.com/ctangarife/openclaw-docker/internal/hooks"
	"github.com/ctangarife/openclaw-docker/internal/syncer"
	log "github.com/sirupsen/logrus"
)

// AsyncTimeout bounds a background reconcile.
const AsyncTimeout = 2 * time.Minute

// Syncer produces the gateway artifacts.
type Syncer interface {
	SynchronizeWithRetry(ctx context.Context, agentDir, mainConfigPath string) syncer.Result
}

// Restarter restarts the gateway container.
type Restarter interface {
	RestartWithRetry(ctx context.Context) container.RestartResult
}

// Publisher receives reconcile events.
type Publisher interface {
	Publish(ctx *hooks.EventContext)
}

// Outcome reports one reconcile.
type Outcome struct {
	Reason       string        `json:"reason"`
	Sync         syncer.Result `json:"sync"`
	Restarted    bool          `json:"gatewayRestarted"`
	RestartError string        `json:"restartError,omitempty"`
}

// Reconciler serializes sync-then-restart runs.
type Reconciler struct {
	syncer         Syncer
	restarter      Restarter
	events         Publisher
	agentDir       string
	mainConfigPath string

	mu      sync.Mutex
	pending sync.WaitGroup
}

// New creates a reconciler. restarter and events may be nil.
func New(s Syncer, restarter Restarter, events Publisher, agentDir, mainConfigPath string) *Reconciler {
	return &Reconciler{
		syncer:         s,
		restarter:      restarter,
		events:         events,
		agentDir:       agentDir,
		mainConfigPath: mainConfigPath,
	}
}

// Apply synchronizes credentials and restarts the gateway when the sync
// succeeded. Concurrent calls run one after another.
func (r *Reconciler) Apply(ctx context.Context, reason string) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.Infof("reconcile: starting (%s)", reason)
	out := Outcome{Reason: reason}
	out.Sync = r.syncer.SynchronizeWithRetry(ctx, r.agentDir, r.mainConfigPath)
	if !out.Sync.Success {
		log.Errorf("reconcile: sync failed (%s): %s", reason, out.Sync.Error)
		r.publish(hooks.NewEvent(hooks.EventSyncFailed, map[string]any{"reason": reason}, out.Sync.Err))
		return out
	}

	r.publish(hooks.NewEvent(hooks.EventCredentialsSynced, map[string]any{
		"reason":          reason,
		"profiles":        out.Sync.Providers,
		"failed":          len(out.Sync.Failed),
		"providersSynced": out.Sync.ProvidersSynced,
		"cleaned":         out.Sync.Cleaned,
		"defaultModel":    out.Sync.DefaultModel,
	}, nil))

	if r.restarter == nil {
		return out
	}
	res := r.restarter.RestartWithRetry(ctx)
	out.Restarted = res.Success
	if !res.Success {
		out.RestartError = res.Error
		r.publish(&hooks.EventContext{
			Event:        hooks.EventGatewayRestartFailed,
			Timestamp:    time.Now(),
			Data:         map[string]any{"reason": reason, "attempts": res.Attempts},
			ErrorMessage: res.Error,
		})
		return out
	}
	r.publish(hooks.NewEvent(hooks.EventGatewayRestarted, map[string]any{"reason": reason, "attempts": res.Attempts}, nil))
	log.Infof("reconcile: done (%s), %d profile(s), gateway restarted", reason, len(out.Sync.Providers))
	return out
}

// ApplyAsync runs Apply in the background with its own deadline.
func (r *Reconciler) ApplyAsync(reason string) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), AsyncTimeout)
		defer cancel()
		r.Apply(ctx, reason)
	}()
}

// Wait blocks until every ApplyAsync run has finished.
func (r *Reconciler) Wait() {
	r.pending.Wait()
}

func (r *Reconciler) publish(evt *hooks.EventContext) {
	if r.events != nil {
		r.events.Publish(evt)
	}
}
