// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package syncer turns the enabled credentials of the store into the files the
// OpenClaw gateway reads: auth-profiles.json with the decrypted keys,
// models.json with custom provider endpoints, and the provider and default
// model sections of openclaw.json.
//
// Every run rewrites the full state from the store, so repeated or
// overlapping runs converge on the same bytes without locking.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/catalog"
	"github.com/ctangarife/openclaw-docker/internal/retry"
	"github.com/ctangarife/openclaw-docker/internal/store"
	"github.com/ctangarife/openclaw-docker/internal/util"
	log "github.com/sirupsen/logrus"
)

// File names inside the agent directory.
const (
	AuthProfilesFileName = "auth-profiles.json"
	ModelsFileName       = "models.json"
)

// ArtifactFileMode is the default mode of both artifacts.
const ArtifactFileMode os.FileMode = 0o600

// Decrypter opens stored credential blobs.
type Decrypter interface {
	Decrypt(blob string) (string, error)
}

// AuthProfile is one entry of auth-profiles.json.
type AuthProfile struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
}

// AuthProfiles is the document written to auth-profiles.json.
type AuthProfiles struct {
	Profiles []AuthProfile `json:"profiles"`
}

// ModelsFile is the document written to models.json.
type ModelsFile struct {
	Providers map[string]catalog.Template `json:"providers"`
}

// FailedCredential names a credential left out of a run.
type FailedCredential struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// Result reports one synchronization run. Success is false only when the
// artifacts could not be produced at all; per-credential problems are listed
// in Failed.
type Result struct {
	Success          bool               `json:"success"`
	Providers        []string           `json:"profiles"`
	Failed           []FailedCredential `json:"failed,omitempty"`
	AuthProfilesFile string             `json:"file,omitempty"`
	ModelsFile       string             `json:"modelsFile,omitempty"`
	ProvidersSynced  []string           `json:"providersSynced"`
	ProvidersRemoved []string           `json:"providersRemoved,omitempty"`
	Cleaned          bool               `json:"cleaned"`
	DefaultModel     string             `json:"defaultModel,omitempty"`
	Error            string             `json:"error,omitempty"`
	Err              error              `json:"-"`
}

func failure(err error) Result {
	return Result{Success: false, Providers: []string{}, ProvidersSynced: []string{}, Error: err.Error(), Err: err}
}

// Engine synchronizes credentials into gateway artifacts.
type Engine struct {
	creds    store.CredentialStore
	settings store.ConfigStore
	cipher   Decrypter

	// RetryPolicy is used by SynchronizeWithRetry.
	RetryPolicy retry.Policy
	// FileMode is applied to auth-profiles.json and models.json.
	FileMode os.FileMode
}

// NewEngine creates an engine. settings may be nil, in which case no
// configured default model is consulted.
func NewEngine(creds store.CredentialStore, settings store.ConfigStore, cipher Decrypter) *Engine {
	return &Engine{creds: creds, settings: settings, cipher: cipher, RetryPolicy: retry.SyncPolicy(), FileMode: ArtifactFileMode}
}

// Synchronize runs one full synchronization. mainConfigPath may be empty to
// skip the gateway main config.
func (e *Engine) Synchronize(ctx context.Context, agentDir, mainConfigPath string) Result {
	start := time.Now()

	creds, err := e.creds.FindEnabled(ctx)
	if err != nil {
		log.Errorf("sync: failed to load enabled credentials: %v", err)
		return failure(fmt.Errorf("load credentials: %w", err))
	}
	log.Debugf("sync: %d enabled credential(s)", len(creds))

	if err := os.MkdirAll(agentDir, 0o700); err != nil {
		log.Errorf("sync: cannot create agent dir %s: %v", agentDir, err)
		return failure(fmt.Errorf("create agent dir: %w", err))
	}

	profiles := make([]AuthProfile, 0, len(creds))
	var failed []FailedCredential
	var enabled []string
	seen := make(map[string]struct{})
	metadata := make(map[string]map[string]any)
	for _, c := range creds {
		key, errDecrypt := e.cipher.Decrypt(c.TokenEncrypted)
		if errDecrypt != nil {
			log.Errorf("sync: cannot decrypt credential %s (%s): %v", c.ID, c.Provider, errDecrypt)
			failed = append(failed, FailedCredential{ID: c.ID, Provider: c.Provider, Reason: errDecrypt.Error()})
			continue
		}
		profiles = append(profiles, AuthProfile{Provider: c.Provider, APIKey: key})
		if _, dup := seen[c.Provider]; !dup {
			seen[c.Provider] = struct{}{}
			enabled = append(enabled, c.Provider)
			metadata[c.Provider] = c.Metadata
		}
	}

	res := Result{
		Success:         true,
		Providers:       append([]string{}, enabled...),
		Failed:          failed,
		ProvidersSynced: []string{},
	}

	res.AuthProfilesFile = filepath.Join(agentDir, AuthProfilesFileName)
	if err := e.writeVerified(res.AuthProfilesFile, AuthProfiles{Profiles: profiles}, len(profiles), countProfiles); err != nil {
		log.Errorf("sync: %v", err)
		return failure(err)
	}
	log.Infof("sync: wrote %d profile(s) to %s", len(profiles), res.AuthProfilesFile)

	custom := make(map[string]catalog.Template)
	for _, p := range enabled {
		if catalog.IsNative(p) {
			continue
		}
		if tpl, ok := catalog.ResolveTemplate(p, metadata[p]); ok {
			custom[p] = tpl
		} else {
			log.Warnf("sync: provider %s is neither native nor has an endpoint template, skipping models entry", p)
		}
	}

	res.ModelsFile = filepath.Join(agentDir, ModelsFileName)
	if err := e.writeVerified(res.ModelsFile, ModelsFile{Providers: custom}, len(custom), countProviders); err != nil {
		log.Errorf("sync: %v", err)
		return failure(err)
	}
	log.Infof("sync: wrote %d custom provider(s) to %s", len(custom), res.ModelsFile)

	if mainConfigPath != "" {
		e.syncMainConfig(ctx, mainConfigPath, custom, enabled, &res)
	}

	if len(failed) > 0 {
		ids := make([]string, 0, len(failed))
		for _, f := range failed {
			ids = append(ids, f.Provider+":"+f.ID)
		}
		log.Warnf("sync: %d credential(s) excluded: %s", len(failed), strings.Join(ids, ", "))
	}
	log.Infof("sync: done in %s, providers=%v", time.Since(start).Round(time.Millisecond), res.Providers)
	return res
}

func (e *Engine) configuredDefaultModel(ctx context.Context) string {
	if e.settings == nil {
		return ""
	}
	v, err := store.GetString(ctx, e.settings, store.KeyDefaultAgentModel)
	if err != nil {
		log.Warnf("sync: cannot read %s: %v", store.KeyDefaultAgentModel, err)
		return ""
	}
	return v
}

// syncMainConfig edits the gateway main config. Failures here are logged and
// do not fail the run.
func (e *Engine) syncMainConfig(ctx context.Context, path string, custom map[string]catalog.Template, enabled []string, res *Result) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Infof("sync: main config %s does not exist yet, skipping", path)
		return
	}
	if err != nil {
		log.Warnf("sync: cannot stat main config %s: %v", path, err)
		return
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("sync: cannot read main config %s: %v", path, err)
		return
	}

	updated, outcome, err := applyMainConfig(doc, mainConfigEdit{
		custom:          custom,
		enabled:         enabled,
		configuredModel: e.configuredDefaultModel(ctx),
	})
	if err != nil {
		log.Warnf("sync: cannot update main config %s: %v", path, err)
		return
	}

	perm := info.Mode().Perm()
	if err := util.SecureWrite(path, updated, &util.SecureWriteOptions{Permissions: perm}); err != nil {
		log.Errorf("sync: cannot write main config %s: %v", path, err)
		return
	}

	repaired, err := verifyMainConfig(path, perm)
	if err != nil {
		log.Errorf("sync: main config verification failed: %v", err)
	}

	res.ProvidersSynced = outcome.synced
	if res.ProvidersSynced == nil {
		res.ProvidersSynced = []string{}
	}
	res.ProvidersRemoved = outcome.removed
	res.Cleaned = len(outcome.cleaned) > 0 || len(repaired) > 0
	res.DefaultModel = outcome.defaultModel

	if len(outcome.synced) > 0 {
		log.Infof("sync: providers written to main config: %s", strings.Join(outcome.synced, ", "))
	}
	if len(outcome.removed) > 0 {
		log.Infof("sync: disabled providers removed from main config: %s", strings.Join(outcome.removed, ", "))
	}
	if len(outcome.cleaned) > 0 {
		log.Infof("sync: apiKey removed from main config for: %s", strings.Join(outcome.cleaned, ", "))
	}
	if outcome.modelChanged {
		log.Infof("sync: default model set to %s", outcome.defaultModel)
	} else if len(enabled) == 0 {
		log.Warnf("sync: no providers enabled, default model %q left unchanged", outcome.defaultModel)
	}
}

// SynchronizeWithRetry repeats Synchronize while its failure is transient.
// The last result is returned either way.
func (e *Engine) SynchronizeWithRetry(ctx context.Context, agentDir, mainConfigPath string) Result {
	var last Result
	_ = retry.Do(ctx, e.RetryPolicy, func(ctx context.Context) error {
		last = e.Synchronize(ctx, agentDir, mainConfigPath)
		if last.Success {
			return nil
		}
		return last.Err
	})
	return last
}

func countProfiles(doc []byte) (int, error) {
	var v AuthProfiles
	if err := json.Unmarshal(doc, &v); err != nil {
		return 0, err
	}
	return len(v.Profiles), nil
}

func countProviders(doc []byte) (int, error) {
	var v ModelsFile
	if err := json.Unmarshal(doc, &v); err != nil {
		return 0, err
	}
	return len(v.Providers), nil
}

// writeVerified writes v atomically, then re-reads the file and compares its
// record count with want. A count mismatch is logged only.
func (e *Engine) writeVerified(path string, v any, want int, count func([]byte) (int, error)) error {
	if err := util.SecureWriteJSON(path, v, &util.SecureWriteOptions{Permissions: e.FileMode}); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("sync: cannot re-read %s: %v", path, err)
		return nil
	}
	got, err := count(data)
	switch {
	case err != nil:
		log.Warnf("sync: %s is not parseable after write: %v", path, err)
	case got != want:
		log.Warnf("sync: %s holds %d record(s), expected %d", path, got, want)
	}
	return nil
}
