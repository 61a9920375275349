// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package syncer

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ctangarife/openclaw-docker/internal/catalog"
	"github.com/ctangarife/openclaw-docker/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

const (
	providersPath    = "models.providers"
	modePath         = "models.mode"
	primaryModelPath = "agents.defaults.model.primary"
	apiKeyField      = "apiKey"
	defaultMode      = "merge"
)

// ErrInvalidMainConfig is returned when the gateway main config is not valid JSON.
var ErrInvalidMainConfig = errors.New("main config is not valid JSON")

var prettyOptions = &pretty.Options{Width: 80, Indent: "  "}

// formatDocument renders doc in the stable layout shared by every write.
func formatDocument(doc []byte) []byte {
	return pretty.PrettyOptions(doc, prettyOptions)
}

func providerPath(name string) string {
	return providersPath + "." + gjson.Escape(name)
}

// apiKeyPaths returns the sjson paths of every apiKey field at any depth under
// models.providers, deepest first.
func apiKeyPaths(doc []byte) []string {
	var out []string
	var walk func(res gjson.Result, path string)
	walk = func(res gjson.Result, path string) {
		switch {
		case res.IsObject():
			res.ForEach(func(key, value gjson.Result) bool {
				child := path + "." + gjson.Escape(key.String())
				walk(value, child)
				if key.String() == apiKeyField {
					out = append(out, child)
				}
				return true
			})
		case res.IsArray():
			idx := 0
			res.ForEach(func(_, value gjson.Result) bool {
				walk(value, fmt.Sprintf("%s.%d", path, idx))
				idx++
				return true
			})
		}
	}
	walk(gjson.GetBytes(doc, providersPath), providersPath)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.Count(out[i], ".") > strings.Count(out[j], ".")
	})
	return out
}

// stripAPIKeys removes every apiKey under models.providers and reports the
// provider entries that carried one.
func stripAPIKeys(doc []byte) ([]byte, []string, error) {
	paths := apiKeyPaths(doc)
	if len(paths) == 0 {
		return doc, nil, nil
	}
	seen := make(map[string]struct{})
	var providers []string
	for _, p := range paths {
		var err error
		doc, err = sjson.DeleteBytes(doc, p)
		if err != nil {
			return nil, nil, fmt.Errorf("delete %s: %w", p, err)
		}
		name := providerOfPath(p)
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			providers = append(providers, name)
		}
	}
	sort.Strings(providers)
	return doc, providers, nil
}

// providerOfPath extracts the unescaped provider id from a path produced by apiKeyPaths.
func providerOfPath(path string) string {
	rest := strings.TrimPrefix(path, providersPath+".")
	var b strings.Builder
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c == '\\' && i+1 < len(rest) {
			i++
			b.WriteByte(rest[i])
			continue
		}
		if c == '.' {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}

// mainConfigEdit is everything the engine wants changed in the main config.
type mainConfigEdit struct {
	custom          map[string]catalog.Template
	enabled         []string
	configuredModel string
}

type mainConfigOutcome struct {
	synced       []string
	removed      []string
	cleaned      []string
	defaultModel string
	modelChanged bool
}

// applyMainConfig edits doc in place of the touched subtrees only.
func applyMainConfig(doc []byte, edit mainConfigEdit) ([]byte, mainConfigOutcome, error) {
	var out mainConfigOutcome
	if !gjson.ValidBytes(doc) {
		return nil, out, ErrInvalidMainConfig
	}

	names := make([]string, 0, len(edit.custom))
	for name := range edit.custom {
		names = append(names, name)
	}
	sort.Strings(names)

	var err error
	for _, name := range names {
		raw, errMarshal := util.MarshalIndentJSON(edit.custom[name])
		if errMarshal != nil {
			return nil, out, errMarshal
		}
		doc, err = sjson.SetRawBytes(doc, providerPath(name), raw)
		if err != nil {
			return nil, out, fmt.Errorf("set provider %s: %w", name, err)
		}
		out.synced = append(out.synced, name)
	}

	enabled := make(map[string]struct{}, len(edit.enabled))
	for _, p := range edit.enabled {
		enabled[p] = struct{}{}
	}
	var stale []string
	gjson.GetBytes(doc, providersPath).ForEach(func(key, _ gjson.Result) bool {
		name := key.String()
		if _, on := enabled[name]; !on && !catalog.IsNative(name) {
			stale = append(stale, name)
		}
		return true
	})
	for _, name := range stale {
		doc, err = sjson.DeleteBytes(doc, providerPath(name))
		if err != nil {
			return nil, out, fmt.Errorf("remove provider %s: %w", name, err)
		}
		out.removed = append(out.removed, name)
	}

	doc, out.cleaned, err = stripAPIKeys(doc)
	if err != nil {
		return nil, out, err
	}

	if !gjson.GetBytes(doc, modePath).Exists() {
		doc, err = sjson.SetBytes(doc, modePath, defaultMode)
		if err != nil {
			return nil, out, fmt.Errorf("set models.mode: %w", err)
		}
	}

	current := strings.TrimSpace(gjson.GetBytes(doc, primaryModelPath).String())
	out.defaultModel = current
	if replacement, change := repairDefaultModel(current, edit.enabled, edit.configuredModel); change {
		doc, err = sjson.SetBytes(doc, primaryModelPath, replacement)
		if err != nil {
			return nil, out, fmt.Errorf("set default model: %w", err)
		}
		out.defaultModel = replacement
		out.modelChanged = true
	}

	return formatDocument(doc), out, nil
}

// repairDefaultModel decides the agents' default model. A current model whose
// provider is enabled is kept. Otherwise the configured model wins when its
// provider is enabled, then the first enabled provider with a catalog default.
// With nothing enabled the current value is left as is.
func repairDefaultModel(current string, enabled []string, configured string) (string, bool) {
	if len(enabled) == 0 {
		return current, false
	}
	isEnabled := func(model string) bool {
		p := catalog.ProviderOf(model)
		for _, e := range enabled {
			if e == p {
				return true
			}
		}
		return false
	}
	if current != "" && isEnabled(current) {
		return current, false
	}
	if configured != "" && isEnabled(configured) {
		return configured, configured != current
	}
	for _, p := range enabled {
		if m, ok := catalog.DefaultModel(p); ok {
			return m, m != current
		}
	}
	return current, false
}

// verifyMainConfig re-reads path and strips any apiKey that survived, writing
// the file again when needed. It returns the providers repaired.
func verifyMainConfig(path string, perm os.FileMode) ([]string, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("re-read main config: %w", err)
	}
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("re-read main config: %w", ErrInvalidMainConfig)
	}
	fixed, found, err := stripAPIKeys(doc)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	log.Errorf("sync: apiKey still present in %s after write for %s, stripping again", path, strings.Join(found, ", "))
	if err := util.SecureWrite(path, formatDocument(fixed), &util.SecureWriteOptions{Permissions: perm}); err != nil {
		return found, err
	}
	return found, nil
}

// ScrubMainConfig strips apiKey fields from the gateway main config without
// touching anything else. A missing file is not an error.
func ScrubMainConfig(path string) ([]string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("%s: %w", path, ErrInvalidMainConfig)
	}
	fixed, cleaned, err := stripAPIKeys(doc)
	if err != nil || len(cleaned) == 0 {
		return nil, err
	}
	if err := util.SecureWrite(path, formatDocument(fixed), &util.SecureWriteOptions{Permissions: info.Mode().Perm()}); err != nil {
		return nil, err
	}
	log.Infof("scrub: removed apiKey from %s for %s", path, strings.Join(cleaned, ", "))
	return cleaned, nil
}

// SetDefaultModel writes model as the agents' default model in the gateway
// main config, creating the file when missing. Any apiKey found on the way is
// stripped.
func SetDefaultModel(path, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("default model is empty")
	}
	perm := ArtifactFileMode
	doc := []byte("{}")
	info, err := os.Stat(path)
	switch {
	case err == nil:
		perm = info.Mode().Perm()
		if doc, err = os.ReadFile(path); err != nil {
			return err
		}
		if !gjson.ValidBytes(doc) {
			return fmt.Errorf("%s: %w", path, ErrInvalidMainConfig)
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}
	if gjson.GetBytes(doc, primaryModelPath).String() == model {
		return nil
	}
	if doc, err = sjson.SetBytes(doc, primaryModelPath, model); err != nil {
		return fmt.Errorf("set default model: %w", err)
	}
	if doc, _, err = stripAPIKeys(doc); err != nil {
		return err
	}
	if err = util.SecureWrite(path, formatDocument(doc), &util.SecureWriteOptions{Permissions: perm}); err != nil {
		return err
	}
	log.Infof("default model set to %s in %s", model, path)
	return nil
}
