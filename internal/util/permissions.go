// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// AuditResult is the permission state of one path.
type AuditResult struct {
	Path         string      `json:"path"`
	CurrentMode  os.FileMode `json:"currentMode"`
	RequiredMode os.FileMode `json:"requiredMode"`
	WasCorrected bool        `json:"wasCorrected,omitempty"`
	Error        error       `json:"-"`
}

// OK reports whether the path already has the required mode.
func (r AuditResult) OK() bool {
	return r.Error == nil && (r.WasCorrected || r.CurrentMode == r.RequiredMode)
}

// AuditPermissions compares the mode of every existing path with required
// without modifying anything. Missing paths are skipped.
func AuditPermissions(required os.FileMode, paths ...string) []AuditResult {
	results := make([]AuditResult, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			results = append(results, AuditResult{Path: path, RequiredMode: required, Error: err})
			continue
		}
		results = append(results, AuditResult{Path: path, CurrentMode: info.Mode().Perm(), RequiredMode: required})
	}
	return results
}

// HardenPermissions sets required on every existing path whose mode differs.
// Failures are logged and counted; the returned error joins them.
func HardenPermissions(required os.FileMode, paths ...string) ([]AuditResult, error) {
	results := AuditPermissions(required, paths...)
	var errs []error
	corrected := 0
	for i := range results {
		r := &results[i]
		if r.Error != nil {
			errs = append(errs, r.Error)
			continue
		}
		if r.CurrentMode == required {
			continue
		}
		if err := os.Chmod(r.Path, required); err != nil {
			r.Error = err
			errs = append(errs, fmt.Errorf("chmod %s: %w", r.Path, err))
			log.Warnf("permission hardening: failed to chmod %s from %04o to %04o: %v", r.Path, r.CurrentMode, required, err)
			continue
		}
		r.WasCorrected = true
		corrected++
		log.Infof("security audit: corrected permissions for %s from %04o to %04o", r.Path, r.CurrentMode, required)
	}
	if corrected == 0 && len(errs) == 0 {
		log.Debug("permission hardening: all permissions already correct")
	}
	return results, errors.Join(errs...)
}
