// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirCleanInterval = time.Minute

var logDirCleanerStop chan struct{}

// configureLogDirCleanerLocked (re)starts the background cleaner. Callers hold writerMu.
func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()
	if maxTotalSizeMB <= 0 {
		return
	}
	maxBytes := int64(maxTotalSizeMB) * 1024 * 1024
	stop := make(chan struct{})
	logDirCleanerStop = stop

	go func() {
		ticker := time.NewTicker(logDirCleanInterval)
		defer ticker.Stop()
		for {
			if removed, err := enforceLogDirLimit(logDir, maxBytes, protectedPath); err != nil {
				log.Debugf("logging: log dir cleanup failed: %v", err)
			} else if removed > 0 {
				log.Debugf("logging: removed %d old log file(s)", removed)
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// stopLogDirCleanerLocked stops the background cleaner. Callers hold writerMu.
func stopLogDirCleanerLocked() {
	if logDirCleanerStop != nil {
		close(logDirCleanerStop)
		logDirCleanerStop = nil
	}
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

// enforceLogDirLimit deletes the oldest .log files in dir until their total
// size is at most maxBytes. protectedPath is never deleted.
func enforceLogDirLimit(dir string, maxBytes int64, protectedPath string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var files []logFile
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(dir, e.Name()), size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	if total <= maxBytes {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	protected := filepath.Clean(protectedPath)
	removed := 0
	for _, f := range files {
		if total <= maxBytes {
			break
		}
		if protectedPath != "" && filepath.Clean(f.path) == protected {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
		removed++
	}
	return removed, nil
}
