// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the OpenClaw config service.
// The service stores encrypted provider credentials, synchronizes them into
// the gateway's agent directory and exposes the management API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ctangarife/openclaw-docker/internal/buildinfo"
	"github.com/ctangarife/openclaw-docker/internal/config"
	"github.com/ctangarife/openclaw-docker/internal/logging"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var configPath string
	var memoryStore bool
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&memoryStore, "memory-store", false, "Keep credentials in memory instead of MongoDB (development only)")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.WithError(err).Fatal("failed to get working directory")
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	log.Infof("openclaw config service %s", buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{MemoryStore: memoryStore})
	if err != nil {
		log.WithError(err).Fatal("failed to start config service")
	}
	if err = a.Run(ctx); err != nil {
		log.WithError(err).Error("config service stopped with error")
		os.Exit(1)
	}
	log.Info("config service stopped")
}

// loadConfig reads the optional YAML file, applies the logging settings and
// validates what the service needs to run.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigOptional(path, true)
	if err != nil {
		return nil, err
	}
	if err = logging.ConfigureLogOutput(cfg.LogsDir, cfg.LoggingToFile, cfg.LogsMaxTotalSizeMB); err != nil {
		return nil, fmt.Errorf("failed to configure log output: %w", err)
	}
	logging.SetLevel(cfg.Debug)
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
