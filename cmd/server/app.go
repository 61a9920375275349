// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/api"
	"github.com/ctangarife/openclaw-docker/internal/api/handlers/management"
	"github.com/ctangarife/openclaw-docker/internal/config"
	"github.com/ctangarife/openclaw-docker/internal/container"
	"github.com/ctangarife/openclaw-docker/internal/credsock"
	"github.com/ctangarife/openclaw-docker/internal/gateway"
	"github.com/ctangarife/openclaw-docker/internal/hooks"
	"github.com/ctangarife/openclaw-docker/internal/queue"
	"github.com/ctangarife/openclaw-docker/internal/reconcile"
	"github.com/ctangarife/openclaw-docker/internal/secret"
	"github.com/ctangarife/openclaw-docker/internal/store"
	"github.com/ctangarife/openclaw-docker/internal/syncer"
	"github.com/ctangarife/openclaw-docker/internal/util"
	"github.com/ctangarife/openclaw-docker/internal/watcher"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP server and the
// Mongo client.
const shutdownTimeout = 10 * time.Second

type appOptions struct {
	// MemoryStore replaces MongoDB with the in-memory store.
	MemoryStore bool
	// Docker overrides the Engine API client.
	Docker container.DockerAPI
}

// app owns every long-lived component of the service.
type app struct {
	cfg        *config.Config
	mongo      *store.MongoStore
	queue      *queue.Manager
	bus        *hooks.EventBus
	hooks      *hooks.HookManager
	reconciler *reconcile.Reconciler
	server     *api.Server
	credsock   *credsock.Server
	guard      *watcher.Guard
	docker     *container.DockerController
}

// newApp connects the store and builds the component graph. Nothing is
// served until Run.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	cipher, err := secret.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	var (
		creds      store.CredentialStore
		settings   store.ConfigStore
		rateLimits store.RateLimitStore
		pinger     store.Pinger
	)
	if opts.MemoryStore {
		log.Warn("using the in-memory credential store; data is lost on restart")
		mem := store.NewMemoryStore()
		creds, settings, rateLimits = mem, mem.Settings(), mem.RateLimits()
	} else {
		uri, errURI := cfg.MongoURI()
		if errURI != nil {
			return nil, errURI
		}
		mongo, errMongo := store.NewMongoStore(ctx, store.MongoStoreConfig{URI: uri, Database: cfg.Mongo.Database})
		if errMongo != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", errMongo)
		}
		log.Info("MongoDB connected")
		a.mongo = mongo
		creds, settings, rateLimits, pinger = mongo, mongo.Settings(), mongo.RateLimits(), mongo
	}

	a.queue = queue.NewManager(cfg.Queue.ProviderLimits, cfg.Queue.DefaultLimit)
	fallbacks := gateway.NewFallbackResolver(settings, cfg.FallbackCacheTTL())
	gw := gateway.NewClient(gateway.Options{
		BaseURL:        cfg.Gateway.URL,
		Token:          cfg.Gateway.Token,
		Timeout:        cfg.GatewayTimeout(),
		MaxRetries:     cfg.Gateway.MaxRetries,
		EnableFallback: cfg.Gateway.EnableFallback,
		Queue:          a.queue,
		Fallbacks:      fallbacks,
	})
	if saved, errRL := management.LoadRateLimitConfig(ctx, rateLimits, a.queue, gw); errRL != nil {
		log.WithError(errRL).Warn("failed to load saved rate limit config, using defaults")
	} else if saved != nil {
		log.Infof("rate limit config loaded (global enabled: %t)", saved.GlobalEnabled)
	}

	dockerAPI := opts.Docker
	if dockerAPI == nil {
		cli, errDocker := container.NewClient()
		if errDocker != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", errDocker)
		}
		dockerAPI = cli
	}
	docker := container.NewDockerController(dockerAPI, cfg.Gateway.Container)
	a.docker = docker
	engine := syncer.NewEngine(creds, settings, cipher)
	if _, errPerm := util.HardenPermissions(syncer.ArtifactFileMode, artifactPaths(cfg)...); errPerm != nil {
		log.WithError(errPerm).Warn("failed to harden sync artifact permissions")
	}

	a.bus = hooks.NewEventBus()
	a.reconciler = reconcile.New(engine, docker, a.bus, cfg.Gateway.AgentDir, cfg.Gateway.MainConfigPath)

	if cfg.Hooks.Enabled {
		hm, errHooks := hooks.NewHookManager(cfg.Hooks.Dir, a.bus, hooks.ActionDeps{
			RestartGateway: func(ctx context.Context) error {
				res := docker.RestartWithRetry(ctx)
				if !res.Success {
					return errors.New(res.Error)
				}
				return nil
			},
			InvalidateFallbacks: fallbacks.Invalidate,
			Resync: func(ctx context.Context) error {
				out := a.reconciler.Apply(ctx, "hook resync")
				if !out.Sync.Success {
					return errors.New(out.Sync.Error)
				}
				return nil
			},
		})
		if errHooks != nil {
			return nil, fmt.Errorf("failed to create hook manager: %w", errHooks)
		}
		if errLoad := hm.LoadHooks(); errLoad != nil {
			log.WithError(errLoad).Warn("failed to load hooks")
		}
		hm.SubscribeToAllEvents()
		a.hooks = hm
	}

	if cfg.CredentialSocket.Enabled {
		a.credsock = credsock.NewServer(creds, cipher, credsock.Options{
			SocketPath:     cfg.CredentialSocket.Path,
			SocketMode:     cfg.SocketMode(),
			ReloadInterval: cfg.SocketReloadInterval(),
		})
	}
	if cfg.GuardMainConfig && cfg.Gateway.MainConfigPath != "" {
		a.guard = watcher.NewGuard(cfg.Gateway.MainConfigPath, a.bus)
	}

	a.server = api.NewServer(cfg, management.Dependencies{
		Credentials: creds,
		Settings:    settings,
		RateLimits:  rateLimits,
		Pinger:      pinger,
		Cipher:      cipher,
		Reconciler:  a.reconciler,
		Container:   docker,
		Queue:       a.queue,
		Gateway:     gw,
		Fallbacks:   fallbacks,
		Events:      a.bus,
	})
	return a, nil
}

// artifactPaths lists the files the sync engine owns in the agent directory.
func artifactPaths(cfg *config.Config) []string {
	return []string{
		filepath.Join(cfg.Gateway.AgentDir, syncer.AuthProfilesFileName),
		filepath.Join(cfg.Gateway.AgentDir, syncer.ModelsFileName),
	}
}

// Run serves until ctx is cancelled or the HTTP server fails, then shuts
// every component down.
func (a *app) Run(ctx context.Context) error {
	if a.hooks != nil {
		if err := a.hooks.StartWatcher(); err != nil {
			log.WithError(err).Warn("hook hot reload disabled")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Stop(stopCtx)
	})
	if a.credsock != nil {
		g.Go(func() error {
			if err := a.credsock.ListenAndServe(gctx); err != nil {
				log.WithError(err).Error("credential socket stopped")
			}
			return nil
		})
	}
	if a.guard != nil {
		g.Go(func() error {
			if err := a.guard.Run(gctx); err != nil {
				log.WithError(err).Error("main config guard stopped")
			}
			return nil
		})
	}

	err := g.Wait()
	a.shutdown()
	return err
}

func (a *app) shutdown() {
	if n := a.queue.ClearAll(); n > 0 {
		log.Infof("rejected %d queued gateway requests on shutdown", n)
	}
	a.reconciler.Wait()
	if a.hooks != nil {
		a.hooks.StopWatcher()
	}
	a.bus.Shutdown()
	if err := a.docker.Close(); err != nil {
		log.WithError(err).Warn("failed to close docker client")
	}
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.mongo.Close(ctx); err != nil {
			log.WithError(err).Warn("failed to close MongoDB client")
		}
	}
}
