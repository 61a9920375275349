// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package credsock

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/store"
	"github.com/ctangarife/openclaw-docker/internal/util"
	log "github.com/sirupsen/logrus"
)

// Server defaults.
const (
	DefaultSocketPath     = "/tmp/credential.sock"
	DefaultReloadInterval = 5 * time.Minute
	DefaultSocketMode     = os.FileMode(0o660)
	maxFrameSize          = 64 * 1024
)

// Decrypter opens stored credential blobs.
type Decrypter interface {
	Decrypt(blob string) (string, error)
}

// Options configures a Server.
type Options struct {
	SocketPath     string
	SocketMode     os.FileMode
	ReloadInterval time.Duration
}

func (o *Options) sanitize() {
	if o.SocketPath == "" {
		o.SocketPath = DefaultSocketPath
	}
	if o.SocketMode == 0 {
		o.SocketMode = DefaultSocketMode
	}
	if o.ReloadInterval <= 0 {
		o.ReloadInterval = DefaultReloadInterval
	}
}

// Server answers credential requests from an in-memory cache of the
// decrypted enabled credentials.
type Server struct {
	creds  store.CredentialStore
	cipher Decrypter
	opts   Options
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]string
	ready bool

	conns sync.WaitGroup
}

// NewServer creates a server. Zero option fields take the defaults.
func NewServer(creds store.CredentialStore, cipher Decrypter, opts Options) *Server {
	opts.sanitize()
	return &Server{creds: creds, cipher: cipher, opts: opts, now: time.Now, cache: map[string]string{}}
}

// SocketPath returns the socket the server listens on.
func (s *Server) SocketPath() string { return s.opts.SocketPath }

// Reload replaces the cache with the currently enabled credentials. The
// first credential of a provider wins. On a store error the previous cache
// is kept.
func (s *Server) Reload(ctx context.Context) (int, error) {
	creds, err := s.creds.FindEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("load credentials: %w", err)
	}
	next := make(map[string]string, len(creds))
	for _, c := range creds {
		provider := strings.ToLower(strings.TrimSpace(c.Provider))
		if _, dup := next[provider]; dup || provider == "" {
			continue
		}
		key, err := s.cipher.Decrypt(c.TokenEncrypted)
		if err != nil {
			log.Errorf("credsock: cannot decrypt credential %s (%s): %v", c.ID, provider, err)
			continue
		}
		next[provider] = key
		log.Debugf("credsock: loaded %s (%s)", provider, util.HideAPIKey(key))
	}

	s.mu.Lock()
	s.cache = next
	s.ready = true
	s.mu.Unlock()
	log.Infof("credsock: cache holds %d credential(s)", len(next))
	return len(next), nil
}

// Listen removes a stale socket file, binds the socket and applies the
// configured permissions.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	path := s.opts.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("credsock: failed to remove stale socket %s: %v", path, err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, s.opts.SocketMode); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

// ListenAndServe loads the cache, binds the socket and serves until ctx
// is cancelled. The socket file is removed on return.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if _, err := s.Reload(ctx); err != nil {
		return err
	}
	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	log.Infof("credsock: listening on %s", s.opts.SocketPath)
	defer func() {
		if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("credsock: failed to remove socket on shutdown: %v", err)
		}
	}()
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, reloading the
// cache on the configured interval. It waits for open connections to
// finish before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go s.reloadLoop(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.conns.Wait()
				return nil
			}
			s.conns.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reload(ctx); err != nil {
				log.Errorf("credsock: reload failed: %v", err)
			}
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var (
		writeMu  sync.Mutex
		inflight sync.WaitGroup
	)
	enc := json.NewEncoder(conn)
	write := func(resp Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			log.Debugf("credsock: write failed: %v", err)
		}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			write(s.fail("", CodeInvalidRequest, "invalid request frame"))
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			write(s.Handle(req))
		}()
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Debugf("credsock: connection closed: %v", err)
	}
	inflight.Wait()
}

func (s *Server) fail(id string, code Code, msg string) Response {
	return Response{ID: id, Success: false, Error: msg, Code: code, Timestamp: s.now().UTC()}
}

// Handle answers one request.
func (s *Server) Handle(req Request) Response {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		return s.fail(req.ID, CodeUnavailable, ErrUnavailable.Error())
	}

	switch req.Action {
	case ActionGet:
		provider := strings.ToLower(strings.TrimSpace(req.Key))
		if provider == "" {
			return s.fail(req.ID, CodeInvalidRequest, "key is required")
		}
		value, ok := s.cache[provider]
		if !ok {
			log.Infof("credsock: credential not found: %s", provider)
			return s.fail(req.ID, CodeNotFound, ErrNotFound.Error())
		}
		log.Infof("credsock: credential accessed: %s", provider)
		return Response{ID: req.ID, Success: true, Value: value, Timestamp: s.now().UTC()}

	case ActionList:
		providers := make([]string, 0, len(s.cache))
		for p := range s.cache {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		return Response{ID: req.ID, Success: true, Providers: providers, Timestamp: s.now().UTC()}

	case ActionHealth:
		count := len(s.cache)
		return Response{ID: req.ID, Success: true, Status: StatusHealthy, Count: &count, Timestamp: s.now().UTC()}

	default:
		return s.fail(req.ID, CodeUnknownAction, fmt.Sprintf("unknown action %q", req.Action))
	}
}
