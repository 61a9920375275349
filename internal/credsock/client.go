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
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Health is the result of a health request.
type Health struct {
	Status string
	Count  int
}

// Client issues requests over one connection. It is safe for concurrent use;
// responses are matched to callers by request id.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	pending map[string]chan Response
	err     error
	done    chan struct{}
}

// Dial connects to the server socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.done)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Warnf("credsock: discarding malformed response: %v", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			log.Debugf("credsock: response for unknown request %q", resp.ID)
			continue
		}
		ch <- resp
	}

	err := scanner.Err()
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Close closes the connection and fails every pending call.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) call(ctx context.Context, action, key string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	req := Request{ID: uuid.NewString(), Action: action, Key: key}
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Response{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.enc.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return Response{}, fmt.Errorf("credsock: send: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return Response{}, err
		}
		if !resp.Success {
			return resp, &RemoteError{Code: resp.Code, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return Response{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Get returns the API key of provider.
func (c *Client) Get(ctx context.Context, provider string) (string, error) {
	if provider == "" {
		return "", errors.New("credsock: provider is required")
	}
	resp, err := c.call(ctx, ActionGet, provider)
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// List returns the providers with a loaded credential.
func (c *Client) List(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, ActionList, "")
	if err != nil {
		return nil, err
	}
	if resp.Providers == nil {
		return []string{}, nil
	}
	return resp.Providers, nil
}

// Health reports the server status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	resp, err := c.call(ctx, ActionHealth, "")
	if err != nil {
		return Health{}, err
	}
	h := Health{Status: resp.Status}
	if resp.Count != nil {
		h.Count = *resp.Count
	}
	return h, nil
}
