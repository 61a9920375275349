// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package credsock serves decrypted provider credentials to co-located
// processes over a Unix socket, so secrets never enter their environment.
//
// Frames are newline-delimited JSON objects. Every response echoes the id of
// the request it answers. Requests on one connection are handled
// concurrently, so responses can arrive in any order.
package credsock

import (
	"errors"
	"fmt"
	"time"
)

// Actions understood by the server.
const (
	ActionGet    = "get"
	ActionList   = "list"
	ActionHealth = "health"
)

// StatusHealthy is the health status of a loaded cache.
const StatusHealthy = "healthy"

// Code classifies a failed response.
type Code string

const (
	CodeInvalidRequest Code = "invalid_request"
	CodeUnknownAction  Code = "unknown_action"
	CodeNotFound       Code = "not_found"
	CodeUnavailable    Code = "unavailable"
)

// Request is one client frame.
type Request struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Key    string `json:"key,omitempty"`
}

// Response is one server frame.
type Response struct {
	ID        string    `json:"id"`
	Success   bool      `json:"success"`
	Value     string    `json:"value,omitempty"`
	Providers []string  `json:"providers,omitempty"`
	Status    string    `json:"status,omitempty"`
	Count     *int      `json:"count,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      Code      `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	// ErrNotFound is returned by Client.Get for unknown providers.
	ErrNotFound = errors.New("credential not found")
	// ErrUnavailable is returned while the server has no credential cache.
	ErrUnavailable = errors.New("credential cache not initialized")
	// ErrClosed is returned for calls on a closed client.
	ErrClosed = errors.New("credsock: client closed")
)

// RemoteError is a failed response surfaced by the client.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("credsock: %s (%s)", e.Message, e.Code)
}

// Is maps response codes to the package sentinels.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrUnavailable:
		return e.Code == CodeUnavailable
	}
	return false
}
