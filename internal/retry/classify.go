// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"go.mongodb.org/mongo-driver/mongo"
)

// Class is the closed set of failure categories used for retry decisions.
type Class int

const (
	// ClassNone means no error.
	ClassNone Class = iota
	// ClassTransientNetwork covers resets, refused connections, DNS hiccups and timeouts.
	ClassTransientNetwork
	// ClassRateLimited is an HTTP 429.
	ClassRateLimited
	// ClassServerError is an HTTP 500, 502, 503 or 504.
	ClassServerError
	// ClassNotReady means the gateway container is stopped, starting or mid-restart.
	ClassNotReady
	// ClassClientError is any other HTTP 4xx.
	ClassClientError
	// ClassCanceled means the caller gave up.
	ClassCanceled
	// ClassPermanent is everything else.
	ClassPermanent
)

var classNames = map[Class]string{
	ClassNone:             "none",
	ClassTransientNetwork: "transient_network",
	ClassRateLimited:      "rate_limited",
	ClassServerError:      "server_error",
	ClassNotReady:         "not_ready",
	ClassClientError:      "client_error",
	ClassCanceled:         "canceled",
	ClassPermanent:        "permanent",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "unknown"
}

// ErrNotReady is wrapped by collaborators whose target is temporarily unavailable.
var ErrNotReady = errors.New("target not ready")

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Classify maps err onto a Class by inspecting its chain. It never looks at
// message text.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}

	if errors.Is(err, ErrNotReady) {
		return ClassNotReady
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransientNetwork
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EPIPE):
		return ClassTransientNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransientNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransientNetwork
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return ClassTransientNetwork
	}
	var srvSel mongo.ServerError
	if errors.As(err, &srvSel) && srvSel.HasErrorLabel("RetryableWriteError") {
		return ClassTransientNetwork
	}

	return ClassPermanent
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusInternalServerError,
		code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		return ClassServerError
	case code >= 400 && code < 500:
		return ClassClientError
	case code >= 200 && code < 300:
		return ClassNone
	default:
		return ClassPermanent
	}
}

// Retryable reports whether a failure of this class may succeed on a later attempt.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransientNetwork, ClassRateLimited, ClassServerError, ClassNotReady:
		return true
	default:
		return false
	}
}

// IsRetryable is shorthand for Classify(err).Retryable().
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// IsTransient matches the failures worth re-running a credential sync for:
// network trouble reaching MongoDB or the filesystem peer, and a gateway
// container that is not up yet.
func IsTransient(err error) bool {
	switch Classify(err) {
	case ClassTransientNetwork, ClassNotReady:
		return true
	default:
		return false
	}
}

// IsNotReady matches container restarts that raced with a stopped or starting container.
func IsNotReady(err error) bool {
	return Classify(err) == ClassNotReady
}
