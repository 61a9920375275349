// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// RequestIDHeader carries the request id on responses.
const RequestIDHeader = "X-Request-ID"

// NewRequestID returns a short random request id.
func NewRequestID() string {
	return uuid.NewString()[:8]
}

// RequestID returns the request id assigned by GinLogger, or "".
func RequestID(c *gin.Context) string {
	if v, ok := c.Get(RequestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// Entry returns a logrus entry tagged with the request id of c.
func Entry(c *gin.Context) *log.Entry {
	return log.WithField(RequestIDKey, RequestID(c))
}

// GinLogger assigns a request id and logs one line per request. Query
// strings are not logged and the Authorization header only in masked form.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := NewRequestID()
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()

		status := c.Writer.Status()
		entry := log.WithField(RequestIDKey, id)
		if auth := c.GetHeader("Authorization"); auth != "" {
			entry = entry.WithField("auth", util.MaskAuthorizationHeader(auth))
		}
		msg := fmt.Sprintf("%3d | %13v | %15s | %-7s %s", status, time.Since(start).Truncate(time.Microsecond), c.ClientIP(), c.Request.Method, c.Request.URL.Path)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			msg += " | " + errs
		}
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(msg)
		case status >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Info(msg)
		}
	}
}

// GinRecovery turns handler panics into 500 responses.
func GinRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				Entry(c).Errorf("panic recovered: %v\n%s", r, debug.Stack())
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal server error"})
			}
		}()
		c.Next()
	}
}
