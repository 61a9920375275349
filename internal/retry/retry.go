// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package retry runs operations with exponential backoff and classifies
// failures into a closed set of retry categories.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// SleepFunc waits for d or until ctx is done. It returns an error only when
// ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy describes how many times and how far apart an operation is retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps every wait.
	MaxDelay time.Duration
	// Multiplier grows the wait between consecutive retries.
	Multiplier float64
	// ShouldRetry decides whether err is worth another attempt. Nil means IsRetryable.
	ShouldRetry func(err error) bool
	// OnRetry is called before each wait.
	OnRetry func(retry int, err error, delay time.Duration)
	// Sleep overrides the wait, mostly for tests.
	Sleep SleepFunc
	// Name labels log lines.
	Name string
}

// BackOff returns the policy's delay schedule without the retry cap:
// BaseDelay*Multiplier^n bounded by MaxDelay, with no jitter and no
// elapsed-time limit.
func (p Policy) BackOff() *backoff.ExponentialBackOff {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(1<<63 - 1)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          mult,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Delay returns min(MaxDelay, BaseDelay*Multiplier^retry) for the 0-indexed retry.
func (p Policy) Delay(retry int) time.Duration {
	b := p.BackOff()
	d := b.NextBackOff()
	for i := 0; i < retry; i++ {
		d = b.NextBackOff()
	}
	return d
}

// SyncPolicy is used around credential synchronization.
func SyncPolicy() Policy {
	return Policy{
		Name:        "sync",
		MaxRetries:  3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		ShouldRetry: IsTransient,
	}
}

// RestartPolicy is used around gateway container restarts.
func RestartPolicy() Policy {
	return Policy{
		Name:        "restart",
		MaxRetries:  2,
		BaseDelay:   3 * time.Second,
		MaxDelay:    5 * time.Second,
		Multiplier:  1,
		ShouldRetry: IsNotReady,
	}
}

// Do runs fn until it succeeds, the policy gives up, or ctx is done.
// The last error from fn is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	var zero T
	attempt := 0
	op := func(ctx context.Context) (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Debugf("retry[%s]: succeeded on attempt %d", p.Name, attempt)
			}
			return v, nil
		}
		if !shouldRetry(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}
	notify := func(err error, delay time.Duration) {
		log.Warnf("retry[%s]: attempt %d/%d failed (%s), retrying in %s: %v", p.Name, attempt, p.MaxRetries+1, Classify(err), delay, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
	}
	return Run(ctx, backoff.WithMaxRetries(p.BackOff(), uint64(max(p.MaxRetries, 0))), p.Sleep, op, notify)
}

// Run drives fn with b. Errors wrapped in backoff.Permanent stop at once.
// A nil sleep uses real timers. When ctx ends during a wait, the last error
// from fn is returned rather than the context error.
func Run[T any](ctx context.Context, b backoff.BackOff, sleep SleepFunc, fn func(ctx context.Context) (T, error), notify backoff.Notify) (T, error) {
	var lastErr error
	op := func() (T, error) {
		v, err := fn(ctx)
		lastErr = err
		return v, err
	}
	var timer backoff.Timer
	if sleep != nil {
		timer = &sleepTimer{ctx: ctx, sleep: sleep}
	}
	v, err := backoff.RetryNotifyWithTimerAndData(op, backoff.WithContext(b, ctx), notify, timer)
	if err != nil && lastErr != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		var permanent *backoff.PermanentError
		if errors.As(lastErr, &permanent) {
			return v, permanent.Err
		}
		return v, lastErr
	}
	return v, err
}

// sleepTimer adapts a SleepFunc to backoff.Timer. Start blocks for the wait
// and fires only if the sleep completed.
type sleepTimer struct {
	ctx   context.Context
	sleep SleepFunc
	c     chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	if err := t.sleep(t.ctx, d); err == nil {
		t.c <- time.Now()
	}
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }
