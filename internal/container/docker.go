// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package container controls the gateway's Docker container through the
// Docker Engine API. Failures are reported in result values, never as panics
// or escalated errors, so a failed restart cannot undo a successful sync.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/retry"
	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	log "github.com/sirupsen/logrus"
)

// DefaultContainerName is the compose name of the gateway container.
const DefaultContainerName = "molbot-openclaw-gateway"

// Per-call timeouts.
const (
	DefaultCommandTimeout = 10 * time.Second
	RestartTimeout        = 15 * time.Second
	ExecTimeout           = 30 * time.Second
	LogsTimeout           = 5 * time.Second
	VersionTimeout        = 5 * time.Second
	DefaultExecUser       = "node"
	DefaultLogLines       = 50
)

// RestartResult reports a restart.
type RestartResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// ExecOptions tunes Exec.
type ExecOptions struct {
	User    string
	Timeout time.Duration
}

// ExecResult reports a command run inside the container.
type ExecResult struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// StatusResult reports container state.
type StatusResult struct {
	Running bool   `json:"running"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LogsResult carries the container log tail.
type LogsResult struct {
	Success bool   `json:"success"`
	Logs    string `json:"logs,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AvailabilityResult reports whether the Docker daemon answers.
type AvailabilityResult struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Controller is what the rest of the service needs from the gateway container.
type Controller interface {
	Restart(ctx context.Context) RestartResult
	RestartWithRetry(ctx context.Context) RestartResult
	Exec(ctx context.Context, command string, opts ExecOptions) ExecResult
	Status(ctx context.Context) StatusResult
	Logs(ctx context.Context, lines int) LogsResult
	Available(ctx context.Context) AvailabilityResult
}

// DockerAPI is the subset of the Engine API client the controller uses.
// *client.Client satisfies it.
type DockerAPI interface {
	ContainerRestart(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options containertypes.ExecOptions) (containertypes.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options containertypes.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (containertypes.ExecInspect, error)
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	ServerVersion(ctx context.Context) (types.Version, error)
}

// NewClient connects to the daemon named by DOCKER_HOST and friends,
// negotiating the API version on first use.
func NewClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// DockerController implements Controller over the Engine API.
type DockerController struct {
	api       DockerAPI
	container string

	// RestartPolicy is used by RestartWithRetry.
	RestartPolicy retry.Policy
}

// NewDockerController creates a controller for container.
func NewDockerController(api DockerAPI, container string) *DockerController {
	if container == "" {
		container = DefaultContainerName
	}
	return &DockerController{api: api, container: container, RestartPolicy: retry.RestartPolicy()}
}

// Name returns the controlled container name.
func (d *DockerController) Name() string { return d.container }

// Close releases the API client when it holds connections.
func (d *DockerController) Close() error {
	if c, ok := d.api.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// notReady reports whether state describes a container that is booting or
// already restarting.
func notReady(state *containertypes.State) bool {
	if state == nil {
		return false
	}
	if state.Restarting {
		return true
	}
	switch string(state.Status) {
	case "created", "restarting":
		return true
	}
	return state.Running && state.Health != nil && string(state.Health.Status) == "starting"
}

func (d *DockerController) restartOnce(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, RestartTimeout)
	defer cancel()

	err := d.api.ContainerRestart(ctx, d.container, containertypes.StopOptions{})
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("container %s not found", d.container)
	}
	info, errInspect := d.api.ContainerInspect(ctx, d.container)
	if errInspect == nil && info.ContainerJSONBase != nil && notReady(info.State) {
		return fmt.Errorf("%w: container %s is %s: %v", retry.ErrNotReady, d.container, info.State.Status, err)
	}
	return err
}

// Restart restarts the gateway container once.
func (d *DockerController) Restart(ctx context.Context) RestartResult {
	log.Infof("container: restarting %s", d.container)
	if err := d.restartOnce(ctx); err != nil {
		log.Errorf("container: restart of %s failed: %v", d.container, err)
		return RestartResult{Success: false, Error: err.Error(), Attempts: 1}
	}
	log.Infof("container: %s restarted", d.container)
	return RestartResult{Success: true, Message: fmt.Sprintf("container %s restarted", d.container), Attempts: 1}
}

// RestartWithRetry restarts the container, retrying while it reports not ready.
func (d *DockerController) RestartWithRetry(ctx context.Context) RestartResult {
	attempts := 0
	err := retry.Do(ctx, d.RestartPolicy, func(ctx context.Context) error {
		attempts++
		return d.restartOnce(ctx)
	})
	if err != nil {
		log.Errorf("container: restart of %s failed after %d attempt(s): %v", d.container, attempts, err)
		return RestartResult{Success: false, Error: err.Error(), Attempts: attempts}
	}
	log.Infof("container: %s restarted", d.container)
	return RestartResult{Success: true, Message: fmt.Sprintf("container %s restarted", d.container), Attempts: attempts}
}

// demux splits a multiplexed stdout/stderr stream. closeFn unblocks the copy
// when ctx ends first.
func demux(ctx context.Context, r io.Reader, closeFn func()) (string, string, error) {
	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, r)
		done <- err
	}()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		closeFn()
		<-done
		err = ctx.Err()
	}
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

// Exec runs command with sh -c inside the container.
func (d *DockerController) Exec(ctx context.Context, command string, opts ExecOptions) ExecResult {
	if strings.TrimSpace(command) == "" {
		return ExecResult{Success: false, Error: "command is required"}
	}
	user := opts.User
	if user == "" {
		user = DefaultExecUser
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = ExecTimeout
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	log.Debugf("container: exec in %s as %s: %s", d.container, user, command)
	created, err := d.api.ContainerExecCreate(ctx, d.container, containertypes.ExecOptions{
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", command},
	})
	if err != nil {
		return ExecResult{Success: false, Error: err.Error()}
	}
	attach, err := d.api.ContainerExecAttach(ctx, created.ID, containertypes.ExecAttachOptions{})
	if err != nil {
		return ExecResult{Success: false, Error: err.Error()}
	}
	defer attach.Close()

	stdout, stderr, err := demux(ctx, attach.Reader, attach.Close)
	if err != nil {
		return ExecResult{Success: false, Stdout: stdout, Stderr: stderr, Error: err.Error()}
	}
	inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{Success: false, Stdout: stdout, Stderr: stderr, Error: err.Error()}
	}
	if inspect.ExitCode != 0 {
		return ExecResult{Success: false, Stdout: stdout, Stderr: stderr, ExitCode: inspect.ExitCode, Error: fmt.Sprintf("exit code %d", inspect.ExitCode)}
	}
	return ExecResult{Success: true, Stdout: stdout, Stderr: stderr}
}

// Status reports whether the container is running.
func (d *DockerController) Status(ctx context.Context) StatusResult {
	ctx, cancel := withTimeout(ctx, DefaultCommandTimeout)
	defer cancel()

	info, err := d.api.ContainerInspect(ctx, d.container)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusResult{Running: false, Error: "container not found"}
		}
		log.Warnf("container: inspect %s failed: %v", d.container, err)
		return StatusResult{Running: false, Error: err.Error()}
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return StatusResult{Running: false, Status: "unknown"}
	}
	return StatusResult{Running: info.State.Running, Status: string(info.State.Status)}
}

// Logs returns the last lines of the container log, stdout first.
func (d *DockerController) Logs(ctx context.Context, lines int) LogsResult {
	if lines <= 0 {
		lines = DefaultLogLines
	}
	ctx, cancel := withTimeout(ctx, LogsTimeout)
	defer cancel()

	info, err := d.api.ContainerInspect(ctx, d.container)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return LogsResult{Success: false, Error: "container not found"}
		}
		return LogsResult{Success: false, Error: err.Error()}
	}
	rc, err := d.api.ContainerLogs(ctx, d.container, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return LogsResult{Success: false, Error: err.Error()}
	}
	defer rc.Close()

	// TTY containers send a raw stream.
	if info.Config != nil && info.Config.Tty {
		raw, errRead := io.ReadAll(rc)
		if errRead != nil {
			return LogsResult{Success: false, Error: errRead.Error()}
		}
		return LogsResult{Success: true, Logs: strings.TrimSpace(string(raw))}
	}

	stdout, stderr, err := demux(ctx, rc, func() { _ = rc.Close() })
	if err != nil {
		return LogsResult{Success: false, Error: err.Error()}
	}
	logs := stdout
	if stderr != "" {
		if logs != "" {
			logs += "\n"
		}
		logs += stderr
	}
	return LogsResult{Success: true, Logs: logs}
}

// Available reports whether the Docker daemon can be reached.
func (d *DockerController) Available(ctx context.Context) AvailabilityResult {
	ctx, cancel := withTimeout(ctx, VersionTimeout)
	defer cancel()

	v, err := d.api.ServerVersion(ctx)
	if err != nil {
		msg := err.Error()
		if client.IsErrConnectionFailed(err) {
			msg = "docker not available: " + msg
		}
		return AvailabilityResult{Available: false, Error: msg}
	}
	return AvailabilityResult{Available: true, Version: fmt.Sprintf("Docker %s (API %s)", v.Version, v.APIVersion)}
}

var _ Controller = (*DockerController)(nil)
