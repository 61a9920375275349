// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package container

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/retry"
	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu sync.Mutex

	restartErrs []error
	restarts    int
	deadline    time.Duration

	states     []*containertypes.State
	inspectErr error
	tty        bool

	execOpts   containertypes.ExecOptions
	execStdout string
	execStderr string
	exitCode   int

	logOpts    containertypes.LogsOptions
	logStdout  string
	logStderr  string
	version    types.Version
	versionErr error
}

func (f *fakeAPI) ContainerRestart(ctx context.Context, _ string, _ containertypes.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		f.deadline = time.Until(dl)
	}
	f.restarts++
	if len(f.restartErrs) == 0 {
		return nil
	}
	err := f.restartErrs[0]
	if len(f.restartErrs) > 1 {
		f.restartErrs = f.restartErrs[1:]
	}
	return err
}

func (f *fakeAPI) ContainerInspect(context.Context, string) (containertypes.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return containertypes.InspectResponse{}, f.inspectErr
	}
	state := &containertypes.State{Status: "running", Running: true}
	if len(f.states) > 0 {
		state = f.states[0]
		if len(f.states) > 1 {
			f.states = f.states[1:]
		}
	}
	return containertypes.InspectResponse{
		ContainerJSONBase: &containertypes.ContainerJSONBase{State: state},
		Config:            &containertypes.Config{Tty: f.tty},
	}, nil
}

func (f *fakeAPI) ContainerExecCreate(ctx context.Context, _ string, opts containertypes.ExecOptions) (containertypes.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		f.deadline = time.Until(dl)
	}
	f.execOpts = opts
	return containertypes.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeAPI) ContainerExecAttach(context.Context, string, containertypes.ExecAttachOptions) (types.HijackedResponse, error) {
	conn, peer := net.Pipe()
	_ = peer.Close()
	return types.HijackedResponse{
		Conn:   conn,
		Reader: bufio.NewReader(bytes.NewReader(multiplexed(f.execStdout, f.execStderr))),
	}, nil
}

func (f *fakeAPI) ContainerExecInspect(context.Context, string) (containertypes.ExecInspect, error) {
	return containertypes.ExecInspect{ExecID: "exec-1", ExitCode: f.exitCode}, nil
}

func (f *fakeAPI) ContainerLogs(_ context.Context, _ string, opts containertypes.LogsOptions) (io.ReadCloser, error) {
	f.logOpts = opts
	if f.tty {
		return io.NopCloser(bytes.NewReader([]byte(f.logStdout))), nil
	}
	return io.NopCloser(bytes.NewReader(multiplexed(f.logStdout, f.logStderr))), nil
}

func (f *fakeAPI) ServerVersion(context.Context) (types.Version, error) {
	return f.version, f.versionErr
}

func multiplexed(stdout, stderr string) []byte {
	var buf bytes.Buffer
	if stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	}
	if stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	}
	return buf.Bytes()
}

func recordWaits(out *[]time.Duration) retry.SleepFunc {
	return func(_ context.Context, d time.Duration) error {
		*out = append(*out, d)
		return nil
	}
}

var errDaemon = errors.New("Error response from daemon: cannot restart container")

func TestRestart(t *testing.T) {
	f := &fakeAPI{}
	d := NewDockerController(f, "gw")

	res := d.Restart(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.restarts)
	assert.InDelta(t, RestartTimeout.Seconds(), f.deadline.Seconds(), 1)
	assert.Equal(t, "gw", d.Name())
}

func TestRestart_NotFoundIsReported(t *testing.T) {
	f := &fakeAPI{restartErrs: []error{errdefs.NotFound(errors.New("No such container: gw"))}}
	res := NewDockerController(f, "gw").Restart(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, "container gw not found", res.Error)
}

func TestRestartWithRetry_NotReadyIsRetried(t *testing.T) {
	f := &fakeAPI{
		restartErrs: []error{errDaemon, errDaemon, nil},
		states: []*containertypes.State{
			{Status: "restarting", Restarting: true},
			{Status: "created"},
		},
	}
	d := NewDockerController(f, "gw")
	var waits []time.Duration
	d.RestartPolicy.Sleep = recordWaits(&waits)

	res := d.RestartWithRetry(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, waits)
}

func TestRestartWithRetry_StartingHealthCheckIsNotReady(t *testing.T) {
	f := &fakeAPI{
		restartErrs: []error{errDaemon, nil},
		states: []*containertypes.State{
			{Status: "running", Running: true, Health: &containertypes.Health{Status: "starting"}},
		},
	}
	d := NewDockerController(f, "gw")
	d.RestartPolicy.Sleep = recordWaits(new([]time.Duration))

	res := d.RestartWithRetry(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
}

func TestRestartWithRetry_OtherErrorsFailFast(t *testing.T) {
	f := &fakeAPI{
		restartErrs: []error{errors.New("permission denied while trying to connect to the Docker daemon socket")},
		states:      []*containertypes.State{{Status: "running", Running: true}},
	}
	d := NewDockerController(f, "gw")
	var waits []time.Duration
	d.RestartPolicy.Sleep = recordWaits(&waits)

	res := d.RestartWithRetry(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Error, "permission denied")
	assert.Empty(t, waits)
}

func TestRestartWithRetry_GivesUp(t *testing.T) {
	f := &fakeAPI{
		restartErrs: []error{errDaemon},
		states:      []*containertypes.State{{Status: "restarting", Restarting: true}},
	}
	d := NewDockerController(f, "gw")
	d.RestartPolicy.Sleep = recordWaits(new([]time.Duration))

	res := d.RestartWithRetry(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Error, "is restarting")
}

func TestExec(t *testing.T) {
	f := &fakeAPI{execStdout: "ok\n", execStderr: "note\n"}
	d := NewDockerController(f, "gw")

	res := d.Exec(context.Background(), "openclaw models list", ExecOptions{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ok", res.Stdout)
	assert.Equal(t, "note", res.Stderr)
	assert.Equal(t, "node", f.execOpts.User)
	assert.Equal(t, []string{"sh", "-c", "openclaw models list"}, f.execOpts.Cmd)
	assert.True(t, f.execOpts.AttachStdout)
	assert.True(t, f.execOpts.AttachStderr)
	assert.InDelta(t, ExecTimeout.Seconds(), f.deadline.Seconds(), 1)

	res = d.Exec(context.Background(), "id", ExecOptions{User: "root", Timeout: 2 * time.Second})
	assert.True(t, res.Success)
	assert.Equal(t, "root", f.execOpts.User)
	assert.InDelta(t, 2, f.deadline.Seconds(), 1)

	res = d.Exec(context.Background(), "  ", ExecOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, "command is required", res.Error)
}

func TestExec_NonZeroExit(t *testing.T) {
	f := &fakeAPI{execStderr: "sh: nope: not found", exitCode: 127}
	res := NewDockerController(f, "gw").Exec(context.Background(), "nope", ExecOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, 127, res.ExitCode)
	assert.Equal(t, "sh: nope: not found", res.Stderr)
	assert.Equal(t, "exit code 127", res.Error)
}

func TestStatus(t *testing.T) {
	t.Run("running", func(t *testing.T) {
		f := &fakeAPI{}
		res := NewDockerController(f, "gw").Status(context.Background())
		assert.Equal(t, StatusResult{Running: true, Status: "running"}, res)
	})
	t.Run("exited", func(t *testing.T) {
		f := &fakeAPI{states: []*containertypes.State{{Status: "exited"}}}
		res := NewDockerController(f, "gw").Status(context.Background())
		assert.Equal(t, StatusResult{Running: false, Status: "exited"}, res)
	})
	t.Run("missing", func(t *testing.T) {
		f := &fakeAPI{inspectErr: errdefs.NotFound(errors.New("No such container: gw"))}
		res := NewDockerController(f, "gw").Status(context.Background())
		assert.False(t, res.Running)
		assert.Equal(t, "container not found", res.Error)
	})
}

func TestLogs(t *testing.T) {
	f := &fakeAPI{logStdout: "line1\n", logStderr: "warn1\n"}
	logs := NewDockerController(f, "gw").Logs(context.Background(), 0)
	assert.True(t, logs.Success)
	assert.Equal(t, "line1\nwarn1", logs.Logs)
	assert.Equal(t, "50", f.logOpts.Tail)
	assert.True(t, f.logOpts.ShowStdout)
	assert.True(t, f.logOpts.ShowStderr)

	tty := &fakeAPI{tty: true, logStdout: "raw line\n"}
	logs = NewDockerController(tty, "gw").Logs(context.Background(), 10)
	assert.True(t, logs.Success)
	assert.Equal(t, "raw line", logs.Logs)
	assert.Equal(t, "10", tty.logOpts.Tail)

	missing := &fakeAPI{inspectErr: errdefs.NotFound(errors.New("No such container: gw"))}
	logs = NewDockerController(missing, "gw").Logs(context.Background(), 10)
	assert.False(t, logs.Success)
	assert.Equal(t, "container not found", logs.Error)
}

func TestAvailable(t *testing.T) {
	f := &fakeAPI{version: types.Version{Version: "27.0.1", APIVersion: "1.46"}}
	av := NewDockerController(f, "").Available(context.Background())
	assert.True(t, av.Available)
	assert.Equal(t, "Docker 27.0.1 (API 1.46)", av.Version)

	down := &fakeAPI{versionErr: errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock")}
	av = NewDockerController(down, "").Available(context.Background())
	assert.False(t, av.Available)
	assert.Contains(t, av.Error, "Cannot connect")
}

func TestNotReady(t *testing.T) {
	assert.False(t, notReady(nil))
	assert.True(t, notReady(&containertypes.State{Restarting: true}))
	assert.True(t, notReady(&containertypes.State{Status: "created"}))
	assert.False(t, notReady(&containertypes.State{Status: "exited"}))
	assert.False(t, notReady(&containertypes.State{Status: "running", Running: true, Health: &containertypes.Health{Status: "healthy"}}))
}
