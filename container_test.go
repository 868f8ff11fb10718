package gantry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portside/gantry/probe"
)

var _ Engine = (*fakeEngine)(nil)

type testFlavor struct {
	message string
}

func (f *testFlavor) StartedMessage() string { return f.message }

func newTestContainer(t *testing.T, engine Engine, logs io.Writer, opts ...Option) *Container {
	t.Helper()
	if logs == nil {
		logs = io.Discard
	}
	base := []Option{
		WithEngine(engine),
		WithLogger(slog.New(slog.NewTextHandler(logs, nil))),
	}
	c, err := New("alpine:latest", append(base, opts...)...)
	require.NoError(t, err)
	// Pin the topology snapshot so tests behave the same on a containerized CI
	// runner as on a host.
	c.env.insideContainer = false
	c.env.dockerHostSet = false
	return c
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	c := newTestContainer(t, engine, nil)
	ctx := t.Context()

	require.NoError(t, c.Start(ctx))
	require.NotEmpty(t, c.ID())
	require.Equal(t, 1, engine.containerCount())

	id := c.ID()
	require.NoError(t, c.Stop(ctx))
	require.Empty(t, c.ID())
	require.Equal(t, 0, engine.containerCount())

	_, err := engine.InspectContainer(ctx, id)
	require.True(t, IsNotFound(err))
}

func TestStartAlreadyStarted(t *testing.T) {
	t.Parallel()

	c := newTestContainer(t, newFakeEngine(), nil)
	ctx := t.Context()

	require.NoError(t, c.Start(ctx))
	require.ErrorIs(t, c.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, c.Stop(ctx))
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestContainer(t, newFakeEngine(), nil)
	ctx := t.Context()

	// Never started.
	require.NoError(t, c.Stop(ctx))

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
}

func TestStartFailureLeavesNoContainer(t *testing.T) {
	t.Parallel()

	boom := errors.New("exec format error")
	engine := newFakeEngine()
	engine.startErrs[""] = boom
	engine.logsOnCreate = []string{"entrypoint crashed"}

	var buf bytes.Buffer
	c := newTestContainer(t, engine, &buf)
	ctx := t.Context()

	err := c.Start(ctx)
	require.ErrorIs(t, err, boom)
	require.Empty(t, c.ID())
	require.Equal(t, 0, engine.containerCount())

	// Whatever logs existed were flushed before the error propagated.
	require.Contains(t, buf.String(), "entrypoint crashed")
}

func TestStartManagedLabel(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	c := newTestContainer(t, engine, nil, WithFlavor(&testFlavor{}))
	ctx := t.Context()

	require.NoError(t, c.Start(ctx))
	info, err := engine.InspectContainer(ctx, c.ID())
	require.NoError(t, err)
	require.Equal(t, "gantry.testFlavor", info.Labels[ManagedLabelKey])
	require.NoError(t, c.Stop(ctx))
}

func TestRestart(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	var buf bytes.Buffer
	c := newTestContainer(t, engine, &buf, WithFlavor(&testFlavor{message: "ready to roll"}))
	ctx := t.Context()

	require.ErrorIs(t, c.Restart(ctx), ErrNotStarted)

	require.NoError(t, c.Start(ctx))
	id := c.ID()
	require.NoError(t, c.Restart(ctx))
	require.Equal(t, []string{id}, engine.restarted)
	require.Equal(t, id, c.ID(), "restart keeps the same handle")

	// Start-time side effects must not replay on restart.
	require.Equal(t, 1, strings.Count(buf.String(), "container started"))
	require.Equal(t, 1, strings.Count(buf.String(), "ready to roll"))
	require.NoError(t, c.Stop(ctx))
}

func TestStartedMessageSuppressed(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := newTestContainer(t, newFakeEngine(), &buf, WithFlavor(&testFlavor{message: ""}))
	ctx := t.Context()

	require.NoError(t, c.Start(ctx))
	require.Contains(t, buf.String(), "container started")
	require.NoError(t, c.Stop(ctx))
}

func TestRunStopsOnBodyError(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	c := newTestContainer(t, engine, nil)
	bodyErr := errors.New("assertion failed")

	err := c.Run(t.Context(), func(context.Context, *Container) error {
		return bodyErr
	})
	require.ErrorIs(t, err, bodyErr)
	require.Equal(t, 0, engine.containerCount())
}

func TestRunStopsOnSuccess(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	c := newTestContainer(t, engine, nil)

	var sawRunning bool
	err := c.Run(t.Context(), func(ctx context.Context, c *Container) error {
		info, err := engine.InspectContainer(ctx, c.ID())
		if err != nil {
			return err
		}
		sawRunning = info.Running
		return nil
	})
	require.NoError(t, err)
	require.True(t, sawRunning)
	require.Equal(t, 0, engine.containerCount())
}

func TestRunCombinesBodyAndCleanupErrors(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	removeErr := errors.New("daemon unavailable")
	bodyErr := errors.New("assertion failed")

	c := newTestContainer(t, engine, nil)
	engineRemoveLater := func() {
		engine.mu.Lock()
		engine.removeErr = removeErr
		engine.mu.Unlock()
	}

	err := c.Run(t.Context(), func(context.Context, *Container) error {
		engineRemoveLater()
		return bodyErr
	})
	require.ErrorIs(t, err, bodyErr)
	require.ErrorIs(t, err, removeErr)
}

func TestHostResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		engineHost      string
		insideContainer bool
		dockerHostSet   bool
		gatewayIP       string
		want            string
	}{
		{
			name:       "no engine host falls back to localhost",
			engineHost: "",
			want:       "localhost",
		},
		{
			name:       "on the host the engine host is returned as-is",
			engineHost: "docker.example.com",
			want:       "docker.example.com",
		},
		{
			name:            "explicit override wins over in-container detection",
			engineHost:      "docker.example.com",
			insideContainer: true,
			dockerHostSet:   true,
			gatewayIP:       "172.17.0.1",
			want:            "docker.example.com",
		},
		{
			name:            "inside a container the gateway is the way out",
			engineHost:      "10.0.0.9",
			insideContainer: true,
			gatewayIP:       "172.17.0.1",
			want:            "172.17.0.1",
		},
		{
			name:            "co-located engine means direct container-to-container",
			engineHost:      "172.17.0.1",
			insideContainer: true,
			gatewayIP:       "172.17.0.1",
			want:            "172.17.0.5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine := newFakeEngine()
			engine.host = tt.engineHost
			if tt.gatewayIP != "" {
				engine.gatewayIP = tt.gatewayIP
			}
			c := newTestContainer(t, engine, nil)
			c.env.insideContainer = tt.insideContainer
			c.env.dockerHostSet = tt.dockerHostSet

			ctx := t.Context()
			require.NoError(t, c.Start(ctx))
			host, err := c.Host(ctx)
			require.NoError(t, err)
			require.Equal(t, tt.want, host)
			require.NoError(t, c.Stop(ctx))
		})
	}
}

func TestNetworkAddresses(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	c := newTestContainer(t, engine, nil)
	ctx := t.Context()

	_, err := c.InternalIP(ctx)
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = c.GatewayIP(ctx)
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start(ctx))
	ip, err := c.InternalIP(ctx)
	require.NoError(t, err)
	require.Equal(t, "172.17.0.5", ip)
	gateway, err := c.GatewayIP(ctx)
	require.NoError(t, err)
	require.Equal(t, "172.17.0.1", gateway)
	require.NoError(t, c.Stop(ctx))
}

func TestNetworkNotAttached(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	c := newTestContainer(t, engine, nil, WithNetwork("shared-test-net"))
	ctx := t.Context()

	require.NoError(t, c.Start(ctx))
	_, err := c.InternalIP(ctx)
	require.ErrorContains(t, err, "shared-test-net")
	require.NoError(t, c.Stop(ctx))
}

func TestMappedPortAndAddr(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	c := newTestContainer(t, engine, nil,
		WithPortBinding("8080/tcp", 18080),
		WithPort("9090/tcp"),
	)
	ctx := t.Context()

	_, err := c.MappedPort(ctx, "8080/tcp")
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start(ctx))

	fixed, err := c.MappedPort(ctx, "8080/tcp")
	require.NoError(t, err)
	require.Equal(t, "18080", fixed)

	ephemeral, err := c.MappedPort(ctx, "9090/tcp")
	require.NoError(t, err)
	require.NotEmpty(t, ephemeral)

	addr, err := c.Addr(ctx, "8080/tcp")
	require.NoError(t, err)
	require.Equal(t, "localhost:18080", addr)

	_, err = c.MappedPort(ctx, "7070/tcp")
	require.ErrorContains(t, err, "7070/tcp")

	require.NoError(t, c.Stop(ctx))
}

func TestLogsForwardedOnlyAtScopeExit(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	var buf bytes.Buffer
	c := newTestContainer(t, engine, &buf,
		WithName("my-container"),
		WithFlavor(&testFlavor{message: "up"}),
	)
	ctx := t.Context()

	require.NoError(t, c.Start(ctx))
	engine.appendLogs(c.ID(), "my log message")

	require.NotContains(t, buf.String(), "my log message", "logs must not stream mid-run")

	require.NoError(t, c.Stop(ctx))
	out := buf.String()
	require.Contains(t, out, "my log message")
	require.Contains(t, out, "flavor=gantry.testFlavor")
	require.Contains(t, out, "container=my-container")

	// Logs produced after the scope closed must not reappear.
	buf.Reset()
	require.NoError(t, c.Stop(ctx))
	require.NotContains(t, buf.String(), "my log message")
}

func TestAbandonedContainerIsCollected(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	ctx := t.Context()

	func() {
		c := newTestContainer(t, engine, nil)
		require.NoError(t, c.Start(ctx))
	}()

	// With no reference left, GC eventually triggers the safety net.
	err := probe.Until(ctx, func(context.Context) error {
		runtime.GC()
		if n := engine.containerCount(); n != 0 {
			return errors.New("container still present")
		}
		return nil
	}, probe.WithInterval(10*time.Millisecond), probe.WithStopAfter(5*time.Second))
	require.NoError(t, err)
}

func TestStopDisarmsSafetyNet(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	c := newTestContainer(t, engine, nil)
	ctx := t.Context()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))

	runtime.GC()
	require.Empty(t, engine.removedImages)
	require.Len(t, engine.removed, 1, "stop already removed the container once")
}
