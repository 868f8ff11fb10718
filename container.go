package gantry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strings"

	"go.uber.org/multierr"
)

// Flavor is implemented by concrete container types. It is the single override
// point: the lifecycle manager composes a Flavor rather than being subclassed.
// StartedMessage returns the human-readable line logged once the container has
// started; an empty message suppresses the line.
type Flavor interface {
	StartedMessage() string
}

// Container manages the lifecycle of a single container: create, start,
// restart, stop, address resolution, and log forwarding at scope boundaries.
//
// A Container is not safe for concurrent method calls on the same instance.
// Distinct Containers may share one Engine.
type Container struct {
	cfg        ContainerConfig
	flavor     Flavor
	engine     Engine
	ownsEngine bool
	logger     *slog.Logger
	env        envConfig

	id      string // engine container ID, "" when not started
	cleanup runtime.Cleanup
}

// New builds a Container from an image reference and options. The network
// defaults to the GANTRY_DOCKER_NETWORK toggle, falling back to "bridge".
// Every container carries the managed label with the flavor name as its value.
func New(image string, opts ...Option) (*Container, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, errors.New("image is required")
	}
	env := loadEnvConfig()
	cfg := &containerConfig{
		spec: ContainerConfig{
			Image:   image,
			Env:     map[string]string{},
			Ports:   map[string]string{},
			Labels:  map[string]string{},
			Network: env.network,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	c := &Container{
		cfg:    cfg.spec,
		flavor: cfg.flavor,
		engine: cfg.engine,
		env:    env,
	}
	name := flavorName(cfg.flavor)
	c.cfg.Labels[ManagedLabelKey] = name

	if c.engine == nil {
		engine, err := NewDockerEngine()
		if err != nil {
			return nil, err
		}
		c.engine = engine
		c.ownsEngine = true
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("flavor", name))
	if c.cfg.Name != "" {
		logger = logger.With(slog.String("container", c.cfg.Name))
	}
	c.logger = logger
	return c, nil
}

// flavorName derives the managed-label value and log tag from the flavor's
// type, e.g. "postgres.Container".
func flavorName(f Flavor) string {
	if f == nil {
		return "gantry.Container"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", f), "*")
}

// Start pulls the image if needed, creates and starts the container, and arms
// the garbage-collection safety net. On any failure after creation the
// container's logs are forwarded, the container is removed, and the original
// error is returned: a failed start leaves no container behind. Starting an
// already started Container returns ErrAlreadyStarted.
func (c *Container) Start(ctx context.Context) (retErr error) {
	if c.id != "" {
		return ErrAlreadyStarted
	}
	c.logger.Info("pulling image", slog.String("image", c.cfg.Image))
	if err := c.engine.EnsureImage(ctx, c.cfg.Image); err != nil {
		return fmt.Errorf("ensure image %s: %w", c.cfg.Image, err)
	}

	id, err := c.engine.CreateContainer(ctx, c.cfg)
	if err != nil {
		return err
	}
	c.id = id
	defer func() {
		if retErr != nil {
			cleanupCtx := context.WithoutCancel(ctx)
			c.forwardLogs(cleanupCtx)
			if err := c.engine.RemoveContainer(cleanupCtx, id); err != nil && !IsNotFound(err) {
				c.logger.Error(
					"remove container after start failure",
					slog.String("id", shortID(id)),
					slog.Any("error", err),
				)
			}
			c.id = ""
		}
	}()

	if err := c.engine.StartContainer(ctx, id); err != nil {
		return err
	}

	c.cleanup = runtime.AddCleanup(c, removeAbandoned, abandoned{
		engine: c.engine,
		id:     id,
		logger: c.logger,
	})
	c.logger.Info("container started", slog.String("id", shortID(id)))
	if c.flavor != nil {
		if msg := c.flavor.StartedMessage(); msg != "" {
			c.logger.Info(msg)
		}
	}
	return nil
}

// Stop forwards the container's captured logs, force-removes the container
// together with its anonymous volumes, and disarms the safety net. Stop is
// idempotent: calling it twice or on a never-started Container returns nil.
func (c *Container) Stop(ctx context.Context) error {
	if c.id == "" {
		return nil
	}
	c.forwardLogs(ctx)
	if err := c.engine.RemoveContainer(ctx, c.id); err != nil && !IsNotFound(err) {
		return err
	}
	c.cleanup.Stop()
	c.id = ""
	if c.ownsEngine {
		if err := c.engine.Close(); err != nil {
			c.logger.Debug("close engine", slog.Any("error", err))
		}
	}
	return nil
}

// Restart restarts the container process on the same handle: no image pull and
// no started-message replay.
func (c *Container) Restart(ctx context.Context) error {
	if c.id == "" {
		return ErrNotStarted
	}
	return c.engine.RestartContainer(ctx, c.id)
}

// Run is the scoped-acquisition form: Start, run fn, then Stop whether fn
// returns normally or with an error. The body error and the cleanup error are
// combined so neither masks the other.
func (c *Container) Run(ctx context.Context, fn func(ctx context.Context, c *Container) error) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	err := fn(ctx, c)
	return multierr.Append(err, c.Stop(context.WithoutCancel(ctx)))
}

// ID returns the engine container ID, or "" when not started.
func (c *Container) ID() string { return c.id }

// Name returns the configured container name.
func (c *Container) Name() string { return c.cfg.Name }

// Image returns the image reference the container runs.
func (c *Container) Image() string { return c.cfg.Image }

// Network returns the network the container is attached to.
func (c *Container) Network() string { return c.cfg.Network }

// Host resolves the address at which test code can reach the container,
// uniformly across three topologies: tests on the host, tests in a sibling
// container, and tests under a nested engine.
//
// If the engine reports no host, "localhost" is assumed. If the test process
// itself runs inside a container and no explicit DOCKER_HOST override is set,
// the container is reached through its gateway IP, or directly via its
// internal IP when the gateway equals the engine host, meaning the engine is
// co-located on the same network. Otherwise the engine host is returned as-is.
func (c *Container) Host(ctx context.Context) (string, error) {
	host := c.engine.Host()
	if host == "" {
		return "localhost", nil
	}
	if c.env.insideContainer && !c.env.dockerHostSet {
		gateway, err := c.GatewayIP(ctx)
		if err != nil {
			return "", err
		}
		if gateway == host {
			return c.InternalIP(ctx)
		}
		return gateway, nil
	}
	return host, nil
}

// InternalIP returns the container's IP address on its configured network.
func (c *Container) InternalIP(ctx context.Context) (string, error) {
	network, err := c.networkInfo(ctx)
	if err != nil {
		return "", err
	}
	return network.IPAddress, nil
}

// GatewayIP returns the gateway of the container's configured network.
func (c *Container) GatewayIP(ctx context.Context) (string, error) {
	network, err := c.networkInfo(ctx)
	if err != nil {
		return "", err
	}
	return network.Gateway, nil
}

func (c *Container) networkInfo(ctx context.Context) (NetworkInfo, error) {
	if c.id == "" {
		return NetworkInfo{}, ErrNotStarted
	}
	info, err := c.engine.InspectContainer(ctx, c.id)
	if err != nil {
		return NetworkInfo{}, err
	}
	network, ok := info.Networks[c.cfg.Network]
	if !ok {
		return NetworkInfo{}, fmt.Errorf("container %s not attached to network %q", shortID(c.id), c.cfg.Network)
	}
	return network, nil
}

// MappedPort returns the host port publishing the given container port spec
// (e.g., "5432/tcp").
func (c *Container) MappedPort(ctx context.Context, port string) (string, error) {
	if c.id == "" {
		return "", ErrNotStarted
	}
	info, err := c.engine.InspectContainer(ctx, c.id)
	if err != nil {
		return "", err
	}
	hostPort, ok := info.Ports[port]
	if !ok || hostPort == "" {
		return "", fmt.Errorf("no host port published for %s", port)
	}
	return hostPort, nil
}

// Addr joins Host and MappedPort into a dialable "host:port" address.
func (c *Container) Addr(ctx context.Context, port string) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, mapped), nil
}

// forwardLogs replays the container's full timestamped log history through the
// logger. Forwarding happens only at scope boundaries (stop and failed start),
// never as a background stream, so log volume stays bounded to the window the
// test cares about.
func (c *Container) forwardLogs(ctx context.Context) {
	if c.id == "" {
		return
	}
	lines, err := c.engine.ContainerLogs(ctx, c.id)
	if err != nil {
		c.logger.Debug("read container logs", slog.Any("error", err))
		return
	}
	for _, line := range lines {
		c.logger.Info(line)
	}
}

// abandoned carries everything the safety net needs without referencing the
// Container itself, which would keep it alive forever.
type abandoned struct {
	engine Engine
	id     string
	logger *slog.Logger
}

// removeAbandoned runs when a started Container is collected without Stop.
// Scoped acquisition is the guaranteed cleanup path; this is best effort.
func removeAbandoned(a abandoned) {
	if err := a.engine.RemoveContainer(context.Background(), a.id); err != nil && !IsNotFound(err) {
		a.logger.Debug(
			"remove abandoned container",
			slog.String("id", shortID(a.id)),
			slog.Any("error", err),
		)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
