package gantry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// fakeEngine is an in-memory Engine for unit tests. It models just enough
// daemon behavior to exercise the lifecycle manager without a running engine.
type fakeEngine struct {
	mu sync.Mutex

	host        string
	networkName string
	internalIP  string
	gatewayIP   string

	images     map[string]ImageInfo
	containers map[string]*fakeContainer
	nextID     int
	nextPort   int

	pullErr      error
	startErrs    map[string]error // by container name, "" matches all
	restartErr   error
	removeErr    error
	buildErr     error
	buildID      string
	logsOnCreate []string

	pulled        []string
	buildCfgs     []BuildConfig
	restarted     []string
	removed       []string
	removedImages []string
	closed        bool
}

type fakeContainer struct {
	cfg     ContainerConfig
	running bool
	logs    []string
	ports   map[string]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		host:        "localhost",
		networkName: "bridge",
		internalIP:  "172.17.0.5",
		gatewayIP:   "172.17.0.1",
		images:      map[string]ImageInfo{},
		containers:  map[string]*fakeContainer{},
		nextPort:    49152,
		startErrs:   map[string]error{},
	}
}

func (e *fakeEngine) Ping(context.Context) error { return nil }

func (e *fakeEngine) Host() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.host
}

func (e *fakeEngine) EnsureImage(_ context.Context, image string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pullErr != nil {
		return e.pullErr
	}
	e.pulled = append(e.pulled, image)
	if _, ok := e.images[image]; !ok {
		e.images[image] = ImageInfo{ID: "sha256:" + image}
	}
	return nil
}

func (e *fakeEngine) CreateContainer(_ context.Context, cfg ContainerConfig) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("fake%060d", e.nextID)
	ports := make(map[string]string, len(cfg.Ports))
	for spec, hostPort := range cfg.Ports {
		if hostPort == "" {
			e.nextPort++
			hostPort = fmt.Sprintf("%d", e.nextPort)
		}
		ports[spec] = hostPort
	}
	e.containers[id] = &fakeContainer{
		cfg:   cfg,
		logs:  slices.Clone(e.logsOnCreate),
		ports: ports,
	}
	return id, nil
}

func (e *fakeEngine) StartContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	if err, ok := e.startErrs[c.cfg.Name]; ok {
		return err
	}
	if err, ok := e.startErrs[""]; ok {
		return err
	}
	c.running = true
	return nil
}

func (e *fakeEngine) RestartContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.restartErr != nil {
		return e.restartErr
	}
	if _, ok := e.containers[id]; !ok {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	e.restarted = append(e.restarted, id)
	return nil
}

func (e *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removeErr != nil {
		return e.removeErr
	}
	if _, ok := e.containers[id]; !ok {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	delete(e.containers, id)
	e.removed = append(e.removed, id)
	return nil
}

func (e *fakeEngine) InspectContainer(_ context.Context, id string) (ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return ContainerInfo{}, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	return ContainerInfo{
		ID:      id,
		Name:    c.cfg.Name,
		Running: c.running,
		Networks: map[string]NetworkInfo{
			e.networkName: {IPAddress: e.internalIP, Gateway: e.gatewayIP},
		},
		Ports:  maps.Clone(c.ports),
		Labels: maps.Clone(c.cfg.Labels),
	}, nil
}

func (e *fakeEngine) ContainerLogs(_ context.Context, id string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	return slices.Clone(c.logs), nil
}

func (e *fakeEngine) ListContainers(_ context.Context, labelKey string) ([]ContainerSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var summaries []ContainerSummary
	for id, c := range e.containers {
		if _, ok := c.cfg.Labels[labelKey]; !ok {
			continue
		}
		summaries = append(summaries, ContainerSummary{
			ID:     id,
			Name:   c.cfg.Name,
			Image:  c.cfg.Image,
			Labels: maps.Clone(c.cfg.Labels),
		})
	}
	return summaries, nil
}

func (e *fakeEngine) BuildImage(_ context.Context, cfg BuildConfig) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buildErr != nil {
		return "", e.buildErr
	}
	e.buildCfgs = append(e.buildCfgs, cfg)
	id := e.buildID
	if id == "" {
		id = "sha256:built"
	}
	e.images[id] = ImageInfo{ID: id}
	return id, nil
}

func (e *fakeEngine) InspectImage(_ context.Context, ref string) (ImageInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.images[ref]
	if !ok {
		return ImageInfo{}, fmt.Errorf("image %s: %w", ref, ErrNotFound)
	}
	return info, nil
}

func (e *fakeEngine) RemoveImage(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.images[id]; !ok {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	delete(e.images, id)
	e.removedImages = append(e.removedImages, id)
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) containerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}

func (e *fakeEngine) appendLogs(id string, lines ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		c.logs = append(c.logs, lines...)
	}
}
