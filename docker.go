package gantry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// DockerEngine implements [Engine] on top of the native Docker client,
// configured from the environment (DOCKER_HOST et al.).
type DockerEngine struct {
	cli *client.Client
}

var _ Engine = (*DockerEngine)(nil)

// NewDockerEngine creates a Docker-backed engine from the environment.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker engine: %w", err)
	}
	return nil
}

func (e *DockerEngine) Host() string {
	u, err := url.Parse(e.cli.DaemonHost())
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "unix", "npipe":
		return "localhost"
	case "tcp", "http", "https":
		return u.Hostname()
	}
	return ""
}

func (e *DockerEngine) EnsureImage(ctx context.Context, image string) (retErr error) {
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}

	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer func() {
		retErr = errors.Join(retErr, reader.Close())
	}()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("stream pull output: %w", err)
	}
	return nil
}

func (e *DockerEngine) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for spec, hostPort := range cfg.Ports {
		proto, portNum := nat.SplitProtoPort(spec)
		port, err := nat.NewPort(proto, portNum)
		if err != nil {
			return "", fmt.Errorf("invalid port %q: %w", spec, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: hostPort}}
	}

	var networking *network.NetworkingConfig
	if cfg.Network != "" {
		networking = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				cfg.Network: {},
			},
		}
	}

	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        cfg.Image,
			Cmd:          strslice.StrSlice(cfg.Cmd),
			Env:          envSlice(cfg.Env),
			ExposedPorts: exposed,
			Labels:       maps.Clone(cfg.Labels),
		},
		&container.HostConfig{
			PortBindings: bindings,
			Binds:        slices.Clone(cfg.Volumes),
		},
		networking,
		nil,
		cfg.Name,
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (e *DockerEngine) RestartContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerRestart(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("restart container %s: %w", id, err)
	}
	return nil
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, id string) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func (e *DockerEngine) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	insp, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	info := ContainerInfo{
		ID:   insp.ID,
		Name: strings.TrimPrefix(insp.Name, "/"),
	}
	if insp.State != nil {
		info.Running = insp.State.Running
	}
	if insp.Config != nil {
		info.Labels = maps.Clone(insp.Config.Labels)
	}
	if insp.NetworkSettings != nil {
		info.Networks = make(map[string]NetworkInfo, len(insp.NetworkSettings.Networks))
		for name, endpoint := range insp.NetworkSettings.Networks {
			if endpoint == nil {
				continue
			}
			info.Networks[name] = NetworkInfo{
				IPAddress: endpoint.IPAddress,
				Gateway:   endpoint.Gateway,
			}
		}
		info.Ports = make(map[string]string, len(insp.NetworkSettings.Ports))
		for port, portBindings := range insp.NetworkSettings.Ports {
			for _, binding := range portBindings {
				if binding.HostPort != "" {
					info.Ports[string(port)] = binding.HostPort
					break
				}
			}
		}
	}
	return info, nil
}

func (e *DockerEngine) ContainerLogs(ctx context.Context, id string) (_ []string, retErr error) {
	reader, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		return nil, fmt.Errorf("read container logs %s: %w", id, err)
	}
	defer func() {
		retErr = errors.Join(retErr, reader.Close())
	}()

	// Containers created by this package never allocate a TTY, so the stream is
	// always multiplexed.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return nil, fmt.Errorf("demultiplex container logs %s: %w", id, err)
	}
	return splitLogLines(buf.String()), nil
}

func (e *DockerEngine) ListContainers(ctx context.Context, labelKey string) ([]ContainerSummary, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	summaries := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		summaries = append(summaries, ContainerSummary{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			Labels: maps.Clone(c.Labels),
		})
	}
	return summaries, nil
}

func (e *DockerEngine) BuildImage(ctx context.Context, cfg BuildConfig) (string, error) {
	contextDir := cfg.ContextDir
	if contextDir == "" {
		contextDir = "."
	}
	dockerfile := "Dockerfile"
	if cfg.Dockerfile != "" {
		rel, err := dockerfileInContext(contextDir, cfg.Dockerfile)
		if err != nil {
			return "", err
		}
		dockerfile = rel
	}

	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("tar build context %s: %w", contextDir, err)
	}
	defer buildCtx.Close()

	resp, err := e.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Dockerfile:     dockerfile,
		Target:         cfg.Target,
		Remove:         true,
		ForceRemove:    true,
		SuppressOutput: true,
	})
	if err != nil {
		return "", fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	id, err := decodeBuildStream(resp.Body)
	if err != nil {
		return "", fmt.Errorf("build image: %w", err)
	}
	return id, nil
}

// decodeBuildStream drains the engine's JSON build output and extracts the built
// image ID, either from a BuildKit aux record or from the classic builder's
// suppressed-output stream.
func decodeBuildStream(r io.Reader) (string, error) {
	var id string
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("decode build output: %w", err)
		}
		if msg.Error != nil {
			return "", msg.Error
		}
		if msg.Aux != nil {
			var result types.BuildResult
			if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
				id = result.ID
			}
			continue
		}
		if s := strings.TrimSpace(msg.Stream); strings.HasPrefix(s, "sha256:") {
			id = s
		}
	}
	if id == "" {
		return "", errors.New("no image ID in build output")
	}
	return id, nil
}

func (e *DockerEngine) InspectImage(ctx context.Context, ref string) (ImageInfo, error) {
	insp, _, err := e.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	info := ImageInfo{
		ID:       insp.ID,
		RepoTags: slices.Clone(insp.RepoTags),
	}
	if insp.Config != nil {
		info.Env = slices.Clone(insp.Config.Env)
		info.Labels = maps.Clone(insp.Config.Labels)
	}
	return info, nil
}

func (e *DockerEngine) RemoveImage(ctx context.Context, id string) error {
	if _, err := e.cli.ImageRemove(ctx, id, types.ImageRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove image %s: %w", id, err)
	}
	return nil
}

func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// dockerfileInContext resolves a dockerfile path relative to the build context.
// A dockerfile outside the context cannot be shipped to the engine.
func dockerfileInContext(contextDir, dockerfile string) (string, error) {
	absContext, err := filepath.Abs(contextDir)
	if err != nil {
		return "", fmt.Errorf("resolve build context %s: %w", contextDir, err)
	}
	absDockerfile, err := filepath.Abs(dockerfile)
	if err != nil {
		return "", fmt.Errorf("resolve dockerfile %s: %w", dockerfile, err)
	}
	rel, err := filepath.Rel(absContext, absDockerfile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("dockerfile %s is outside build context %s", dockerfile, contextDir)
	}
	return rel, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	vars := make([]string, 0, len(env))
	for _, key := range slices.Sorted(maps.Keys(env)) {
		vars = append(vars, key+"="+env[key])
	}
	return vars
}

func splitLogLines(s string) []string {
	lines := strings.Split(s, "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
