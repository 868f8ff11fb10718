package gantry

import (
	"context"
	"errors"

	"github.com/docker/docker/errdefs"
)

// Engine is the container-engine client abstraction. The production
// implementation is [DockerEngine]; unit tests substitute an in-memory fake.
// Implementations must be safe for concurrent use.
type Engine interface {
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// Host returns the hostname the engine is reachable at: "localhost" for
	// local sockets, the hostname for tcp addresses, or "" when unknown.
	Host() string

	// EnsureImage makes the image available locally, pulling it if absent.
	EnsureImage(ctx context.Context, image string) error

	// CreateContainer creates a container and returns its ID. The container is
	// not running until StartContainer is called.
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)

	StartContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error

	// RemoveContainer force-removes a container together with its anonymous
	// volumes.
	RemoveContainer(ctx context.Context, id string) error

	InspectContainer(ctx context.Context, id string) (ContainerInfo, error)

	// ContainerLogs returns the container's combined stdout and stderr history
	// as timestamped lines.
	ContainerLogs(ctx context.Context, id string) ([]string, error)

	// ListContainers returns all containers (running or not) carrying the given
	// label key.
	ListContainers(ctx context.Context, labelKey string) ([]ContainerSummary, error)

	// BuildImage builds an image from a local build context and returns the
	// image ID. Intermediate containers are always removed.
	BuildImage(ctx context.Context, cfg BuildConfig) (string, error)

	InspectImage(ctx context.Context, ref string) (ImageInfo, error)
	RemoveImage(ctx context.Context, id string) error

	Close() error
}

// ContainerConfig describes a container to create. It is immutable once the
// container is started; all configuration happens through [New] options.
type ContainerConfig struct {
	Image   string
	Name    string
	Cmd     []string
	Env     map[string]string
	Ports   map[string]string // container port spec ("5432/tcp") -> host port, "" for ephemeral
	Volumes []string          // "host:container[:ro]" bind specs
	Network string
	Labels  map[string]string
}

// NetworkInfo is a container's identity on a single engine network.
type NetworkInfo struct {
	IPAddress string
	Gateway   string
}

// ContainerInfo is the engine's view of a container, as returned by inspection.
type ContainerInfo struct {
	ID       string
	Name     string
	Running  bool
	Networks map[string]NetworkInfo
	Ports    map[string]string // container port spec -> published host port
	Labels   map[string]string
}

// ContainerSummary is a single entry from a container listing.
type ContainerSummary struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
}

// ImageInfo is the engine's view of an image.
type ImageInfo struct {
	ID       string
	RepoTags []string
	Env      []string
	Labels   map[string]string
}

// BuildConfig describes an engine-API image build.
type BuildConfig struct {
	ContextDir string
	Dockerfile string // empty means "Dockerfile" in the context dir
	Target     string // empty means the final stage
}

// IsNotFound reports whether err indicates a missing container or image,
// regardless of which Engine implementation produced it.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errdefs.IsNotFound(err)
}
