package gantry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/docker/go-connections/nat"
)

// ManagedLabelKey marks containers created by this package. The value is the
// flavor name (e.g., "postgres.Container"). Presence of the key means the
// container is managed.
const ManagedLabelKey = "portside.gantry"

// Option configures a Container at construction time. The resulting
// configuration is immutable once the container is started.
type Option interface {
	apply(*containerConfig) error
}

type optionFunc func(*containerConfig) error

func (f optionFunc) apply(cfg *containerConfig) error {
	return f(cfg)
}

type containerConfig struct {
	spec   ContainerConfig
	flavor Flavor
	engine Engine
	logger *slog.Logger
}

// WithName sets the container name.
func WithName(name string) Option {
	return optionFunc(func(cfg *containerConfig) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return errors.New("container name must not be empty")
		}
		cfg.spec.Name = name
		return nil
	})
}

// WithCommand sets the command the container runs.
func WithCommand(cmd ...string) Option {
	return optionFunc(func(cfg *containerConfig) error {
		if len(cmd) == 0 {
			return errors.New("command must not be empty")
		}
		cfg.spec.Cmd = slices.Clone(cmd)
		return nil
	})
}

// WithEnv sets a single environment variable inside the container.
func WithEnv(key, value string) Option {
	return optionFunc(func(cfg *containerConfig) error {
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("env key must not be empty")
		}
		if strings.Contains(key, "=") {
			return fmt.Errorf("env key must not contain '=': %s", key)
		}
		cfg.spec.Env[key] = value
		return nil
	})
}

// WithPort publishes a container port (e.g., "5432/tcp") on an ephemeral host
// port assigned by the engine.
func WithPort(port string) Option {
	return optionFunc(func(cfg *containerConfig) error {
		spec, err := validPort(port)
		if err != nil {
			return err
		}
		cfg.spec.Ports[spec] = ""
		return nil
	})
}

// WithPortBinding publishes a container port on a fixed host port.
func WithPortBinding(port string, hostPort int) Option {
	return optionFunc(func(cfg *containerConfig) error {
		spec, err := validPort(port)
		if err != nil {
			return err
		}
		if hostPort <= 0 || hostPort > 65535 {
			return fmt.Errorf("host port must be in range 1-65535: %d", hostPort)
		}
		cfg.spec.Ports[spec] = fmt.Sprintf("%d", hostPort)
		return nil
	})
}

// WithVolume adds a bind mount in "host:container[:ro]" form.
func WithVolume(bind string) Option {
	return optionFunc(func(cfg *containerConfig) error {
		if parts := strings.Split(bind, ":"); len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("volume must be in host:container[:ro] form: %q", bind)
		}
		cfg.spec.Volumes = append(cfg.spec.Volumes, bind)
		return nil
	})
}

// WithNetwork attaches the container to the named network instead of the
// default taken from GANTRY_DOCKER_NETWORK.
func WithNetwork(network string) Option {
	return optionFunc(func(cfg *containerConfig) error {
		network = strings.TrimSpace(network)
		if network == "" {
			return errors.New("network must not be empty")
		}
		cfg.spec.Network = network
		return nil
	})
}

// WithLabel sets a single container label.
func WithLabel(key, value string) Option {
	return optionFunc(func(cfg *containerConfig) error {
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("label key must not be empty")
		}
		cfg.spec.Labels[key] = value
		return nil
	})
}

// WithFlavor sets the concrete container flavor supplying the started message.
func WithFlavor(flavor Flavor) Option {
	return optionFunc(func(cfg *containerConfig) error {
		if flavor == nil {
			return errors.New("flavor must not be nil")
		}
		cfg.flavor = flavor
		return nil
	})
}

// WithEngine supplies the engine client. Without it the Container creates and
// owns a DockerEngine, closed when the container is stopped.
func WithEngine(engine Engine) Option {
	return optionFunc(func(cfg *containerConfig) error {
		if engine == nil {
			return errors.New("engine must not be nil")
		}
		cfg.engine = engine
		return nil
	})
}

// WithLogger sets the logger container lifecycle events and forwarded container
// logs are written to. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(cfg *containerConfig) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		cfg.logger = logger
		return nil
	})
}

func validPort(port string) (string, error) {
	proto, portNum := nat.SplitProtoPort(port)
	p, err := nat.NewPort(proto, portNum)
	if err != nil {
		return "", fmt.Errorf("invalid container port %q: %w", port, err)
	}
	return string(p), nil
}
