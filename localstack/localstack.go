// Package localstack provides a throwaway LocalStack container (AWS service
// emulation) for integration tests.
package localstack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/multierr"

	"github.com/portside/gantry"
	"github.com/portside/gantry/probe"
)

const (
	// DefaultImage is the default LocalStack image.
	DefaultImage = "localstack/localstack:3"

	// Port is the LocalStack edge port serving all emulated services.
	Port = "4566/tcp"

	healthPath = "/_localstack/health"
)

// Option configures a LocalStack container instance.
type Option interface {
	apply(*config) error
}

type optionFunc func(*config) error

func (f optionFunc) apply(cfg *config) error {
	return f(cfg)
}

type config struct {
	image     string
	services  []string
	hostPort  int
	container []gantry.Option
}

func defaultConfig() *config {
	return &config{
		image: DefaultImage,
	}
}

// WithImage sets the LocalStack image.
func WithImage(image string) Option {
	return optionFunc(func(cfg *config) error {
		image = strings.TrimSpace(image)
		if image == "" {
			return errors.New("image must not be empty")
		}
		cfg.image = image
		return nil
	})
}

// WithServices restricts the emulated AWS services (SERVICES env), e.g.
// "s3", "sns", "sqs". By default LocalStack starts everything lazily.
func WithServices(services ...string) Option {
	return optionFunc(func(cfg *config) error {
		if len(services) == 0 {
			return errors.New("at least one service is required")
		}
		cfg.services = services
		return nil
	})
}

// WithHostPort sets a fixed host port. If unset, the engine auto-assigns one.
func WithHostPort(port int) Option {
	return optionFunc(func(cfg *config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("host port must be in range 1-65535: %d", port)
		}
		cfg.hostPort = port
		return nil
	})
}

// WithContainerOptions appends raw container options.
func WithContainerOptions(opts ...gantry.Option) Option {
	return optionFunc(func(cfg *config) error {
		cfg.container = append(cfg.container, opts...)
		return nil
	})
}

// Container is a running LocalStack container.
type Container struct {
	*gantry.Container
}

// StartedMessage implements gantry.Flavor.
func (c *Container) StartedMessage() string {
	return "LocalStack container started"
}

// Start starts a LocalStack container and waits until its health endpoint
// responds.
func Start(ctx context.Context, options ...Option) (_ *Container, retErr error) {
	cfg := defaultConfig()
	for _, opt := range options {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	c := &Container{}
	containerOptions := []gantry.Option{
		gantry.WithFlavor(c),
	}
	if len(cfg.services) > 0 {
		containerOptions = append(containerOptions, gantry.WithEnv("SERVICES", strings.Join(cfg.services, ",")))
	}
	if cfg.hostPort > 0 {
		containerOptions = append(containerOptions, gantry.WithPortBinding(Port, cfg.hostPort))
	} else {
		containerOptions = append(containerOptions, gantry.WithPort(Port))
	}
	containerOptions = append(containerOptions, cfg.container...)

	base, err := gantry.New(cfg.image, containerOptions...)
	if err != nil {
		return nil, err
	}
	c.Container = base

	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			retErr = multierr.Append(retErr, c.Stop(context.WithoutCancel(ctx)))
		}
	}()

	if err := probe.Until(ctx, c.healthy); err != nil {
		return nil, fmt.Errorf("wait for localstack readiness: %w", err)
	}
	return c, nil
}

// EndpointURL returns the base URL AWS clients should be pointed at.
func (c *Container) EndpointURL(ctx context.Context) (string, error) {
	addr, err := c.Addr(ctx, Port)
	if err != nil {
		return "", err
	}
	return "http://" + addr, nil
}

func (c *Container) healthy(ctx context.Context) error {
	endpoint, err := c.EndpointURL(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("localstack health returned %s", resp.Status)
	}
	return nil
}
