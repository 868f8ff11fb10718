// Package kafka provides a throwaway Kafka-compatible broker (Redpanda) for
// integration tests.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"github.com/portside/gantry"
	"github.com/portside/gantry/probe"
)

const (
	// DefaultImage is the default Redpanda image.
	DefaultImage = "redpandadata/redpanda:latest"

	// DefaultHostPort is the fixed host port the broker is published on. The
	// broker hands clients its advertised listener address, so the host port
	// must be known before the container starts and cannot be ephemeral.
	DefaultHostPort = 9092

	// Port is the Kafka API container port.
	Port = "9092/tcp"
)

// Option configures a Kafka container instance.
type Option interface {
	apply(*config) error
}

type optionFunc func(*config) error

func (f optionFunc) apply(cfg *config) error {
	return f(cfg)
}

type config struct {
	image          string
	hostPort       int
	advertisedHost string
	container      []gantry.Option
}

func defaultConfig() *config {
	return &config{
		image:          DefaultImage,
		hostPort:       DefaultHostPort,
		advertisedHost: "localhost",
	}
}

// WithImage sets the Redpanda image.
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

// WithHostPort sets the fixed host port the broker is published and advertised
// on.
func WithHostPort(port int) Option {
	return optionFunc(func(cfg *config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("host port must be in range 1-65535: %d", port)
		}
		cfg.hostPort = port
		return nil
	})
}

// WithAdvertisedHost sets the hostname baked into the broker's advertised
// listener. Defaults to "localhost".
func WithAdvertisedHost(host string) Option {
	return optionFunc(func(cfg *config) error {
		host = strings.TrimSpace(host)
		if host == "" {
			return errors.New("advertised host must not be empty")
		}
		cfg.advertisedHost = host
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

// Container is a running Redpanda broker.
type Container struct {
	*gantry.Container

	// BrokerAddr is the advertised "host:port" address clients bootstrap from.
	BrokerAddr string
}

// StartedMessage implements gantry.Flavor.
func (c *Container) StartedMessage() string {
	return "Kafka container started"
}

// Start starts a single-node Redpanda broker in dev-container mode and waits
// until the Kafka API serves partition metadata.
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

	c := &Container{
		BrokerAddr: fmt.Sprintf("%s:%d", cfg.advertisedHost, cfg.hostPort),
	}
	containerOptions := []gantry.Option{
		gantry.WithCommand(
			"redpanda", "start",
			"--mode", "dev-container",
			"--smp", "1",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", "PLAINTEXT://"+c.BrokerAddr,
		),
		gantry.WithPortBinding(Port, cfg.hostPort),
		gantry.WithFlavor(c),
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

	if err := probe.Until(ctx, c.ready); err != nil {
		return nil, fmt.Errorf("wait for kafka readiness: %w", err)
	}
	return c, nil
}

func (c *Container) ready(ctx context.Context) error {
	conn, err := kafkago.DialContext(ctx, "tcp", c.BrokerAddr)
	if err != nil {
		return err
	}
	_, err = conn.ReadPartitions()
	return errors.Join(err, conn.Close())
}
