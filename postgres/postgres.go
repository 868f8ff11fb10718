// Package postgres provides a throwaway PostgreSQL container for integration
// tests.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/multierr"

	"github.com/portside/gantry"
	"github.com/portside/gantry/probe"
)

const (
	// DefaultImage is the default PostgreSQL image.
	DefaultImage = "postgres:17-alpine"

	// DefaultDatabase is the default database name.
	DefaultDatabase = "testdb"

	// DefaultUser is the default database user.
	DefaultUser = "postgres"

	// DefaultPassword is the default database user password.
	DefaultPassword = "password1"

	// Port is the PostgreSQL container port.
	Port = "5432/tcp"
)

// Option configures a PostgreSQL container instance.
type Option interface {
	apply(*config) error
}

type optionFunc func(*config) error

func (f optionFunc) apply(cfg *config) error {
	return f(cfg)
}

type config struct {
	image     string
	database  string
	user      string
	password  string
	hostPort  int
	container []gantry.Option
}

func defaultConfig() *config {
	return &config{
		image:    DefaultImage,
		database: DefaultDatabase,
		user:     DefaultUser,
		password: DefaultPassword,
	}
}

// WithImage sets the PostgreSQL image.
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

// WithDatabase sets the database name.
func WithDatabase(database string) Option {
	return optionFunc(func(cfg *config) error {
		database = strings.TrimSpace(database)
		if database == "" {
			return errors.New("database must not be empty")
		}
		cfg.database = database
		return nil
	})
}

// WithUser sets the database user.
func WithUser(user string) Option {
	return optionFunc(func(cfg *config) error {
		user = strings.TrimSpace(user)
		if user == "" {
			return errors.New("user must not be empty")
		}
		cfg.user = user
		return nil
	})
}

// WithPassword sets the database user password.
func WithPassword(password string) Option {
	return optionFunc(func(cfg *config) error {
		if password == "" {
			return errors.New("password must not be empty")
		}
		cfg.password = password
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

// WithContainerOptions appends raw container options, e.g. gantry.WithName.
func WithContainerOptions(opts ...gantry.Option) Option {
	return optionFunc(func(cfg *config) error {
		cfg.container = append(cfg.container, opts...)
		return nil
	})
}

// Container is a running PostgreSQL container.
type Container struct {
	*gantry.Container

	Database string
	User     string
	Password string
}

// StartedMessage implements gantry.Flavor.
func (c *Container) StartedMessage() string {
	return "PostgreSQL container started"
}

// Start starts a PostgreSQL container and waits until it accepts queries. If
// readiness fails the container is removed before the error is returned.
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
		Database: cfg.database,
		User:     cfg.user,
		Password: cfg.password,
	}
	containerOptions := []gantry.Option{
		gantry.WithEnv("POSTGRES_DB", cfg.database),
		gantry.WithEnv("POSTGRES_USER", cfg.user),
		gantry.WithEnv("POSTGRES_PASSWORD", cfg.password),
		gantry.WithFlavor(c),
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

	db, err := probe.UntilValue(ctx, c.open)
	if err != nil {
		return nil, fmt.Errorf("wait for postgres readiness: %w", err)
	}
	if err := db.Close(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) open(ctx context.Context) (*sql.DB, error) {
	dsn, err := c.DSN(ctx)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return db, nil
}

// DSN returns a connection string suitable for PostgreSQL drivers.
func (c *Container) DSN(ctx context.Context) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := c.MappedPort(ctx, Port)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, c.User, c.Password, c.Database,
	), nil
}

// Connect opens a database/sql handle through the pgx driver and verifies it
// with a ping.
func (c *Container) Connect(ctx context.Context) (*sql.DB, error) {
	return c.open(ctx)
}
