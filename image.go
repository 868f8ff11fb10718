package gantry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"

	git "github.com/go-git/go-git/v5"
	"go.uber.org/multierr"
)

// ExecCommandFunc creates the exec.Cmd used by the external build strategy.
// Tests inject a recording implementation through WithBuildCommand.
type ExecCommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// BuildOption configures an ephemeral image build.
type BuildOption interface {
	apply(*buildConfig) error
}

type buildOptionFunc func(*buildConfig) error

func (f buildOptionFunc) apply(cfg *buildConfig) error {
	return f(cfg)
}

type buildConfig struct {
	dockerfile  string
	contextDir  string
	target      string
	gitURL      string
	buildKit    *bool
	engine      Engine
	logger      *slog.Logger
	execCommand ExecCommandFunc
}

// WithDockerfile sets the dockerfile path. Empty means "Dockerfile" inside the
// build context.
func WithDockerfile(path string) BuildOption {
	return buildOptionFunc(func(cfg *buildConfig) error {
		path = strings.TrimSpace(path)
		if path == "" {
			return errors.New("dockerfile path must not be empty")
		}
		cfg.dockerfile = path
		return nil
	})
}

// WithContext sets the build-context directory. Defaults to ".".
func WithContext(dir string) BuildOption {
	return buildOptionFunc(func(cfg *buildConfig) error {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			return errors.New("build context must not be empty")
		}
		cfg.contextDir = dir
		return nil
	})
}

// WithTarget sets the multi-stage build target. When unset the engine builds
// the final stage declared in the dockerfile.
func WithTarget(target string) BuildOption {
	return buildOptionFunc(func(cfg *buildConfig) error {
		target = strings.TrimSpace(target)
		if target == "" {
			return errors.New("build target must not be empty")
		}
		cfg.target = target
		return nil
	})
}

// WithGitContext builds from a depth-1 clone of the given repository URL. The
// clone lives in a temporary directory removed after the build.
func WithGitContext(url string) BuildOption {
	return buildOptionFunc(func(cfg *buildConfig) error {
		url = strings.TrimSpace(url)
		if url == "" {
			return errors.New("git URL must not be empty")
		}
		cfg.gitURL = url
		return nil
	})
}

// WithBuildKit forces the build strategy, overriding the DOCKER_BUILDKIT env
// toggle: true selects the external CLI builder, false the engine API.
func WithBuildKit(enabled bool) BuildOption {
	return buildOptionFunc(func(cfg *buildConfig) error {
		cfg.buildKit = &enabled
		return nil
	})
}

// WithBuildEngine supplies the engine client. Without it the build creates and
// owns a DockerEngine, closed when the image is removed.
func WithBuildEngine(engine Engine) BuildOption {
	return buildOptionFunc(func(cfg *buildConfig) error {
		if engine == nil {
			return errors.New("engine must not be nil")
		}
		cfg.engine = engine
		return nil
	})
}

// WithBuildLogger sets the logger build progress is written to.
func WithBuildLogger(logger *slog.Logger) BuildOption {
	return buildOptionFunc(func(cfg *buildConfig) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		cfg.logger = logger
		return nil
	})
}

// WithBuildCommand overrides how the external builder process is created.
func WithBuildCommand(fn ExecCommandFunc) BuildOption {
	return buildOptionFunc(func(cfg *buildConfig) error {
		if fn == nil {
			return errors.New("exec command func must not be nil")
		}
		cfg.execCommand = fn
		return nil
	})
}

// EphemeralImage is an image built solely for the lifetime of a test run and
// removed afterward.
type EphemeralImage struct {
	engine     Engine
	ownsEngine bool
	logger     *slog.Logger
	id         string
	cleanup    runtime.Cleanup
	removed    bool
}

// BuildImage builds an ephemeral image. The strategy is selected by the
// DOCKER_BUILDKIT env toggle, read once here: set and non-empty shells out to
// the external builder CLI, otherwise the engine's native build API is used.
// The CLI strategy is required for dockerfiles using features only the
// advanced builder supports, such as build-time secret mounts.
//
// A failed build returns an error, never a broken image handle, and leaves no
// partial image behind.
func BuildImage(ctx context.Context, opts ...BuildOption) (_ *EphemeralImage, retErr error) {
	env := loadEnvConfig()
	cfg := &buildConfig{
		contextDir:  ".",
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	useCLI := env.buildKit
	if cfg.buildKit != nil {
		useCLI = *cfg.buildKit
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	img := &EphemeralImage{
		engine: cfg.engine,
		logger: logger,
	}
	if img.engine == nil {
		engine, err := NewDockerEngine()
		if err != nil {
			return nil, err
		}
		img.engine = engine
		img.ownsEngine = true
	}
	defer func() {
		if retErr != nil && img.ownsEngine {
			retErr = multierr.Append(retErr, img.engine.Close())
		}
	}()

	if cfg.gitURL != "" {
		tmpDir, err := os.MkdirTemp("", "gantry-build-*")
		if err != nil {
			return nil, fmt.Errorf("create clone dir: %w", err)
		}
		defer os.RemoveAll(tmpDir)
		_, err = git.PlainCloneContext(ctx, tmpDir, false, &git.CloneOptions{
			URL:   cfg.gitURL,
			Depth: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("clone %s: %w", cfg.gitURL, err)
		}
		cfg.contextDir = tmpDir
	}

	var id string
	var err error
	if useCLI {
		id, err = buildWithCLI(ctx, cfg, env.binary, img.engine)
	} else {
		id, err = img.engine.BuildImage(ctx, BuildConfig{
			ContextDir: cfg.contextDir,
			Dockerfile: cfg.dockerfile,
			Target:     cfg.target,
		})
	}
	if err != nil {
		return nil, err
	}
	img.id = id
	img.cleanup = runtime.AddCleanup(img, removeAbandonedImage, abandonedImage{
		engine: img.engine,
		id:     id,
		logger: logger,
	})
	logger.Info("image built", slog.String("id", shortImageID(id)))
	return img, nil
}

// buildWithCLI shells out to the external builder: quiet output, forced
// removal of intermediate containers, and the image ID on stdout, resolved to
// its canonical form through the engine.
func buildWithCLI(ctx context.Context, cfg *buildConfig, binary string, engine Engine) (string, error) {
	args := []string{"build", "-q", "--rm=true"}
	if cfg.dockerfile != "" {
		args = append(args, "-f", cfg.dockerfile)
	}
	if cfg.target != "" {
		args = append(args, "--target", cfg.target)
	}
	args = append(args, cfg.contextDir)

	var stdout, stderr bytes.Buffer
	cmd := cfg.execCommand(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", binary, strings.Join(args, " "), err, stderr.String())
	}
	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return "", errors.New("builder produced no image ID")
	}
	info, err := engine.InspectImage(ctx, id)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// ID returns the canonical image ID.
func (i *EphemeralImage) ID() string { return i.id }

// Inspect returns the engine's view of the image, including the config env of
// the stage that was built.
func (i *EphemeralImage) Inspect(ctx context.Context) (ImageInfo, error) {
	return i.engine.InspectImage(ctx, i.id)
}

// Remove removes the image from the engine and disarms the safety net.
func (i *EphemeralImage) Remove(ctx context.Context) error {
	if i.removed {
		return nil
	}
	if err := i.engine.RemoveImage(ctx, i.id); err != nil {
		return err
	}
	i.cleanup.Stop()
	i.removed = true
	if i.ownsEngine {
		if err := i.engine.Close(); err != nil {
			i.logger.Debug("close engine", slog.Any("error", err))
		}
	}
	return nil
}

// Run builds nothing further; it scopes the already built image: fn runs, and
// the image is removed unconditionally afterward, with the body error and the
// removal error combined.
func (i *EphemeralImage) Run(ctx context.Context, fn func(ctx context.Context, i *EphemeralImage) error) error {
	err := fn(ctx, i)
	return multierr.Append(err, i.Remove(context.WithoutCancel(ctx)))
}

type abandonedImage struct {
	engine Engine
	id     string
	logger *slog.Logger
}

func removeAbandonedImage(a abandonedImage) {
	if err := a.engine.RemoveImage(context.Background(), a.id); err != nil && !IsNotFound(err) {
		a.logger.Debug(
			"remove abandoned image",
			slog.String("id", shortImageID(a.id)),
			slog.Any("error", err),
		)
	}
}

func shortImageID(id string) string {
	return shortID(strings.TrimPrefix(id, "sha256:"))
}
