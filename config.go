package gantry

import (
	"os"

	"github.com/joho/godotenv"
)

// Environment toggles. All are optional and read once at construction time, never
// inside methods.
const (
	// EnvDockerNetwork overrides the network containers are attached to. Defaults
	// to "bridge".
	EnvDockerNetwork = "GANTRY_DOCKER_NETWORK"

	// EnvDockerHost is the standard engine-location override. When set, the
	// inside-container address heuristics are disabled and the engine host is
	// trusted as-is.
	EnvDockerHost = "DOCKER_HOST"

	// EnvDockerBuildKit selects the external-CLI build strategy when set to a
	// non-empty value.
	EnvDockerBuildKit = "DOCKER_BUILDKIT"

	// EnvDockerBinary names the CLI binary used by the external build strategy.
	// Defaults to "docker".
	EnvDockerBinary = "GANTRY_DOCKER_BINARY"
)

const defaultNetwork = "bridge"

// envConfig is a one-shot snapshot of the environment toggles, taken when a
// Container or EphemeralImage is constructed.
type envConfig struct {
	network         string
	dockerHostSet   bool
	insideContainer bool
	buildKit        bool
	binary          string
}

func loadEnvConfig() envConfig {
	return envConfig{
		network:         envOr(EnvDockerNetwork, defaultNetwork),
		dockerHostSet:   os.Getenv(EnvDockerHost) != "",
		insideContainer: insideContainer(),
		buildKit:        os.Getenv(EnvDockerBuildKit) != "",
		binary:          envOr(EnvDockerBinary, "docker"),
	}
}

// insideContainer reports whether the calling process itself runs inside a
// container, detected by the /.dockerenv marker the engine creates.
func insideContainer() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

// LoadEnvFile loads variables from the given .env files without overriding
// variables already present in the environment.
func LoadEnvFile(files ...string) error {
	return godotenv.Load(files...)
}

// envOr returns os.Getenv(key) if set, or else default.
func envOr(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		val = def
	}
	return val
}
