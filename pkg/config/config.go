package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/matrix-org/meshcall/pkg/startup"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Supported backing stores.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendHTTP   = "http"
	BackendMatrix = "matrix"
)

// Participant configuration.
type Config struct {
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
	// The room to join. A new room is created if empty.
	Room string `yaml:"room"`
	// Backing store configuration.
	Store Store `yaml:"store"`
	// STUN and TURN servers.
	ICE webrtc_ext.Config `yaml:"ice"`
	// Startup phase timeouts and intervals.
	Timeouts startup.Timeouts `yaml:"timeouts"`
	// Which kinds of media to acquire.
	Media media.Constraints `yaml:"media"`
	// Telemetry configuration.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type Store struct {
	Backend string `yaml:"backend"`
	// User id of the local identity for the backends that don't authenticate (memory, redis).
	UserID string            `yaml:"userId"`
	Redis  store.RedisConfig `yaml:"redis"`
	HTTP   store.HTTPConfig  `yaml:"http"`
	Matrix signaling.Config  `yaml:"matrix"`
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config could
// not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// ErrInvalidConfig is returned when the config is syntactically valid but unusable.
var ErrInvalidConfig = errors.New("invalid config values")

// Tries to load the config from environment variable (`CONFIG`).
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string.
// Returns an error if the string is not a valid YAML or the values are unusable.
func LoadConfigFromString(configString string) (*Config, error) {
	logrus.Info("loading config from string")

	config := Config{
		Media: media.Constraints{Audio: true, Video: true},
	}
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if config.Store.Backend == "" {
		config.Store.Backend = BackendMemory
	}

	config.Timeouts = config.Timeouts.WithDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Timeouts.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: redis address is missing", ErrInvalidConfig)
		}
	case BackendHTTP:
		if c.Store.HTTP.URL == "" || c.Store.HTTP.Username == "" {
			return fmt.Errorf("%w: room server url and username are required", ErrInvalidConfig)
		}
	case BackendMatrix:
		if c.Store.Matrix.UserID == "" ||
			c.Store.Matrix.HomeserverURL == "" ||
			c.Store.Matrix.AccessToken == "" {
			return fmt.Errorf("%w: matrix credentials are incomplete", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	if (c.Store.Backend == BackendMemory || c.Store.Backend == BackendRedis) && c.Store.UserID == "" {
		return fmt.Errorf("%w: store user id is required for the %s backend", ErrInvalidConfig, c.Store.Backend)
	}

	return nil
}
