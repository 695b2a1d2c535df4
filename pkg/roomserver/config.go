package roomserver

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/matrix-org/meshcall/pkg/store"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var ErrInvalidConfig = errors.New("invalid room server config")

type Config struct {
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwtSecret"`
	// How long an access token is valid.
	TokenTTL time.Duration `yaml:"tokenTtl"`
	// Backend of the room server itself: `memory` or `redis`.
	Backend string            `yaml:"backend"`
	Redis   store.RedisConfig `yaml:"redis"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

// Loads the config from the `ROOMSERVER_CONFIG` environment variable, or from the file at
// the given path if the variable is not set.
func LoadConfig(path string) (*Config, error) {
	if configEnv := os.Getenv("ROOMSERVER_CONFIG"); configEnv != "" {
		return LoadConfigFromString(configEnv)
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

func LoadConfigFromString(configString string) (*Config, error) {
	config := Config{
		Listen:   ":8080",
		Backend:  BackendMemory,
		TokenTTL: 24 * time.Hour,
	}
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if config.JWTSecret == "" {
		return nil, fmt.Errorf("%w: jwtSecret is required", ErrInvalidConfig)
	}

	switch config.Backend {
	case BackendMemory:
	case BackendRedis:
		if config.Redis.Addr == "" {
			return nil, fmt.Errorf("%w: redis address is missing", ErrInvalidConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, config.Backend)
	}

	return &config, nil
}
