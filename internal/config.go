package internal

import (
	goerrors "errors"
	"fmt"
	"io/fs"
	"matrix-client/errors"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is read once at startup and never changed afterwards.
// Every field can come from the YAML file and be overridden by the environment.
type Config struct {
	Username      string `yaml:"username" env:"MATRIX_USERNAME" validate:"required"`
	Password      string `yaml:"password" env:"MATRIX_PASSWORD" validate:"required"`
	DBPath        string `yaml:"db_path" env:"MATRIX_DB_PATH" validate:"required"`
	SessionPath   string `yaml:"session_path" env:"MATRIX_SESSION_PATH" validate:"required"`
	HomeserverURL string `yaml:"homeserver_url" env:"MATRIX_HOMESERVER_URL" validate:"required,url"`

	LogLevel             string        `yaml:"log_level" env:"LOG_LEVEL" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	EventBufferSize      int           `yaml:"event_buffer_size" env:"EVENT_BUFFER_SIZE" validate:"min=1"`
	RestartInterval      time.Duration `yaml:"restart_interval" env:"RESTART_INTERVAL" validate:"gt=0"`
	MetricInterval       time.Duration `yaml:"metric_interval" env:"METRIC_INTERVAL" validate:"gt=0"`
	LowCapacityThreshold int           `yaml:"low_capacity_threshold" env:"LOW_CAPACITY_THRESHOLD" validate:"min=0"`
	LatencyThreshold     time.Duration `yaml:"latency_threshold" env:"LATENCY_THRESHOLD" validate:"min=0"`
	MetricsAddr          string        `yaml:"metrics_addr" env:"METRICS_ADDR" validate:"omitempty,hostname_port"`
}

func Default() Config {
	return Config{
		LogLevel:             "INFO",
		EventBufferSize:      1024,
		RestartInterval:      200 * time.Millisecond,
		MetricInterval:       5 * time.Second,
		LowCapacityThreshold: 64,
	}
}

// Load reads the YAML file at path on top of the defaults, then applies the
// environment. A missing file is not an error as long as the environment
// provides the required fields.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case goerrors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("%w: reading %s: %w", errors.ErrInvalidConfig, path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parsing %s: %w", errors.ErrInvalidConfig, path, err)
		}
	}

	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}
	return cfg, nil
}
