// Package config contains the loader and strongly typed model for aioctl.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	envparse "github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when no path is given.
const DefaultPath = "aioctl.yaml"

// Config is the engine configuration. Values are resolved as built-in defaults,
// then aioctl.yaml, then AIOCTL_* environment variables.
type Config struct {
	// Project is the compose project name used for every runtime call.
	Project string `yaml:"project" env:"AIOCTL_PROJECT" validate:"required,project_name"`
	// WorkDir holds the generated manifest and secrets file.
	WorkDir string `yaml:"workDir" env:"AIOCTL_WORK_DIR" validate:"required"`
	// StateDir holds the version store database.
	StateDir string `yaml:"stateDir" env:"AIOCTL_STATE_DIR" validate:"required"`
	// ManifestFile is the manifest file name inside WorkDir.
	ManifestFile string `yaml:"manifestFile" env:"AIOCTL_MANIFEST_FILE" validate:"required"`
	// SecretsFile is the secrets file name inside WorkDir.
	SecretsFile string `yaml:"secretsFile" env:"AIOCTL_SECRETS_FILE" validate:"required"`
	// Compose configures the container runtime adapter.
	Compose ComposeConfig `yaml:"compose"`
	// Timeouts bounds every wait performed during a run.
	Timeouts Timeouts `yaml:"timeouts"`
	// API configures the HTTP presentation boundary.
	API APIConfig `yaml:"api"`
	// Resources toggles host capacity checks during validation.
	Resources ResourcePolicy `yaml:"resources"`
	// LogLines is the number of service log lines captured for a failure report.
	LogLines int `yaml:"logLines" env:"AIOCTL_LOG_LINES" validate:"min=1,max=1000"`
}

// ComposeConfig describes how the container runtime is invoked.
type ComposeConfig struct {
	// Binary is the docker CLI used for compose and inspect calls.
	Binary string `yaml:"binary" env:"AIOCTL_DOCKER_BINARY" validate:"required"`
	// PullAttempts caps image pull attempts per image.
	PullAttempts uint `yaml:"pullAttempts" env:"AIOCTL_PULL_ATTEMPTS" validate:"min=1,max=10"`
	// PullBackoff is the first retry delay.
	PullBackoff time.Duration `yaml:"pullBackoff" env:"AIOCTL_PULL_BACKOFF" validate:"gt=0"`
	// PullMaxBackoff caps the retry delay.
	PullMaxBackoff time.Duration `yaml:"pullMaxBackoff" env:"AIOCTL_PULL_MAX_BACKOFF" validate:"gtefield=PullBackoff"`
	// PullConcurrency bounds parallel image pulls.
	PullConcurrency int `yaml:"pullConcurrency" env:"AIOCTL_PULL_CONCURRENCY" validate:"min=1,max=16"`
}

// Timeouts holds durations for waits performed by the orchestrator.
type Timeouts struct {
	// HealthInterval is the fixed poll interval of a health gate.
	HealthInterval time.Duration `yaml:"healthInterval" env:"AIOCTL_HEALTH_INTERVAL" validate:"gt=0"`
	// HealthTimeout bounds a single service health gate.
	HealthTimeout time.Duration `yaml:"healthTimeout" env:"AIOCTL_HEALTH_TIMEOUT" validate:"gtfield=HealthInterval"`
	// VerifyTimeout bounds the verification steps of one service.
	VerifyTimeout time.Duration `yaml:"verifyTimeout" env:"AIOCTL_VERIFY_TIMEOUT" validate:"gt=0"`
	// CommandTimeout bounds a single runtime command (pull excluded).
	CommandTimeout time.Duration `yaml:"commandTimeout" env:"AIOCTL_COMMAND_TIMEOUT" validate:"gt=0"`
	// PullTimeout bounds a single image pull attempt.
	PullTimeout time.Duration `yaml:"pullTimeout" env:"AIOCTL_PULL_TIMEOUT" validate:"gt=0"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	// Listen is the host:port the server binds to.
	Listen string `yaml:"listen" env:"AIOCTL_API_LISTEN" validate:"required,hostname_port"`
	// StreamBuffer is the per-subscriber event buffer of the progress stream.
	StreamBuffer int `yaml:"streamBuffer" env:"AIOCTL_API_STREAM_BUFFER" validate:"min=1,max=4096"`
}

// ResourcePolicy controls the resource check done before an install.
type ResourcePolicy struct {
	// Detect reads host capacity when true.
	Detect bool `yaml:"detect" env:"AIOCTL_RESOURCES_DETECT"`
	// Enforce blocks an install when a dimension is below minimum.
	Enforce bool `yaml:"enforce" env:"AIOCTL_RESOURCES_ENFORCE"`
}

// ManifestPath returns the absolute manifest location.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.WorkDir, c.ManifestFile)
}

// SecretsPath returns the absolute secrets file location.
func (c *Config) SecretsPath() string {
	return filepath.Join(c.WorkDir, c.SecretsFile)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Project:      "kaspa-aio",
		WorkDir:      "/var/lib/aioctl/project",
		StateDir:     "/var/lib/aioctl/state",
		ManifestFile: "docker-compose.yml",
		SecretsFile:  ".env",
		Compose: ComposeConfig{
			Binary:          "docker",
			PullAttempts:    4,
			PullBackoff:     2 * time.Second,
			PullMaxBackoff:  30 * time.Second,
			PullConcurrency: 3,
		},
		Timeouts: Timeouts{
			HealthInterval: 5 * time.Second,
			HealthTimeout:  5 * time.Minute,
			VerifyTimeout:  time.Minute,
			CommandTimeout: 2 * time.Minute,
			PullTimeout:    15 * time.Minute,
		},
		API: APIConfig{
			Listen:       "127.0.0.1:8088",
			StreamBuffer: 256,
		},
		Resources: ResourcePolicy{
			Detect:  true,
			Enforce: true,
		},
		LogLines: 50,
	}
}

// Load resolves the configuration. A missing file is an error only when
// required is true; AIOCTL_* variables are applied last.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := envparse.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply AIOCTL_* overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var projectNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("project_name", func(fl validator.FieldLevel) bool {
		return projectNamePattern.MatchString(fl.Field().String())
	})
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %w", errors.Join(msgs...))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !filepath.IsAbs(c.WorkDir) || !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("invalid configuration: workDir and stateDir must be absolute paths")
	}
	return nil
}
