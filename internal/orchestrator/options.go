package orchestrator

import (
	"context"
	"crypto/rand"
	"io"
	"time"

	"github.com/kaspa-aio/aioctl/internal/compose"
	"github.com/kaspa-aio/aioctl/internal/config"
	"github.com/kaspa-aio/aioctl/internal/engine"
	"github.com/kaspa-aio/aioctl/internal/resources"
)

// Runtime is the container runtime driven by a run. *compose.Client implements it.
type Runtime interface {
	Pull(ctx context.Context, image string, out io.Writer) error
	Up(ctx context.Context, services []string, out io.Writer) error
	Stop(ctx context.Context, services []string, out io.Writer) error
	Health(ctx context.Context, service string) (compose.HealthStatus, error)
	Logs(ctx context.Context, service string, tail int) ([]string, error)
	Exec(ctx context.Context, service string, command []string) ([]byte, error)
}

// LintFunc checks written artifacts before any image is pulled.
type LintFunc func(ctx context.Context, art *engine.Artifacts) error

// HostFunc reports the capacity of the target host.
type HostFunc func() (*resources.Host, error)

// Options tunes a run.
type Options struct {
	Project      string
	ManifestPath string
	SecretsPath  string

	PullAttempts    uint
	PullBackoff     time.Duration
	PullMaxBackoff  time.Duration
	PullConcurrency int
	PullTimeout     time.Duration

	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	VerifyTimeout   time.Duration
	VerifyInterval  time.Duration
	CommandTimeout  time.Duration
	RollbackTimeout time.Duration

	// LogLines is how many lines of the failing service's log a Failure carries.
	LogLines int

	// EnforceResources fails validation when Host reports a dimension below minimum.
	EnforceResources bool
	Host             HostFunc
	Lint             LintFunc
	// Rand feeds generated secrets. Defaults to crypto/rand.
	Rand io.Reader
}

// OptionsFromConfig maps the engine configuration onto run options.
// Host and Lint are left for the caller to wire.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Project:          cfg.Project,
		ManifestPath:     cfg.ManifestPath(),
		SecretsPath:      cfg.SecretsPath(),
		PullAttempts:     cfg.Compose.PullAttempts,
		PullBackoff:      cfg.Compose.PullBackoff,
		PullMaxBackoff:   cfg.Compose.PullMaxBackoff,
		PullConcurrency:  cfg.Compose.PullConcurrency,
		PullTimeout:      cfg.Timeouts.PullTimeout,
		HealthInterval:   cfg.Timeouts.HealthInterval,
		HealthTimeout:    cfg.Timeouts.HealthTimeout,
		VerifyTimeout:    cfg.Timeouts.VerifyTimeout,
		VerifyInterval:   cfg.Timeouts.HealthInterval,
		CommandTimeout:   cfg.Timeouts.CommandTimeout,
		RollbackTimeout:  cfg.Timeouts.HealthTimeout,
		LogLines:         cfg.LogLines,
		EnforceResources: cfg.Resources.Enforce,
	}
}

func (o *Options) applyDefaults() {
	if o.Project == "" {
		o.Project = "kaspa-aio"
	}
	if o.PullAttempts == 0 {
		o.PullAttempts = 4
	}
	if o.PullBackoff <= 0 {
		o.PullBackoff = 2 * time.Second
	}
	if o.PullMaxBackoff < o.PullBackoff {
		o.PullMaxBackoff = o.PullBackoff
	}
	if o.PullConcurrency <= 0 {
		o.PullConcurrency = 3
	}
	if o.PullTimeout <= 0 {
		o.PullTimeout = 15 * time.Minute
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Minute
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = time.Minute
	}
	if o.VerifyInterval <= 0 {
		o.VerifyInterval = o.HealthInterval
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 2 * time.Minute
	}
	if o.RollbackTimeout <= 0 {
		o.RollbackTimeout = 5 * time.Minute
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
}
