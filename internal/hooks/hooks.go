// Package hooks runs post-install verification steps declared by catalog services.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Step describes a single verification step.
// Exactly one of HTTP or Exec is set.
type Step struct {
	// Name identifies the step in logs and failure reports.
	Name string `yaml:"name" json:"name"`
	// HTTP is a URL probed with GET from the host.
	HTTP string `yaml:"http,omitempty" json:"http,omitempty"`
	// Exec is a command run inside the service container.
	Exec []string `yaml:"exec,omitempty" json:"exec,omitempty"`
	// ExpectStatus is the expected HTTP status; 0 accepts any 2xx.
	ExpectStatus int `yaml:"expectStatus,omitempty" json:"expectStatus,omitempty"`
}

// Validate reports whether the step is well formed.
func (s Step) Validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return errors.New("step name is empty")
	case s.HTTP != "" && len(s.Exec) > 0:
		return fmt.Errorf("step %q sets both http and exec", s.Name)
	case s.HTTP == "" && len(s.Exec) == 0:
		return fmt.Errorf("step %q sets neither http nor exec", s.Name)
	}
	return nil
}

// Execer runs a command inside a service container.
type Execer interface {
	Exec(ctx context.Context, service string, command []string) ([]byte, error)
}

// StepError reports the first failing step of a service.
type StepError struct {
	Service string
	Step    string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("verification step %q of service %q failed: %v", e.Step, e.Service, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Executor runs verification steps, retrying each one at a fixed interval
// until it passes or the context ends.
type Executor struct {
	logger   *slog.Logger
	execer   Execer
	client   *http.Client
	interval time.Duration
}

// NewExecutor constructs an Executor. execer may be nil when no step uses exec.
func NewExecutor(logger *slog.Logger, execer Execer, interval time.Duration) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Executor{
		logger:   logger,
		execer:   execer,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
	}
}

// Run executes steps in order and stops at the first one that does not pass before ctx ends.
func (e *Executor) Run(ctx context.Context, service string, steps []Step) error {
	for _, step := range steps {
		if err := step.Validate(); err != nil {
			return &StepError{Service: service, Step: step.Name, Err: err}
		}
		if err := e.runUntilPass(ctx, service, step); err != nil {
			return &StepError{Service: service, Step: step.Name, Err: err}
		}
		e.logger.Info("verification step passed", "service", service, "step", step.Name)
	}
	return nil
}

func (e *Executor) runUntilPass(ctx context.Context, service string, step Step) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		lastErr = e.runOnce(ctx, service, step)
		if lastErr == nil {
			return nil
		}
		e.logger.Debug("verification step not passing yet", "service", service, "step", step.Name, "error", lastErr)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

func (e *Executor) runOnce(ctx context.Context, service string, step Step) error {
	if step.HTTP != "" {
		return e.probeHTTP(ctx, step)
	}
	if e.execer == nil {
		return errors.New("no exec runner configured")
	}
	out, err := e.execer.Exec(ctx, service, step.Exec)
	if err != nil {
		return fmt.Errorf("exec %v: %w: %s", step.Exec, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (e *Executor) probeHTTP(ctx context.Context, step Step) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, step.HTTP, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if step.ExpectStatus != 0 {
		if resp.StatusCode != step.ExpectStatus {
			return fmt.Errorf("GET %s returned %d, want %d", step.HTTP, resp.StatusCode, step.ExpectStatus)
		}
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s returned %d", step.HTTP, resp.StatusCode)
	}
	return nil
}
