// Package compose drives the container runtime through the docker compose CLI.
package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes name with args, streaming output to stdout and stderr.
type Runner func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// Client wraps `docker compose` for a single project, manifest and secrets file.
type Client struct {
	Binary   string
	Project  string
	Manifest string
	Secrets  string

	logger *slog.Logger
	run    Runner
}

// NewClient constructs a compose client. binary defaults to "docker".
func NewClient(binary, project, manifest, secrets string, logger *slog.Logger) *Client {
	if binary == "" {
		binary = "docker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Binary:   binary,
		Project:  project,
		Manifest: manifest,
		Secrets:  secrets,
		logger:   logger,
		run:      ExecRunner,
	}
}

// WithRunner replaces the command runner. Used by tests.
func (c *Client) WithRunner(r Runner) *Client {
	c.run = r
	return c
}

// PullError reports a failed image pull.
type PullError struct {
	Image  string
	Output string
	Err    error
}

func (e *PullError) Error() string {
	msg := fmt.Sprintf("pull %s: %v", e.Image, e.Err)
	if out := lastLine(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *PullError) Unwrap() error { return e.Err }

// Permanent reports whether retrying cannot help: the image does not exist or access is denied.
func (e *PullError) Permanent() bool {
	out := strings.ToLower(e.Output)
	for _, marker := range permanentPullMarkers {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}

var permanentPullMarkers = []string{
	"manifest unknown",
	"not found",
	"unauthorized",
	"access denied",
	"denied:",
	"invalid reference format",
}

// Pull fetches image. Output lines are copied to out when it is not nil.
func (c *Client) Pull(ctx context.Context, image string, out io.Writer) error {
	var captured bytes.Buffer
	w := io.Writer(&captured)
	if out != nil {
		w = io.MultiWriter(&captured, out)
	}
	if err := c.run(ctx, c.Binary, []string{"pull", image}, w, w); err != nil {
		return &PullError{Image: image, Output: captured.String(), Err: err}
	}
	return nil
}

// Up creates and starts services without touching their dependencies.
func (c *Client) Up(ctx context.Context, services []string, out io.Writer) error {
	args := append([]string{"up", "--detach", "--no-deps", "--no-build", "--pull", "never"}, services...)
	return c.compose(ctx, out, args...)
}

// Stop stops services. Containers are kept for inspection.
func (c *Client) Stop(ctx context.Context, services []string, out io.Writer) error {
	return c.compose(ctx, out, append([]string{"stop"}, services...)...)
}

// Remove stops and deletes service containers.
func (c *Client) Remove(ctx context.Context, services []string, out io.Writer) error {
	return c.compose(ctx, out, append([]string{"rm", "--force", "--stop"}, services...)...)
}

// HealthStatus is the observed state of a service container.
type HealthStatus string

const (
	HealthMissing   HealthStatus = "missing"
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	// HealthRunning is a running container without a health check.
	HealthRunning HealthStatus = "running"
	HealthExited  HealthStatus = "exited"
)

// Health reports the container state of service.
func (c *Client) Health(ctx context.Context, service string) (HealthStatus, error) {
	var ids bytes.Buffer
	if err := c.compose(ctx, &ids, "ps", "--all", "--quiet", service); err != nil {
		return "", err
	}
	id := strings.TrimSpace(ids.String())
	if id == "" {
		return HealthMissing, nil
	}
	if i := strings.IndexByte(id, '\n'); i >= 0 {
		id = id[:i]
	}

	var out, stderr bytes.Buffer
	if err := c.run(ctx, c.Binary, []string{"inspect", "--format", "{{json .State}}", id}, &out, &stderr); err != nil {
		return "", fmt.Errorf("inspect %s: %w: %s", service, err, strings.TrimSpace(stderr.String()))
	}
	return parseState(out.Bytes())
}

type containerState struct {
	Status   string `json:"Status"`
	ExitCode int    `json:"ExitCode"`
	Health   *struct {
		Status string `json:"Status"`
	} `json:"Health"`
}

func parseState(raw []byte) (HealthStatus, error) {
	var st containerState
	if err := json.Unmarshal(bytes.TrimSpace(raw), &st); err != nil {
		return "", fmt.Errorf("decode container state: %w", err)
	}
	switch st.Status {
	case "exited", "dead", "removing":
		return HealthExited, nil
	case "created", "restarting":
		return HealthStarting, nil
	}
	if st.Health == nil {
		return HealthRunning, nil
	}
	switch st.Health.Status {
	case "healthy":
		return HealthHealthy, nil
	case "unhealthy":
		return HealthUnhealthy, nil
	}
	return HealthStarting, nil
}

// Logs returns the last tail lines of service output.
func (c *Client) Logs(ctx context.Context, service string, tail int) ([]string, error) {
	var out bytes.Buffer
	if err := c.compose(ctx, &out, "logs", "--no-color", "--no-log-prefix", "--tail", strconv.Itoa(tail), service); err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(out.String(), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// Exec runs command inside the running service container and returns its combined output.
func (c *Client) Exec(ctx context.Context, service string, command []string) ([]byte, error) {
	var out bytes.Buffer
	args := append([]string{"exec", "-T", service}, command...)
	err := c.compose(ctx, &out, args...)
	return out.Bytes(), err
}

// Version returns the short version of the compose plugin. It fails when
// the runtime binary or the compose plugin is missing.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out, stderr bytes.Buffer
	if err := c.run(ctx, c.Binary, []string{"compose", "version", "--short"}, &out, &stderr); err != nil {
		return "", fmt.Errorf("%s compose version: %w: %s", c.Binary, err, lastLine(stderr.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

func (c *Client) compose(ctx context.Context, out io.Writer, args ...string) error {
	cmdArgs := make([]string, 0, len(args)+8)
	cmdArgs = append(cmdArgs, "compose", "--project-name", c.Project, "--file", c.Manifest)
	if c.Secrets != "" {
		cmdArgs = append(cmdArgs, "--env-file", c.Secrets)
	}
	cmdArgs = append(cmdArgs, args...)

	var stderr bytes.Buffer
	errOut := io.Writer(&stderr)
	if out == nil {
		out = io.Discard
	} else {
		errOut = io.MultiWriter(&stderr, out)
	}

	c.logger.Debug("running compose", "args", args)
	if err := c.run(ctx, c.Binary, cmdArgs, out, errOut); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("compose %s timed out: %w", args[0], ctx.Err())
		}
		return fmt.Errorf("compose %v failed: %w: %s", args, err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
