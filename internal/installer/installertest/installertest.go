// Package installertest builds Installers backed by an in-memory store and a
// scripted runtime for tests of the packages that sit on top of the installer.
package installertest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/compose"
	"github.com/kaspa-aio/aioctl/internal/config"
	"github.com/kaspa-aio/aioctl/internal/engine"
	"github.com/kaspa-aio/aioctl/internal/installer"
	"github.com/kaspa-aio/aioctl/internal/logging"
	"github.com/kaspa-aio/aioctl/internal/state"
)

// Runtime reports every started service healthy on the first poll.
type Runtime struct {
	mu      sync.Mutex
	running map[string]bool
	upErr   map[string]error
	gate    map[string]chan struct{}
	Ups     [][]string
	Stops   [][]string
	Removed []string
	Pulls   []string
}

// NewRuntime returns an idle Runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		running: map[string]bool{},
		upErr:   map[string]error{},
		gate:    map[string]chan struct{}{},
	}
}

// FailUp makes the next start of service fail with err.
func (r *Runtime) FailUp(service string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upErr[service] = err
}

// Hold blocks starts of service until the returned function is called.
func (r *Runtime) Hold(service string) (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.gate[service] = ch
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (r *Runtime) Pull(_ context.Context, image string, out io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Pulls = append(r.Pulls, image)
	_, _ = fmt.Fprintf(out, "%s: pulled\n", image)
	return nil
}

func (r *Runtime) Up(ctx context.Context, services []string, _ io.Writer) error {
	for _, id := range services {
		r.mu.Lock()
		gate := r.gate[id]
		r.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Ups = append(r.Ups, append([]string(nil), services...))
	for _, id := range services {
		if err := r.upErr[id]; err != nil {
			delete(r.upErr, id)
			return err
		}
		r.running[id] = true
	}
	return nil
}

func (r *Runtime) Stop(_ context.Context, services []string, _ io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stops = append(r.Stops, append([]string(nil), services...))
	for _, id := range services {
		r.running[id] = false
	}
	return nil
}

func (r *Runtime) Remove(_ context.Context, services []string, _ io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range services {
		r.running[id] = false
		r.Removed = append(r.Removed, id)
	}
	return nil
}

func (r *Runtime) Health(_ context.Context, service string) (compose.HealthStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running[service] {
		return compose.HealthMissing, nil
	}
	return compose.HealthHealthy, nil
}

func (r *Runtime) Logs(_ context.Context, service string, _ int) ([]string, error) {
	return []string{service + " exited"}, nil
}

func (r *Runtime) Exec(context.Context, string, []string) ([]byte, error) {
	return []byte("ok"), nil
}

// Config returns an engine configuration rooted in a fresh temp directory
// with timeouts short enough for tests.
func Config(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.WorkDir = filepath.Join(dir, "project")
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Compose.PullBackoff = time.Millisecond
	cfg.Compose.PullMaxBackoff = time.Millisecond
	cfg.Timeouts.HealthInterval = time.Millisecond
	cfg.Timeouts.HealthTimeout = 2 * time.Second
	cfg.Timeouts.VerifyTimeout = 2 * time.Second
	cfg.Timeouts.CommandTimeout = 2 * time.Second
	cfg.Resources.Detect = false
	cfg.Resources.Enforce = false
	return cfg
}

// New returns an Installer on an in-memory store driving rt. Manifest
// linting is skipped.
func New(t *testing.T, rt *Runtime) *installer.Installer {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	st, err := state.OpenInMemory(logging.Discard())
	require.NoError(t, err)
	inst := installer.New(installer.Deps{
		Config:  Config(t),
		Catalog: cat,
		State:   st,
		Runtime: rt,
		Logger:  logging.Discard(),
		Lint:    func(context.Context, *engine.Artifacts) error { return nil },
	})
	t.Cleanup(func() {
		_ = inst.Close()
		_ = st.Close()
	})
	return inst
}
