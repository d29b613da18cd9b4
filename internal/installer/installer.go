// Package installer is the single entry point used by the CLI and the HTTP
// API. It owns the durable store, the version history, the progress
// broadcaster and the orchestrator, and wires them to the compose runtime.
package installer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/compose"
	"github.com/kaspa-aio/aioctl/internal/config"
	"github.com/kaspa-aio/aioctl/internal/engine"
	"github.com/kaspa-aio/aioctl/internal/orchestrator"
	"github.com/kaspa-aio/aioctl/internal/progress"
	"github.com/kaspa-aio/aioctl/internal/resources"
	"github.com/kaspa-aio/aioctl/internal/settings"
	"github.com/kaspa-aio/aioctl/internal/state"
	"github.com/kaspa-aio/aioctl/internal/validate"
	"github.com/kaspa-aio/aioctl/internal/versions"
)

// Deps are the collaborators of an Installer. Catalog, State and Runtime are
// required; the rest default from Config.
type Deps struct {
	Config  *config.Config
	Catalog *catalog.Catalog
	State   *state.Store
	Runtime orchestrator.Runtime
	Logger  *slog.Logger

	// Lint and Host override the orchestrator hooks built from Config.
	Lint orchestrator.LintFunc
	Host orchestrator.HostFunc
	Rand io.Reader
}

// Installer composes the engine components.
type Installer struct {
	cfg       *config.Config
	cat       *catalog.Catalog
	st        *state.Store
	versions  *versions.Store
	progress  *progress.Broadcaster
	orch      *orchestrator.Orchestrator
	validator *validate.Validator
	engine    *engine.Engine
	runtime   orchestrator.Runtime
	host      orchestrator.HostFunc
	rnd       io.Reader
	logger    *slog.Logger
	owned     bool

	// lifecycleMu serialises the active check with the work that follows it
	// in Start and Down.
	lifecycleMu sync.Mutex
}

// Open loads the built-in catalog, opens the state directory and wires the
// docker compose runtime described by cfg. The returned Installer must be closed.
func Open(cfg *config.Config, logger *slog.Logger) (*Installer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cat, err := catalog.Default()
	if err != nil {
		return nil, err
	}
	st, err := state.Open(cfg.StateDir, logger)
	if err != nil {
		return nil, err
	}
	client := compose.NewClient(cfg.Compose.Binary, cfg.Project, cfg.ManifestPath(), cfg.SecretsPath(), logger)
	inst := New(Deps{
		Config:  cfg,
		Catalog: cat,
		State:   st,
		Runtime: client,
		Logger:  logger,
	})
	inst.owned = true
	return inst, nil
}

// New builds an Installer from explicit collaborators.
func New(deps Deps) *Installer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	rnd := deps.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	host := deps.Host
	if host == nil && cfg.Resources.Detect {
		dataPath := cfg.WorkDir
		host = func() (*resources.Host, error) { return resources.DetectHost(dataPath) }
	}
	lint := deps.Lint
	if lint == nil {
		lint = composeLint(cfg, logger)
	}

	vs := versions.New(deps.State, deps.Catalog, logger)
	bc := progress.NewBroadcaster(logger)

	opts := orchestrator.OptionsFromConfig(cfg)
	opts.Host = host
	opts.Lint = lint
	opts.Rand = rnd

	orch := orchestrator.New(orchestrator.Deps{
		Catalog:  deps.Catalog,
		Runtime:  deps.Runtime,
		Versions: vs,
		State:    deps.State,
		Progress: bc,
		Logger:   logger,
	}, opts)

	return &Installer{
		cfg:       cfg,
		cat:       deps.Catalog,
		st:        deps.State,
		versions:  vs,
		progress:  bc,
		orch:      orch,
		validator: validate.New(deps.Catalog, logger),
		engine:    engine.NewEngine(cfg.Project),
		runtime:   deps.Runtime,
		host:      host,
		rnd:       rnd,
		logger:    logger,
	}
}

// composeLint checks generated artifacts with the compose-spec loader.
func composeLint(cfg *config.Config, logger *slog.Logger) orchestrator.LintFunc {
	return func(ctx context.Context, art *engine.Artifacts) error {
		services, err := compose.Lint(ctx, cfg.Project, cfg.ManifestPath(), cfg.SecretsPath(), art.Manifest)
		if err != nil {
			return err
		}
		logger.Debug("manifest lint ok", "services", services)
		return nil
	}
}

// Close ends progress subscriptions and releases the state directory when
// the Installer opened it.
func (i *Installer) Close() error {
	i.progress.Close()
	if i.owned {
		return i.st.Close()
	}
	return nil
}

// Config returns the engine configuration.
func (i *Installer) Config() *config.Config { return i.cfg }

// Catalog returns the service catalog.
func (i *Installer) Catalog() *catalog.Catalog { return i.cat }

// ResourceCheck combines the requirements of profiles. With detect set the
// report is compared against the host; a failed detection is returned as an error.
func (i *Installer) ResourceCheck(profiles []string, detect bool) (*resources.Report, error) {
	var host *resources.Host
	if detect {
		fn := i.host
		if fn == nil {
			dataPath := i.cfg.WorkDir
			fn = func() (*resources.Host, error) { return resources.DetectHost(dataPath) }
		}
		h, err := fn()
		if err != nil {
			return nil, fmt.Errorf("detect host resources: %w", err)
		}
		host = h
	}
	return resources.Combine(i.cat, profiles, host)
}

// Validation is the outcome of a dry validation pass.
type Validation struct {
	Profiles []string `json:"profiles"`
	Services []string `json:"services"`
	*validate.Result
	// Config is the completed configuration with passwords masked.
	Config settings.Configuration `json:"config"`
}

// Validate resolves profiles and validates cfg exactly as a run would,
// without touching the host. Profile resolution errors are returned as err.
func (i *Installer) Validate(ctx context.Context, profiles []string, cfg settings.Configuration) (*Validation, error) {
	res, completed, err := i.prepare(ctx, profiles, cfg)
	if err != nil {
		return nil, err
	}
	host := validate.HostContext{}
	rec, err := i.st.InstallRecord(ctx)
	if err != nil {
		return nil, fmt.Errorf("read install record: %w", err)
	}
	if rec != nil {
		host.PreviousNetwork = rec.Network
	}
	result := i.validator.Validate(completed, res.Services, host)
	return &Validation{
		Profiles: res.Profiles,
		Services: res.ServiceIDs(),
		Result:   result,
		Config:   result.Config.Redacted(i.cat),
	}, nil
}

// Render validates cfg and generates the artifacts a run would write,
// without writing them.
func (i *Installer) Render(ctx context.Context, profiles []string, cfg settings.Configuration) (*engine.Artifacts, *Validation, error) {
	v, err := i.Validate(ctx, profiles, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := v.Err(); err != nil {
		return nil, v, err
	}
	res, err := i.cat.ResolveProfiles(profiles)
	if err != nil {
		return nil, v, err
	}
	art, err := i.engine.Generate(v.Result.Config, res.Services)
	if err != nil {
		return nil, v, err
	}
	return art, v, nil
}

func (i *Installer) prepare(ctx context.Context, profiles []string, cfg settings.Configuration) (*catalog.Resolution, settings.Configuration, error) {
	res, err := i.cat.ResolveProfiles(profiles)
	if err != nil {
		return nil, nil, err
	}
	var previous settings.Configuration
	cur, err := i.versions.Current(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read current configuration: %w", err)
	}
	if cur != nil {
		previous = cur.Config
	}
	completed, err := settings.Complete(cfg, i.cat, res.Services, previous, i.rnd)
	if err != nil {
		return nil, nil, err
	}
	return res, completed, nil
}

// StartRequest asks for an installation run.
type StartRequest struct {
	Profiles []string
	Config   settings.Configuration
	Label    string
	// Force clears an intervention marker left by a failed rollback.
	Force bool
}

// Start records the requested configuration in the history and starts a run.
func (i *Installer) Start(ctx context.Context, req StartRequest) (*orchestrator.Run, error) {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()
	if i.orch.Active() {
		return nil, &orchestrator.ConflictError{ActiveRunID: i.orch.Status().ID}
	}
	label := req.Label
	if label == "" {
		label = "requested"
	}
	if _, err := i.versions.Record(ctx, versions.Entry{
		Label:    label,
		Profiles: req.Profiles,
		Config:   req.Config,
	}); err != nil {
		return nil, fmt.Errorf("record requested configuration: %w", err)
	}
	run, err := i.orch.Start(ctx, orchestrator.Request{
		Profiles: req.Profiles,
		Config:   req.Config,
		Force:    req.Force,
		Label:    req.Label,
	})
	if err != nil {
		return nil, err
	}
	i.logger.Debug("requested configuration recorded", "run_id", run.ID, "label", label)
	return run, nil
}

// Cancel requests cancellation of runID, or of the active run when empty.
func (i *Installer) Cancel(runID string) error { return i.orch.Cancel(runID) }

// Status returns the latest run, nil before the first one.
func (i *Installer) Status() *orchestrator.Run { return i.orch.Status() }

// Wait blocks until runID finishes or ctx ends.
func (i *Installer) Wait(ctx context.Context, runID string) (*orchestrator.Run, error) {
	return i.orch.Wait(ctx, runID)
}

// Subscribe registers a progress subscriber. The first event is the current snapshot.
func (i *Installer) Subscribe(buffer int) *progress.Subscription {
	if buffer <= 0 {
		buffer = i.cfg.API.StreamBuffer
	}
	return i.progress.Subscribe(buffer)
}

// Progress returns the current progress snapshot.
func (i *Installer) Progress() progress.Snapshot { return i.progress.Snapshot() }

// History lists every recorded configuration version, oldest first.
func (i *Installer) History(ctx context.Context) ([]*versions.ConfigVersion, error) {
	return i.versions.List(ctx)
}

// Current returns the version the current pointer designates, nil when none.
func (i *Installer) Current(ctx context.Context) (*versions.ConfigVersion, error) {
	return i.versions.Current(ctx)
}

// Snapshot copies the current configuration into a labelled history entry.
func (i *Installer) Snapshot(ctx context.Context, label string) (*versions.ConfigVersion, error) {
	return i.versions.Snapshot(ctx, label)
}

// Diff compares two recorded versions.
func (i *Installer) Diff(ctx context.Context, fromID, toID string) ([]versions.Change, error) {
	return i.versions.Diff(ctx, fromID, toID)
}

// ErrNothingToRestore is returned when the target version selects no profiles.
var ErrNothingToRestore = errors.New("version selects no profiles")

// Restore re-runs the full pipeline with the profiles and configuration of
// versionID. Generated secrets in the version are kept.
func (i *Installer) Restore(ctx context.Context, versionID string, force bool) (*orchestrator.Run, error) {
	v, err := i.versions.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if len(v.Profiles) == 0 {
		return nil, fmt.Errorf("restore %s: %w", versionID, ErrNothingToRestore)
	}
	return i.Start(ctx, StartRequest{
		Profiles: v.Profiles,
		Config:   v.Config.Clone(),
		Label:    "restore " + v.ID,
		Force:    force,
	})
}

// HostState is what the state directory knows about the host.
type HostState struct {
	Record       *state.InstallRecord      `json:"installRecord,omitempty"`
	Intervention *state.InterventionMarker `json:"intervention,omitempty"`
	Current      *versions.ConfigVersion   `json:"current,omitempty"`
}

// State reads the install record, the intervention marker and the current version.
func (i *Installer) State(ctx context.Context) (*HostState, error) {
	rec, err := i.st.InstallRecord(ctx)
	if err != nil {
		return nil, err
	}
	marker, err := i.st.Intervention(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := i.versions.Current(ctx)
	if err != nil {
		return nil, err
	}
	return &HostState{Record: rec, Intervention: marker, Current: cur}, nil
}

// ServiceState is the runtime state of one installed service.
type ServiceState struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Services reports the runtime state of every service of the current
// version, in start order. It is empty when nothing is installed.
func (i *Installer) Services(ctx context.Context) ([]ServiceState, error) {
	cur, err := i.versions.Current(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil || len(cur.Profiles) == 0 {
		return nil, nil
	}
	res, err := i.cat.ResolveProfiles(cur.Profiles)
	if err != nil {
		return nil, err
	}
	out := make([]ServiceState, 0, len(res.Services))
	for _, svc := range res.Services {
		status, err := i.runtime.Health(ctx, svc.ID)
		st := ServiceState{ID: svc.ID, Status: string(status)}
		if err != nil {
			st.Status = "error: " + err.Error()
		}
		out = append(out, st)
	}
	return out, nil
}

// ErrUnknownService is returned for service ids the catalog does not define.
var ErrUnknownService = errors.New("unknown service")

// ErrNotInstalled is returned for catalog services outside the current configuration.
var ErrNotInstalled = errors.New("service is not part of the current configuration")

type remover interface {
	Remove(ctx context.Context, services []string, out io.Writer) error
}

// Down stops the services of the current version in reverse start order,
// or only those named in only. With remove set, their containers are
// deleted as well when the runtime supports it. Configuration history is
// left untouched.
func (i *Installer) Down(ctx context.Context, remove bool, out io.Writer, only ...string) ([]string, error) {
	for _, id := range only {
		if !i.cat.Capable(id) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownService, id)
		}
	}

	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()
	if i.orch.Active() {
		return nil, &orchestrator.ConflictError{ActiveRunID: i.orch.Status().ID}
	}
	services, err := i.Services(ctx)
	if err != nil {
		return nil, err
	}
	installed := make([]string, 0, len(services))
	for _, svc := range services {
		installed = append(installed, svc.ID)
	}
	for _, id := range only {
		if !slices.Contains(installed, id) {
			return nil, fmt.Errorf("%w: %s", ErrNotInstalled, id)
		}
	}

	ids := make([]string, 0, len(installed))
	for j := len(installed) - 1; j >= 0; j-- {
		if len(only) == 0 || slices.Contains(only, installed[j]) {
			ids = append(ids, installed[j])
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := i.runtime.Stop(ctx, ids, out); err != nil {
		return nil, fmt.Errorf("stop services: %w", err)
	}
	if rm, ok := i.runtime.(remover); ok && remove {
		if err := rm.Remove(ctx, ids, out); err != nil {
			return nil, fmt.Errorf("remove services: %w", err)
		}
	}
	i.logger.Info("services stopped", "services", ids, "removed", remove)
	return ids, nil
}
