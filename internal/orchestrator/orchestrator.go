// Package orchestrator drives an installation run from validation to a
// health-checked, verified topology, and rolls it back when a phase fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/config"
	"github.com/kaspa-aio/aioctl/internal/engine"
	"github.com/kaspa-aio/aioctl/internal/hooks"
	"github.com/kaspa-aio/aioctl/internal/logging"
	"github.com/kaspa-aio/aioctl/internal/progress"
	"github.com/kaspa-aio/aioctl/internal/resources"
	"github.com/kaspa-aio/aioctl/internal/settings"
	"github.com/kaspa-aio/aioctl/internal/state"
	"github.com/kaspa-aio/aioctl/internal/validate"
	"github.com/kaspa-aio/aioctl/internal/versions"
)

// Service statuses published during a run.
const (
	StatusPulling   = "pulling"
	StatusRetrying  = "retrying"
	StatusPulled    = "pulled"
	StatusStarting  = "starting"
	StatusStarted   = "started"
	StatusHealthy   = "healthy"
	StatusVerified  = "verified"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
	StatusRestarted = "restarted"
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Catalog  *catalog.Catalog
	Runtime  Runtime
	Versions *versions.Store
	State    *state.Store
	Progress *progress.Broadcaster
	Logger   *slog.Logger
}

// Request starts a run.
type Request struct {
	Profiles []string
	Config   settings.Configuration
	// Force allows a run while an intervention marker is present.
	Force bool
	// Label names the run in logs and history.
	Label string
}

// Run is a point-in-time copy of a run's state.
type Run struct {
	ID           string            `json:"id"`
	Label        string            `json:"label,omitempty"`
	Profiles     []string          `json:"profiles"`
	Services     []string          `json:"services"`
	Phase        progress.Phase    `json:"phase"`
	Status       map[string]string `json:"status"`
	Dropped      []string          `json:"dropped,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	CheckpointID string            `json:"checkpointId,omitempty"`
	VersionID    string            `json:"versionId,omitempty"`
	Failure      *Failure          `json:"failure,omitempty"`
	RollbackErr  string            `json:"rollbackError,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	EndedAt      time.Time         `json:"endedAt,omitempty"`
}

// Done reports whether the run reached a terminal phase.
func (r *Run) Done() bool { return r.Phase.Terminal() }

type run struct {
	id        string
	req       Request
	cancelled atomic.Bool
	done      chan struct{}

	mu   sync.Mutex
	info Run
	err  error

	// Owned by the run goroutine.
	phaseStart       time.Time
	services         []*catalog.Service
	config           settings.Configuration
	checkpoint       *versions.ConfigVersion
	prevArtifacts    *engine.Artifacts
	prevServices     []string
	artifactsWritten bool
	started          []string
	healthy          map[string]bool
}

func (r *run) snapshot() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.info
	out.Profiles = append([]string(nil), r.info.Profiles...)
	out.Services = append([]string(nil), r.info.Services...)
	out.Dropped = append([]string(nil), r.info.Dropped...)
	out.Warnings = append([]string(nil), r.info.Warnings...)
	out.Status = make(map[string]string, len(r.info.Status))
	for k, v := range r.info.Status {
		out.Status[k] = v
	}
	if r.info.Failure != nil {
		f := *r.info.Failure
		out.Failure = &f
	}
	return &out
}

func (r *run) update(fn func(info *Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.info)
}

func (r *run) markStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
}

func (r *run) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

// Orchestrator runs at most one installation at a time.
type Orchestrator struct {
	deps      Deps
	opts      Options
	logger    *slog.Logger
	engine    *engine.Engine
	validator *validate.Validator
	hooks     *hooks.Executor

	mu     sync.Mutex
	active *run
	latest *run
	runs   map[string]*run
}

// New constructs an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	opts.applyDefaults()
	logger := logging.OrDefault(deps.Logger)
	if deps.Progress == nil {
		deps.Progress = progress.NewBroadcaster(logger)
	}
	return &Orchestrator{
		deps:      deps,
		opts:      opts,
		logger:    logger,
		engine:    engine.NewEngine(opts.Project),
		validator: validate.New(deps.Catalog, logger),
		hooks:     hooks.NewExecutor(logger, deps.Runtime, opts.VerifyInterval),
		runs:      make(map[string]*run),
	}
}

// Progress returns the broadcaster runs publish to.
func (o *Orchestrator) Progress() *progress.Broadcaster { return o.deps.Progress }

// Start validates the preconditions of a run and executes it in the
// background. A second run while one is active is rejected with ConflictError.
// ctx only bounds the precondition checks; the run outlives it.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return nil, &ConflictError{ActiveRunID: o.active.id}
	}
	marker, err := o.deps.State.Intervention(ctx)
	if err != nil {
		return nil, fmt.Errorf("read intervention marker: %w", err)
	}
	if marker != nil && !req.Force {
		return nil, &InterventionRequiredError{RunID: marker.RunID, Reason: marker.Reason}
	}

	r := &run{
		id:      uuid.NewString(),
		req:     req,
		done:    make(chan struct{}),
		healthy: make(map[string]bool),
	}
	r.info = Run{
		ID:        r.id,
		Label:     req.Label,
		Profiles:  append([]string(nil), req.Profiles...),
		Status:    make(map[string]string),
		StartedAt: time.Now().UTC(),
	}
	o.active = r
	o.latest = r
	o.runs[r.id] = r

	o.logger.Info("installation run started", "run_id", r.id, "profiles", req.Profiles, "label", req.Label, "force", req.Force)
	go o.execute(r, marker != nil)
	return r.snapshot(), nil
}

// Cancel asks the active run to stop at the next phase boundary. An empty id
// cancels whatever run is active.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || (runID != "" && o.active.id != runID) {
		return ErrUnknownRun
	}
	o.active.cancelled.Store(true)
	o.logger.Info("cancellation requested", "run_id", o.active.id)
	return nil
}

// Status returns the active run, else the most recent one, else nil.
func (o *Orchestrator) Status() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.latest == nil {
		return nil
	}
	return o.latest.snapshot()
}

// Active reports whether a run is in progress.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// Wait blocks until the run ends and returns its final state and error.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*Run, error) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrUnknownRun
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	return r.snapshot(), err
}

type phaseStep struct {
	phase progress.Phase
	run   func(ctx context.Context, r *run) error
}

func (o *Orchestrator) execute(r *run, clearMarker bool) {
	ctx := context.Background()
	defer func() {
		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()
		close(r.done)
	}()

	if err := o.forward(ctx, r); err != nil {
		o.fail(ctx, r, err)
		return
	}
	if clearMarker {
		if err := o.deps.State.ClearIntervention(ctx); err != nil {
			o.logger.Warn("clear intervention marker", "run_id", r.id, "error", err)
		}
	}
	o.enter(r, progress.PhaseComplete, "")
	o.finish(r, nil)
}

func (o *Orchestrator) forward(ctx context.Context, r *run) error {
	steps := []phaseStep{
		{progress.PhaseValidating, o.validating},
		{progress.PhaseGeneratingConfig, o.generating},
		{progress.PhaseAcquiringImages, o.acquiring},
		{progress.PhaseStartingInfrastructure, o.startInfrastructure},
		{progress.PhaseStartingApplications, o.startApplications},
		{progress.PhaseVerifying, o.verifying},
	}
	for i, step := range steps {
		if i > 0 && r.cancelled.Load() {
			return &CancelledError{Phase: r.info.Phase}
		}
		if step.phase == progress.PhaseGeneratingConfig {
			if err := o.takeCheckpoint(ctx, r); err != nil {
				return err
			}
		}
		o.enter(r, step.phase, "")
		if err := step.run(ctx, r); err != nil {
			return err
		}
	}
	if r.cancelled.Load() {
		return &CancelledError{Phase: r.info.Phase}
	}
	return o.commit(ctx, r)
}

func (o *Orchestrator) validating(ctx context.Context, r *run) error {
	res, err := o.deps.Catalog.ResolveProfiles(r.req.Profiles)
	if err != nil {
		return err
	}
	r.services = res.Services
	r.update(func(info *Run) {
		info.Profiles = res.Profiles
		info.Services = res.ServiceIDs()
	})

	var previous settings.Configuration
	cur, err := o.deps.Versions.Current(ctx)
	if err != nil {
		return fmt.Errorf("read current configuration: %w", err)
	}
	if cur != nil {
		previous = cur.Config
	}
	cfg, err := settings.Complete(r.req.Config, o.deps.Catalog, r.services, previous, o.opts.Rand)
	if err != nil {
		return err
	}

	host := validate.HostContext{}
	rec, err := o.deps.State.InstallRecord(ctx)
	if err != nil {
		return fmt.Errorf("read install record: %w", err)
	}
	if rec != nil {
		host.PreviousNetwork = rec.Network
	}

	result := o.validator.Validate(cfg, r.services, host)
	warnings := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		warnings = append(warnings, w.String())
	}
	if len(result.Dropped) > 0 {
		o.step(r, "", fmt.Sprintf("dropped settings not declared by the selected services: %v", result.Dropped))
	}

	if o.opts.EnforceResources && o.opts.Host != nil {
		h, err := o.opts.Host()
		if err != nil {
			o.logger.Warn("host detection failed, skipping resource check", "run_id", r.id, "error", err)
		} else {
			report, err := resources.Combine(o.deps.Catalog, res.Profiles, h)
			if err != nil {
				return err
			}
			for _, w := range report.Warnings() {
				warnings = append(warnings, w.Error())
			}
			if err := report.Enforce(); err != nil {
				return err
			}
		}
	}
	for _, w := range warnings {
		o.step(r, "", "warning: "+w)
	}
	r.update(func(info *Run) {
		info.Dropped = result.Dropped
		info.Warnings = warnings
	})
	if err := result.Err(); err != nil {
		return err
	}
	r.config = result.Config
	return nil
}

// takeCheckpoint records the configuration and artifacts in effect before
// anything on the host is touched.
func (o *Orchestrator) takeCheckpoint(ctx context.Context, r *run) error {
	cp, err := o.deps.Versions.Checkpoint(ctx, "before run "+r.id)
	if err != nil {
		return fmt.Errorf("take checkpoint: %w", err)
	}
	prev, err := engine.ReadArtifacts(o.opts.ManifestPath, o.opts.SecretsPath)
	if err != nil {
		return fmt.Errorf("read current artifacts: %w", err)
	}
	r.checkpoint = cp
	r.prevArtifacts = prev
	if len(cp.Profiles) > 0 {
		res, err := o.deps.Catalog.ResolveProfiles(cp.Profiles)
		if err != nil {
			o.logger.Warn("checkpoint profiles no longer resolve; rollback will not restart them", "run_id", r.id, "error", err)
		} else {
			r.prevServices = res.ServiceIDs()
		}
	}
	r.update(func(info *Run) { info.CheckpointID = cp.ID })
	o.step(r, "", "checkpoint "+cp.ID)
	return nil
}

func (o *Orchestrator) generating(ctx context.Context, r *run) error {
	art, err := o.engine.Generate(r.config, r.services)
	if err != nil {
		return err
	}
	r.artifactsWritten = true
	if err := engine.WriteArtifacts(o.opts.ManifestPath, o.opts.SecretsPath, art); err != nil {
		return err
	}
	if err := config.EnsureDataPaths(engine.DataDirs(r.config, r.services)); err != nil {
		return err
	}
	if o.opts.Lint != nil {
		if err := o.opts.Lint(ctx, art); err != nil {
			return fmt.Errorf("generated manifest rejected: %w", err)
		}
	}
	o.step(r, "", fmt.Sprintf("wrote %s and %s", o.opts.ManifestPath, o.opts.SecretsPath))
	return nil
}

func (o *Orchestrator) verifying(ctx context.Context, r *run) error {
	values := r.config.Values()
	for _, svc := range r.services {
		if len(svc.Verify) == 0 {
			continue
		}
		steps, err := renderSteps(svc, values)
		if err != nil {
			return err
		}
		vctx, cancel := context.WithTimeout(ctx, o.opts.VerifyTimeout)
		err = o.hooks.Run(vctx, svc.ID, steps)
		cancel()
		if err != nil {
			o.setStatus(r, svc.ID, StatusFailed, err.Error())
			return err
		}
		o.setStatus(r, svc.ID, StatusVerified, "")
	}
	return nil
}

func renderSteps(svc *catalog.Service, values map[string]string) ([]hooks.Step, error) {
	out := make([]hooks.Step, 0, len(svc.Verify))
	for _, st := range svc.Verify {
		rendered := hooks.Step{Name: st.Name, ExpectStatus: st.ExpectStatus}
		var err error
		if rendered.HTTP, err = catalog.RenderValue(svc.ID+"/"+st.Name, st.HTTP, values); err != nil {
			return nil, &hooks.StepError{Service: svc.ID, Step: st.Name, Err: err}
		}
		for i, part := range st.Exec {
			v, err := catalog.RenderValue(fmt.Sprintf("%s/%s[%d]", svc.ID, st.Name, i), part, values)
			if err != nil {
				return nil, &hooks.StepError{Service: svc.ID, Step: st.Name, Err: err}
			}
			rendered.Exec = append(rendered.Exec, v)
		}
		out = append(out, rendered)
	}
	return out, nil
}

func (o *Orchestrator) commit(ctx context.Context, r *run) error {
	v, err := o.deps.Versions.Commit(ctx, versions.Entry{
		Label:    r.req.Label,
		RunID:    r.id,
		Profiles: r.info.Profiles,
		Config:   r.config,
	})
	if err != nil {
		return err
	}
	network, _ := r.config.Get(catalog.NetworkKey)
	rec := state.InstallRecord{
		RunID:       r.id,
		VersionID:   v.ID,
		Network:     network,
		Profiles:    r.info.Profiles,
		CompletedAt: time.Now().UTC(),
	}
	if err := o.deps.State.SaveInstallRecord(ctx, rec); err != nil {
		return err
	}
	r.update(func(info *Run) { info.VersionID = v.ID })
	return nil
}

// fail records the failure, publishes Failed and rolls back.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) {
	f := newFailure(r.info.Phase, serviceOf(err), err)
	if f.Service != "" && o.opts.LogLines > 0 && slices.Contains(r.startedIDs(), f.Service) {
		lctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
		lines, lerr := o.deps.Runtime.Logs(lctx, f.Service, o.opts.LogLines)
		cancel()
		if lerr != nil {
			o.logger.Debug("capture logs of failed service", "service", f.Service, "error", lerr)
		}
		f.Logs = lines
	}
	if f.Service != "" {
		o.setStatus(r, f.Service, StatusFailed, f.Error)
	}
	r.update(func(info *Run) { info.Failure = f })
	o.logger.Error("installation run failed", "run_id", r.id, "phase", f.Phase, "service", f.Service, "error", err)

	o.enter(r, progress.PhaseFailed, f.String())
	o.enter(r, progress.PhaseRollingBack, "")

	if rerr := o.rollback(ctx, r, f); rerr != nil {
		var rf *RollbackFailure
		if !errors.As(rerr, &rf) {
			rf = &RollbackFailure{Step: "rollback", Cause: f, Err: rerr}
		}
		marker := state.InterventionMarker{
			RunID:     r.id,
			Phase:     string(f.Phase),
			Service:   f.Service,
			Reason:    rf.Error(),
			CreatedAt: time.Now().UTC(),
		}
		if merr := o.deps.State.SetIntervention(context.WithoutCancel(ctx), marker); merr != nil {
			o.logger.Error("write intervention marker", "run_id", r.id, "error", merr)
		}
		r.update(func(info *Run) { info.RollbackErr = rf.Error() })
		o.enter(r, progress.PhaseNeedsIntervention, rf.Error())
		o.finish(r, rf)
		return
	}
	o.enter(r, progress.PhaseRolledBack, "")
	o.finish(r, err)
}

func (o *Orchestrator) finish(r *run, err error) {
	r.mu.Lock()
	r.err = err
	r.info.EndedAt = time.Now().UTC()
	phase := r.info.Phase
	r.mu.Unlock()
	runsTotal.WithLabelValues(string(phase)).Inc()
	o.logger.Info("installation run finished", "run_id", r.id, "phase", phase)
}

// enter moves the run to phase and publishes it.
func (o *Orchestrator) enter(r *run, phase progress.Phase, errMsg string) {
	now := time.Now()
	var previous progress.Phase
	r.update(func(info *Run) {
		previous = info.Phase
		info.Phase = phase
	})
	if previous != "" {
		phaseDuration.WithLabelValues(string(previous)).Observe(now.Sub(r.phaseStart).Seconds())
	}
	r.phaseStart = now
	o.logger.Info("phase", "run_id", r.id, "phase", phase)
	o.deps.Progress.Publish(progress.Event{RunID: r.id, Kind: progress.KindPhase, Phase: phase, Error: errMsg})
}

func (o *Orchestrator) setStatus(r *run, service, status, msg string) {
	r.update(func(info *Run) { info.Status[service] = status })
	o.deps.Progress.Publish(progress.Event{RunID: r.id, Kind: progress.KindService, Service: service, Status: status, Message: msg})
}

func (o *Orchestrator) step(r *run, service, msg string) {
	o.logger.Info(msg, "run_id", r.id, "service", service)
	o.deps.Progress.Publish(progress.Event{RunID: r.id, Kind: progress.KindStep, Service: service, Message: msg})
}

// output returns a writer that turns runtime output into log events for service.
func (o *Orchestrator) output(r *run, service string) *logging.Writer {
	return logging.NewWriter(o.logger, func(line string) {
		o.deps.Progress.Publish(progress.Event{RunID: r.id, Kind: progress.KindLog, Service: service, Message: line})
	}, "run_id", r.id, "service", service)
}

// serviceOf attributes an error to the service it concerns.
func serviceOf(err error) string {
	var (
		img  *ImageAcquisitionError
		hto  *HealthTimeoutError
		se   *StartError
		step *hooks.StepError
		gen  *engine.GenerationError
		ve   *validate.ValidationError
	)
	switch {
	case errors.As(err, &img):
		return img.Service
	case errors.As(err, &hto):
		return hto.Service
	case errors.As(err, &se):
		return se.Service
	case errors.As(err, &step):
		return step.Service
	case errors.As(err, &gen):
		return gen.Service
	case errors.As(err, &ve):
		for _, is := range ve.Issues {
			if is.Service != "" && is.Service != "global" {
				return is.Service
			}
		}
	}
	return ""
}
