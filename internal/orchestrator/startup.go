package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/compose"
	"github.com/kaspa-aio/aioctl/internal/progress"
)

// acquiring pulls every distinct image concurrently.
func (o *Orchestrator) acquiring(ctx context.Context, r *run) error {
	owner := make(map[string]string)
	var images []string
	for _, svc := range r.services {
		if _, ok := owner[svc.Image]; ok {
			continue
		}
		owner[svc.Image] = svc.ID
		images = append(images, svc.Image)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.PullConcurrency)
	for _, image := range images {
		g.Go(func() error {
			return o.pull(gctx, r, image, owner[image])
		})
	}
	return g.Wait()
}

// pull retries transient failures with exponential backoff. Permanent
// failures, such as an unknown tag, end the loop at once.
func (o *Orchestrator) pull(ctx context.Context, r *run, image, service string) error {
	o.setStatus(r, service, StatusPulling, image)
	out := o.output(r, service)
	defer out.Flush()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.opts.PullBackoff
	exp.MaxInterval = o.opts.PullMaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, o.opts.PullTimeout)
		defer cancel()
		err := o.deps.Runtime.Pull(actx, image, out)
		if err == nil {
			pullAttempts.WithLabelValues("ok").Inc()
			return struct{}{}, nil
		}
		var pe *compose.PullError
		if errors.As(err, &pe) && pe.Permanent() {
			pullAttempts.WithLabelValues("permanent").Inc()
			return struct{}{}, backoff.Permanent(err)
		}
		pullAttempts.WithLabelValues("transient").Inc()
		return struct{}{}, err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(o.opts.PullAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("image pull failed, retrying", "run_id", r.id, "service", service, "image", image, "retry_in", next, "error", err)
			o.setStatus(r, service, StatusRetrying, fmt.Sprintf("attempt %d failed: %v", attempts, err))
		}),
	)
	if err != nil {
		return &ImageAcquisitionError{Image: image, Service: service, Attempts: attempts, Err: err}
	}
	o.setStatus(r, service, StatusPulled, image)
	return nil
}

func (o *Orchestrator) startInfrastructure(ctx context.Context, r *run) error {
	return o.startTier(ctx, r, catalog.TierInfrastructure, progress.PhaseAwaitingInfrastructureHealth)
}

func (o *Orchestrator) startApplications(ctx context.Context, r *run) error {
	return o.startTier(ctx, r, catalog.TierApplication, progress.PhaseAwaitingApplicationHealth)
}

// startTier starts the services of one tier in batches. Each batch is the
// maximal set whose dependencies are healthy; it is launched concurrently and
// health-gated before the next batch is computed. The last batch is gated in
// the awaiting phase.
func (o *Orchestrator) startTier(ctx context.Context, r *run, tier catalog.Tier, awaiting progress.Phase) error {
	var ids []string
	for _, svc := range r.services {
		if svc.Tier == tier {
			ids = append(ids, svc.ID)
		}
	}
	graph := catalog.NewGraph(r.services)
	started := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		o.enter(r, awaiting, "")
		return nil
	}

	for len(started) < len(ids) {
		batch := graph.Ready(ids, started, r.healthy)
		if len(batch) == 0 {
			return fmt.Errorf("no %s service can start: dependencies outside the selection are not healthy", tier)
		}
		last := len(started)+len(batch) == len(ids)
		for _, id := range batch {
			started[id] = true
		}
		if err := o.startBatch(ctx, r, batch); err != nil {
			return err
		}
		if last {
			o.enter(r, awaiting, "")
		}
		if err := o.awaitBatch(ctx, r, batch); err != nil {
			return err
		}
		for _, id := range batch {
			r.healthy[id] = true
		}
	}
	return nil
}

func (o *Orchestrator) startBatch(ctx context.Context, r *run, batch []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range batch {
		r.markStarted(id)
		o.setStatus(r, id, StatusStarting, "")
		g.Go(func() error {
			out := o.output(r, id)
			defer out.Flush()
			cctx, cancel := context.WithTimeout(gctx, o.opts.CommandTimeout)
			defer cancel()
			if err := o.deps.Runtime.Up(cctx, []string{id}, out); err != nil {
				return &StartError{Service: id, Err: err}
			}
			o.setStatus(r, id, StatusStarted, "")
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) awaitBatch(ctx context.Context, r *run, batch []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range batch {
		svc, _ := o.deps.Catalog.Service(id)
		g.Go(func() error {
			return o.waitHealthy(gctx, r, svc)
		})
	}
	return g.Wait()
}

// waitHealthy polls the runtime at a fixed interval until svc is healthy,
// its container exits, or the health timeout expires. A service without a
// declared health check passes once it is running.
func (o *Orchestrator) waitHealthy(ctx context.Context, r *run, svc *catalog.Service) error {
	begin := time.Now()
	deadline := time.NewTimer(o.opts.HealthTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.opts.HealthInterval)
	defer ticker.Stop()

	last := "unknown"
	for {
		cctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
		status, err := o.deps.Runtime.Health(cctx, svc.ID)
		cancel()
		switch {
		case err != nil:
			last = "error: " + err.Error()
		case status == compose.HealthHealthy, status == compose.HealthRunning && svc.Health == nil:
			healthWait.WithLabelValues("healthy").Observe(time.Since(begin).Seconds())
			o.setStatus(r, svc.ID, StatusHealthy, "")
			return nil
		case status == compose.HealthExited:
			healthWait.WithLabelValues("exited").Observe(time.Since(begin).Seconds())
			return &StartError{Service: svc.ID, Err: errors.New("container exited during health gate")}
		default:
			last = string(status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			healthWait.WithLabelValues("timeout").Observe(time.Since(begin).Seconds())
			return &HealthTimeoutError{Service: svc.ID, Timeout: o.opts.HealthTimeout, Last: last}
		case <-ticker.C:
		}
	}
}
