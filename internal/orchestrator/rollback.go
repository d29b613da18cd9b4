package orchestrator

import (
	"context"
	"errors"
	"os"

	"github.com/kaspa-aio/aioctl/internal/engine"
)

// rollback reverts what the failed run changed, newest first: services it
// started are stopped in reverse start order, the artifacts in effect at the
// checkpoint are written back and their services brought up again, and the
// current pointer is moved to the checkpoint. The first failing step aborts
// the rollback.
func (o *Orchestrator) rollback(ctx context.Context, r *run, cause *Failure) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.RollbackTimeout)
	defer cancel()

	started := r.startedIDs()
	for i := len(started) - 1; i >= 0; i-- {
		id := started[i]
		out := o.output(r, id)
		err := o.deps.Runtime.Stop(rctx, []string{id}, out)
		out.Flush()
		if err != nil {
			return &RollbackFailure{Step: "stop " + id, Cause: cause, Err: err}
		}
		o.setStatus(r, id, StatusStopped, "")
	}

	if r.artifactsWritten {
		if err := o.restoreArtifacts(r); err != nil {
			return &RollbackFailure{Step: "restore artifacts", Cause: cause, Err: err}
		}
		if len(r.prevServices) > 0 {
			out := o.output(r, "")
			err := o.deps.Runtime.Up(rctx, r.prevServices, out)
			out.Flush()
			if err != nil {
				return &RollbackFailure{Step: "restart previous services", Cause: cause, Err: err}
			}
			for _, id := range r.prevServices {
				o.setStatus(r, id, StatusRestarted, "")
			}
		}
	}

	if r.checkpoint != nil {
		if err := o.deps.Versions.SetCurrent(rctx, r.checkpoint.ID); err != nil {
			return &RollbackFailure{Step: "restore current version", Cause: cause, Err: err}
		}
		o.step(r, "", "current configuration restored to checkpoint "+r.checkpoint.ID)
	}
	return nil
}

// restoreArtifacts writes back the artifacts found at checkpoint time, or
// removes the generated ones when there were none.
func (o *Orchestrator) restoreArtifacts(r *run) error {
	if r.prevArtifacts != nil && len(r.prevArtifacts.Manifest) > 0 {
		return engine.WriteArtifacts(o.opts.ManifestPath, o.opts.SecretsPath, r.prevArtifacts)
	}
	for _, p := range []string{o.opts.ManifestPath, o.opts.SecretsPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
