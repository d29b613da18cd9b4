package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaspa-aio/aioctl/internal/progress"
)

// Failure pins a failed run to one phase and, when known, one service.
type Failure struct {
	Phase   progress.Phase `json:"phase"`
	Service string         `json:"service,omitempty"`
	// Logs holds the last lines the failing service wrote.
	Logs  []string `json:"logs,omitempty"`
	Error string   `json:"error"`

	err error
}

// Err returns the underlying error.
func (f *Failure) Err() error { return f.err }

func (f *Failure) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase %s", f.Phase)
	if f.Service != "" {
		fmt.Fprintf(&b, ", service %s", f.Service)
	}
	fmt.Fprintf(&b, ": %s", f.Error)
	return b.String()
}

func newFailure(phase progress.Phase, service string, err error) *Failure {
	return &Failure{Phase: phase, Service: service, Error: err.Error(), err: err}
}

// ImageAcquisitionError reports an image that could not be pulled.
type ImageAcquisitionError struct {
	Image    string
	Service  string
	Attempts int
	Err      error
}

func (e *ImageAcquisitionError) Error() string {
	return fmt.Sprintf("acquire image %s for %s after %d attempt(s): %v", e.Image, e.Service, e.Attempts, e.Err)
}

func (e *ImageAcquisitionError) Unwrap() error { return e.Err }

// HealthTimeoutError reports a service that did not become healthy in time.
type HealthTimeoutError struct {
	Service string
	Timeout time.Duration
	// Last is the last status observed.
	Last string
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("service %s not healthy after %s (last status %s)", e.Service, e.Timeout, e.Last)
}

// StartError reports a service the runtime failed to start, or that exited during its health gate.
type StartError struct {
	Service string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Service, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// RollbackFailure reports that reverting a failed run did not succeed.
// The host is left marked for manual intervention.
type RollbackFailure struct {
	Step  string
	Cause *Failure
	Err   error
}

func (e *RollbackFailure) Error() string {
	return fmt.Sprintf("rollback step %q failed: %v (original failure: %s)", e.Step, e.Err, e.Cause)
}

func (e *RollbackFailure) Unwrap() error { return e.Err }

// ConflictError rejects a run while another one is active.
type ConflictError struct {
	ActiveRunID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("installation run %s is already in progress", e.ActiveRunID)
}

// InterventionRequiredError rejects a run after a failed rollback until forced.
type InterventionRequiredError struct {
	RunID  string
	Reason string
}

func (e *InterventionRequiredError) Error() string {
	return fmt.Sprintf("run %s left the host needing manual intervention (%s); fix it and retry with force", e.RunID, e.Reason)
}

// CancelledError is the failure recorded for a cancelled run.
type CancelledError struct {
	Phase progress.Phase
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled by operator after phase %s", e.Phase)
}

// IsImageAcquisitionError reports whether err is or wraps an ImageAcquisitionError.
func IsImageAcquisitionError(err error) bool {
	var target *ImageAcquisitionError
	return errors.As(err, &target)
}

// IsHealthTimeout reports whether err is or wraps a HealthTimeoutError.
func IsHealthTimeout(err error) bool {
	var target *HealthTimeoutError
	return errors.As(err, &target)
}

// IsStartError reports whether err is or wraps a StartError.
func IsStartError(err error) bool {
	var target *StartError
	return errors.As(err, &target)
}

// IsRollbackFailure reports whether err is or wraps a RollbackFailure.
func IsRollbackFailure(err error) bool {
	var target *RollbackFailure
	return errors.As(err, &target)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsInterventionRequired reports whether err is or wraps an InterventionRequiredError.
func IsInterventionRequired(err error) bool {
	var target *InterventionRequiredError
	return errors.As(err, &target)
}

// IsCancelled reports whether err is or wraps a CancelledError.
func IsCancelled(err error) bool {
	var target *CancelledError
	return errors.As(err, &target)
}

// ErrUnknownRun is returned for run ids that are not active or known.
var ErrUnknownRun = errors.New("unknown installation run")
