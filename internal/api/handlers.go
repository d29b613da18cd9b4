package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/env"
	"github.com/kaspa-aio/aioctl/internal/installer"
	"github.com/kaspa-aio/aioctl/internal/orchestrator"
	"github.com/kaspa-aio/aioctl/internal/resources"
	"github.com/kaspa-aio/aioctl/internal/settings"
	"github.com/kaspa-aio/aioctl/internal/validate"
	"github.com/kaspa-aio/aioctl/internal/versions"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind classifies the error for clients, e.g. "conflict" or "validation".
	Kind string `json:"kind"`
	// Issues is set for validation failures.
	Issues []validate.Issue `json:"issues,omitempty"`
	// Conflicts is set for incompatible profile selections.
	Conflicts []catalog.ConflictPair `json:"conflicts,omitempty"`
	// ActiveRunID is set when another run holds the host.
	ActiveRunID string `json:"activeRunId,omitempty"`
}

// SelectionRequest names profiles and user settings.
type SelectionRequest struct {
	Profiles []string          `json:"profiles" binding:"required,min=1,dive,required"`
	Settings map[string]string `json:"settings" binding:"omitempty,dive,keys,setting_key,endkeys"`
}

func (r SelectionRequest) config() settings.Configuration {
	return settings.FromVars(env.Vars(r.Settings))
}

// ResourceCheckRequest asks for a combined footprint.
type ResourceCheckRequest struct {
	Profiles []string `json:"profiles" binding:"required,min=1,dive,required"`
	// Detect compares the footprint against the serving host.
	Detect bool `json:"detect"`
}

// StartRequest asks for an installation run.
type StartRequest struct {
	SelectionRequest
	Label string `json:"label" binding:"max=128"`
	Force bool   `json:"force"`
}

// CancelRequest names the run to cancel; empty means the active run.
type CancelRequest struct {
	RunID string `json:"runId" binding:"omitempty,uuid"`
}

// SnapshotRequest labels a manual snapshot.
type SnapshotRequest struct {
	Label string `json:"label" binding:"required,max=128"`
}

// RestoreRequest re-installs a recorded version.
type RestoreRequest struct {
	VersionID string `json:"versionId" binding:"required"`
	Force     bool   `json:"force"`
}

// DiffQuery selects the two versions to compare.
type DiffQuery struct {
	From string `form:"from" binding:"required"`
	To   string `form:"to" binding:"required"`
}

// CatalogResponse describes the catalog.
type CatalogResponse struct {
	Version   string                 `json:"version"`
	Services  []*catalog.Service     `json:"services"`
	Profiles  []*catalog.Profile     `json:"profiles"`
	Templates []*catalog.Template    `json:"templates"`
	Globals   []catalog.Setting      `json:"globals"`
	Conflicts []catalog.ConflictPair `json:"conflicts"`
}

// VersionsResponse lists history and the current pointer.
type VersionsResponse struct {
	Current  string                    `json:"current,omitempty"`
	Versions []*versions.ConfigVersion `json:"versions"`
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getCatalog(c *gin.Context) {
	cat := s.inst.Catalog()
	c.JSON(http.StatusOK, CatalogResponse{
		Version:   cat.Version(),
		Services:  cat.Services(),
		Profiles:  cat.Profiles(),
		Templates: cat.Templates(),
		Globals:   cat.Globals(),
		Conflicts: cat.ConflictPairs(),
	})
}

func (s *Server) resourceCheck(c *gin.Context) {
	var req ResourceCheckRequest
	if !s.bind(c, &req) {
		return
	}
	report, err := s.inst.ResourceCheck(req.Profiles, req.Detect)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) validate(c *gin.Context) {
	var req SelectionRequest
	if !s.bind(c, &req) {
		return
	}
	v, err := s.inst.Validate(c.Request.Context(), req.Profiles, req.config())
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if !v.Valid() {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, v)
}

func (s *Server) startInstall(c *gin.Context) {
	var req StartRequest
	if !s.bind(c, &req) {
		return
	}
	run, err := s.inst.Start(c.Request.Context(), installer.StartRequest{
		Profiles: req.Profiles,
		Config:   req.config(),
		Label:    req.Label,
		Force:    req.Force,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) cancelInstall(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength > 0 && !s.bind(c, &req) {
		return
	}
	if err := s.inst.Cancel(req.RunID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) installStatus(c *gin.Context) {
	run := s.inst.Status()
	if run == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no installation has run", Kind: "not_found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listVersions(c *gin.Context) {
	ctx := c.Request.Context()
	list, err := s.inst.History(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := VersionsResponse{Versions: redactVersions(s.inst.Catalog(), list)}
	cur, err := s.inst.Current(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if cur != nil {
		resp.Current = cur.ID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) snapshot(c *gin.Context) {
	var req SnapshotRequest
	if !s.bind(c, &req) {
		return
	}
	v, err := s.inst.Snapshot(c.Request.Context(), req.Label)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, v.Redacted(s.inst.Catalog()))
}

func (s *Server) diffVersions(c *gin.Context) {
	var q DiffQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}
	changes, err := s.inst.Diff(c.Request.Context(), q.From, q.To)
	if err != nil {
		s.fail(c, err)
		return
	}
	if changes == nil {
		changes = []versions.Change{}
	}
	c.JSON(http.StatusOK, gin.H{"from": q.From, "to": q.To, "changes": changes})
}

func (s *Server) restore(c *gin.Context) {
	var req RestoreRequest
	if !s.bind(c, &req) {
		return
	}
	run, err := s.inst.Restore(c.Request.Context(), req.VersionID, req.Force)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		s.logger.Debug("invalid request body", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
		return false
	}
	return true
}

// fail maps installer errors onto status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}

func errorResponse(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error()}

	var (
		conflict     *orchestrator.ConflictError
		intervention *orchestrator.InterventionRequiredError
		invalid      *validate.ValidationError
		dependency   *catalog.DependencyConflictError
	)
	switch {
	case errors.As(err, &conflict):
		body.Kind = "conflict"
		body.ActiveRunID = conflict.ActiveRunID
		return http.StatusConflict, body
	case errors.As(err, &intervention):
		body.Kind = "intervention_required"
		return http.StatusConflict, body
	case errors.As(err, &invalid):
		body.Kind = "validation"
		body.Issues = invalid.Issues
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &dependency):
		body.Kind = "dependency_conflict"
		body.Conflicts = dependency.Pairs
		return http.StatusUnprocessableEntity, body
	case resources.IsResourceInsufficient(err):
		body.Kind = "resources"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, installer.ErrNothingToRestore), errors.Is(err, catalog.ErrEmptySelection):
		body.Kind = "validation"
		return http.StatusUnprocessableEntity, body
	case versions.IsNotFound(err):
		body.Kind = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, orchestrator.ErrUnknownRun):
		body.Kind = "not_found"
		return http.StatusNotFound, body
	case catalog.IsCatalogError(err):
		body.Kind = "catalog"
		return http.StatusInternalServerError, body
	}
	body.Kind = "internal"
	return http.StatusInternalServerError, body
}

func redactVersions(cat *catalog.Catalog, list []*versions.ConfigVersion) []*versions.ConfigVersion {
	out := make([]*versions.ConfigVersion, 0, len(list))
	for _, v := range list {
		out = append(out, v.Redacted(cat))
	}
	return out
}
