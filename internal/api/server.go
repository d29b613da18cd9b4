// Package api exposes the installer over HTTP. Handlers translate requests
// into installer calls and installer errors into status codes; no engine
// logic lives here.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaspa-aio/aioctl/internal/installer"
)

const shutdownTimeout = 10 * time.Second

var settingKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Server serves the installer API.
type Server struct {
	inst   *installer.Installer
	logger *slog.Logger
	engine *gin.Engine
}

// NewServer builds the router for inst.
func NewServer(inst *installer.Installer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	registerValidations(logger)

	s := &Server{inst: inst, logger: logger}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/catalog", s.getCatalog)
	v1.POST("/resource-check", s.resourceCheck)
	v1.POST("/validate", s.validate)

	v1.POST("/install/start", s.startInstall)
	v1.POST("/install/cancel", s.cancelInstall)
	v1.GET("/install/status", s.installStatus)
	v1.GET("/install/stream", s.stream)

	v1.GET("/versions", s.listVersions)
	v1.POST("/versions", s.snapshot)
	v1.GET("/versions/diff", s.diffVersions)
	v1.POST("/restore", s.restore)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("api shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// registerValidations adds the setting_key rule to gin's validator.
func registerValidations(logger *slog.Logger) {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	err := v.RegisterValidation("setting_key", func(fl validator.FieldLevel) bool {
		return settingKeyPattern.MatchString(fl.Field().String())
	})
	if err != nil {
		logger.Warn("register setting_key validation", "error", err)
	}
}
