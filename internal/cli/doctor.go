package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/compose"
	"github.com/kaspa-aio/aioctl/internal/config"
	"github.com/kaspa-aio/aioctl/internal/resources"
	"github.com/kaspa-aio/aioctl/internal/state"
)

// newDoctorCommand creates the "doctor" subcommand that runs host preflight checks.
func newDoctorCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run host preflight checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger.Info("configuration ok", "project", cfg.Project, "workDir", cfg.WorkDir, "stateDir", cfg.StateDir)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeouts.CommandTimeout)
			defer cancel()

			if err := runDoctorChecks(ctx, logger, cfg); err != nil {
				return err
			}
			logger.Info("doctor checks completed successfully")
			return nil
		},
	}

	return cmd
}

func runComposeChecks(ctx context.Context, logger *slog.Logger, cfg *config.Config) (string, error) {
	if _, err := exec.LookPath(cfg.Compose.Binary); err != nil {
		return "", fmt.Errorf("%s binary not found in PATH: %w", cfg.Compose.Binary, err)
	}
	return compose.NewClient(cfg.Compose.Binary, cfg.Project, "", "", logger).Version(ctx)
}

// runStateChecks opens the state directory. A directory held by a running
// aioctl process is reported but not fatal.
func runStateChecks(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	st, err := state.Open(cfg.StateDir, logger)
	if err != nil {
		if state.IsLockedError(err) {
			logger.Warn("state directory is in use; skipping state checks", "error", err)
			return nil
		}
		return err
	}
	defer func() { _ = st.Close() }()

	marker, err := st.Intervention(ctx)
	if err != nil {
		return err
	}
	if marker != nil {
		logger.Warn("a failed rollback left the host needing intervention",
			"run", marker.RunID, "phase", marker.Phase, "service", marker.Service, "reason", marker.Reason,
			"since", marker.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runDoctorChecks(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	var fatalErrs []error

	if version, err := runComposeChecks(ctx, logger, cfg); err != nil {
		logger.Error("container runtime check failed", "error", err)
		fatalErrs = append(fatalErrs, err)
	} else {
		logger.Info("container runtime check ok", "compose", version)
	}

	if err := runStateChecks(ctx, logger, cfg); err != nil {
		logger.Error("state directory check failed", "error", err)
		fatalErrs = append(fatalErrs, err)
	} else {
		logger.Info("state directory check ok", "path", cfg.StateDir)
	}

	if _, err := catalog.Default(); err != nil {
		logger.Error("catalog check failed", "error", err)
		fatalErrs = append(fatalErrs, err)
	} else {
		logger.Info("catalog check ok")
	}

	host, err := resources.DetectHost(cfg.WorkDir)
	if err != nil {
		logger.Warn("host detection failed; resource checks will be skipped", "error", err)
	} else {
		logger.Info("host resources",
			"ram", humanize.IBytes(host.RAM),
			"cpu", catalog.FormatCPU(host.CPU),
			"freeDisk", humanize.IBytes(host.Disk))
	}

	if len(fatalErrs) > 0 {
		return fmt.Errorf("doctor found %d fatal issue(s); see log for details", len(fatalErrs))
	}

	return nil
}
