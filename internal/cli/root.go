// Package cli defines the command-line interface for aioctl.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/config"
	"github.com/kaspa-aio/aioctl/internal/logging"
)

// Options stores global CLI options shared between commands.
type Options struct {
	ConfigPath string
	LogLevel   logging.Level
	// configRequired is set when the path came from a flag or AIOCTL_CONFIG.
	configRequired bool
}

// Execute builds the root command, runs it with the provided args and logger, and returns any error.
func Execute(args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	rootOpts := &Options{
		ConfigPath: config.DefaultPath,
		LogLevel:   logging.LevelInfo,
	}

	rootCmd := newRootCommand(rootOpts, logger)
	rootCmd.SetArgs(args)

	return rootCmd.Execute()
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aioctl",
		Short:         "aioctl installs and manages an all-in-one Kaspa node stack",
		Long:          "aioctl resolves service profiles from a built-in catalog, validates settings, generates a docker compose project and drives the installation with health gating and rollback.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var base baseEnv
			if err := parseEnv(&base); err != nil {
				return err
			}
			if !cmd.Flags().Changed("config") && base.ConfigPath != "" {
				opts.ConfigPath = base.ConfigPath
			}
			opts.configRequired = cmd.Flags().Changed("config") || base.ConfigPath != ""

			levelRaw := cmd.Flag("log-level").Value.String()
			if !cmd.Flags().Changed("log-level") && base.LogLevel != "" {
				levelRaw = base.LogLevel
			}
			level := logging.ParseLevel(levelRaw)
			opts.LogLevel = level
			logger = logging.NewLogger(cmd.ErrOrStderr(), level)
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("logger initialized", "level", level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath, "Path to aioctl.yaml engine configuration")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newCatalogCommand(opts),
		newCheckCommand(opts),
		newValidateCommand(opts),
		newRenderCommand(opts),
		newInstallCommand(opts),
		newStatusCommand(opts),
		newDownCommand(opts),
		newVersionsCommand(opts),
		newServeCommand(opts),
		newDoctorCommand(opts),
	)

	return cmd
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}
