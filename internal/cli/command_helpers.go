package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/config"
	"github.com/kaspa-aio/aioctl/internal/env"
	"github.com/kaspa-aio/aioctl/internal/installer"
	"github.com/kaspa-aio/aioctl/internal/settings"
)

// newGroupCommand builds a cobra.Command that groups subcommands.
func newGroupCommand(use, short string, subcommands ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
	}
	if len(subcommands) > 0 {
		cmd.AddCommand(subcommands...)
	}
	return cmd
}

// loadConfig resolves the engine configuration for the invoking command.
func loadConfig(opts *Options) (*config.Config, error) {
	return config.Load(opts.ConfigPath, opts.configRequired)
}

// openInstaller loads the configuration and opens the state directory.
// The caller must close the installer.
func openInstaller(cmd *cobra.Command, opts *Options) (*installer.Installer, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := LoggerFromContext(cmd.Context())
	inst, err := installer.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open state in %s: %w", cfg.StateDir, err)
	}
	return inst, nil
}

// addSelectionFlags registers the profile and settings flags.
func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceP("profile", "p", nil, "Profiles to install (repeatable or comma-separated)")
	cmd.Flags().StringSliceP("template", "t", nil, "Templates expanding to profiles")
	cmd.Flags().String("settings-file", "", "Path to a .env file with settings")
	cmd.Flags().StringArray("set", nil, "Settings in K=V,K2=V2 format (repeatable, overrides --settings-file)")
}

// selection is the profile set and user configuration named on the command line.
type selection struct {
	Profiles []string
	Config   settings.Configuration
}

// selectionFromCmd reads profiles and settings from flags, falling back to
// AIOCTL_* env vars for flags that were not given.
func selectionFromCmd(cmd *cobra.Command, cat *catalog.Catalog) (*selection, error) {
	var fallback selectionEnv
	if err := parseEnv(&fallback); err != nil {
		return nil, err
	}

	profiles, _ := cmd.Flags().GetStringSlice("profile")
	if !cmd.Flags().Changed("profile") && len(fallback.Profiles) > 0 {
		profiles = fallback.Profiles
	}
	templates, _ := cmd.Flags().GetStringSlice("template")
	if !cmd.Flags().Changed("template") && len(fallback.Templates) > 0 {
		templates = fallback.Templates
	}
	if len(templates) > 0 {
		expanded, err := cat.ExpandTemplates(templates)
		if err != nil {
			return nil, err
		}
		profiles = append(expanded, profiles...)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no profiles selected: pass --profile or --template")
	}

	settingsFile, _ := cmd.Flags().GetString("settings-file")
	if settingsFile == "" && envPresent("AIOCTL_SETTINGS_FILE") {
		settingsFile = fallback.SettingsFile
	}
	var fromFile env.Vars
	if settingsFile != "" {
		vars, err := env.LoadEnvFile(settingsFile)
		if err != nil {
			return nil, fmt.Errorf("load settings file: %w", err)
		}
		fromFile = vars
	}

	sets, _ := cmd.Flags().GetStringArray("set")
	if !cmd.Flags().Changed("set") && fallback.Set != "" {
		sets = []string{fallback.Set}
	}
	inline := make([]env.Vars, 0, len(sets))
	for _, s := range sets {
		vars, err := env.ParseInlineVars(s)
		if err != nil {
			return nil, err
		}
		inline = append(inline, vars)
	}

	merged := env.Merge(append([]env.Vars{fromFile}, inline...)...)
	return &selection{Profiles: profiles, Config: settings.FromVars(merged)}, nil
}
