package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/engine"
)

// newRenderCommand creates the "render" subcommand that renders the compose project without installing it.
func newRenderCommand(opts *Options) *cobra.Command {
	var outputDir string
	var withSecrets bool

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the compose manifest for the selected profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			inst, err := openInstaller(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = inst.Close() }()

			sel, err := selectionFromCmd(cmd, inst.Catalog())
			if err != nil {
				return err
			}
			art, v, err := inst.Render(cmd.Context(), sel.Profiles, sel.Config)
			if err != nil {
				if v != nil {
					printValidation(cmd.ErrOrStderr(), v)
				}
				return err
			}

			if outputDir == "" {
				if _, err := cmd.OutOrStdout().Write(art.Manifest); err != nil {
					return err
				}
				if withSecrets {
					_, err := cmd.OutOrStdout().Write(art.Secrets)
					return err
				}
				return nil
			}

			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("create output directory %q: %w", outputDir, err)
			}
			cfg := inst.Config()
			manifestPath := filepath.Join(outputDir, cfg.ManifestFile)
			secretsPath := filepath.Join(outputDir, cfg.SecretsFile)
			if err := engine.WriteArtifacts(manifestPath, secretsPath, art); err != nil {
				return err
			}

			logger.Info("rendered compose project", "manifest", manifestPath, "secrets", secretsPath)
			return nil
		},
	}

	addSelectionFlags(cmd)
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory for the manifest and secrets file (if empty, prints the manifest to stdout)")
	cmd.Flags().BoolVar(&withSecrets, "with-secrets", false, "Also print the secrets file when writing to stdout")

	return cmd
}
