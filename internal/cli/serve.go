package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/api"
)

// newServeCommand creates the "serve" subcommand that exposes the installer over HTTP.
func newServeCommand(opts *Options) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the installer HTTP API and progress stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			inst, err := openInstaller(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = inst.Close() }()

			addr := listen
			if addr == "" {
				addr = inst.Config().API.Listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return api.NewServer(inst, logger).ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (defaults to api.listen from the config)")

	return cmd
}
