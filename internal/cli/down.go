package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// newDownCommand creates the "down" subcommand that stops the installed services.
func newDownCommand(opts *Options) *cobra.Command {
	var remove, verbose bool

	cmd := &cobra.Command{
		Use:   "down [service...]",
		Short: "Stop the services of the current configuration",
		Long:  "Down stops every service of the current configuration version in reverse start order, or only the named ones. With --remove the containers are deleted too. Data volumes and configuration history are kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := openInstaller(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = inst.Close() }()

			out := cmd.OutOrStdout()
			runtimeOut := io.Discard
			if verbose {
				runtimeOut = cmd.ErrOrStderr()
			}
			stopped, err := inst.Down(cmd.Context(), remove, runtimeOut, args...)
			if err != nil {
				return err
			}
			if len(stopped) == 0 {
				_, _ = fmt.Fprintln(out, dimStyle.Render("nothing installed"))
				return nil
			}
			verb := "stopped"
			if remove {
				verb = "removed"
			}
			_, _ = fmt.Fprintln(out, successStyle.Render(verb+": ")+strings.Join(stopped, ", "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "Delete the stopped containers")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show container runtime output")

	return cmd
}
