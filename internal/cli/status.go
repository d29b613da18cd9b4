package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/installer"
)

// newStatusCommand creates the "status" subcommand that shows what is installed and how it is running.
func newStatusCommand(opts *Options) *cobra.Command {
	var asJSON, noServices bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the install record, the current configuration and the state of installed services",
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst, err := openInstaller(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = inst.Close() }()

			ctx := cmd.Context()
			hs, err := inst.State(ctx)
			if err != nil {
				return err
			}
			var services []installer.ServiceState
			if !noServices {
				services, err = inst.Services(ctx)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if hs.Current != nil {
					hs.Current = hs.Current.Redacted(inst.Catalog())
				}
				return writeJSON(out, struct {
					*installer.HostState
					Services []installer.ServiceState `json:"services,omitempty"`
				}{hs, services})
			}
			printHostState(out, hs)
			if len(services) > 0 {
				t := newTable(out, "Service", "Status")
				for _, s := range services {
					t.AppendRow([]any{s.ID, serviceStatusText(s.Status)})
				}
				t.Render()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the state as JSON")
	cmd.Flags().BoolVar(&noServices, "no-services", false, "Do not query the container runtime")

	return cmd
}

func printHostState(out io.Writer, hs *installer.HostState) {
	if m := hs.Intervention; m != nil {
		_, _ = fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("intervention required: run %s failed to roll back during %s: %s", m.RunID, m.Phase, m.Reason)))
		_, _ = fmt.Fprintln(out, hintStyle.Render("Hint: fix the host, then re-run install with --force"))
	}
	rec := hs.Record
	if rec == nil {
		_, _ = fmt.Fprintln(out, dimStyle.Render("nothing installed yet"))
	} else {
		_, _ = fmt.Fprintf(out, "%s %s (%s)\n", boldStyle.Render("installed:"), strings.Join(rec.Profiles, ", "), humanize.Time(rec.CompletedAt))
		if rec.Network != "" {
			_, _ = fmt.Fprintf(out, "%s %s\n", boldStyle.Render("network:"), rec.Network)
		}
		_, _ = fmt.Fprintf(out, "%s %s\n", boldStyle.Render("run:"), rec.RunID)
	}
	if cur := hs.Current; cur != nil {
		_, _ = fmt.Fprintf(out, "%s %s (%s, %d settings)\n", boldStyle.Render("current version:"), cur.ID, cur.Kind, len(cur.Config))
	}
}

func serviceStatusText(status string) string {
	switch {
	case status == "healthy" || status == "running":
		return successStyle.Render(status)
	case status == "starting":
		return warnStyle.Render(status)
	case strings.HasPrefix(status, "error"):
		return errorStyle.Render(status)
	}
	return dimStyle.Render(status)
}
