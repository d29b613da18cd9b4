package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/resources"
)

// newCheckCommand creates the "check" subcommand that compares a selection's footprint with the host.
func newCheckCommand(opts *Options) *cobra.Command {
	var asJSON, noDetect bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Combine resource requirements of the selected profiles and compare them with this host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst, err := openInstaller(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = inst.Close() }()

			sel, err := selectionFromCmd(cmd, inst.Catalog())
			if err != nil {
				return err
			}
			report, err := inst.ResourceCheck(sel.Profiles, !noDetect)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, report)
			}
			printReport(out, report)
			return report.Enforce()
		},
	}

	addSelectionFlags(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&noDetect, "no-detect", false, "Skip host detection and only print the combined footprint")

	return cmd
}

func printReport(out io.Writer, report *resources.Report) {
	t := newTable(out, "Service", "Counted in", "Used by", "Min RAM", "Min CPU", "Min disk")
	t.SetTitle("Profiles: " + strings.Join(report.Profiles, ", "))
	for _, sc := range report.Services {
		m := sc.Requirements.Min
		t.AppendRow([]any{sc.Service, sc.CountedIn, strings.Join(sc.UsedBy, ", "),
			bytesText(m.RAM), catalog.FormatCPU(m.CPU), bytesText(m.Disk)})
	}
	total := report.Total
	t.AppendFooter([]any{"total", "", "", bytesText(total.Min.RAM), catalog.FormatCPU(total.Min.CPU), bytesText(total.Min.Disk)})
	t.Render()

	if len(report.Checks) > 0 {
		ct := newTable(out, "Dimension", "Status", "Available", "Minimum", "Recommended", "Shortfall")
		for _, c := range report.Checks {
			ct.AppendRow([]any{string(c.Dimension), statusText(c.Status),
				dimensionText(c.Dimension, c.Available), dimensionText(c.Dimension, c.Minimum),
				dimensionText(c.Dimension, c.Recommended), dimensionText(c.Dimension, c.Shortfall)})
		}
		ct.Render()
	}

	for _, s := range report.Suggestions {
		line := fmt.Sprintf("%s %s", severityText(s.Severity), s.Message)
		if s.Service != "" {
			line += " " + dimStyle.Render("("+s.Service+")")
		}
		_, _ = fmt.Fprintln(out, line)
	}
}

func bytesText(n uint64) string {
	if n == 0 {
		return "-"
	}
	return humanize.IBytes(n)
}

func dimensionText(d resources.Dimension, v uint64) string {
	if d == resources.CPU {
		return catalog.FormatCPU(int64(v))
	}
	return bytesText(v)
}
