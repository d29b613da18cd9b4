package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/installer"
)

// newValidateCommand creates the "validate" subcommand that validates settings without touching the host.
func newValidateCommand(opts *Options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate settings for the selected profiles",
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
			v, err := inst.Validate(cmd.Context(), sel.Profiles, sel.Config)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, v); err != nil {
					return err
				}
				return v.Err()
			}
			printValidation(out, v)
			return v.Err()
		},
	}

	addSelectionFlags(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")

	return cmd
}

func printValidation(out io.Writer, v *installer.Validation) {
	_, _ = fmt.Fprintf(out, "%s %s\n", boldStyle.Render("services:"), strings.Join(v.Services, ", "))
	if len(v.Dropped) > 0 {
		_, _ = fmt.Fprintln(out, hintStyle.Render("dropped undeclared settings: "+strings.Join(v.Dropped, ", ")))
	}
	if len(v.Errors) == 0 && len(v.Warnings) == 0 {
		_, _ = fmt.Fprintln(out, successStyle.Render("configuration is valid"))
		return
	}
	t := newTable(out, "Severity", "Stage", "Key", "Service", "Message")
	for _, i := range v.Errors {
		t.AppendRow([]any{errorStyle.Render("error"), string(i.Stage), i.Key, i.Service, i.String()})
	}
	for _, i := range v.Warnings {
		t.AppendRow([]any{warnStyle.Render("warning"), string(i.Stage), i.Key, i.Service, i.String()})
	}
	t.Render()
}
