package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/orchestrator"
	"github.com/kaspa-aio/aioctl/internal/versions"
)

// newVersionsCommand groups the configuration history subcommands.
func newVersionsCommand(opts *Options) *cobra.Command {
	return newGroupCommand("versions", "Inspect, snapshot and restore configuration versions",
		newVersionsListCommand(opts),
		newVersionsDiffCommand(opts),
		newVersionsSnapshotCommand(opts),
		newVersionsRestoreCommand(opts),
	)
}

func newVersionsListCommand(opts *Options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configuration versions, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst, err := openInstaller(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = inst.Close() }()

			ctx := cmd.Context()
			list, err := inst.History(ctx)
			if err != nil {
				return err
			}
			cur, err := inst.Current(ctx)
			if err != nil {
				return err
			}
			currentID := ""
			if cur != nil {
				currentID = cur.ID
			}

			out := cmd.OutOrStdout()
			if asJSON {
				redacted := make([]*versions.ConfigVersion, 0, len(list))
				for _, v := range list {
					redacted = append(redacted, v.Redacted(inst.Catalog()))
				}
				return writeJSON(out, map[string]any{"current": currentID, "versions": redacted})
			}
			if len(list) == 0 {
				_, _ = fmt.Fprintln(out, dimStyle.Render("no configuration versions recorded"))
				return nil
			}

			t := newTable(out, "", "Seq", "ID", "Kind", "Label", "Profiles", "Created")
			for _, v := range list {
				marker := ""
				if v.ID == currentID {
					marker = successStyle.Render("*")
				}
				kind := string(v.Kind)
				if v.Restorable() {
					kind = boldStyle.Render(kind)
				}
				t.AppendRow([]any{marker, v.Seq, v.ID, kind, v.Label, strings.Join(v.Profiles, ", "), humanize.Time(v.CreatedAt)})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the history as JSON")

	return cmd
}

func newVersionsDiffCommand(opts *Options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "diff FROM TO",
		Short: "Show what changes going from one version to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := openInstaller(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = inst.Close() }()

			changes, err := inst.Diff(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if changes == nil {
					changes = []versions.Change{}
				}
				return writeJSON(out, changes)
			}
			if len(changes) == 0 {
				_, _ = fmt.Fprintln(out, dimStyle.Render("no differences"))
				return nil
			}
			for _, c := range changes {
				_, _ = fmt.Fprintln(out, changeText(c))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the changes as JSON")

	return cmd
}

func changeText(c versions.Change) string {
	switch c.Kind {
	case versions.ChangeAdded:
		return successStyle.Render(c.String())
	case versions.ChangeRemoved:
		return errorStyle.Render(c.String())
	}
	return warnStyle.Render(c.String())
}

func newVersionsSnapshotCommand(opts *Options) *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record the current configuration as a labelled snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst, err := openInstaller(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = inst.Close() }()

			v, err := inst.Snapshot(cmd.Context(), label)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (seq %d)\n", successStyle.Render("snapshot"), v.ID, v.Seq)
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Snapshot label")
	_ = cmd.MarkFlagRequired("label")

	return cmd
}

func newVersionsRestoreCommand(opts *Options) *cobra.Command {
	var force, quiet bool

	cmd := &cobra.Command{
		Use:   "restore ID",
		Short: "Re-install the profiles and settings of an earlier version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := openInstaller(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = inst.Close() }()

			id := args[0]
			return followRun(cmd.Context(), cmd.OutOrStdout(), inst, quiet, func(ctx context.Context) (*orchestrator.Run, error) {
				return inst.Restore(ctx, id, force)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Restore even though a previous rollback left the host needing intervention")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide container output lines")

	return cmd
}
