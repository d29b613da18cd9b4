package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/installer"
	"github.com/kaspa-aio/aioctl/internal/orchestrator"
	"github.com/kaspa-aio/aioctl/internal/progress"
)

// newInstallCommand creates the "install" subcommand that runs an installation and follows its progress.
func newInstallCommand(opts *Options) *cobra.Command {
	var label string
	var force, quiet bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the selected profiles and follow progress until the run ends",
		Long:  "Install validates the selection, writes the compose project, pulls images, starts services tier by tier behind health gates and verifies them. Any failure rolls back to the configuration in effect before the run. Interrupting the command cancels the run at the next phase boundary.",
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
			req := installer.StartRequest{
				Profiles: sel.Profiles,
				Config:   sel.Config,
				Label:    label,
				Force:    force,
			}
			return followRun(cmd.Context(), cmd.OutOrStdout(), inst, quiet, func(ctx context.Context) (*orchestrator.Run, error) {
				return inst.Start(ctx, req)
			})
		},
	}

	addSelectionFlags(cmd)
	cmd.Flags().StringVar(&label, "label", "", "Label recorded with the configuration version")
	cmd.Flags().BoolVar(&force, "force", false, "Start even though a previous rollback failed and left the host needing intervention")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide container output lines")

	return cmd
}

// followRun starts a run with start and prints its events until it ends.
// SIGINT and SIGTERM request cancellation; the run still rolls back before
// returning.
func followRun(ctx context.Context, out io.Writer, inst *installer.Installer, quiet bool, start func(context.Context) (*orchestrator.Run, error)) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := inst.Subscribe(0)
	defer sub.Close()

	run, err := start(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s %s\n", boldStyle.Render("run"), run.ID)

	done := make(chan struct{})
	var final *orchestrator.Run
	var runErr error
	go func() {
		defer close(done)
		final, runErr = inst.Wait(context.WithoutCancel(ctx), run.ID)
	}()

	events := sub.C
	sigDone := sigCtx.Done()
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.RunID == run.ID && !(quiet && ev.Kind == progress.KindLog) {
				printEvent(out, ev)
			}
		case <-sigDone:
			sigDone = nil
			_, _ = fmt.Fprintln(out, warnStyle.Render("cancelling at the next phase boundary..."))
			if err := inst.Cancel(run.ID); err != nil && !errors.Is(err, orchestrator.ErrUnknownRun) {
				return err
			}
		case <-done:
			break loop
		}
	}
	drain(out, sub, run.ID, quiet)

	printRunSummary(out, final)
	return runErr
}

// drain prints events still buffered when the run ended.
func drain(out io.Writer, sub *progress.Subscription, runID string, quiet bool) {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.RunID == runID && !(quiet && ev.Kind == progress.KindLog) {
				printEvent(out, ev)
			}
		default:
			return
		}
	}
}

func printRunSummary(out io.Writer, run *orchestrator.Run) {
	if run == nil {
		return
	}
	_, _ = fmt.Fprintf(out, "%s %s\n", boldStyle.Render("result:"), phaseText(run.Phase))
	if run.VersionID != "" {
		_, _ = fmt.Fprintf(out, "%s %s\n", boldStyle.Render("version:"), run.VersionID)
	}
	if f := run.Failure; f != nil {
		_, _ = fmt.Fprintln(out, errorStyle.Render("failure: "+f.String()))
		for _, line := range f.Logs {
			_, _ = fmt.Fprintln(out, dimStyle.Render("    "+line))
		}
	}
	if run.RollbackErr != "" {
		_, _ = fmt.Fprintln(out, errorStyle.Render("rollback failed: "+run.RollbackErr))
		_, _ = fmt.Fprintln(out, hintStyle.Render("Hint: fix the host, then re-run with --force"))
	}
}
