package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openSYDE/openSYDE-sub010/pkg/cli"
	"github.com/openSYDE/openSYDE-sub010/pkg/progress"
	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
)

func newUpdateCmd(a *app) *cobra.Command {
	var (
		src      source
		fleet    string
		failFast bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the system from a package or plan",
		Long: `Run all four phases: activate the flashloaders, read device information,
write the files of every node in update order and reset the system.

The system is reset after a failed phase as well, so nodes leave their
flashloaders. Interrupting the run (Ctrl-C) stops at the next checkpoint
and leaves the nodes in their flashloaders.

  sydeflash update --package line4.syde_sup
  sydeflash update --plan plan.yaml --fleet line4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := src.load(a.accessBus, a.settings.AccessBus)
			if err != nil {
				return err
			}
			defer j.cleanup()
			if len(j.order) == 0 {
				return fmt.Errorf("nothing to update: no node has files")
			}
			if fleet == "" {
				fleet = src.name()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runUpdate(ctx, cmd.OutOrStdout(), j, fleet, failFast || a.settings.FailFast)
		},
	}
	src.addFlags(cmd)
	cmd.Flags().StringVar(&fleet, "fleet", "", "Fleet name for locking and state (default: source file name)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop activation and read-out at the first failing node")
	return cmd
}

func (a *app) runUpdate(ctx context.Context, out io.Writer, j *job, fleet string, failFast bool) (err error) {
	base, stack, err := openSession(ctx, a.settings, j)
	if err != nil {
		return err
	}
	defer base.Close()
	announceDriver(out, a.settings.Driver)

	runID := uuid.NewString()
	sinks, err := a.openSinks(ctx, j, runID, fleet, out)
	if err != nil {
		return err
	}
	defer func() { sinks.Finish(err) }()

	fmt.Fprintf(out, "Run %s: %d of %d nodes to update\n", cli.Bold(runID), len(j.order), j.topo.NodeCount())
	seq := a.newSequencer(base, stack, sinks.reporter)

	if err := seq.ActivateFlashloader(ctx, failFast); err != nil {
		return resetAfter(ctx, seq, err)
	}
	if err := seq.ReadDeviceInformation(ctx, failFast); err != nil {
		return resetAfter(ctx, seq, err)
	}
	uerr := seq.UpdateSystem(ctx, j.assignments, j.order)
	updated := seq.Summary()
	if err := resetAfter(ctx, seq, uerr); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%s %d nodes updated\n", cli.Green("Done:"), len(updated.Succeeded))
	return nil
}

func newInfoCmd(a *app) *cobra.Command {
	var (
		src      source
		failFast bool
	)

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Read device information of all active nodes",
		Long: `Activate the flashloaders, read the device information of every active
node and reset the system. Nothing is written.

  sydeflash info --topology system.yaml --access-bus CAN1
  sydeflash info --package line4.syde_sup --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := src.load(a.accessBus, a.settings.AccessBus)
			if err != nil {
				return err
			}
			defer j.cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runInfo(ctx, cmd.OutOrStdout(), j, failFast || a.settings.FailFast)
		},
	}
	src.addFlags(cmd)
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop at the first failing node")
	return cmd
}

func (a *app) runInfo(ctx context.Context, out io.Writer, j *job, failFast bool) error {
	base, stack, err := openSession(ctx, a.settings, j)
	if err != nil {
		return err
	}
	defer base.Close()

	var rep sequence.Reporter = sequence.NopReporter{}
	if !a.jsonOutput {
		announceDriver(out, a.settings.Driver)
		rep = progress.NewConsole(out, a.verbose, j.nodeNames())
	}
	seq := a.newSequencer(base, stack, rep)

	if err := seq.ActivateFlashloader(ctx, failFast); err != nil {
		return resetAfter(ctx, seq, err)
	}
	rerr := seq.ReadDeviceInformation(ctx, failFast)
	infos := make([]sequence.DeviceInformation, 0, len(base.ActiveNodes()))
	for _, n := range base.ActiveNodes() {
		if info, ok := seq.DeviceInfo(n); ok {
			infos = append(infos, info)
		}
	}
	if err := resetAfter(ctx, seq, rerr); err != nil {
		return err
	}

	if a.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	return nil
}
