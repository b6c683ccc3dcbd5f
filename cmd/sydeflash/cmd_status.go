package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openSYDE/openSYDE-sub010/pkg/cli"
	"github.com/openSYDE/openSYDE-sub010/pkg/fleetstate"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

func newStatusCmd(a *app) *cobra.Command {
	var fleet string

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the recorded state of an update run",
		Long: `Show the state of a run recorded in the fleet state store (redis.addr),
or with --fleet, who currently holds the fleet lock.

  sydeflash status 0b7c6f1e-...
  sydeflash status --fleet line4`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.settings.Redis.Addr == "" {
				return util.NewConfigError("no fleet state store configured: set redis.addr")
			}
			if (len(args) == 0) == (fleet == "") {
				return util.NewConfigError("give either a run id or --fleet")
			}

			ctx := cmd.Context()
			store := fleetstate.NewRedisStore(a.settings.Redis.Addr, a.settings.Redis.DB, a.settings.Redis.Expiry)
			if err := store.Connect(ctx); err != nil {
				return err
			}
			defer store.Close()
			out := cmd.OutOrStdout()

			if fleet != "" {
				holder, acquired, err := store.LockHolder(ctx, fleet)
				if err != nil {
					return err
				}
				if holder == "" {
					fmt.Fprintf(out, "Fleet %s is not locked\n", fleet)
					return nil
				}
				fmt.Fprintf(out, "Fleet %s locked by %s since %s\n", fleet, holder, acquired.Format(time.RFC3339))
				return nil
			}

			run, err := store.Run(ctx, args[0])
			if err != nil {
				return err
			}
			nodes, err := store.Nodes(ctx, args[0])
			if err != nil {
				return err
			}

			if a.jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Run   *fleetstate.RunState   `json:"run"`
					Nodes []fleetstate.NodeState `json:"nodes"`
				}{run, nodes})
			}

			fmt.Fprintf(out, "Run:     %s\n", run.ID)
			fmt.Fprintf(out, "Fleet:   %s (%s)\n", run.Fleet, run.User)
			fmt.Fprintf(out, "Status:  %s", statusColor(run.Status))
			if run.Phase != "" {
				fmt.Fprintf(out, " in %s", run.Phase)
			}
			fmt.Fprintln(out)
			if run.Error != "" {
				fmt.Fprintf(out, "Error:   %s\n", run.Error)
			}
			fmt.Fprintf(out, "Started: %s\n\n", run.Started.Format(time.RFC3339))

			t := cli.NewTable("NODE", "PHASE", "STATUS", "PROGRESS", "DETAIL").WithWriter(out)
			for _, n := range nodes {
				detail := n.Error
				if detail == "" {
					detail = n.Step
				}
				t.Row(n.Name, n.Phase, statusColor(n.Status), strconv.Itoa(n.Percent)+"%", detail)
			}
			t.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&fleet, "fleet", "", "Show the lock holder of a fleet")
	return cmd
}

func statusColor(status string) string {
	switch status {
	case fleetstate.StatusOK:
		return cli.Green(status)
	case fleetstate.StatusFailed, fleetstate.StatusAborted:
		return cli.Red(status)
	case fleetstate.StatusSkipped:
		return cli.Yellow(status)
	}
	return status
}
