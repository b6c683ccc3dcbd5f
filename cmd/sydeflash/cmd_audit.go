package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openSYDE/openSYDE-sub010/pkg/audit"
	"github.com/openSYDE/openSYDE-sub010/pkg/cli"
)

var auditRotation = audit.RotationConfig{
	MaxSize:    10 * 1024 * 1024,
	MaxBackups: 10,
}

// openAuditLog opens the audit log named in the settings.
func (a *app) openAuditLog() (*audit.FileLogger, error) {
	return audit.NewFileLogger(a.settings.GetAuditLog(), auditRotation)
}

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "View the audit log",
		Long: `View the audit log of update runs and package operations.

Every node update, run and package operation is logged with:
  - Timestamp
  - User
  - Node and device type
  - Operation performed
  - Success/failure status

  sydeflash audit list --node ECU3
  sydeflash audit list --last 24h
  sydeflash audit list --run 0b7c6f1e-...`,
	}
	cmd.AddCommand(newAuditListCmd(a))
	return cmd
}

func newAuditListCmd(a *app) *cobra.Command {
	var (
		run      string
		node     string
		user     string
		last     string
		limit    int
		failures bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := audit.Filter{
				Run:         run,
				Node:        node,
				User:        user,
				Limit:       limit,
				FailureOnly: failures,
			}
			if last != "" {
				d, err := time.ParseDuration(last)
				if err != nil {
					return fmt.Errorf("invalid duration: %s", last)
				}
				filter.StartTime = time.Now().Add(-d)
			}

			logger, err := a.openAuditLog()
			if err != nil {
				return err
			}
			defer logger.Close()
			events, err := logger.Query(filter)
			if err != nil {
				return fmt.Errorf("querying audit log: %w", err)
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return json.NewEncoder(out).Encode(events)
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No audit events found")
				return nil
			}

			t := cli.NewTable("TIMESTAMP", "USER", "NODE", "OPERATION", "STATUS", "DETAIL").WithWriter(out)
			for _, ev := range events {
				status := cli.Green("ok")
				if !ev.Success {
					status = cli.Red("failed")
				}
				detail := ev.Error
				if detail == "" {
					detail = ev.Package
				}
				t.Row(ev.Timestamp.Format("2006-01-02 15:04:05"), ev.User, ev.Node, ev.Operation, status, detail)
			}
			t.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "Filter by run id")
	cmd.Flags().StringVar(&node, "node", "", "Filter by node")
	cmd.Flags().StringVar(&user, "user", "", "Filter by user")
	cmd.Flags().StringVar(&last, "last", "", "Show events from last duration (e.g., 24h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum events to show")
	cmd.Flags().BoolVar(&failures, "failures", false, "Show only failed operations")
	return cmd
}
