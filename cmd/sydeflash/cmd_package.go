package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openSYDE/openSYDE-sub010/pkg/audit"
	"github.com/openSYDE/openSYDE-sub010/pkg/bundle"
	"github.com/openSYDE/openSYDE-sub010/pkg/cli"
	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

func newPackageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Create, unpack and inspect service update packages",
		Long: `A service update package (*` + bundle.Extension() + `) bundles the files of every
node, the update order, the topology and the device definitions, so an update
can be run on a machine that has nothing but the package.

  sydeflash package create plan.yaml line4.syde_sup
  sydeflash package show line4.syde_sup
  sydeflash package unpack line4.syde_sup ./line4`,
	}
	cmd.AddCommand(newPackageCreateCmd(a), newPackageUnpackCmd(a), newPackageShowCmd(a))
	return cmd
}

func newPackageCreateCmd(a *app) *cobra.Command {
	var topoPath string

	cmd := &cobra.Command{
		Use:   "create <plan> <output" + bundle.Extension() + ">",
		Short: "Create a package from a deployment plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath, out := args[0], args[1]
			start := time.Now()

			topo, r, err := resolvePlan(planPath, topoPath)
			if err != nil {
				return err
			}
			warnings, err := bundle.Create(out, &bundle.Contents{
				Topology:    topo,
				AccessBus:   r.AccessBus,
				Active:      r.Active,
				Order:       r.Order,
				Assignments: r.Assignments,
			})
			printWarnings(warnings)
			a.audit(audit.NewEvent(a.settings.UserName(), audit.OpPackageCreate).
				WithPackage(out).
				WithFiles(assignedFiles(r.Assignments)).
				WithResult(err).
				WithDuration(time.Since(start)))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d nodes to update)\n", cli.Green("Created"), out, len(r.Order))
			return nil
		},
	}
	cmd.Flags().StringVar(&topoPath, "topology", "", "Topology file (overrides the plan's)")
	return cmd
}

func newPackageUnpackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unpack <package> <directory>",
		Short: "Unpack a package into a directory",
		Long: `Unpack a package into a directory. The directory is removed and
recreated; its previous contents are lost.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkgPath, dir := args[0], args[1]
			start := time.Now()

			c, warnings, err := bundle.Unpack(pkgPath, dir, true)
			printWarnings(warnings)
			a.audit(audit.NewEvent(a.settings.UserName(), audit.OpPackageUnpack).
				WithPackage(pkgPath).
				WithResult(err).
				WithDuration(time.Since(start)))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s into %s (%d nodes, %d to update)\n",
				cli.Green("Unpacked"), pkgPath, dir, c.Topology.NodeCount(), len(c.Order))
			return nil
		},
	}
}

func newPackageShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <package>",
		Short: "Show the contents of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := bundle.Inspect(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if a.jsonOutput {
				warnings := s.Warnings
				s.Warnings = nil
				printWarnings(warnings)
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}

			fmt.Fprintf(out, "Package:    %s\n", s.Path)
			fmt.Fprintf(out, "Access bus: %s\n\n", s.AccessBus)

			t := cli.NewTable("#", "NODE", "DEVICE", "ACTIVE", "FILES").WithWriter(out)
			for _, n := range s.Nodes {
				pos := cli.Dim("-")
				if n.Position >= 0 {
					pos = strconv.Itoa(n.Position + 1)
				}
				active := cli.Dim("no")
				if n.Active {
					active = "yes"
				}
				t.Row(pos, n.Name, n.Device, active, nodeFiles(n))
			}
			t.Flush()
			printWarnings(s.Warnings)
			return nil
		},
	}
}

func nodeFiles(n bundle.NodeSummary) string {
	files := append([]string{}, n.Files...)
	for _, f := range n.ParamFiles {
		files = append(files, f+" (params)")
	}
	if n.PEMFile != "" {
		files = append(files, n.PEMFile+" (pem)")
	}
	if len(files) == 0 {
		return cli.Dim("-")
	}
	return strings.Join(files, ", ")
}

// assignedFiles lists every file of the assignments in node order.
func assignedFiles(assignments []sequence.DoFlash) []string {
	var files []string
	for _, df := range assignments {
		files = append(files, df.Files...)
		files = append(files, df.ParamFiles...)
		if df.PEM != nil {
			files = append(files, df.PEM.File)
		}
	}
	return files
}

// audit writes ev to the audit log. Failures are logged only.
func (a *app) audit(ev *audit.Event) {
	logger, err := a.openAuditLog()
	if err != nil {
		util.Warnf("Could not initialize audit logging: %v", err)
		return
	}
	defer logger.Close()
	if err := logger.Log(ev); err != nil {
		util.Warnf("writing audit event: %v", err)
	}
}
