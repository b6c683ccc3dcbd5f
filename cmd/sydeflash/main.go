// Sydeflash - fleet firmware deployment over CAN and Ethernet
//
// Sydeflash writes firmware, parameter sets and security keys to the nodes of
// a networked device system. Nodes behind gateways are reached through routed
// connections; every run goes through four phases:
//
//	activate flashloader -> read device information -> update system -> reset system
//
// Jobs come from a deployment plan (YAML, names the topology) or from a
// service update package (*.syde_sup) built from a plan:
//
//	sydeflash package create plan.yaml line4.syde_sup
//	sydeflash package show line4.syde_sup
//	sydeflash update --package line4.syde_sup
//	sydeflash info --topology system.yaml --access-bus CAN1
//	sydeflash route ECU3 --plan plan.yaml
//
// Exit codes: 0 success, 1 failure, 2 aborted, 3 invalid configuration.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openSYDE/openSYDE-sub010/pkg/cli"
	"github.com/openSYDE/openSYDE-sub010/pkg/settings"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
	"github.com/openSYDE/openSYDE-sub010/pkg/version"

	// Registers the simulator driver.
	_ "github.com/openSYDE/openSYDE-sub010/pkg/protocol/sim"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitAborted = 2
	exitConfig  = 3
)

// app is the state shared by all commands of one invocation.
type app struct {
	configPath string
	verbose    bool
	jsonOutput bool
	driver     string
	accessBus  string
	logFormat  string
	noColor    bool

	settings *settings.Settings
}

func main() {
	err := newRootCmd(&app{}).Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, util.ErrConfigInvalid):
		return exitConfig
	case util.IsAbort(err):
		return exitAborted
	default:
		return exitFailure
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "sydeflash",
		Short:             "Fleet firmware deployment over CAN and Ethernet",
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		Long: `Sydeflash updates the firmware of every node in a device system,
including nodes only reachable through gateways.

Jobs come from a deployment plan (YAML) or a service update package (*.syde_sup).
Settings are read from ~/.sydeflash/config.yaml and SYDEFLASH_* variables.

  sydeflash update --package line4.syde_sup`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return a.init()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Settings file (default ~/.sydeflash/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "JSON output where supported")
	rootCmd.PersistentFlags().StringVar(&a.driver, "driver", "", "Protocol driver (overrides settings)")
	rootCmd.PersistentFlags().StringVar(&a.accessBus, "access-bus", "", "Name of the bus the tool is connected to")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Device Operations:"},
		&cobra.Group{ID: "package", Title: "Packages:"},
		&cobra.Group{ID: "meta", Title: "Inspection & Meta:"},
	)
	for _, cmd := range []*cobra.Command{newUpdateCmd(a), newInfoCmd(a)} {
		cmd.GroupID = "run"
		rootCmd.AddCommand(cmd)
	}
	pkgCmd := newPackageCmd(a)
	pkgCmd.GroupID = "package"
	rootCmd.AddCommand(pkgCmd)
	for _, cmd := range []*cobra.Command{newRouteCmd(a), newStatusCmd(a), newAuditCmd(a), newVersionCmd()} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
	return rootCmd
}

// init loads settings and applies flag overrides.
func (a *app) init() error {
	if a.verbose {
		util.SetLogLevel("debug")
	} else {
		util.SetLogLevel("warn")
	}

	switch a.logFormat {
	case "text":
	case "json":
		util.SetJSONFormat()
	default:
		return util.NewConfigErrorf("unknown log format %q", a.logFormat)
	}
	if a.noColor {
		cli.SetColor(false)
	}

	var err error
	if a.configPath != "" {
		a.settings, err = settings.LoadFrom(a.configPath)
	} else {
		a.settings, err = settings.Load()
	}
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if a.driver != "" {
		a.settings.Driver = a.driver
	}
	util.WithField("driver", a.settings.Driver).Debugf("settings loaded for %s", a.settings.UserName())
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if version.Version == "dev" {
				fmt.Fprintln(cmd.OutOrStdout(), "sydeflash dev build (version is set with -ldflags, see pkg/version)")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "sydeflash %s\n", version.Info())
			}
		},
	}
}
