// Package progress provides sinks for update progress: an append-only
// console renderer, an MQTT publisher and a fan-out to combine them.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openSYDE/openSYDE-sub010/pkg/cli"
	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
)

var (
	startSteps    = stepSet(sequence.ActivateStart, sequence.ReadInfoStart, sequence.UpdateStart, sequence.ResetStart)
	finishedSteps = stepSet(sequence.ActivateFinished, sequence.ReadInfoFinished, sequence.UpdateFinished, sequence.ResetFinished)
	abortedSteps  = stepSet(sequence.ActivateAborted, sequence.ReadInfoAborted, sequence.UpdateAborted, sequence.ResetAborted)
	nodeDoneSteps = stepSet(sequence.ActivateNodeFinished, sequence.ReadInfoNodeFinished, sequence.UpdateNodeFinished, sequence.ResetNodeFinished)
	nodeFailSteps = stepSet(sequence.ActivateNodeError, sequence.ReadInfoNodeError, sequence.UpdateNodeError)
	nodeSkipSteps = stepSet(sequence.ActivateNodeSkipped, sequence.ReadInfoNodeSkipped, sequence.UpdateNodeUnreachable, sequence.ResetNodeSkipped)
	percentSteps  = stepSet(sequence.UpdateTransferData, sequence.UpdateLegacyFlashProgress)
)

func stepSet(steps ...sequence.Step) map[sequence.Step]bool {
	m := make(map[sequence.Step]bool, len(steps))
	for _, s := range steps {
		m[s] = true
	}
	return m
}

// Console is an append-only terminal reporter. It never rewrites lines, so
// output stays readable in pipes, CI logs and scrollback.
type Console struct {
	W       io.Writer
	Verbose bool

	dotWidth    int
	lastPercent map[int]int
}

// NewConsole creates a console reporter. names are the node names of the
// topology and size the dot padding.
func NewConsole(w io.Writer, verbose bool, names []string) *Console {
	if w == nil {
		w = os.Stdout
	}
	width := 0
	for _, n := range names {
		width = max(width, len(n))
	}
	return &Console{
		W:           w,
		Verbose:     verbose,
		dotWidth:    width + 6,
		lastPercent: map[int]int{},
	}
}

func (c *Console) ReportProgress(ev sequence.Event) bool {
	switch {
	case startSteps[ev.Step]:
		fmt.Fprintf(c.W, "\n%s\n", cli.Bold(ev.Phase.String()))
		clear(c.lastPercent)
	case abortedSteps[ev.Step]:
		fmt.Fprintf(c.W, "  %s\n", cli.Yellow("aborted"))
	case finishedSteps[ev.Step]:
		if ev.Err != nil {
			fmt.Fprintf(c.W, "  %s %s\n", cli.Red("failed:"), ev.Err)
		} else if c.Verbose {
			fmt.Fprintf(c.W, "  %s\n", cli.Dim("done"))
		}
	case ev.Node == nil:
		if ev.Err != nil {
			fmt.Fprintf(c.W, "  %s: %s\n", cli.Red(ev.Step.String()), ev.Err)
		} else if c.Verbose {
			fmt.Fprintf(c.W, "  %s%s\n", cli.Dim(ev.Step.String()), detail(ev.Detail))
		}
	case nodeDoneSteps[ev.Step]:
		fmt.Fprintf(c.W, "  %s %s\n", cli.DotPad(ev.Node.Name, c.dotWidth), cli.Green("OK"))
	case nodeFailSteps[ev.Step]:
		fmt.Fprintf(c.W, "  %s %s\n", cli.DotPad(ev.Node.Name, c.dotWidth), cli.Red("FAIL"))
	case nodeSkipSteps[ev.Step]:
		reason := ev.Detail
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		fmt.Fprintf(c.W, "  %s %s%s\n", cli.DotPad(ev.Node.Name, c.dotWidth), cli.Yellow("SKIP"), cli.Dim(detail(reason)))
	case ev.Err != nil:
		fmt.Fprintf(c.W, "      %s: %s\n", cli.Red(ev.Step.String()), ev.Err)
	case percentSteps[ev.Step]:
		if !c.Verbose {
			return true
		}
		quarter := ev.Percent / 25 * 25
		if last, ok := c.lastPercent[ev.Node.Index]; ok && last >= quarter {
			return true
		}
		c.lastPercent[ev.Node.Index] = quarter
		fmt.Fprintf(c.W, "      %s %3d%%%s\n", ev.Node.Name, quarter, cli.Dim(detail(ev.Detail)))
	case c.Verbose:
		fmt.Fprintf(c.W, "      %s: %s%s\n", ev.Node.Name, cli.Dim(ev.Step.String()), detail(ev.Detail))
	}
	return true
}

func (c *Console) ReportDeviceInfo(info sequence.DeviceInformation) bool {
	var parts []string
	switch {
	case info.Native != nil:
		parts = append(parts, info.Native.DeviceName)
		fl := info.Native.Flashloader
		if fl.Version != "" {
			parts = append(parts, "flashloader "+fl.Version)
		}
		if fl.SerialNumber != "" {
			parts = append(parts, "serial "+fl.SerialNumber)
		}
		for _, b := range info.Native.FlashBlocks {
			parts = append(parts, fmt.Sprintf("%s %s", b.Name, b.Version))
		}
	case info.Legacy != nil:
		parts = append(parts, info.Legacy.DeviceID)
		if info.Legacy.FlashloaderVersion != "" {
			parts = append(parts, "flashloader "+info.Legacy.FlashloaderVersion)
		}
		if info.Legacy.SerialNumber != "" {
			parts = append(parts, "serial "+info.Legacy.SerialNumber)
		}
	}
	fmt.Fprintf(c.W, "  %s %s\n", cli.DotPad(info.Node.Name, c.dotWidth), strings.Join(parts, ", "))
	return true
}

func detail(s string) string {
	if s == "" {
		return ""
	}
	return "  (" + s + ")"
}
