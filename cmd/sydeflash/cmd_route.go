package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openSYDE/openSYDE-sub010/pkg/cli"
	"github.com/openSYDE/openSYDE-sub010/pkg/routing"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// routeInfo is the JSON form of one resolved route.
type routeInfo struct {
	Node     string   `json:"node"`
	Bus      string   `json:"bus,omitempty"`
	NodeID   int      `json:"node_id,omitempty"`
	Gateways []string `json:"gateways"`
	Path     string   `json:"path,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func newRouteCmd(a *app) *cobra.Command {
	var src source

	cmd := &cobra.Command{
		Use:   "route [node...]",
		Short: "Show how nodes are reached from the access bus",
		Long: `Resolve the gateway chain from the access bus to each node. Without
arguments every active node is shown.

  sydeflash route ECU3 --plan plan.yaml
  sydeflash route ECU1,ECU3 --plan plan.yaml
  sydeflash route --topology system.yaml --access-bus CAN1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := src.load(a.accessBus, a.settings.AccessBus)
			if err != nil {
				return err
			}
			defer j.cleanup()

			nodes, err := selectNodes(j, args)
			if err != nil {
				return err
			}

			resolver := routing.NewResolver(j.topo, j.accessBus, j.active)
			var (
				infos      []routeInfo
				unroutable int
			)
			for _, n := range nodes {
				info := resolveInfo(resolver, j, n)
				if info.Error != "" {
					unroutable++
				}
				infos = append(infos, info)
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(infos); err != nil {
					return err
				}
			} else {
				t := cli.NewTable("NODE", "ADDRESS", "HOPS", "ROUTE").WithWriter(out)
				for _, info := range infos {
					if info.Error != "" {
						t.Row(info.Node, cli.Dim("-"), cli.Dim("-"), cli.Red(info.Error))
						continue
					}
					t.Row(info.Node, fmt.Sprintf("%s:%d", info.Bus, info.NodeID), strconv.Itoa(len(info.Gateways)), info.Path)
				}
				t.Flush()
			}

			if unroutable > 0 {
				return fmt.Errorf("%d of %d nodes unreachable: %w", unroutable, len(nodes), util.ErrNotFound)
			}
			return nil
		},
	}
	src.addFlags(cmd)
	return cmd
}

// selectNodes maps node names to indexes. Arguments may hold comma
// separated lists; no names selects every active node.
func selectNodes(j *job, args []string) ([]int, error) {
	var names []string
	for _, arg := range args {
		names = append(names, util.SplitCommaSeparated(arg)...)
	}
	if len(names) == 0 {
		var nodes []int
		for i, on := range j.active {
			if on {
				nodes = append(nodes, i)
			}
		}
		return nodes, nil
	}
	vb := &util.ValidationBuilder{}
	var nodes []int
	for _, name := range names {
		i := j.topo.NodeIndex(name)
		if i < 0 {
			vb.AddErrorf("node %q not in topology", name)
			continue
		}
		nodes = append(nodes, i)
	}
	return nodes, vb.Build()
}

func resolveInfo(resolver *routing.Resolver, j *job, node int) routeInfo {
	info := routeInfo{Node: j.topo.Nodes[node].Name, Gateways: []string{}}
	intf, err := resolver.Endpoint(node)
	if err != nil {
		var noRoute *routing.NoRouteError
		if errors.As(err, &noRoute) {
			info.Error = "no route"
		} else {
			info.Error = err.Error()
		}
		return info
	}
	route, _ := resolver.ResolveRoute(node)
	for _, h := range route {
		info.Gateways = append(info.Gateways, j.topo.Nodes[h.Node].Name)
	}
	info.Bus = j.topo.Buses[intf.Bus].Name
	info.NodeID = int(intf.NodeID)
	info.Path = resolver.Describe(route) + " -> " + info.Node
	return info
}
