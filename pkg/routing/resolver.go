// Package routing computes gateway chains from the local access bus to
// nodes that sit on other bus segments.
package routing

import (
	"fmt"
	"strings"

	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// Hop is one gateway on the way to a target. Traffic enters the gateway on
// InBus through interface InInterface and leaves on OutBus through OutInterface.
type Hop struct {
	Node         int
	InBus        int
	InInterface  int
	OutBus       int
	OutInterface int
}

// Route is the ordered gateway chain from the access bus to a target.
// An empty route means the target sits on the access bus.
type Route []Hop

// Contains reports whether node is a gateway on the route.
func (r Route) Contains(node int) bool {
	for _, h := range r {
		if h.Node == node {
			return true
		}
	}
	return false
}

// NoRouteError is returned when a node cannot be reached from the access bus.
type NoRouteError struct {
	Node      int
	Name      string
	AccessBus int
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route from access bus %d to node %s (#%d)", e.AccessBus, e.Name, e.Node)
}

func (e *NoRouteError) Unwrap() error {
	return util.ErrNotFound
}

// Resolver computes routes over an immutable topology. Bus reachability is
// computed once at construction; lookups are pure.
type Resolver struct {
	topo      *topology.Topology
	accessBus int
	active    []bool

	// busRoute[b] is the route to bus b; busReached[b] is false if b is unreachable.
	busRoute   []Route
	busReached []bool
}

// NewResolver builds a resolver for the given access bus. Only active native
// nodes whose device definition allows routing are used as gateways.
func NewResolver(topo *topology.Topology, accessBus int, active []bool) *Resolver {
	r := &Resolver{
		topo:       topo,
		accessBus:  accessBus,
		active:     active,
		busRoute:   make([]Route, len(topo.Buses)),
		busReached: make([]bool, len(topo.Buses)),
	}
	r.explore()
	return r
}

// explore runs a breadth-first search over buses. Within one bus the
// candidate gateways are visited by node index, then interface index, so the
// first gateway that reaches a bus owns its route.
func (r *Resolver) explore() {
	if r.accessBus < 0 || r.accessBus >= len(r.topo.Buses) {
		return
	}
	r.busReached[r.accessBus] = true
	queue := []int{r.accessBus}

	for len(queue) > 0 {
		bus := queue[0]
		queue = queue[1:]

		for i := range r.topo.Nodes {
			if !r.canRoute(i) {
				continue
			}
			node := &r.topo.Nodes[i]
			in, ok := node.InterfaceOnBus(bus)
			if !ok {
				continue
			}
			for _, out := range node.Interfaces {
				if !out.Connected || out.Bus < 0 || out.Bus >= len(r.topo.Buses) || r.busReached[out.Bus] {
					continue
				}
				hop := Hop{
					Node:         i,
					InBus:        bus,
					InInterface:  in.Number,
					OutBus:       out.Bus,
					OutInterface: out.Number,
				}
				route := make(Route, 0, len(r.busRoute[bus])+1)
				route = append(route, r.busRoute[bus]...)
				route = append(route, hop)
				r.busRoute[out.Bus] = route
				r.busReached[out.Bus] = true
				queue = append(queue, out.Bus)
			}
		}
	}
}

func (r *Resolver) canRoute(node int) bool {
	if node >= len(r.active) || !r.active[node] {
		return false
	}
	n := &r.topo.Nodes[node]
	return n.IsNative() && n.Device != nil && n.Device.Routing
}

// AccessBus returns the bus index of the local access point.
func (r *Resolver) AccessBus() int {
	return r.accessBus
}

// ResolveRoute returns the gateway chain to node. Among the node's connected
// interfaces the one on the bus with the shortest route wins; ties go to the
// lower interface index.
func (r *Resolver) ResolveRoute(node int) (Route, error) {
	_, route, err := r.resolve(node)
	return route, err
}

// Endpoint returns the target node's interface on the last bus of its route.
// Its NodeID is the address the node is spoken to with.
func (r *Resolver) Endpoint(node int) (topology.Interface, error) {
	intf, _, err := r.resolve(node)
	return intf, err
}

func (r *Resolver) resolve(node int) (topology.Interface, Route, error) {
	if node < 0 || node >= len(r.topo.Nodes) {
		return topology.Interface{}, nil, util.NewConfigErrorf("node index %d out of range (0..%d)", node, len(r.topo.Nodes)-1)
	}
	n := &r.topo.Nodes[node]

	best := -1
	var bestIntf topology.Interface
	for _, intf := range n.Interfaces {
		if !intf.Connected || intf.Bus < 0 || intf.Bus >= len(r.busReached) || !r.busReached[intf.Bus] {
			continue
		}
		if best < 0 || len(r.busRoute[intf.Bus]) < len(r.busRoute[best]) {
			best = intf.Bus
			bestIntf = intf
		}
	}
	if best < 0 {
		return topology.Interface{}, nil, &NoRouteError{Node: node, Name: n.Name, AccessBus: r.accessBus}
	}

	route := make(Route, len(r.busRoute[best]))
	copy(route, r.busRoute[best])
	return bestIntf, route, nil
}

// RequiresEthernetToEthernetRouting reports whether node relays traffic
// between two Ethernet segments on the route of any active node.
func (r *Resolver) RequiresEthernetToEthernetRouting(node int) bool {
	for target := range r.topo.Nodes {
		if target >= len(r.active) || !r.active[target] {
			continue
		}
		route, err := r.ResolveRoute(target)
		if err != nil {
			continue
		}
		for _, h := range route {
			if h.Node != node {
				continue
			}
			if r.topo.Buses[h.InBus].Type == topology.BusEthernet &&
				r.topo.Buses[h.OutBus].Type == topology.BusEthernet {
				return true
			}
		}
	}
	return false
}

// Describe renders a route as "CAN1 -> Gateway -> CAN2".
func (r *Resolver) Describe(route Route) string {
	if r.accessBus < 0 || r.accessBus >= len(r.topo.Buses) {
		return "<invalid access bus>"
	}
	parts := []string{r.topo.Buses[r.accessBus].Name}
	for _, h := range route {
		parts = append(parts, r.topo.Nodes[h.Node].Name, r.topo.Buses[h.OutBus].Name)
	}
	return strings.Join(parts, " -> ")
}
