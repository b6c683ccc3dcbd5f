// Package session owns the active-node set of an update run, tracks which
// nodes stopped answering and answers reachability questions through the
// routing chain.
package session

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
	"github.com/openSYDE/openSYDE-sub010/pkg/routing"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/transport"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// Base is the session state shared by all phases of an update run. The
// topology, active set and routes are fixed at Init; only the timeout set
// changes afterwards. A Base is used by one sequencer on one goroutine.
type Base struct {
	topo       *topology.Topology
	accessBus  int
	active     *bitset.BitSet
	timedOut   *bitset.BitSet
	resolver   *routing.Resolver
	routes     []routing.Route
	endpoints  []topology.Interface
	transports transport.Set
	dispatcher transport.Dispatcher
	log        *logrus.Entry

	hasNative      bool
	hasLegacy      bool
	hasLegacyLocal bool
}

// Init validates the run configuration, opens the access bus transport and
// resolves a route for every active node. All later calls assume Init passed.
func Init(ctx context.Context, topo *topology.Topology, accessBus int, active []bool, ts transport.Set) (*Base, error) {
	if len(active) != len(topo.Nodes) {
		return nil, util.NewConfigErrorf("active node list has %d entries, topology has %d nodes", len(active), len(topo.Nodes))
	}
	if accessBus < 0 || accessBus >= len(topo.Buses) {
		return nil, util.NewConfigErrorf("access bus index %d out of range (%d buses)", accessBus, len(topo.Buses))
	}

	bus := topo.Buses[accessBus]
	dispatcher := ts.For(bus.Type)
	if dispatcher == nil {
		return nil, util.NewConfigErrorf("no %s transport configured for access bus %s", bus.Type, bus.Name)
	}

	b := &Base{
		topo:       topo,
		accessBus:  accessBus,
		active:     bitset.New(uint(len(active))),
		timedOut:   bitset.New(uint(len(active))),
		resolver:   routing.NewResolver(topo, accessBus, active),
		routes:     make([]routing.Route, len(active)),
		endpoints:  make([]topology.Interface, len(active)),
		transports: ts,
		dispatcher: dispatcher,
		log:        util.WithField("access_bus", bus.Name),
	}

	v := &util.ValidationBuilder{}
	for i, on := range active {
		if !on {
			continue
		}
		b.active.Set(uint(i))
		node := &topo.Nodes[i]
		_, local := node.InterfaceOnBus(accessBus)
		if node.IsNative() {
			b.hasNative = true
		} else {
			b.hasLegacy = true
			if local {
				b.hasLegacyLocal = true
			}
		}

		intf, err := b.resolver.Endpoint(i)
		if err != nil {
			if node.IsNative() {
				v.AddErrorf("node %s: %v", node.Name, err)
			} else {
				v.AddErrorf("legacy node %s is not on access bus %s and no native gateway routes to it", node.Name, bus.Name)
			}
			continue
		}
		route, _ := b.resolver.ResolveRoute(i)
		b.routes[i] = route
		b.endpoints[i] = intf
	}
	if !b.hasNative && !b.hasLegacy {
		v.AddError("no active devices")
	}
	if err := v.Build(); err != nil {
		return nil, err
	}

	if err := dispatcher.Open(ctx); err != nil {
		return nil, util.NewConfigErrorf("opening %s transport for bus %s: %v", bus.Type, bus.Name, err)
	}

	b.log.Debugf("session ready: %d active nodes (native=%t legacy=%t legacy-local=%t)",
		b.active.Count(), b.hasNative, b.hasLegacy, b.hasLegacyLocal)
	return b, nil
}

// Close closes all transports of the session.
func (b *Base) Close() error {
	return b.transports.Close()
}

// Topology returns the snapshot the session was created for.
func (b *Base) Topology() *topology.Topology {
	return b.topo
}

// AccessBus returns the index of the local access bus.
func (b *Base) AccessBus() int {
	return b.accessBus
}

// Resolver returns the route resolver of the session.
func (b *Base) Resolver() *routing.Resolver {
	return b.resolver
}

// NodeCount returns the number of topology nodes.
func (b *Base) NodeCount() int {
	return len(b.routes)
}

// IsActive reports whether node takes part in the run.
func (b *Base) IsActive(node int) bool {
	return node >= 0 && node < len(b.routes) && b.active.Test(uint(node))
}

// ActiveNodes returns the active node indices in ascending order.
func (b *Base) ActiveNodes() []int {
	out := make([]int, 0, b.active.Count())
	for i, ok := b.active.NextSet(0); ok; i, ok = b.active.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// MarkTimeout records that node stopped answering. Later phases skip it and
// every node routed through it.
func (b *Base) MarkTimeout(node int) {
	if node < 0 || node >= len(b.routes) {
		return
	}
	if !b.timedOut.Test(uint(node)) {
		b.log.WithField("node", b.topo.Nodes[node].Name).Debug("marking node as timed out")
	}
	b.timedOut.Set(uint(node))
}

// TimedOut reports whether node itself was marked as timed out.
func (b *Base) TimedOut(node int) bool {
	return node >= 0 && node < len(b.routes) && b.timedOut.Test(uint(node))
}

// IsNodeReachable is false if node is inactive, timed out, or routed through
// a timed out gateway.
func (b *Base) IsNodeReachable(node int) bool {
	if !b.IsActive(node) || b.timedOut.Test(uint(node)) {
		return false
	}
	for _, h := range b.routes[node] {
		if b.timedOut.Test(uint(h.Node)) {
			return false
		}
	}
	return true
}

// HasActiveNativeDevices reports whether any active node speaks the native protocol.
func (b *Base) HasActiveNativeDevices() bool {
	return b.hasNative
}

// HasActiveLegacyDevices reports whether any active node speaks the legacy protocol.
func (b *Base) HasActiveLegacyDevices() bool {
	return b.hasLegacy
}

// HasActiveLegacyDevicesOnLocalBus reports whether an active legacy node is
// connected to the access bus.
func (b *Base) HasActiveLegacyDevicesOnLocalBus() bool {
	return b.hasLegacyLocal
}

// IsLocal reports whether node is reached without gateways.
func (b *Base) IsLocal(node int) bool {
	return b.IsActive(node) && len(b.routes[node]) == 0
}

// Route returns a copy of the route to an active node.
func (b *Base) Route(node int) (routing.Route, error) {
	if !b.IsActive(node) {
		return nil, fmt.Errorf("node #%d is not active: %w", node, util.ErrConfigInvalid)
	}
	route := make(routing.Route, len(b.routes[node]))
	copy(route, b.routes[node])
	return route, nil
}

// Target returns the addressing information for an active node.
func (b *Base) Target(node int) (protocol.Target, error) {
	route, err := b.Route(node)
	if err != nil {
		return protocol.Target{}, err
	}
	intf := b.endpoints[node]
	return protocol.Target{
		Node: node,
		Name: b.topo.Nodes[node].Name,
		Address: protocol.Address{
			Bus:  b.topo.Buses[intf.Bus].ID,
			Node: intf.NodeID,
		},
		BusType: b.topo.Buses[intf.Bus].Type,
		Route:   route,
	}, nil
}
