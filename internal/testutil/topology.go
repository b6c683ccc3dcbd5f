// Package testutil provides topologies, firmware files and Redis helpers
// for the package tests. Redis helpers need the integration build tag.
package testutil

import (
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
)

// Device definitions shared by the package tests.
var (
	GatewayDevice = &topology.DeviceDefinition{
		Name:                      "GW3000",
		Routing:                   true,
		EthernetToEthernetRouting: true,
		NVM:                       true,
		Security:                  true,
	}
	ECUDevice = &topology.DeviceDefinition{
		Name:               "ECU200",
		OtherAcceptedNames: []string{"ECU200_REV_B"},
		NVM:                true,
		Security:           true,
	}
	LegacyDevice = &topology.DeviceDefinition{
		Name: "IO100",
	}
)

// TopologyBuilder assembles small topologies for tests. Bus ids are
// index+1, interface numbers count from 1 per node, and every node uses
// its index+1 as node id on all of its buses.
type TopologyBuilder struct {
	topo topology.Topology
}

// NewTopology starts an empty topology.
func NewTopology() *TopologyBuilder {
	return &TopologyBuilder{}
}

// CAN adds a CAN bus.
func (b *TopologyBuilder) CAN(name string) *TopologyBuilder {
	return b.bus(name, topology.BusCAN)
}

// Ethernet adds an Ethernet bus.
func (b *TopologyBuilder) Ethernet(name string) *TopologyBuilder {
	return b.bus(name, topology.BusEthernet)
}

func (b *TopologyBuilder) bus(name string, typ topology.BusType) *TopologyBuilder {
	b.topo.Buses = append(b.topo.Buses, topology.Bus{
		Name: name,
		Type: typ,
		ID:   uint8(len(b.topo.Buses) + 1),
	})
	return b
}

// Native adds a native-protocol node connected to the given buses.
func (b *TopologyBuilder) Native(name string, dev *topology.DeviceDefinition, buses ...int) *TopologyBuilder {
	return b.node(name, topology.ProtocolNative, dev, buses)
}

// Legacy adds a legacy-protocol node connected to the given buses.
func (b *TopologyBuilder) Legacy(name string, buses ...int) *TopologyBuilder {
	return b.node(name, topology.ProtocolLegacy, LegacyDevice, buses)
}

func (b *TopologyBuilder) node(name string, proto topology.Protocol, dev *topology.DeviceDefinition, buses []int) *TopologyBuilder {
	id := uint8(len(b.topo.Nodes) + 1)
	n := topology.Node{Name: name, Protocol: proto, Device: dev}
	if dev != nil {
		n.DeviceType = dev.Name
	}
	for i, bus := range buses {
		n.Interfaces = append(n.Interfaces, topology.Interface{
			Type:      b.topo.Buses[bus].Type,
			Number:    i + 1,
			Bus:       bus,
			NodeID:    id,
			Connected: true,
		})
	}
	b.topo.Nodes = append(b.topo.Nodes, n)
	return b
}

// Build returns the topology.
func (b *TopologyBuilder) Build() *topology.Topology {
	t := b.topo
	return &t
}

// AllActive returns an active-node vector with every node active.
func AllActive(n int) []bool {
	active := make([]bool, n)
	for i := range active {
		active[i] = true
	}
	return active
}

// Chain builds CAN1 <- GW1 -> CAN2 <- GW2 -> CAN3 with one ECU on each bus:
//
//	0 GW1  (CAN1, CAN2)
//	1 GW2  (CAN2, CAN3)
//	2 ECU1 (CAN1)
//	3 ECU2 (CAN2)
//	4 ECU3 (CAN3)
func Chain() *topology.Topology {
	return NewTopology().
		CAN("CAN1").CAN("CAN2").CAN("CAN3").
		Native("GW1", GatewayDevice, 0, 1).
		Native("GW2", GatewayDevice, 1, 2).
		Native("ECU1", ECUDevice, 0).
		Native("ECU2", ECUDevice, 1).
		Native("ECU3", ECUDevice, 2).
		Build()
}
