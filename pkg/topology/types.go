// Package topology holds the read-only system snapshot the update core works on:
// nodes, buses, per-node communication interfaces and device definitions.
package topology

import (
	"time"
)

// Protocol is the flashloader protocol family a node speaks.
type Protocol string

const (
	ProtocolNative Protocol = "native" // structured sessions, routing, fingerprints
	ProtocolLegacy Protocol = "legacy" // simple block-write flashloader
)

// BusType identifies the physical layer of a bus or interface.
type BusType string

const (
	BusCAN      BusType = "can"
	BusEthernet BusType = "ethernet"
)

// Bus is one communication segment.
type Bus struct {
	Name string  `yaml:"name"`
	Type BusType `yaml:"type"`
	ID   uint8   `yaml:"id"` // bus id used in routed addresses
}

// Interface is one communication interface of a node.
// Bus is an index into Topology.Buses and is only meaningful if Connected.
type Interface struct {
	Type      BusType `yaml:"type"`
	Number    int     `yaml:"number"`
	Bus       int     `yaml:"bus"`
	NodeID    uint8   `yaml:"node_id"`
	Connected bool    `yaml:"connected"`
}

// DeviceDefinition describes a device type and its flashloader capabilities.
// Definitions are stored in their own TOML files and shared between nodes.
type DeviceDefinition struct {
	Name                      string   `toml:"name"`
	OtherAcceptedNames        []string `toml:"other_accepted_names"`
	Routing                   bool     `toml:"routing"`
	EthernetToEthernetRouting bool     `toml:"ethernet_to_ethernet_routing"`
	NVM                       bool     `toml:"nvm"`
	Security                  bool     `toml:"security"`
	FileBased                 bool     `toml:"file_based"`
	ResetWaitMs               int      `toml:"reset_wait_ms"`

	// Path is the file the definition was loaded from ("" for in-memory definitions).
	Path string `toml:"-"`
}

// ResetWait is the time the device needs to restart into its flashloader.
func (d *DeviceDefinition) ResetWait() time.Duration {
	if d == nil || d.ResetWaitMs <= 0 {
		return 0
	}
	return time.Duration(d.ResetWaitMs) * time.Millisecond
}

// AcceptsName reports whether name identifies this device type.
func (d *DeviceDefinition) AcceptsName(name string) bool {
	if d == nil {
		return false
	}
	if d.Name == name {
		return true
	}
	for _, n := range d.OtherAcceptedNames {
		if n == name {
			return true
		}
	}
	return false
}

// Node is one device in the system.
type Node struct {
	Name       string      `yaml:"name"`
	Protocol   Protocol    `yaml:"protocol"`
	DeviceType string      `yaml:"device"`
	Interfaces []Interface `yaml:"interfaces"`

	// Device is bound from the device definitions by DeviceType.
	Device *DeviceDefinition `yaml:"-"`
}

// IsNative reports whether the node speaks the native protocol.
func (n *Node) IsNative() bool {
	return n.Protocol == ProtocolNative
}

// InterfaceOnBus returns the node's connected interface on bus, if any.
// When several interfaces connect to the same bus the first one wins.
func (n *Node) InterfaceOnBus(bus int) (Interface, bool) {
	for _, intf := range n.Interfaces {
		if intf.Connected && intf.Bus == bus {
			return intf, true
		}
	}
	return Interface{}, false
}

// Topology is the system snapshot. It is never mutated by the update core.
type Topology struct {
	Nodes []Node `yaml:"nodes"`
	Buses []Bus  `yaml:"buses"`

	// DeviceDefinitionFiles lists definition files relative to the topology
	// file. Snapshots inside update packages leave it empty and use the
	// package's device index instead.
	DeviceDefinitionFiles []string `yaml:"device_definitions,omitempty"`
}

// NodeCount returns the number of nodes.
func (t *Topology) NodeCount() int {
	return len(t.Nodes)
}

// NodeIndex returns the index of the node with the given name, or -1.
func (t *Topology) NodeIndex(name string) int {
	for i := range t.Nodes {
		if t.Nodes[i].Name == name {
			return i
		}
	}
	return -1
}

// DeviceDefinitions returns the bound device definitions, deduplicated by
// path (or by name for in-memory definitions), in node order.
func (t *Topology) DeviceDefinitions() []*DeviceDefinition {
	seen := map[string]bool{}
	var defs []*DeviceDefinition
	for i := range t.Nodes {
		d := t.Nodes[i].Device
		if d == nil {
			continue
		}
		key := d.Path
		if key == "" {
			key = "name:" + d.Name
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		defs = append(defs, d)
	}
	return defs
}
