// Package sim is an in-memory protocol driver. It models a fleet of devices
// with flashloader state, routing and written memory, records every call and
// can inject failures per node and service. It backs the "sim" driver of the
// CLI and the sequencer tests.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// DriverName is the registry name of the simulator.
const DriverName = "sim"

func init() {
	protocol.Register(DriverName, func(_ context.Context, cfg protocol.Config) (*protocol.Stack, error) {
		return NewFleet(cfg.Topology, cfg.AccessBus).Stack(), nil
	})
}

// Broadcast is the node index recorded for broadcast calls.
const Broadcast = -1

// Call is one recorded driver call.
type Call struct {
	Op   string
	Node int
}

type session int

const (
	sessionDefault session = iota
	sessionPreProgramming
	sessionProgramming
)

type transfer struct {
	address uint32
	file    string
	size    uint32
	seq     uint8
	data    []byte
}

// Device is the simulated state of one node.
type Device struct {
	Name        string
	Legacy      bool
	Local       bool // connected to the access bus
	Offline     bool
	Blocks      []protocol.FlashBlock
	Flashloader protocol.FlashloaderInfo
	LegacyInfo  protocol.LegacyInfo

	InFlashloader   bool
	Awake           bool
	Memory          map[uint32][]byte
	Files           map[string][]byte
	NVM             map[uint32][]byte
	SecurityKey     []byte
	SecurityEnabled bool
	DebuggerEnabled bool
	Fingerprint     *protocol.Fingerprint
	Resets          int

	programmingRequested bool
	session              session
	transfer             *transfer
}

type failKey struct {
	node int
	op   string
}

// Fleet holds all simulated devices of a topology.
type Fleet struct {
	mu       sync.Mutex
	topo     *topology.Topology
	devices  []*Device
	routed   map[int]bool
	calls    []Call
	failures map[failKey]error
}

// NewFleet creates one device per topology node. Device names and
// flashloader capabilities come from the nodes' device definitions.
func NewFleet(topo *topology.Topology, accessBus int) *Fleet {
	f := &Fleet{
		topo:     topo,
		routed:   map[int]bool{},
		failures: map[failKey]error{},
	}
	for i := range topo.Nodes {
		n := &topo.Nodes[i]
		_, local := n.InterfaceOnBus(accessBus)
		d := &Device{
			Name:   n.Name,
			Legacy: !n.IsNative(),
			Local:  local,
			Memory: map[uint32][]byte{},
			Files:  map[string][]byte{},
			NVM:    map[uint32][]byte{},
			Flashloader: protocol.FlashloaderInfo{
				Version:         "V1.00r0",
				ProtocolVersion: "V3.00r0",
				SerialNumber:    fmt.Sprintf("SIM%05d", i),
				MaxBlockLength:  512,
				Fingerprint:     true,
			},
		}
		if n.Device != nil {
			d.Name = n.Device.Name
			d.Flashloader.FileBased = n.Device.FileBased
			d.Flashloader.Security = n.Device.Security
			d.Flashloader.EthernetToEthernetRouting = n.Device.EthernetToEthernetRouting
		}
		d.Blocks = []protocol.FlashBlock{{
			Name: "application", Version: "1.0.0", BuildDate: "2026-01-01",
			StartAddress: 0x08000000, EndAddress: 0x0807FFFF, Valid: true,
		}}
		d.LegacyInfo = protocol.LegacyInfo{
			DeviceID:           d.Name,
			FlashloaderVersion: "V2.10",
			ProtocolVersion:    "V1.0",
			SerialNumber:       d.Flashloader.SerialNumber,
			ChecksumAreas:      []protocol.ChecksumArea{{Start: 0x0, End: 0xFFFF, Checksum: 0xC0FFEE, Valid: true}},
		}
		f.devices = append(f.devices, d)
	}
	return f
}

// Stack returns the fleet as a driver stack.
func (f *Fleet) Stack() *protocol.Stack {
	return &protocol.Stack{Native: &native{f}, Legacy: &legacy{f}}
}

// Device returns the simulated device of node.
func (f *Fleet) Device(node int) *Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[node]
}

// SetOffline makes a device stop answering.
func (f *Fleet) SetOffline(node int, offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[node].Offline = offline
}

// Fail makes every later call of op on node return err.
// Legacy services are named "Legacy.<Method>".
func (f *Fleet) Fail(node int, op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[failKey{node, op}] = err
}

// Calls returns all recorded calls in order.
func (f *Fleet) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the operations recorded for node, in order.
func (f *Fleet) CallsFor(node int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []string
	for _, c := range f.calls {
		if c.Node == node {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

// Count returns how often op was called on node.
func (f *Fleet) Count(op string, node int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op && c.Node == node {
			n++
		}
	}
	return n
}

// begin records a call and applies context, failure injection and reachability.
// The fleet lock must be held.
func (f *Fleet) begin(ctx context.Context, op string, t protocol.Target) (*Device, error) {
	f.calls = append(f.calls, Call{Op: op, Node: t.Node})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Node < 0 || t.Node >= len(f.devices) {
		return nil, fmt.Errorf("%s: no device #%d: %w", op, t.Node, util.ErrNoResponse)
	}
	if err, ok := f.failures[failKey{t.Node, op}]; ok {
		return nil, fmt.Errorf("%s %s: %w", op, t.Name, err)
	}
	d := f.devices[t.Node]
	for _, h := range t.Route {
		if f.devices[h.Node].Offline {
			return nil, fmt.Errorf("%s %s: gateway %s silent: %w", op, t.Name, f.topo.Nodes[h.Node].Name, util.ErrNoResponse)
		}
	}
	if t.Routed() && !f.routed[t.Node] {
		return nil, fmt.Errorf("%s %s: routing not active: %w", op, t.Name, util.ErrNoResponse)
	}
	if d.Offline {
		return nil, fmt.Errorf("%s %s: %w", op, t.Name, util.ErrNoResponse)
	}
	return d, nil
}

// broadcast records a broadcast and returns the online local devices of the
// requested protocol family.
func (f *Fleet) broadcast(ctx context.Context, op string, legacy bool) ([]*Device, error) {
	f.calls = append(f.calls, Call{Op: op, Node: Broadcast})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.failures[failKey{Broadcast, op}]; ok {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var out []*Device
	for _, d := range f.devices {
		if d.Local && !d.Offline && d.Legacy == legacy {
			out = append(out, d)
		}
	}
	return out, nil
}

func mismatch(op, name, why string) error {
	return fmt.Errorf("%s %s: %s: %w", op, name, why, util.ErrProtocolMismatch)
}

func (d *Device) reset() {
	d.InFlashloader = d.programmingRequested
	d.programmingRequested = false
	d.Awake = false
	d.session = sessionDefault
	d.transfer = nil
	d.Resets++
}
