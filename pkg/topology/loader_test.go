package topology

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

const testTopologyYAML = `
buses:
  - name: CAN1
    type: can
    id: 1
  - name: CAN2
    type: can
    id: 2
nodes:
  - name: Gateway
    protocol: native
    device: GW3000
    interfaces:
      - {type: can, number: 1, bus: 0, node_id: 1, connected: true}
      - {type: can, number: 2, bus: 1, node_id: 1, connected: true}
  - name: Sensor
    protocol: legacy
    device: IO100
    interfaces:
      - {type: can, number: 1, bus: 1, node_id: 7, connected: true}
device_definitions:
  - gw3000.syde_devdef
  - io100.syde_devdef
`

const gwDevdef = `
name = "GW3000"
other_accepted_names = ["GW3000_B"]
routing = true
nvm = true
reset_wait_ms = 1500
`

const ioDevdef = `
name = "IO100"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "system.yaml"), testTopologyYAML)
	writeFile(t, filepath.Join(dir, "gw3000.syde_devdef"), gwDevdef)
	writeFile(t, filepath.Join(dir, "io100.syde_devdef"), ioDevdef)

	topo, err := Load(filepath.Join(dir, "system.yaml"))
	require.NoError(t, err)

	require.Equal(t, 2, topo.NodeCount())
	gw := topo.Nodes[0]
	require.NotNil(t, gw.Device)
	assert.Equal(t, "GW3000", gw.Device.Name)
	assert.True(t, gw.Device.Routing)
	assert.True(t, gw.Device.NVM)
	assert.Equal(t, 1500*time.Millisecond, gw.Device.ResetWait())
	assert.Equal(t, filepath.Join(dir, "gw3000.syde_devdef"), gw.Device.Path)
	assert.True(t, gw.IsNative())

	sensor := topo.Nodes[1]
	assert.False(t, sensor.IsNative())
	assert.Equal(t, time.Duration(0), sensor.Device.ResetWait())
	assert.Equal(t, 1, topo.NodeIndex("Sensor"))
	assert.Equal(t, -1, topo.NodeIndex("missing"))
}

func TestLoadUnknownDeviceType(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "system.yaml"), testTopologyYAML)
	writeFile(t, filepath.Join(dir, "gw3000.syde_devdef"), gwDevdef)
	writeFile(t, filepath.Join(dir, "io100.syde_devdef"), `name = "IO200"`)

	_, err := Load(filepath.Join(dir, "system.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrConfigInvalid))
	assert.Contains(t, err.Error(), `unknown device type "IO100"`)
}

func TestLoadDeviceDefinitionRequiresName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.syde_devdef")
	writeFile(t, path, "routing = true\n")

	_, err := LoadDeviceDefinition(path)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestWriteDeviceDefinitionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.syde_devdef")
	in := &DeviceDefinition{Name: "GW", OtherAcceptedNames: []string{"GW_OLD"}, Routing: true, ResetWaitMs: 200}
	require.NoError(t, WriteDeviceDefinition(path, in))

	out, err := LoadDeviceDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.OtherAcceptedNames, out.OtherAcceptedNames)
	assert.True(t, out.Routing)
	assert.Equal(t, path, out.Path)
}

func TestSaveAndParse(t *testing.T) {
	topo, err := Parse([]byte(testTopologyYAML))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snap.yaml")
	require.NoError(t, topo.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, topo.Nodes, again.Nodes)
	assert.Equal(t, topo.Buses, again.Buses)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("nodes: []\nbogus: 1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Topology {
		return &Topology{
			Buses: []Bus{{Name: "CAN1", Type: BusCAN, ID: 1}, {Name: "ETH1", Type: BusEthernet, ID: 2}},
			Nodes: []Node{
				{Name: "A", Protocol: ProtocolNative, Interfaces: []Interface{{Type: BusCAN, Bus: 0, Connected: true}}},
				{Name: "B", Protocol: ProtocolLegacy, Interfaces: []Interface{{Type: BusCAN, Bus: 0, Connected: true}}},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Topology)
		wantErr string
	}{
		{"valid", func(*Topology) {}, ""},
		{"no nodes", func(tp *Topology) { tp.Nodes = nil }, "topology has no nodes"},
		{"duplicate name", func(tp *Topology) { tp.Nodes[1].Name = "A" }, "duplicate name"},
		{"unknown protocol", func(tp *Topology) { tp.Nodes[0].Protocol = "x" }, "unknown protocol"},
		{"bus out of range", func(tp *Topology) { tp.Nodes[0].Interfaces[0].Bus = 5 }, "out of range"},
		{"type mismatch", func(tp *Topology) { tp.Nodes[0].Interfaces[0].Bus = 1 }, "connected to ethernet bus"},
		{"legacy ethernet", func(tp *Topology) {
			tp.Nodes[1].Interfaces = []Interface{{Type: BusEthernet, Bus: 1, Connected: true}}
		}, "legacy devices only support CAN"},
		{"duplicate bus id", func(tp *Topology) { tp.Buses[1].ID = 1 }, "already used"},
		{"disconnected interface ignored", func(tp *Topology) {
			tp.Nodes[0].Interfaces[0] = Interface{Type: BusCAN, Bus: 9}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := base()
			tt.mutate(tp)
			err := tp.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrConfigInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInterfaceOnBus(t *testing.T) {
	n := Node{Interfaces: []Interface{
		{Type: BusCAN, Number: 1, Bus: 0, Connected: false},
		{Type: BusCAN, Number: 2, Bus: 0, NodeID: 4, Connected: true},
		{Type: BusCAN, Number: 3, Bus: 0, NodeID: 5, Connected: true},
	}}

	intf, ok := n.InterfaceOnBus(0)
	require.True(t, ok)
	assert.Equal(t, 2, intf.Number)
	assert.Equal(t, uint8(4), intf.NodeID)

	_, ok = n.InterfaceOnBus(1)
	assert.False(t, ok)
}

func TestAcceptsName(t *testing.T) {
	d := &DeviceDefinition{Name: "ECU", OtherAcceptedNames: []string{"ECU_V2"}}
	assert.True(t, d.AcceptsName("ECU"))
	assert.True(t, d.AcceptsName("ECU_V2"))
	assert.False(t, d.AcceptsName("ecu"))

	var none *DeviceDefinition
	assert.False(t, none.AcceptsName("ECU"))
}

func TestDeviceDefinitionsDedup(t *testing.T) {
	shared := &DeviceDefinition{Name: "ECU", Path: "/defs/ecu.syde_devdef"}
	copyOfShared := &DeviceDefinition{Name: "ECU", Path: "/defs/ecu.syde_devdef"}
	mem := &DeviceDefinition{Name: "GW"}
	topo := &Topology{Nodes: []Node{
		{Name: "a", Device: shared},
		{Name: "b", Device: mem},
		{Name: "c", Device: copyOfShared},
		{Name: "d"},
		{Name: "e", Device: mem},
	}}

	defs := topo.DeviceDefinitions()
	require.Len(t, defs, 2)
	assert.Same(t, shared, defs[0])
	assert.Same(t, mem, defs[1])
}
