package topology

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// Load reads a topology YAML file, loads the device definition files it
// references and validates the result.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology %s: %w", path, err)
	}

	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing topology %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	defs := make([]*DeviceDefinition, 0, len(t.DeviceDefinitionFiles))
	for _, f := range t.DeviceDefinitionFiles {
		if !filepath.IsAbs(f) {
			f = filepath.Join(dir, f)
		}
		d, err := LoadDeviceDefinition(f)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}

	if err := t.Bind(defs); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Parse decodes a topology from YAML without binding device definitions.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Save writes the topology as YAML.
func (t *Topology) Save(path string) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding topology: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing topology %s: %w", path, err)
	}
	return nil
}

// Bind attaches device definitions to nodes by device type name.
func (t *Topology) Bind(defs []*DeviceDefinition) error {
	byName := make(map[string]*DeviceDefinition, len(defs))
	for _, d := range defs {
		if prev, ok := byName[d.Name]; ok && prev.Path != d.Path {
			return util.NewConfigErrorf("device definition %q defined twice (%s, %s)", d.Name, prev.Path, d.Path)
		}
		byName[d.Name] = d
	}

	v := &util.ValidationBuilder{}
	for i := range t.Nodes {
		n := &t.Nodes[i]
		d, ok := byName[n.DeviceType]
		if !ok {
			v.AddErrorf("node %q: unknown device type %q", n.Name, n.DeviceType)
			continue
		}
		n.Device = d
	}
	return v.Build()
}

// LoadDeviceDefinition reads a device definition TOML file.
func LoadDeviceDefinition(path string) (*DeviceDefinition, error) {
	var d DeviceDefinition
	if _, err := toml.DecodeFile(path, &d); err != nil {
		return nil, fmt.Errorf("reading device definition %s: %w", path, err)
	}
	if d.Name == "" {
		return nil, util.NewConfigErrorf("device definition %s: name is required", path)
	}
	d.Path = path
	return &d, nil
}

// WriteDeviceDefinition writes a device definition as TOML.
func WriteDeviceDefinition(path string, d *DeviceDefinition) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating device definition %s: %w", path, err)
	}
	if err := toml.NewEncoder(f).Encode(d); err != nil {
		f.Close()
		return fmt.Errorf("encoding device definition %s: %w", path, err)
	}
	return f.Close()
}

// Validate checks structural consistency of the snapshot.
func (t *Topology) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(len(t.Nodes) > 0, "topology has no nodes")

	busIDs := map[uint8]string{}
	for i, b := range t.Buses {
		v.Add(b.Type == BusCAN || b.Type == BusEthernet,
			fmt.Sprintf("bus %d (%s): unknown type %q", i, b.Name, b.Type))
		if other, ok := busIDs[b.ID]; ok {
			v.AddErrorf("bus %s: id %d already used by %s", b.Name, b.ID, other)
		}
		busIDs[b.ID] = b.Name
	}

	names := map[string]bool{}
	for i := range t.Nodes {
		n := &t.Nodes[i]
		v.Add(n.Name != "", fmt.Sprintf("node %d: name is required", i))
		if names[n.Name] {
			v.AddErrorf("node %q: duplicate name", n.Name)
		}
		names[n.Name] = true
		v.Add(n.Protocol == ProtocolNative || n.Protocol == ProtocolLegacy,
			fmt.Sprintf("node %q: unknown protocol %q", n.Name, n.Protocol))

		for _, intf := range n.Interfaces {
			if !intf.Connected {
				continue
			}
			if intf.Bus < 0 || intf.Bus >= len(t.Buses) {
				v.AddErrorf("node %q: interface %s%d references bus %d out of range", n.Name, intf.Type, intf.Number, intf.Bus)
				continue
			}
			bus := t.Buses[intf.Bus]
			v.Add(bus.Type == intf.Type,
				fmt.Sprintf("node %q: %s interface %d connected to %s bus %s", n.Name, intf.Type, intf.Number, bus.Type, bus.Name))
			if n.Protocol == ProtocolLegacy && intf.Type != BusCAN {
				v.AddErrorf("node %q: legacy devices only support CAN interfaces", n.Name)
			}
		}
	}
	return v.Build()
}
