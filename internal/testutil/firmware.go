package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openSYDE/openSYDE-sub010/pkg/hexfile"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
)

// WriteFirmware writes a HEX image of size bytes at address into dir. The
// image starts with a device information block for device unless device is
// empty. It returns the file path.
func WriteFirmware(t *testing.T, dir, name, device string, address uint32, size int) string {
	t.Helper()
	var data []byte
	if device != "" {
		blk, err := hexfile.EncodeInfoBlock(device)
		if err != nil {
			t.Fatalf("encoding info block: %v", err)
		}
		data = append(data, blk...)
	}
	for len(data) < size {
		data = append(data, byte(len(data)))
	}
	path := filepath.Join(dir, name)
	img := &hexfile.Image{Areas: []hexfile.Area{{Address: address, Data: data}}}
	if err := hexfile.WriteFile(path, img); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// WriteFile writes content to dir/name and returns the path.
func WriteFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// WriteTopology saves topo as dir/topology.yaml together with one device
// definition file per device type, so that topology.Load can read it back.
func WriteTopology(t *testing.T, dir string, topo *topology.Topology) string {
	t.Helper()
	out := *topo
	out.DeviceDefinitionFiles = nil
	for _, d := range topo.DeviceDefinitions() {
		name := d.Name + ".syde_devdef"
		if err := topology.WriteDeviceDefinition(filepath.Join(dir, name), d); err != nil {
			t.Fatalf("writing device definition: %v", err)
		}
		out.DeviceDefinitionFiles = append(out.DeviceDefinitionFiles, name)
	}
	path := filepath.Join(dir, "topology.yaml")
	if err := out.Save(path); err != nil {
		t.Fatalf("writing topology: %v", err)
	}
	return path
}
