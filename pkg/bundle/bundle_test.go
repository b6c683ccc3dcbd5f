package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openSYDE/openSYDE-sub010/internal/testutil"
	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// chainContents updates GW1, ECU1 and ECU3 of the chain topology.
func chainContents(t *testing.T, src string) *Contents {
	t.Helper()
	topo := testutil.Chain()
	assignments := make([]sequence.DoFlash, topo.NodeCount())
	assignments[0] = sequence.DoFlash{Files: []string{testutil.WriteFile(t, src, "gw/gw.hex", []byte("gw"))}}
	assignments[2] = sequence.DoFlash{
		Files:      []string{testutil.WriteFile(t, src, "ecu1/app.hex", []byte("app"))},
		ParamFiles: []string{testutil.WriteFile(t, src, "ecu1/params.hex", []byte("nvm"))},
		PEM: &sequence.PEMConfig{
			File:            testutil.WriteFile(t, src, "ecu1/device.pem", []byte("pem")),
			SecurityEnabled: true,
			SendSecurity:    true,
			DebuggerEnabled: false,
			SendDebugger:    true,
		},
	}
	// Same base name twice.
	assignments[4] = sequence.DoFlash{Files: []string{
		testutil.WriteFile(t, src, "ecu3/a/app.hex", []byte("one")),
		testutil.WriteFile(t, src, "ecu3/b/app.hex", []byte("two")),
	}}
	return &Contents{
		Topology:    topo,
		AccessBus:   0,
		Active:      testutil.AllActive(topo.NodeCount()),
		Order:       []int{4, 0, 2},
		Assignments: assignments,
	}
}

func relFiles(t *testing.T, root string, files []string) []string {
	t.Helper()
	var out []string
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		require.NoError(t, err)
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := chainContents(t, filepath.Join(dir, "src"))
	pkg := filepath.Join(dir, "fleet"+Extension())

	warnings, err := Create(pkg, in)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	target := filepath.Join(dir, "unpacked")
	out, warnings, err := Unpack(pkg, target, true)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, in.Active, out.Active)
	assert.Equal(t, in.Order, out.Order)
	assert.Equal(t, in.AccessBus, out.AccessBus)
	if diff := cmp.Diff(in.Topology, out.Topology, cmpopts.IgnoreFields(topology.Node{}, "Device")); diff != "" {
		t.Errorf("topology mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "GW3000", out.Topology.Nodes[0].Device.Name)
	assert.True(t, out.Topology.Nodes[1].Device.Routing)
	assert.Equal(t, []string{"ECU200_REV_B"}, out.Topology.Nodes[4].Device.OtherAcceptedNames)

	root, err := filepath.Abs(target)
	require.NoError(t, err)
	assert.Equal(t, []string{"GW1/gw.hex"}, relFiles(t, root, out.Assignments[0].Files))
	assert.Equal(t, []string{"ECU1/app.hex"}, relFiles(t, root, out.Assignments[2].Files))
	assert.Equal(t, []string{"ECU1/params.hex"}, relFiles(t, root, out.Assignments[2].ParamFiles))
	assert.Equal(t, []string{"ECU3/app.hex", "ECU3/app_2.hex"}, relFiles(t, root, out.Assignments[4].Files))
	assert.True(t, out.Assignments[1].Empty())
	assert.True(t, out.Assignments[3].Empty())

	data, err := os.ReadFile(out.Assignments[4].Files[1])
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	want := map[int]sequence.DoFlash{0: out.Assignments[0], 2: out.Assignments[2], 4: out.Assignments[4]}
	assert.Equal(t, want, out.AssignmentMap())
}

func TestPEMConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := chainContents(t, filepath.Join(dir, "src"))
	pkg := filepath.Join(dir, "pem"+Extension())
	_, err := Create(pkg, in)
	require.NoError(t, err)

	out, _, err := Unpack(pkg, filepath.Join(dir, "out"), true)
	require.NoError(t, err)

	pem := out.Assignments[2].PEM
	require.NotNil(t, pem)
	assert.True(t, pem.SecurityEnabled)
	assert.True(t, pem.SendSecurity)
	assert.False(t, pem.DebuggerEnabled)
	assert.True(t, pem.SendDebugger)
	assert.Equal(t, "device.pem", filepath.Base(pem.File))
}

func TestCreatePathConflict(t *testing.T) {
	dir := t.TempDir()
	in := chainContents(t, filepath.Join(dir, "src"))
	pkg := filepath.Join(dir, "exists"+Extension())
	require.NoError(t, os.WriteFile(pkg, []byte("keep me"), 0o644))

	_, err := Create(pkg, in)

	assert.ErrorIs(t, err, util.ErrPathConflict)
	data, rerr := os.ReadFile(pkg)
	require.NoError(t, rerr)
	assert.Equal(t, "keep me", string(data))
	entries, rerr := os.ReadDir(dir)
	require.NoError(t, rerr)
	assert.Len(t, entries, 2, "only src and the existing file")
}

func TestCreateBadTargetPath(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		wantMsg string
	}{
		{"wrong extension", "fleet.zip", ".syde_sup"},
		{"no extension", "fleet", ".syde_sup"},
		{"missing directory", "nodir/fleet" + Extension(), "does not exist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			in := chainContents(t, filepath.Join(dir, "src"))
			pkg := filepath.Join(dir, tt.file)

			_, err := Create(pkg, in)

			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrPathConflict)
			assert.NotErrorIs(t, err, util.ErrConfigInvalid)
			assert.Contains(t, err.Error(), tt.wantMsg)
			entries, _ := os.ReadDir(dir)
			assert.Len(t, entries, 1, "nothing but the sources")
		})
	}
}

func TestManifestIntegerAttributes(t *testing.T) {
	dir := t.TempDir()
	in := chainContents(t, filepath.Join(dir, "src"))
	in.Active[3] = false
	pkg := filepath.Join(dir, "fleet"+Extension())
	_, err := Create(pkg, in)
	require.NoError(t, err)

	root := filepath.Join(dir, "unpacked")
	_, _, err = Unpack(pkg, root, true)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, `<node name="GW1" active="1" position="1">`)
	assert.Contains(t, text, `<node name="ECU2" active="0">`)
	assert.Contains(t, text, `<node name="ECU3" active="1" position="0">`)
	assert.NotContains(t, text, `active="true"`)
	assert.NotContains(t, text, `active="false"`)
}

func TestManifestReadsBooleanAttributes(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), ManifestFile, []byte(`<?xml version="1.0" encoding="UTF-8"?>
<service-update-package>
  <file-version>1</file-version>
  <nodes>
    <node name="A" active="1" position="0"><files><file>a.hex</file></files></node>
    <node name="B" active="true"></node>
    <node name="C" active="0"></node>
    <node name="D" active="false"></node>
  </nodes>
  <bus-index-client>0</bus-index-client>
</service-update-package>
`))

	m, err := readManifest(path)

	require.NoError(t, err)
	var active []bool
	for _, n := range m.Nodes {
		active = append(active, bool(n.Active))
	}
	assert.Equal(t, []bool{true, true, false, false}, active)

	bad := testutil.WriteFile(t, t.TempDir(), ManifestFile, []byte(
		`<service-update-package><file-version>1</file-version><nodes><node active="yes"></node></nodes></service-update-package>`))
	_, err = readManifest(bad)
	assert.ErrorContains(t, err, "invalid boolean")
}

func TestCreateInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Contents)
		file    string
		wantErr error
		wantMsg string
	}{
		{"no active nodes", func(c *Contents) { c.Active = make([]bool, 5) }, "", util.ErrConfigInvalid, "no active nodes"},
		{"empty order", func(c *Contents) { c.Order = nil }, "", util.ErrConfigInvalid, "update order is empty"},
		{"active length", func(c *Contents) { c.Active = c.Active[:3] }, "", util.ErrConfigInvalid, "active node list has 3 entries"},
		{"assignment length", func(c *Contents) { c.Assignments = c.Assignments[:4] }, "", util.ErrConfigInvalid, "assignment list has 4 entries"},
		{"access bus", func(c *Contents) { c.AccessBus = 3 }, "", util.ErrConfigInvalid, "access bus index 3"},
		{"node not in order", func(c *Contents) { c.Order = []int{4, 0} }, "", util.ErrConfigInvalid, "ECU1 has files but is not in the update order"},
		{"order without files", func(c *Contents) { c.Order = append(c.Order, 1) }, "", util.ErrConfigInvalid, "GW2 has no files"},
		{"duplicate order", func(c *Contents) { c.Order = []int{4, 0, 2, 0} }, "", util.ErrConfigInvalid, "listed twice"},
		{"inactive with files", func(c *Contents) { c.Active[2] = false }, "", util.ErrConfigInvalid, "ECU1 has files but is not active"},
		{"missing source", func(c *Contents) { c.Assignments[0].Files = []string{"/nonexistent/gw.hex"} }, "", util.ErrNotFound, "GW1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			in := chainContents(t, filepath.Join(dir, "src"))
			tt.mutate(in)
			name := tt.file
			if name == "" {
				name = "fleet" + Extension()
			}
			pkg := filepath.Join(dir, name)

			_, err := Create(pkg, in)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.wantMsg)
			_, statErr := os.Stat(pkg)
			assert.True(t, os.IsNotExist(statErr))
			entries, _ := os.ReadDir(dir)
			assert.Len(t, entries, 1, "nothing but the sources")
		})
	}
}

func TestUnpackMissingOrDuplicateArtifacts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, root string)
		msg    string
	}{
		{"no manifest", func(t *testing.T, root string) {
			require.NoError(t, os.Remove(filepath.Join(root, ManifestFile)))
		}, "no .syde_supdef file"},
		{"no system definition", func(t *testing.T, root string) {
			require.NoError(t, os.Remove(filepath.Join(root, SystemDefinitionFile)))
		}, "no .syde_sysdef file"},
		{"no device index", func(t *testing.T, root string) {
			require.NoError(t, os.Remove(filepath.Join(root, DeviceIndexFile)))
		}, "no .ini file"},
		{"two manifests", func(t *testing.T, root string) {
			data, err := os.ReadFile(filepath.Join(root, ManifestFile))
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(root, "copy.syde_supdef"), data, 0o644))
		}, "2 .syde_supdef files"},
		{"two device indexes", func(t *testing.T, root string) {
			require.NoError(t, os.WriteFile(filepath.Join(root, "other.ini"), []byte("[x]\n"), 0o644))
		}, "2 .ini files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			pkg := filepath.Join(dir, "fleet"+Extension())
			_, err := Create(pkg, chainContents(t, filepath.Join(dir, "src")))
			require.NoError(t, err)
			root := filepath.Join(dir, "unpacked")
			_, _, err = Unpack(pkg, root, true)
			require.NoError(t, err)

			tt.mutate(t, root)
			_, _, err = Unpack(root, "", false)

			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrNotFound)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestUnpackReplacesTargetDirectory(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "fleet"+Extension())
	_, err := Create(pkg, chainContents(t, filepath.Join(dir, "src")))
	require.NoError(t, err)
	target := filepath.Join(dir, "target")
	stale := testutil.WriteFile(t, target, "stale.syde_supdef", []byte("<old/>"))

	_, _, err = Unpack(pkg, target, true)

	require.NoError(t, err)
	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnpackMissingArchive(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Unpack(filepath.Join(dir, "none"+Extension()), filepath.Join(dir, "out"), true)
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestUnpackWarnsAboutMissingFiles(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "fleet"+Extension())
	_, err := Create(pkg, chainContents(t, filepath.Join(dir, "src")))
	require.NoError(t, err)
	root := filepath.Join(dir, "unpacked")
	_, _, err = Unpack(pkg, root, true)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "GW1", "gw.hex")))

	out, warnings, err := Unpack(root, "", false)

	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], util.ErrNotFound)
	assert.Len(t, out.Assignments[0].Files, 1)
}

func TestManifestOrder(t *testing.T) {
	files := []string{"x/a.hex"}
	tests := []struct {
		name    string
		nodes   []manifestNode
		want    []int
		wantErr string
	}{
		{"inverted", []manifestNode{
			{Position: "1", Files: files},
			{},
			{Position: "0", ParamFiles: files},
		}, []int{2, 0}, ""},
		{"gap", []manifestNode{
			{Position: "0", Files: files},
			{Position: "2", Files: files},
		}, nil, "position 1 missing"},
		{"shared position", []manifestNode{
			{Position: "0", Files: files},
			{Position: "0", Files: files},
		}, nil, "share position 0"},
		{"files without position", []manifestNode{{Files: files}}, nil, "has files but no position"},
		{"position without files", []manifestNode{{Position: "0"}}, nil, "has a position but no files"},
		{"bad position", []manifestNode{{Position: "first", Files: files}}, nil, "invalid position"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &manifest{FileVersion: FileVersion, Nodes: tt.nodes}
			got, err := m.order()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadManifestRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), ManifestFile)
	require.NoError(t, writeManifest(path, &manifest{FileVersion: FileVersion + 1}))

	_, err := readManifest(path)

	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestDeviceIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), DeviceIndexFile)
	require.NoError(t, writeIndex(path, []string{"GW3000.syde_devdef", "ECU200.syde_devdef"}))

	files, err := readIndex(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"GW3000.syde_devdef", "ECU200.syde_devdef"}, files)

	bad := testutil.WriteFile(t, t.TempDir(), "bad.ini", []byte("[DeviceTypes]\nNumTypes = 1\nDeviceType1 = ../outside.syde_devdef\n"))
	_, err = readIndex(bad)
	assert.ErrorContains(t, err, "outside the package")
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "fleet"+Extension())
	_, err := Create(pkg, chainContents(t, filepath.Join(dir, "src")))
	require.NoError(t, err)

	s, err := Inspect(pkg)

	require.NoError(t, err)
	assert.Equal(t, "CAN1", s.AccessBus)
	require.Len(t, s.Nodes, 5)
	assert.Equal(t, 1, s.Nodes[0].Position)
	assert.Equal(t, -1, s.Nodes[1].Position)
	assert.Equal(t, 0, s.Nodes[4].Position)
	assert.Equal(t, "ECU200", s.Nodes[2].Device)
	assert.Equal(t, "ECU1/device.pem", s.Nodes[2].PEMFile)
	assert.Equal(t, []string{"ECU3/app.hex", "ECU3/app_2.hex"}, s.Nodes[4].Files)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".syde_sup", Extension())
}
