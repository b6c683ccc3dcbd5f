package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// Unpack reads an update package. With isZip, targetDir is removed,
// recreated and the archive at pkgPath extracted into it; otherwise pkgPath
// is an already unpacked package directory and targetDir is ignored.
//
// The manifest, the topology snapshot and the device index must each be
// present exactly once. File paths in the result are absolute paths inside
// the package directory.
func Unpack(pkgPath, targetDir string, isZip bool) (*Contents, Warnings, error) {
	root := pkgPath
	if isZip {
		if _, err := os.Stat(pkgPath); err != nil {
			return nil, nil, util.NewPackageError("unpack", pkgPath, util.ErrNotFound, err)
		}
		if err := os.RemoveAll(targetDir); err != nil {
			return nil, nil, util.NewPackageError("unpack", targetDir, util.ErrIO, err)
		}
		if err := os.MkdirAll(targetDir, 0o755); err != nil {
			return nil, nil, util.NewPackageError("unpack", targetDir, util.ErrIO, err)
		}
		if err := unzip(pkgPath, targetDir); err != nil {
			return nil, nil, util.NewPackageError("unpack", pkgPath, util.ErrIO, err)
		}
		root = targetDir
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, util.NewPackageError("unpack", root, util.ErrIO, err)
	}
	log := util.WithPackage(root)

	artifacts, err := findArtifacts(root)
	if err != nil {
		return nil, nil, err
	}

	m, err := readManifest(artifacts[ManifestFile])
	if err != nil {
		return nil, nil, util.NewPackageError("unpack", artifacts[ManifestFile], util.ErrConfigInvalid, err)
	}
	topo, err := readTopology(root, artifacts[SystemDefinitionFile], artifacts[DeviceIndexFile])
	if err != nil {
		return nil, nil, err
	}
	if len(m.Nodes) != topo.NodeCount() {
		return nil, nil, util.NewPackageError("unpack", artifacts[ManifestFile], util.ErrConfigInvalid,
			fmt.Errorf("manifest lists %d nodes, topology has %d", len(m.Nodes), topo.NodeCount()))
	}
	if m.AccessBus < 0 || m.AccessBus >= len(topo.Buses) {
		return nil, nil, util.NewPackageError("unpack", artifacts[ManifestFile], util.ErrConfigInvalid,
			fmt.Errorf("access bus index %d out of range", m.AccessBus))
	}
	order, err := m.order()
	if err != nil {
		return nil, nil, util.NewPackageError("unpack", artifacts[ManifestFile], util.ErrConfigInvalid, err)
	}

	out := &Contents{
		Topology:    topo,
		AccessBus:   m.AccessBus,
		Active:      make([]bool, len(m.Nodes)),
		Order:       order,
		Assignments: make([]sequence.DoFlash, len(m.Nodes)),
	}
	var missing *multierror.Error
	resolve := func(rel string) (string, error) {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
			return "", util.NewPackageError("unpack", rel, util.ErrConfigInvalid, errors.New("path leaves the package"))
		}
		if _, err := os.Stat(abs); err != nil {
			missing = multierror.Append(missing, util.NewPackageError("unpack", abs, util.ErrNotFound, err))
		}
		return abs, nil
	}
	for i, n := range m.Nodes {
		out.Active[i] = bool(n.Active)
		df := &out.Assignments[i]
		for _, f := range n.Files {
			abs, err := resolve(f)
			if err != nil {
				return nil, nil, err
			}
			df.Files = append(df.Files, abs)
		}
		for _, f := range n.ParamFiles {
			abs, err := resolve(f)
			if err != nil {
				return nil, nil, err
			}
			df.ParamFiles = append(df.ParamFiles, abs)
		}
		if n.PEM != nil && n.PEM.File != "" {
			abs, err := resolve(n.PEM.File)
			if err != nil {
				return nil, nil, err
			}
			df.PEM = &sequence.PEMConfig{
				File:            abs,
				SecurityEnabled: n.PEM.SecurityEnabled,
				SendSecurity:    n.PEM.SecuritySend,
				DebuggerEnabled: n.PEM.DebuggerEnabled,
				SendDebugger:    n.PEM.DebuggerSend,
			}
		}
	}

	var warnings Warnings
	if missing != nil {
		for _, e := range missing.Errors {
			log.WithError(e).Warn("referenced file missing")
			warnings = append(warnings, e)
		}
	}
	log.Debugf("unpacked package: %d nodes, %d to update", len(m.Nodes), len(order))
	return out, warnings, nil
}

// findArtifacts locates the three mandatory top-level files by extension.
func findArtifacts(root string) (map[string]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		kind := util.ErrIO
		if errors.Is(err, fs.ErrNotExist) {
			kind = util.ErrNotFound
		}
		return nil, util.NewPackageError("unpack", root, kind, err)
	}
	wanted := map[string]string{
		filepath.Ext(ManifestFile):         ManifestFile,
		filepath.Ext(SystemDefinitionFile): SystemDefinitionFile,
		filepath.Ext(DeviceIndexFile):      DeviceIndexFile,
	}
	found := map[string][]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := wanted[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			found[key] = append(found[key], filepath.Join(root, e.Name()))
		}
	}

	out := map[string]string{}
	var problems []string
	for _, key := range []string{ManifestFile, SystemDefinitionFile, DeviceIndexFile} {
		switch len(found[key]) {
		case 1:
			out[key] = found[key][0]
		case 0:
			problems = append(problems, fmt.Sprintf("no %s file", filepath.Ext(key)))
		default:
			sort.Strings(found[key])
			problems = append(problems, fmt.Sprintf("%d %s files: %s", len(found[key]), filepath.Ext(key), strings.Join(found[key], ", ")))
		}
	}
	if len(problems) > 0 {
		return nil, util.NewPackageError("unpack", root, util.ErrNotFound, errors.New(strings.Join(problems, "; ")))
	}
	return out, nil
}

func readTopology(root, sysdef, index string) (*topology.Topology, error) {
	data, err := os.ReadFile(sysdef)
	if err != nil {
		return nil, util.NewPackageError("unpack", sysdef, util.ErrIO, err)
	}
	topo, err := topology.Parse(data)
	if err != nil {
		return nil, util.NewPackageError("unpack", sysdef, util.ErrConfigInvalid, err)
	}

	files, err := readIndex(index)
	if err != nil {
		return nil, util.NewPackageError("unpack", index, util.ErrConfigInvalid, err)
	}
	defs := make([]*topology.DeviceDefinition, 0, len(files))
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		d, err := topology.LoadDeviceDefinition(p)
		if err != nil {
			kind := util.ErrConfigInvalid
			if errors.Is(err, fs.ErrNotExist) {
				kind = util.ErrNotFound
			}
			return nil, util.NewPackageError("unpack", p, kind, err)
		}
		defs = append(defs, d)
	}
	if err := topo.Bind(defs); err != nil {
		return nil, util.NewPackageError("unpack", sysdef, util.ErrConfigInvalid, err)
	}
	if err := topo.Validate(); err != nil {
		return nil, util.NewPackageError("unpack", sysdef, util.ErrConfigInvalid, err)
	}
	return topo, nil
}
