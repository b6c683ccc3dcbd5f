// Package bundle reads and writes service update packages: zip archives
// holding the firmware, parameter and security files of every node, the
// update order, a topology snapshot and the device definitions it needs.
//
// Archive layout:
//
//	service_update_package.syde_supdef   XML manifest
//	sup_system_definition.syde_sysdef    topology snapshot (YAML)
//	devices.ini                          device definition index
//	<device>.syde_devdef                 device definitions (TOML)
//	<node>/...                           files of each node
package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

const (
	extension            = ".syde_sup"
	ManifestFile         = "service_update_package.syde_supdef"
	SystemDefinitionFile = "sup_system_definition.syde_sysdef"
	DeviceIndexFile      = "devices.ini"
	DeviceDefinitionExt  = ".syde_devdef"
)

// Extension returns the file extension of update packages.
func Extension() string {
	return extension
}

// Warnings are secondary problems that did not fail the operation.
type Warnings []error

// Contents is everything an update package carries.
type Contents struct {
	Topology    *topology.Topology
	AccessBus   int
	Active      []bool
	Order       []int
	Assignments []sequence.DoFlash // indexed by node
}

// AssignmentMap returns the non-empty assignments keyed by node index.
func (c *Contents) AssignmentMap() map[int]sequence.DoFlash {
	m := make(map[int]sequence.DoFlash)
	for i, df := range c.Assignments {
		if !df.Empty() {
			m[i] = df
		}
	}
	return m
}

// Create writes an update package to path. All inputs are checked before
// anything is written; an existing path is never touched. The package is
// assembled in a scratch directory next to path that is always removed;
// failing to remove it is reported as a warning.
func Create(path string, in *Contents) (Warnings, error) {
	log := util.WithPackage(path)

	if err := checkCreate(path, in); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(filepath.Dir(path), ".sydeflash-package-*")
	if err != nil {
		return nil, util.NewPackageError("create", filepath.Dir(path), util.ErrIO, err)
	}

	var warnings Warnings
	err = assemble(scratch, in, log)
	if err == nil {
		if zerr := zipDir(scratch, path); zerr != nil {
			_ = os.Remove(path)
			err = util.NewPackageError("create", path, util.ErrIO, zerr)
		}
	}
	if rerr := os.RemoveAll(scratch); rerr != nil {
		log.WithError(rerr).Warn("could not remove scratch directory")
		warnings = append(warnings, util.NewPackageError("create", scratch, util.ErrBusy, rerr))
	}
	if err != nil {
		return warnings, err
	}
	log.Infof("package created with %d nodes to update", len(in.Order))
	return warnings, nil
}

// checkCreate validates all inputs without touching the filesystem.
func checkCreate(dst string, in *Contents) error {
	if !strings.EqualFold(filepath.Ext(dst), extension) {
		return util.NewPackageError("create", dst, util.ErrPathConflict,
			fmt.Errorf("package file must have extension %s", extension))
	}
	if _, err := os.Lstat(dst); err == nil {
		return util.NewPackageError("create", dst, util.ErrPathConflict, errors.New("target already exists"))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return util.NewPackageError("create", dst, util.ErrIO, err)
	}
	if st, err := os.Stat(filepath.Dir(dst)); err != nil || !st.IsDir() {
		return util.NewPackageError("create", filepath.Dir(dst), util.ErrPathConflict, errors.New("target directory does not exist"))
	}

	if in == nil || in.Topology == nil {
		return util.NewPackageError("create", "", util.ErrConfigInvalid, errors.New("no topology"))
	}
	topo := in.Topology
	v := &util.ValidationBuilder{}
	nodes := topo.NodeCount()
	v.Add(len(in.Active) == nodes, fmt.Sprintf("active node list has %d entries, topology has %d nodes", len(in.Active), nodes))
	v.Add(len(in.Assignments) == nodes, fmt.Sprintf("assignment list has %d entries, topology has %d nodes", len(in.Assignments), nodes))
	v.Add(in.AccessBus >= 0 && in.AccessBus < len(topo.Buses), fmt.Sprintf("access bus index %d out of range", in.AccessBus))
	v.Add(len(in.Order) > 0, "update order is empty")
	anyActive := false
	for _, a := range in.Active {
		anyActive = anyActive || a
	}
	v.Add(anyActive, "no active nodes")
	if v.HasErrors() {
		return util.NewPackageError("create", "", util.ErrConfigInvalid, v.Build())
	}

	inOrder := map[int]bool{}
	for pos, n := range in.Order {
		switch {
		case n < 0 || n >= nodes:
			v.AddErrorf("order position %d: node index %d out of range", pos, n)
		case inOrder[n]:
			v.AddErrorf("order position %d: node %s listed twice", pos, topo.Nodes[n].Name)
		case in.Assignments[n].Empty():
			v.AddErrorf("order position %d: node %s has no files", pos, topo.Nodes[n].Name)
		}
		if n >= 0 && n < nodes {
			inOrder[n] = true
		}
	}
	for i, df := range in.Assignments {
		if df.Empty() {
			continue
		}
		name := topo.Nodes[i].Name
		if !in.Active[i] {
			v.AddErrorf("node %s has files but is not active", name)
		}
		if !inOrder[i] {
			v.AddErrorf("node %s has files but is not in the update order", name)
		}
	}
	if v.HasErrors() {
		return util.NewPackageError("create", "", util.ErrConfigInvalid, v.Build())
	}

	for i, df := range in.Assignments {
		for _, f := range assignmentFiles(df) {
			st, err := os.Stat(f)
			if err != nil {
				return util.NewPackageError("create", f, util.ErrNotFound,
					fmt.Errorf("node %s: %w", topo.Nodes[i].Name, err))
			}
			if st.IsDir() {
				return util.NewPackageError("create", f, util.ErrConfigInvalid,
					fmt.Errorf("node %s: %s is a directory", topo.Nodes[i].Name, f))
			}
		}
	}
	return nil
}

func assignmentFiles(df sequence.DoFlash) []string {
	files := append(append([]string{}, df.Files...), df.ParamFiles...)
	if df.PEM != nil && df.PEM.File != "" {
		files = append(files, df.PEM.File)
	}
	return files
}

// assemble writes the package contents into dir.
func assemble(dir string, in *Contents, log *logrus.Entry) error {
	topo := in.Topology

	pos := make(map[int]int, len(in.Order))
	for p, n := range in.Order {
		pos[n] = p
	}

	m := &manifest{FileVersion: FileVersion, AccessBus: in.AccessBus}
	folders := map[string]bool{}
	for i := range topo.Nodes {
		node := &topo.Nodes[i]
		df := in.Assignments[i]
		mn := manifestNode{Name: node.Name, Active: intBool(in.Active[i])}
		if !df.Empty() {
			mn.Position = strconv.Itoa(pos[i])
			folder := util.UniqueName(util.SanitizeForName(node.Name), folders)
			copied, err := copyNodeFiles(dir, folder, df)
			if err != nil {
				return err
			}
			mn.Files = copied.Files
			mn.ParamFiles = copied.ParamFiles
			if df.PEM != nil && df.PEM.File != "" {
				mn.PEM = &manifestPEM{
					SecurityEnabled: df.PEM.SecurityEnabled,
					SecuritySend:    df.PEM.SendSecurity,
					DebuggerEnabled: df.PEM.DebuggerEnabled,
					DebuggerSend:    df.PEM.SendDebugger,
					File:            copied.PEM.File,
				}
			}
			log.WithField("node", node.Name).Debugf("packed %d files into %s", len(assignmentFiles(df)), folder)
		}
		m.Nodes = append(m.Nodes, mn)
	}

	snapshot := *topo
	snapshot.DeviceDefinitionFiles = nil
	if err := snapshot.Save(filepath.Join(dir, SystemDefinitionFile)); err != nil {
		return util.NewPackageError("create", SystemDefinitionFile, util.ErrIO, err)
	}

	var defFiles []string
	defNames := map[string]bool{}
	for _, def := range topo.DeviceDefinitions() {
		name := util.UniqueName(util.SanitizeForName(def.Name), defNames) + DeviceDefinitionExt
		dst := filepath.Join(dir, name)
		var err error
		if def.Path != "" {
			err = copyFile(def.Path, dst)
		} else {
			err = topology.WriteDeviceDefinition(dst, def)
		}
		if err != nil {
			return util.NewPackageError("create", def.Path, util.ErrIO, err)
		}
		defFiles = append(defFiles, name)
	}
	if err := writeIndex(filepath.Join(dir, DeviceIndexFile), defFiles); err != nil {
		return util.NewPackageError("create", DeviceIndexFile, util.ErrIO, err)
	}

	if err := writeManifest(filepath.Join(dir, ManifestFile), m); err != nil {
		return util.NewPackageError("create", ManifestFile, util.ErrIO, err)
	}
	return nil
}

// copyNodeFiles copies the files of one node into dir/folder and returns
// the assignment with package-relative paths.
func copyNodeFiles(dir, folder string, df sequence.DoFlash) (sequence.DoFlash, error) {
	if err := os.Mkdir(filepath.Join(dir, folder), 0o755); err != nil {
		return df, util.NewPackageError("create", folder, util.ErrIO, err)
	}
	taken := map[string]bool{}
	copyOne := func(src string) (string, error) {
		base := filepath.Base(src)
		ext := filepath.Ext(base)
		name := util.UniqueName(strings.TrimSuffix(base, ext), taken) + ext
		if err := copyFile(src, filepath.Join(dir, folder, name)); err != nil {
			return "", util.NewPackageError("create", src, util.ErrIO, err)
		}
		return path.Join(folder, name), nil
	}

	out := sequence.DoFlash{OtherAcceptedNames: df.OtherAcceptedNames}
	for _, f := range df.Files {
		rel, err := copyOne(f)
		if err != nil {
			return out, err
		}
		out.Files = append(out.Files, rel)
	}
	for _, f := range df.ParamFiles {
		rel, err := copyOne(f)
		if err != nil {
			return out, err
		}
		out.ParamFiles = append(out.ParamFiles, rel)
	}
	if df.PEM != nil && df.PEM.File != "" {
		rel, err := copyOne(df.PEM.File)
		if err != nil {
			return out, err
		}
		pem := *df.PEM
		pem.File = rel
		out.PEM = &pem
	}
	return out, nil
}
