package bundle

import (
	"os"
	"path/filepath"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// NodeSummary describes one node of a package.
type NodeSummary struct {
	Index      int
	Name       string
	Device     string
	Active     bool
	Position   int // -1 if the node has nothing to update
	Files      []string
	ParamFiles []string
	PEMFile    string
}

// Summary is a human oriented view of a package.
type Summary struct {
	Path      string
	AccessBus string
	Nodes     []NodeSummary
	Warnings  Warnings
}

// Inspect unpacks a package into a temporary directory and summarizes it.
// File names in the summary are relative to the package root.
func Inspect(pkgPath string) (*Summary, error) {
	tmp, err := os.MkdirTemp("", "sydeflash-inspect-*")
	if err != nil {
		return nil, util.NewPackageError("inspect", "", util.ErrIO, err)
	}
	defer os.RemoveAll(tmp)

	dir := filepath.Join(tmp, "package")
	c, warnings, err := Unpack(pkgPath, dir, true)
	if err != nil {
		return nil, err
	}
	root, _ := filepath.Abs(dir)
	rel := func(p string) string {
		if r, err := filepath.Rel(root, p); err == nil {
			return filepath.ToSlash(r)
		}
		return p
	}

	pos := make(map[int]int, len(c.Order))
	for p, n := range c.Order {
		pos[n] = p
	}
	s := &Summary{
		Path:      pkgPath,
		AccessBus: c.Topology.Buses[c.AccessBus].Name,
		Warnings:  warnings,
	}
	for i, n := range c.Topology.Nodes {
		ns := NodeSummary{Index: i, Name: n.Name, Device: n.DeviceType, Active: c.Active[i], Position: -1}
		if p, ok := pos[i]; ok {
			ns.Position = p
		}
		df := c.Assignments[i]
		for _, f := range df.Files {
			ns.Files = append(ns.Files, rel(f))
		}
		for _, f := range df.ParamFiles {
			ns.ParamFiles = append(ns.ParamFiles, rel(f))
		}
		if df.PEM != nil {
			ns.PEMFile = rel(df.PEM.File)
		}
		s.Nodes = append(s.Nodes, ns)
	}
	return s, nil
}
