package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openSYDE/openSYDE-sub010/pkg/bundle"
	"github.com/openSYDE/openSYDE-sub010/pkg/cli"
	"github.com/openSYDE/openSYDE-sub010/pkg/plan"
	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// source selects where a job comes from. Exactly one of the fields is
// used: a package, a plan, or a bare topology with every node active.
type source struct {
	pkg      string
	plan     string
	topology string
}

func (s *source) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.pkg, "package", "", "Service update package (*"+bundle.Extension()+")")
	cmd.Flags().StringVar(&s.plan, "plan", "", "Deployment plan (YAML)")
	cmd.Flags().StringVar(&s.topology, "topology", "", "Topology file (overrides the plan's)")
}

// name is a short identifier of the source, used as default fleet name.
func (s *source) name() string {
	path := s.pkg
	if path == "" {
		path = s.plan
	}
	if path == "" {
		path = s.topology
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// job is everything a run needs to know about the system and the files.
type job struct {
	topo        *topology.Topology
	accessBus   int
	active      []bool
	order       []int
	assignments map[int]sequence.DoFlash
	pkgPath     string
	dir         string // scratch directory of an unpacked package, removed by cleanup
}

func (j *job) cleanup() {
	if j.dir != "" {
		if err := os.RemoveAll(j.dir); err != nil {
			util.WithPackage(j.pkgPath).WithError(err).Warn("could not remove unpacked package")
		}
	}
}

func (j *job) nodeNames() []string {
	names := make([]string, len(j.topo.Nodes))
	for i, n := range j.topo.Nodes {
		names[i] = n.Name
	}
	return names
}

// load builds the job. override replaces the access bus of the source when
// set; fallback is used for a bare topology, which names no access bus.
func (s *source) load(override, fallback string) (*job, error) {
	set := 0
	for _, v := range []string{s.pkg, s.plan} {
		if v != "" {
			set++
		}
	}
	switch {
	case set > 1:
		return nil, util.NewConfigError("--package and --plan are mutually exclusive")
	case set == 0 && s.topology == "":
		return nil, util.NewConfigError("one of --package, --plan or --topology is required")
	case s.pkg != "" && s.topology != "":
		return nil, util.NewConfigError("--topology cannot be used with --package")
	}

	var (
		j   *job
		err error
	)
	switch {
	case s.pkg != "":
		j, err = loadPackage(s.pkg)
	case s.plan != "":
		j, err = loadPlan(s.plan, s.topology)
	default:
		j, err = loadTopology(s.topology)
	}
	if err != nil {
		return nil, err
	}

	accessBus := override
	if accessBus == "" && j.accessBus < 0 {
		accessBus = fallback
	}
	if accessBus != "" {
		bus, err := busIndex(j.topo, accessBus)
		if err != nil {
			j.cleanup()
			return nil, err
		}
		j.accessBus = bus
	}
	if j.accessBus < 0 {
		j.cleanup()
		return nil, util.NewConfigError("access bus required: use --access-bus or set access_bus")
	}
	return j, nil
}

func loadPackage(path string) (*job, error) {
	dir, err := os.MkdirTemp("", "sydeflash-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	c, warnings, err := bundle.Unpack(path, filepath.Join(dir, "package"), true)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	printWarnings(warnings)
	return &job{
		topo:        c.Topology,
		accessBus:   c.AccessBus,
		active:      c.Active,
		order:       c.Order,
		assignments: c.AssignmentMap(),
		pkgPath:     path,
		dir:         dir,
	}, nil
}

// resolvePlan loads a plan and its topology and binds them.
func resolvePlan(path, topoOverride string) (*topology.Topology, *plan.Resolved, error) {
	p, err := plan.Load(path)
	if err != nil {
		return nil, nil, err
	}
	topoPath := topoOverride
	if topoPath == "" {
		topoPath = p.TopologyPath()
	}
	if topoPath == "" {
		return nil, nil, util.NewConfigErrorf("plan %s names no topology: use --topology", path)
	}
	topo, err := topology.Load(topoPath)
	if err != nil {
		return nil, nil, err
	}
	r, err := p.Resolve(topo)
	if err != nil {
		return nil, nil, err
	}
	return topo, r, nil
}

func loadPlan(path, topoOverride string) (*job, error) {
	topo, r, err := resolvePlan(path, topoOverride)
	if err != nil {
		return nil, err
	}
	return &job{
		topo:        topo,
		accessBus:   r.AccessBus,
		active:      r.Active,
		order:       r.Order,
		assignments: r.AssignmentMap(),
	}, nil
}

func loadTopology(path string) (*job, error) {
	topo, err := topology.Load(path)
	if err != nil {
		return nil, err
	}
	active := make([]bool, topo.NodeCount())
	for i := range active {
		active[i] = true
	}
	return &job{
		topo:        topo,
		accessBus:   -1,
		active:      active,
		assignments: map[int]sequence.DoFlash{},
	}, nil
}

func busIndex(topo *topology.Topology, name string) (int, error) {
	var names []string
	for i, b := range topo.Buses {
		if b.Name == name {
			return i, nil
		}
		names = append(names, b.Name)
	}
	return -1, util.NewConfigErrorf("bus %q not in topology (buses: %s)", name, strings.Join(names, ", "))
}

func printWarnings(warnings bundle.Warnings) {
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, cli.Yellow("warning:"), w)
	}
}
