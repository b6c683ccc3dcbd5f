// Package plan reads deployment plans: YAML files naming the nodes of a
// topology together with the files to write to them, and resolves them into
// the index based inputs of the update sequencer and the package codec.
package plan

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/openSYDE/openSYDE-sub010/pkg/routing"
	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// Plan is a deployment plan as written by the user.
type Plan struct {
	// Topology is the system definition file, relative to the plan.
	Topology string `yaml:"topology,omitempty"`

	// AccessBus names the bus the tool is connected to.
	AccessBus string `yaml:"access_bus"`

	// Active lists the nodes taking part. Empty means every node.
	Active []string `yaml:"active,omitempty"`

	// Order lists the nodes to update in order. Empty means DefaultOrder.
	Order []string `yaml:"order,omitempty"`

	Nodes []NodePlan `yaml:"nodes"`

	// dir resolves relative file names; set by Load.
	dir string
}

// NodePlan is the assignment of one node.
type NodePlan struct {
	Name               string   `yaml:"name"`
	Files              []string `yaml:"files,omitempty"`
	ParamFiles         []string `yaml:"param_files,omitempty"`
	PEM                *PEMPlan `yaml:"pem,omitempty"`
	OtherAcceptedNames []string `yaml:"other_accepted_names,omitempty"`
}

// PEMPlan is the security configuration of a node.
type PEMPlan struct {
	File            string `yaml:"file"`
	SecurityEnabled bool   `yaml:"security_enabled"`
	SendSecurity    bool   `yaml:"send_security"`
	DebuggerEnabled bool   `yaml:"debugger_enabled"`
	SendDebugger    bool   `yaml:"send_debugger"`
}

// Resolved is a plan bound to a topology.
type Resolved struct {
	AccessBus   int
	Active      []bool
	Order       []int
	Assignments []sequence.DoFlash // indexed by node
}

// AssignmentMap returns the non-empty assignments keyed by node index.
func (r *Resolved) AssignmentMap() map[int]sequence.DoFlash {
	m := make(map[int]sequence.DoFlash)
	for i, df := range r.Assignments {
		if !df.Empty() {
			m[i] = df
		}
	}
	return m
}

// Load reads a plan file. Relative file names in the plan are resolved
// against the directory of the plan.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	p.dir = filepath.Dir(path)
	return p, nil
}

// Parse decodes a plan from YAML. Relative file names stay relative to the
// working directory.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// TopologyPath returns the topology file of the plan, or "" if it names none.
func (p *Plan) TopologyPath() string {
	if p.Topology == "" {
		return ""
	}
	return p.abs(p.Topology)
}

func (p *Plan) abs(f string) string {
	if f == "" || filepath.IsAbs(f) || p.dir == "" {
		return f
	}
	return filepath.Join(p.dir, f)
}

// Resolve binds the plan to topo. Node and bus names must exist, every node
// with files must be active, and an explicit order must list exactly the
// nodes with files.
func (p *Plan) Resolve(topo *topology.Topology) (*Resolved, error) {
	v := &util.ValidationBuilder{}

	bus := -1
	for i, b := range topo.Buses {
		if b.Name == p.AccessBus {
			bus = i
		}
	}
	v.Add(bus >= 0, fmt.Sprintf("access bus %q not in topology", p.AccessBus))

	r := &Resolved{
		AccessBus:   bus,
		Active:      make([]bool, topo.NodeCount()),
		Assignments: make([]sequence.DoFlash, topo.NodeCount()),
	}

	if len(p.Active) == 0 {
		for i := range r.Active {
			r.Active[i] = true
		}
	}
	for _, name := range p.Active {
		i := topo.NodeIndex(name)
		if i < 0 {
			v.AddErrorf("active node %q not in topology", name)
			continue
		}
		r.Active[i] = true
	}

	assigned := map[int]bool{}
	for _, np := range p.Nodes {
		i := topo.NodeIndex(np.Name)
		if i < 0 {
			v.AddErrorf("node %q not in topology", np.Name)
			continue
		}
		if assigned[i] {
			v.AddErrorf("node %q listed twice", np.Name)
			continue
		}
		assigned[i] = true
		df := p.doFlash(np)
		if !df.Empty() && !r.Active[i] {
			v.AddErrorf("node %q has files but is not active", np.Name)
		}
		r.Assignments[i] = df
	}
	if v.HasErrors() {
		return nil, v.Build()
	}

	if len(p.Order) == 0 {
		order, err := DefaultOrder(topo, bus, r.Active, r.Assignments)
		if err != nil {
			return nil, err
		}
		r.Order = order
		return r, nil
	}

	inOrder := map[int]bool{}
	for _, name := range p.Order {
		i := topo.NodeIndex(name)
		switch {
		case i < 0:
			v.AddErrorf("order: node %q not in topology", name)
			continue
		case inOrder[i]:
			v.AddErrorf("order: node %q listed twice", name)
			continue
		case r.Assignments[i].Empty():
			v.AddErrorf("order: node %q has no files", name)
		}
		inOrder[i] = true
		r.Order = append(r.Order, i)
	}
	for i, df := range r.Assignments {
		if !df.Empty() && !inOrder[i] {
			v.AddErrorf("node %q has files but is not in the order", topo.Nodes[i].Name)
		}
	}
	if err := v.Build(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Plan) doFlash(np NodePlan) sequence.DoFlash {
	df := sequence.DoFlash{OtherAcceptedNames: np.OtherAcceptedNames}
	for _, f := range np.Files {
		df.Files = append(df.Files, p.abs(f))
	}
	for _, f := range np.ParamFiles {
		df.ParamFiles = append(df.ParamFiles, p.abs(f))
	}
	if np.PEM != nil && np.PEM.File != "" {
		df.PEM = &sequence.PEMConfig{
			File:            p.abs(np.PEM.File),
			SecurityEnabled: np.PEM.SecurityEnabled,
			SendSecurity:    np.PEM.SendSecurity,
			DebuggerEnabled: np.PEM.DebuggerEnabled,
			SendDebugger:    np.PEM.SendDebugger,
		}
	}
	return df
}

// DefaultOrder orders the nodes that have files deepest route first, then
// by node index, so gateways are updated after the nodes behind them.
func DefaultOrder(topo *topology.Topology, accessBus int, active []bool, assignments []sequence.DoFlash) ([]int, error) {
	resolver := routing.NewResolver(topo, accessBus, active)
	depth := map[int]int{}
	var nodes []int
	for i, df := range assignments {
		if df.Empty() {
			continue
		}
		route, err := resolver.ResolveRoute(i)
		if err != nil {
			return nil, err
		}
		depth[i] = len(route)
		nodes = append(nodes, i)
	}
	sort.SliceStable(nodes, func(a, b int) bool {
		if depth[nodes[a]] != depth[nodes[b]] {
			return depth[nodes[a]] > depth[nodes[b]]
		}
		return nodes[a] < nodes[b]
	})
	return nodes, nil
}
