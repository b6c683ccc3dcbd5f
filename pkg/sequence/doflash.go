package sequence

import (
	"github.com/openSYDE/openSYDE-sub010/pkg/hexfile"
	"github.com/openSYDE/openSYDE-sub010/pkg/session"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// PEMConfig is the security certificate of a node together with the
// security and debugger states to send after writing it.
type PEMConfig struct {
	File            string
	SecurityEnabled bool
	SendSecurity    bool
	DebuggerEnabled bool
	SendDebugger    bool
}

// DoFlash is the update assignment of one node.
type DoFlash struct {
	Files              []string   // firmware, flashed in order
	ParamFiles         []string   // NVM parameter images, written in order
	PEM                *PEMConfig // optional
	OtherAcceptedNames []string   // alternate device names for the identity check
}

// Empty reports whether the assignment has nothing to write.
func (d DoFlash) Empty() bool {
	return len(d.Files) == 0 && len(d.ParamFiles) == 0 && (d.PEM == nil || d.PEM.File == "")
}

// ValidateOrder checks an update order against the assignments: every entry
// must be an active node, appear once, and every node with files to write
// must be in the order. Legacy nodes take HEX firmware only.
func ValidateOrder(base *session.Base, assignments map[int]DoFlash, order []int) error {
	v := &util.ValidationBuilder{}
	topo := base.Topology()

	seen := map[int]bool{}
	for pos, node := range order {
		if node < 0 || node >= len(topo.Nodes) {
			v.AddErrorf("order position %d: node index %d out of range", pos, node)
			continue
		}
		if seen[node] {
			v.AddErrorf("order position %d: node %s listed twice", pos, topo.Nodes[node].Name)
		}
		seen[node] = true
		if !base.IsActive(node) {
			v.AddErrorf("order position %d: node %s is not active", pos, topo.Nodes[node].Name)
		}
	}

	for node, df := range assignments {
		if node < 0 || node >= len(topo.Nodes) {
			v.AddErrorf("assignment for node index %d out of range", node)
			continue
		}
		if df.Empty() {
			continue
		}
		n := &topo.Nodes[node]
		if !seen[node] {
			v.AddErrorf("node %s has files to write but is not in the update order", n.Name)
		}
		if n.IsNative() {
			continue
		}
		if len(df.ParamFiles) > 0 || (df.PEM != nil && df.PEM.File != "") {
			v.AddErrorf("legacy node %s supports firmware files only", n.Name)
		}
		for _, f := range df.Files {
			if !hexfile.IsHexFile(f) {
				v.AddErrorf("legacy node %s: %s is not a HEX file", n.Name, f)
			}
		}
	}
	return v.Build()
}
