package bundle

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// FileVersion is the manifest format written by Create.
const FileVersion = 1

type manifest struct {
	XMLName     xml.Name       `xml:"service-update-package"`
	FileVersion int            `xml:"file-version"`
	Nodes       []manifestNode `xml:"nodes>node"`
	AccessBus   int            `xml:"bus-index-client"`
}

type manifestNode struct {
	Name       string       `xml:"name,attr,omitempty"`
	Active     intBool      `xml:"active,attr"`
	Position   string       `xml:"position,attr,omitempty"` // empty for nodes without files
	Files      []string     `xml:"files>file"`
	ParamFiles []string     `xml:"param-files>param-file"`
	PEM        *manifestPEM `xml:"pem-file-config"`
}

// intBool is a boolean attribute stored as 0 or 1. Reading also accepts
// true and false.
type intBool bool

func (b intBool) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	v := "0"
	if b {
		v = "1"
	}
	return xml.Attr{Name: name, Value: v}, nil
}

func (b *intBool) UnmarshalXMLAttr(attr xml.Attr) error {
	v, err := strconv.ParseBool(strings.TrimSpace(attr.Value))
	if err != nil {
		return fmt.Errorf("attribute %s: invalid boolean %q", attr.Name.Local, attr.Value)
	}
	*b = intBool(v)
	return nil
}

type manifestPEM struct {
	SecurityEnabled bool   `xml:"security-enabled,attr"`
	SecuritySend    bool   `xml:"security-send,attr"`
	DebuggerEnabled bool   `xml:"debugger-enabled,attr"`
	DebuggerSend    bool   `xml:"debugger-send,attr"`
	File            string `xml:"pem-file"`
}

func (n manifestNode) hasFiles() bool {
	return len(n.Files) > 0 || len(n.ParamFiles) > 0 || (n.PEM != nil && n.PEM.File != "")
}

func (n manifestNode) position() (int, bool, error) {
	if n.Position == "" {
		return 0, false, nil
	}
	p, err := strconv.Atoi(n.Position)
	if err != nil {
		return 0, false, fmt.Errorf("node %s: invalid position %q", n.Name, n.Position)
	}
	return p, true, nil
}

func writeManifest(path string, m *manifest) error {
	data, err := xml.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(xml.Header), data...), 0o644)
}

func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.FileVersion < 1 || m.FileVersion > FileVersion {
		return nil, util.NewConfigErrorf("unsupported manifest file version %d", m.FileVersion)
	}
	return &m, nil
}

// order inverts the node positions into a position-indexed update order.
// Positions must form a dense permutation over the nodes that have files.
func (m *manifest) order() ([]int, error) {
	v := &util.ValidationBuilder{}
	byPos := map[int]int{}
	withFiles := 0
	for i, n := range m.Nodes {
		pos, ok, err := n.position()
		if err != nil {
			v.AddError(err.Error())
			continue
		}
		if !n.hasFiles() {
			if ok {
				v.AddErrorf("node %d has a position but no files", i)
			}
			continue
		}
		withFiles++
		if !ok {
			v.AddErrorf("node %d has files but no position", i)
			continue
		}
		if prev, dup := byPos[pos]; dup {
			v.AddErrorf("nodes %d and %d share position %d", prev, i, pos)
			continue
		}
		byPos[pos] = i
	}
	order := make([]int, withFiles)
	for p := 0; p < withFiles; p++ {
		node, ok := byPos[p]
		if !ok {
			v.AddErrorf("update positions are not dense: position %d missing", p)
			continue
		}
		order[p] = node
	}
	if err := v.Build(); err != nil {
		return nil, err
	}
	return order, nil
}
