package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const columnGap = 2

// Table renders column-aligned output. Rows are buffered until Flush;
// when the output is narrower than the table the widest columns are
// shrunk and their cells word-wrapped. Empty tables produce no output.
type Table struct {
	out     io.Writer
	headers []string
	rows    [][]string
	width   int
}

// NewTable creates a table with the given column headers writing to stdout.
func NewTable(headers ...string) *Table {
	return &Table{
		out:     os.Stdout,
		headers: headers,
		width:   TerminalWidth(),
	}
}

// WithWriter redirects the table output.
func (t *Table) WithWriter(w io.Writer) *Table {
	t.out = w
	return t
}

// WithWidth sets the available width; 0 disables wrapping.
func (t *Table) WithWidth(width int) *Table {
	t.width = width
	return t
}

// Row adds a row. Missing cells are left blank.
func (t *Table) Row(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Flush writes the table. If no rows were added, nothing is printed.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visualLen(h)
	}
	for _, r := range t.rows {
		for i, c := range r {
			if n := visualLen(c); n > widths[i] {
				widths[i] = n
			}
		}
	}
	if t.width > 0 {
		widths = capWidths(widths, t.headers, t.width)
	}

	t.line(widths, t.headers)
	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", visualLen(h))
	}
	t.line(widths, dividers)
	for _, r := range t.rows {
		cells := make([][]string, len(r))
		height := 1
		for i, c := range r {
			cells[i] = wrapCell(c, widths[i])
			if len(cells[i]) > height {
				height = len(cells[i])
			}
		}
		for l := 0; l < height; l++ {
			parts := make([]string, len(r))
			for i := range r {
				if l < len(cells[i]) {
					parts[i] = cells[i][l]
				}
			}
			t.line(widths, parts)
		}
	}
}

func (t *Table) line(widths []int, cells []string) {
	var b strings.Builder
	for i, c := range cells {
		b.WriteString(c)
		if i < len(cells)-1 {
			b.WriteString(strings.Repeat(" ", widths[i]-visualLen(c)+columnGap))
		}
	}
	fmt.Fprintln(t.out, strings.TrimRight(b.String(), " "))
}

// capWidths shrinks the widest columns until the table fits into total
// columns. No column is shrunk below its header width.
func capWidths(widths []int, headers []string, total int) []int {
	out := append([]int(nil), widths...)
	used := columnGap * (len(out) - 1)
	for _, w := range out {
		used += w
	}
	for used > total {
		widest := -1
		for i, w := range out {
			if w > visualLen(headers[i]) && (widest < 0 || w > out[widest]) {
				widest = i
			}
		}
		if widest < 0 {
			break
		}
		cut := min(used-total, out[widest]-visualLen(headers[widest]))
		out[widest] -= cut
		used -= cut
	}
	return out
}

// wrapCell splits s into lines of at most width characters, breaking at
// spaces and hard-breaking words longer than width. Cells that fit are
// returned unchanged, escape sequences included.
func wrapCell(s string, width int) []string {
	if width <= 0 || visualLen(s) <= width {
		return []string{s}
	}
	var lines []string
	cur := ""
	for _, word := range strings.Fields(stripANSI(s)) {
		r := []rune(word)
		for len(r) > width {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
			}
			lines = append(lines, string(r[:width]))
			r = r[width:]
		}
		word = string(r)
		switch {
		case cur == "":
			cur = word
		case len([]rune(cur))+1+len(r) <= width:
			cur += " " + word
		default:
			lines = append(lines, cur)
			cur = word
		}
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}
