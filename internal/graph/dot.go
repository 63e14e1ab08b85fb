// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"fmt"
	"io"
	"strings"
)

// WriteDOT renders the graph in Graphviz DOT syntax. Base packages are drawn
// as boxes and inject edges are dashed.
func (g *Graph) WriteDOT(w io.Writer) error {
	var b strings.Builder
	b.WriteString("digraph imgraph {\n\trankdir=LR;\n")
	for _, p := range g.order {
		shape := "ellipse"
		if p.IsBase() {
			shape = "box"
		}
		fmt.Fprintf(&b, "\t%q [shape=%s];\n", p.Name, shape)
	}
	for _, e := range g.edges {
		if e.Kind == EdgeInject {
			fmt.Fprintf(&b, "\t%q -> %q [style=dashed];\n", e.From, e.To)
			continue
		}
		fmt.Fprintf(&b, "\t%q -> %q;\n", e.From, e.To)
	}
	b.WriteString("}\n")

	_, err := io.WriteString(w, b.String())
	return err
}
