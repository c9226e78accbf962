package logical

import (
	"io"
	"strings"
)

// PrintTree writes node and its descendants to w as an indented tree, one
// node per line.
func PrintTree(w io.Writer, node Node) {
	var sb strings.Builder
	sb.WriteString(node.String())
	sb.WriteByte('\n')
	printChildren(&sb, node.Children(), "")
	_, _ = io.WriteString(w, sb.String())
}

func printChildren(sb *strings.Builder, children []Node, prefix string) {
	for i, child := range children {
		last := i == len(children)-1

		sb.WriteString(prefix)
		if last {
			sb.WriteString("└── ")
		} else {
			sb.WriteString("├── ")
		}
		sb.WriteString(child.String())
		sb.WriteByte('\n')

		next := prefix + "│   "
		if last {
			next = prefix + "    "
		}
		printChildren(sb, child.Children(), next)
	}
}
