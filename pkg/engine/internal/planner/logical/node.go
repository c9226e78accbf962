// Package logical provides the logical plan: an immutable tree of relational
// nodes rooted at [Source] leaves, built with [Builder].
package logical

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// A Node is a relational operator of the logical plan. Nodes are immutable
// once built.
type Node interface {
	// Schema returns the schema of the rows produced by the node.
	Schema() *arrow.Schema
	// Children returns the inputs of the node.
	Children() []Node
	// String returns a one-line description of the node without its
	// children.
	String() string

	isNode()
}

var (
	_ Node = (*Source)(nil)
	_ Node = (*Filter)(nil)
	_ Node = (*Project)(nil)
	_ Node = (*Limit)(nil)
)

// Source is a leaf node producing the rows described by Info.
type Source struct {
	Info SourceInfo
}

func (s *Source) Schema() *arrow.Schema { return s.Info.Schema() }
func (s *Source) Children() []Node      { return nil }
func (s *Source) String() string        { return "Source " + s.Info.String() }
func (s *Source) isNode()               {}

// Filter keeps the rows of Input for which Predicate is true.
type Filter struct {
	Input     Node
	Predicate Expr
}

// Schema returns the schema of the input; filtering only removes rows.
func (f *Filter) Schema() *arrow.Schema { return f.Input.Schema() }
func (f *Filter) Children() []Node      { return []Node{f.Input} }
func (f *Filter) String() string        { return fmt.Sprintf("Filter predicate=%s", f.Predicate) }
func (f *Filter) isNode()               {}

// Limit keeps at most Limit rows of Input. Eager limits may stop reading
// their input as soon as the limit is reached.
type Limit struct {
	Input Node
	Limit int64
	Eager bool
}

func (l *Limit) Schema() *arrow.Schema { return l.Input.Schema() }
func (l *Limit) Children() []Node      { return []Node{l.Input} }
func (l *Limit) String() string        { return fmt.Sprintf("Limit limit=%d eager=%t", l.Limit, l.Eager) }
func (l *Limit) isNode()               {}

// Walk visits node and its descendants in depth-first pre-order. If fn
// returns false, the children of the visited node are skipped.
func Walk(node Node, fn func(Node) bool) {
	if !fn(node) {
		return
	}
	for _, child := range node.Children() {
		Walk(child, fn)
	}
}
