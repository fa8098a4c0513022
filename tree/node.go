package tree

import (
	"sort"
	"strings"
)

// Node describes one known server, local or reached transitively through the
// tree. Adjacency is stored as SID handles rather than pointers so walks never
// chase a reference into a node that has already been excised.
type Node struct {
	Name   string
	SID    string
	Desc   string
	Hops   int
	Parent string

	children map[string]struct{}
}

// ChildSIDs returns the node's child handles in a stable order.
func (n *Node) ChildSIDs() []string {
	out := make([]string, 0, len(n.children))
	for sid := range n.children {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// IsRoot reports whether the node is the local server.
func (n *Node) IsRoot() bool {
	return n.Parent == ""
}

func foldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
