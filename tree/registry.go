// Package tree maintains the known-server topology as two structures that
// hold the same data in different shapes: a flat index hashed by name and by
// SID for O(1) lookup, and a parent/child adjacency forming a tree rooted at
// the local server for recursive operations such as burst and split. The two
// views are mutated together and must never disagree.
package tree

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateName indicates a server name that is already present.
	ErrDuplicateName = errors.New("tree: duplicate server name")
	// ErrDuplicateSID indicates a SID that is already present.
	ErrDuplicateSID = errors.New("tree: duplicate server id")
	// ErrUnknownParent indicates an attach under a server we do not know.
	ErrUnknownParent = errors.New("tree: unknown parent server")
	// ErrSplitRoot indicates an attempt to excise the local server.
	ErrSplitRoot = errors.New("tree: cannot split local server")
)

// Registry owns every Node. The link layer holds SID handles into it, never
// Node pointers, so excision cannot leave dangling references behind.
type Registry struct {
	root   string
	byName map[string]*Node
	bySID  map[string]*Node
}

// New seeds a registry with the local server as root at hop distance zero.
func New(name, sid, desc string) (*Registry, error) {
	name = strings.TrimSpace(name)
	sid = strings.TrimSpace(sid)
	if name == "" || sid == "" {
		return nil, fmt.Errorf("tree: local server name and SID are required")
	}
	root := &Node{
		Name:     name,
		SID:      sid,
		Desc:     desc,
		children: make(map[string]struct{}),
	}
	return &Registry{
		root:   sid,
		byName: map[string]*Node{foldName(name): root},
		bySID:  map[string]*Node{sid: root},
	}, nil
}

// Root returns the local server's node.
func (r *Registry) Root() *Node {
	return r.bySID[r.root]
}

// Find looks up a server by name, case-insensitively.
func (r *Registry) Find(name string) *Node {
	return r.byName[foldName(name)]
}

// FindSID looks up a server by its unique id.
func (r *Registry) FindSID(sid string) *Node {
	return r.bySID[sid]
}

// Len reports the number of known servers, the local one included.
func (r *Registry) Len() int {
	return len(r.bySID)
}

// Attach inserts a new server under parentSID. Name and SID uniqueness are
// enforced against the flat index; hop distance is derived from the parent so
// the parent-chain invariant holds by construction.
func (r *Registry) Attach(parentSID, name, sid, desc string) (*Node, error) {
	parent, ok := r.bySID[parentSID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, parentSID)
	}
	name = strings.TrimSpace(name)
	sid = strings.TrimSpace(sid)
	if name == "" || sid == "" {
		return nil, fmt.Errorf("tree: server name and SID are required")
	}
	if _, exists := r.byName[foldName(name)]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	if _, exists := r.bySID[sid]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSID, sid)
	}
	node := &Node{
		Name:     name,
		SID:      sid,
		Desc:     desc,
		Hops:     parent.Hops + 1,
		Parent:   parent.SID,
		children: make(map[string]struct{}),
	}
	parent.children[sid] = struct{}{}
	r.byName[foldName(name)] = node
	r.bySID[sid] = node
	return node, nil
}

// Walk visits start and every descendant depth-first in stable child order.
// A nil start walks from the root.
func (r *Registry) Walk(start *Node, visit func(*Node)) {
	if start == nil {
		start = r.Root()
	}
	if start == nil {
		return
	}
	visit(start)
	for _, sid := range start.ChildSIDs() {
		if child, ok := r.bySID[sid]; ok {
			r.Walk(child, visit)
		}
	}
}

// Servers returns every known node, root first, in tree walk order.
func (r *Registry) Servers() []*Node {
	out := make([]*Node, 0, len(r.bySID))
	r.Walk(nil, func(n *Node) { out = append(out, n) })
	return out
}
