package tree

// UserTable is the slice of the external user store the split algorithm
// needs: dropping every user homed on a departing server.
type UserTable interface {
	RemoveByServer(sid string) int
}

// SplitResult accounts for everything removed by one split.
type SplitResult struct {
	Servers []string // SIDs, deepest first
	Users   int
}

// Split excises the named server and its whole subtree from both the flat
// index and the tree, removing each excised server's users from the supplied
// table. Splitting a SID that is no longer present is a no-op, so the caller
// may invoke it again for a node that already went down with its parent.
func (r *Registry) Split(sid string, users UserTable) (SplitResult, error) {
	node, ok := r.bySID[sid]
	if !ok {
		return SplitResult{}, nil
	}
	if node.SID == r.root {
		return SplitResult{}, ErrSplitRoot
	}

	var res SplitResult
	r.excise(node, users, &res)

	if parent, ok := r.bySID[node.Parent]; ok {
		delete(parent.children, node.SID)
	}
	return res, nil
}

// excise removes children before their parent so the index never holds a
// node whose parent is already gone.
func (r *Registry) excise(node *Node, users UserTable, res *SplitResult) {
	for _, sid := range node.ChildSIDs() {
		if child, ok := r.bySID[sid]; ok {
			r.excise(child, users, res)
		}
	}
	if users != nil {
		res.Users += users.RemoveByServer(node.SID)
	}
	delete(r.byName, foldName(node.Name))
	delete(r.bySID, node.SID)
	res.Servers = append(res.Servers, node.SID)
}
