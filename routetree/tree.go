// Package routetree implements the recursive tree value used to encode
// routed-connection next-hop structure, and the spanning-tree construction
// algorithm that turns a flat next-hop routing table into a next-hop tree
// rooted at the local peer.
package routetree

import (
	"sort"

	"sreto/peerid"
)

// Tree is a recursive value: a peer identifier plus the set of subtrees
// reached through it. Equality is structural and order-independent —
// subtrees are conceptually a set, not a sequence.
type Tree struct {
	Value    peerid.Identifier
	Subtrees []Tree
}

// Leaf returns a childless tree for the given peer.
func Leaf(id peerid.Identifier) Tree {
	return Tree{Value: id}
}

// Equal reports whether t and other describe the same tree, ignoring
// subtree order at every level.
func (t Tree) Equal(other Tree) bool {
	if t.Value != other.Value {
		return false
	}
	if len(t.Subtrees) != len(other.Subtrees) {
		return false
	}
	a := t.sortedSubtrees()
	b := other.sortedSubtrees()
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func (t Tree) sortedSubtrees() []Tree {
	out := make([]Tree, len(t.Subtrees))
	copy(out, t.Subtrees)
	sort.Slice(out, func(i, j int) bool { return out[i].Value.Less(out[j].Value) })
	return out
}

// AddPath merges a linear path (child, grandchild, ...) into t, rooted
// directly below t.Value, merging equal prefixes with any existing subtree
// so that branches shared by two destinations appear only once.
func (t *Tree) AddPath(path []peerid.Identifier) {
	if len(path) == 0 {
		return
	}
	head, rest := path[0], path[1:]
	for i := range t.Subtrees {
		if t.Subtrees[i].Value == head {
			t.Subtrees[i].AddPath(rest)
			return
		}
	}
	child := Tree{Value: head}
	child.AddPath(rest)
	t.Subtrees = append(t.Subtrees, child)
}

// Children returns the direct children's peer identifiers, in a
// deterministic (sorted) order.
func (t Tree) Children() []peerid.Identifier {
	out := make([]peerid.Identifier, len(t.Subtrees))
	for i, s := range t.sortedSubtrees() {
		out[i] = s.Value
	}
	return out
}

// Subtree returns the child subtree rooted at id, if present.
func (t Tree) Subtree(id peerid.Identifier) (Tree, bool) {
	for _, s := range t.Subtrees {
		if s.Value == id {
			return s, true
		}
	}
	return Tree{}, false
}

// Leaves returns every peer identifier with no children, i.e. every
// destination reachable through this (sub)tree.
func (t Tree) Leaves() []peerid.Identifier {
	if len(t.Subtrees) == 0 {
		return []peerid.Identifier{t.Value}
	}
	var out []peerid.Identifier
	for _, s := range t.Subtrees {
		out = append(out, s.Leaves()...)
	}
	return out
}

// NextHopLookup resolves, for a given destination, the next-hop neighbor
// on the path from the local peer. It is the input the Router's routing
// table provides to Build.
type NextHopLookup func(destination peerid.Identifier) (nextHop peerid.Identifier, path []peerid.Identifier, ok bool)

// Build constructs the next-hop tree rooted at root for the destination set
// destinations, using lookup to resolve each destination's path. Building is
// deterministic: for identical (root, destinations, lookup results), the
// produced tree always compares Equal.
func Build(root peerid.Identifier, destinations []peerid.Identifier, lookup NextHopLookup) Tree {
	tree := Tree{Value: root}
	for _, dest := range destinations {
		if dest == root {
			continue
		}
		_, path, ok := lookup(dest)
		if !ok || len(path) == 0 {
			continue
		}
		tree.AddPath(path)
	}
	return tree
}
