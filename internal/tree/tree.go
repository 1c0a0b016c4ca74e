package tree

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyTree      = errors.New("tree has no nodes")
	ErrNotBinary      = errors.New("tree is not strictly binary")
	ErrNegativeBranch = errors.New("child node is older than its parent")
)

// Node is a vertex of a rooted, time-calibrated binary tree. Heights are ages
// measured backwards from the most recent sample.
type Node struct {
	Nr     int
	ID     string
	Height float64
	Left   *Node
	Right  *Node
	Parent *Node
}

func (n *Node) IsLeaf() bool {
	return n.Left == nil && n.Right == nil
}

func (n *Node) IsRoot() bool {
	return n.Parent == nil
}

// Length is the branch length above the node; zero for the root.
func (n *Node) Length() float64 {
	if n.Parent == nil {
		return 0
	}
	return n.Parent.Height - n.Height
}

func (n *Node) Children() []*Node {
	children := make([]*Node, 0, 2)
	if n.Left != nil {
		children = append(children, n.Left)
	}
	if n.Right != nil {
		children = append(children, n.Right)
	}
	return children
}

// Tree owns the node set. Leaves are numbered 0..n-1 in left-to-right order
// and internal nodes n..2n-2 in post-order, so the root carries the highest
// number.
type Tree struct {
	Root   *Node
	nodes  []*Node
	leaves int
}

// New validates the topology below root, links parents and assigns node
// numbers. The topology is never modified afterwards.
func New(root *Node) (*Tree, error) {
	if root == nil {
		return nil, ErrEmptyTree
	}
	root.Parent = nil

	var leaves, internal []*Node
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if n.IsLeaf() {
			leaves = append(leaves, n)
			return nil
		}
		if n.Left == nil || n.Right == nil {
			return fmt.Errorf("%w: node %q has a single child", ErrNotBinary, n.ID)
		}
		for _, child := range n.Children() {
			if child.Height > n.Height {
				return fmt.Errorf("%w: %q (%g) above %q (%g)", ErrNegativeBranch, child.ID, child.Height, n.ID, n.Height)
			}
			child.Parent = n
			if err := walk(child); err != nil {
				return err
			}
		}
		internal = append(internal, n)
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}

	t := &Tree{Root: root, leaves: len(leaves)}
	t.nodes = make([]*Node, 0, len(leaves)+len(internal))
	for _, n := range leaves {
		n.Nr = len(t.nodes)
		t.nodes = append(t.nodes, n)
	}
	for _, n := range internal {
		n.Nr = len(t.nodes)
		t.nodes = append(t.nodes, n)
	}
	return t, nil
}

func (t *Tree) NodeCount() int {
	return len(t.nodes)
}

func (t *Tree) LeafCount() int {
	return t.leaves
}

func (t *Tree) Node(nr int) *Node {
	if nr < 0 || nr >= len(t.nodes) {
		return nil
	}
	return t.nodes[nr]
}

func (t *Tree) Nodes() []*Node {
	return append([]*Node(nil), t.nodes...)
}

func (t *Tree) Leaves() []*Node {
	return append([]*Node(nil), t.nodes[:t.leaves]...)
}

func (t *Tree) Internal() []*Node {
	return append([]*Node(nil), t.nodes[t.leaves:]...)
}

// MinLeafHeight is the height of the most recent sample.
func (t *Tree) MinLeafHeight() float64 {
	minHeight := t.nodes[0].Height
	for _, n := range t.nodes[1:t.leaves] {
		if n.Height < minHeight {
			minHeight = n.Height
		}
	}
	return minHeight
}

// SubtreeSize counts the nodes below and including n.
func SubtreeSize(n *Node) int {
	if n == nil {
		return 0
	}
	return 1 + SubtreeSize(n.Left) + SubtreeSize(n.Right)
}
