package config

import (
	"fmt"
	"strings"
)

// Node is a statement in the configuration tree: either a leaf
// terminated by ';' or a block whose children are inside braces.
type Node struct {
	// Keys is the sequence of words forming the statement, including
	// the contents of any bracket list:
	//   "shards 4;"          -> ["shards", "4"]
	//   "cpus [ 2 3 ];"      -> ["cpus", "2", "3"]
	//   "source pcap { }"    -> ["source", "pcap"]
	Keys []string

	// Children are the statements within this block's braces.
	Children []*Node

	// IsLeaf is true when the node is terminated by ';'.
	IsLeaf bool

	// Line/Column where this node starts (for error reporting).
	Line   int
	Column int
}

// Name returns the first key of the node.
func (n *Node) Name() string {
	if len(n.Keys) == 0 {
		return ""
	}
	return n.Keys[0]
}

// Args returns the keys after the name.
func (n *Node) Args() []string {
	if len(n.Keys) < 2 {
		return nil
	}
	return n.Keys[1:]
}

// KeyPath returns the full key path as a single string.
func (n *Node) KeyPath() string {
	return strings.Join(n.Keys, " ")
}

// FindChild returns the first child whose first key matches name.
func (n *Node) FindChild(name string) *Node {
	return findChild(n.Children, name)
}

// FindChildren returns all children whose first key matches name.
func (n *Node) FindChildren(name string) []*Node {
	var result []*Node
	for _, child := range n.Children {
		if child.Name() == name {
			result = append(result, child)
		}
	}
	return result
}

func (n *Node) pos() string { return fmt.Sprintf("line %d", n.Line) }

// ConfigTree is the root of a parsed configuration.
type ConfigTree struct {
	Children []*Node
}

// FindChild returns the first top-level child matching name.
func (t *ConfigTree) FindChild(name string) *Node {
	return findChild(t.Children, name)
}

func findChild(nodes []*Node, name string) *Node {
	for _, child := range nodes {
		if child.Name() == name {
			return child
		}
	}
	return nil
}

// Format renders the tree as hierarchical configuration text.
func (t *ConfigTree) Format() string {
	var b strings.Builder
	formatNodes(&b, t.Children, 0)
	return b.String()
}

func formatNodes(b *strings.Builder, nodes []*Node, indent int) {
	prefix := strings.Repeat("    ", indent)
	for _, n := range nodes {
		if n.IsLeaf {
			fmt.Fprintf(b, "%s%s;\n", prefix, formatKeys(n.Keys))
			continue
		}
		fmt.Fprintf(b, "%s%s {\n", prefix, formatKeys(n.Keys))
		formatNodes(b, n.Children, indent+1)
		fmt.Fprintf(b, "%s}\n", prefix)
	}
}

// formatKeys quotes words the lexer would not read back as one word.
func formatKeys(keys []string) string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k
		if k == "" || strings.IndexFunc(k, func(r rune) bool { return r > 0x7f || !isIdentChar(byte(r)) }) >= 0 {
			out[i] = fmt.Sprintf("%q", k)
		}
	}
	return strings.Join(out, " ")
}
