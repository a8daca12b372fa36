// Package cmdtree defines the offloadctl command tree: tab completion,
// "?" help and command resolution all walk the same nodes.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Env carries the daemon state that dynamic completions draw from.
type Env struct {
	Shards int
}

// Node is one command word. DynamicFn supplies values, such as shard
// numbers, that are only known at runtime.
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(env Env) []string
}

// Candidate is one completion shown in help output.
type Candidate struct {
	Name string
	Desc string
}

func shardValues(env Env) []string {
	out := make([]string, env.Shards)
	for i := range out {
		out[i] = strconv.Itoa(i)
	}
	return out
}

var protocols = func(Env) []string { return []string{"tcp", "udp"} }

var eventTypes = func(Env) []string {
	return []string{"AGED", "INSTALL_FAIL", "ORPHAN", "QUEUE_FULL", "REMOVED", "REMOVE_FAIL", "REMOVE_MISS", "STALE_AGED"}
}

// OperationalTree is the offloadctl command tree.
var OperationalTree = map[string]*Node{
	"show": {Desc: "Show information", Children: map[string]*Node{
		"statistics": {Desc: "Show engine statistics", Children: map[string]*Node{
			"shards":      {Desc: "Show per-shard counters"},
			"classifiers": {Desc: "Show per-classifier counters"},
		}},
		"flows": {Desc: "Show offloaded flows", Children: map[string]*Node{
			"shard": {Desc: "Show flows of one shard", DynamicFn: shardValues},
			"limit": {Desc: "Maximum flows to show"},
		}},
		"events": {Desc: "Show recent offload events", Children: map[string]*Node{
			"type":  {Desc: "Show events of one type", DynamicFn: eventTypes},
			"limit": {Desc: "Maximum events to show"},
		}},
	}},
	"clear": {Desc: "Clear information", Children: map[string]*Node{
		"flow": {Desc: "Remove an offloaded flow: <protocol> <src> <dst>", DynamicFn: protocols},
	}},
	"help": {Desc: "Show command help"},
	"quit": {Desc: "Exit"},
	"exit": {Desc: "Exit"},
}

// KeysFromTree returns the sorted command names of one tree level.
func KeysFromTree(tree map[string]*Node) []string {
	keys := KeysOf(tree)
	sort.Strings(keys)
	return keys
}

// HelpCandidates lists a level of the tree, sorted by name.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// CompleteFromTree returns the names that can follow words and start
// with partial.
func CompleteFromTree(tree map[string]*Node, words []string, partial string, env Env) []string {
	var names []string
	for _, c := range CompleteFromTreeWithDesc(tree, words, partial, env) {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// CompleteFromTreeWithDesc is CompleteFromTree with descriptions.
func CompleteFromTreeWithDesc(tree map[string]*Node, words []string, partial string, env Env) []Candidate {
	current := tree
	var currentNode *Node
	dynamicConsumed := false
	for _, w := range words {
		dynamicConsumed = false
		node, ok := current[w]
		if !ok {
			// Word not in static children: if the parent has DynamicFn,
			// treat it as a value and stay at the same level.
			if currentNode != nil && currentNode.DynamicFn != nil {
				dynamicConsumed = true
				continue
			}
			return nil
		}
		currentNode = node
		if node.Children == nil {
			if node.DynamicFn != nil {
				return dynamicCandidates(node, partial, env)
			}
			return nil
		}
		current = node.Children
	}

	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	if !dynamicConsumed && currentNode != nil && currentNode.DynamicFn != nil {
		candidates = append(candidates, dynamicCandidates(currentNode, partial, env)...)
	}
	return candidates
}

func dynamicCandidates(node *Node, partial string, env Env) []Candidate {
	var candidates []Candidate
	for _, name := range node.DynamicFn(env) {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name})
		}
	}
	return candidates
}

// Resolve expands unambiguous prefixes of command words ("sh fl" to
// "show flows"). Words past the static tree, such as values, are kept
// as typed.
func Resolve(tree map[string]*Node, words []string) ([]string, error) {
	out := make([]string, 0, len(words))
	current := tree
	for i, w := range words {
		if current == nil {
			return append(out, words[i:]...), nil
		}
		node, ok := current[w]
		if !ok {
			matches := FilterPrefix(KeysFromTree(current), w)
			switch len(matches) {
			case 0:
				if len(out) == 0 {
					return nil, fmt.Errorf("unknown command: %s", w)
				}
				// A value, e.g. the 3 in "show flows shard 3".
				out = append(out, w)
				continue
			case 1:
				w = matches[0]
				node = current[w]
			default:
				return nil, fmt.Errorf("ambiguous %q: %s", w, strings.Join(matches, ", "))
			}
		}
		out = append(out, w)
		current = node.Children
	}
	return out, nil
}

// WriteHelp writes candidates as an aligned two-column list.
// It issues a single write so readline redraws the prompt once.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// CommonPrefix returns the longest prefix shared by items.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// KeysOf returns the command names of one tree level in map order.
func KeysOf(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// FilterPrefix keeps the items starting with prefix.
func FilterPrefix(items []string, prefix string) []string {
	if prefix == "" {
		return items
	}
	var result []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	return result
}
