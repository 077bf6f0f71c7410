package ckvd

import "sort"

// indexNode is a trie node: {children, reference?} (§3 "Index node").
// A node may be a branch, a leaf, or both simultaneously (an internal key
// that is also itself a live SET).
type indexNode struct {
	children map[indexFragmentKey]*indexNode

	hasReference bool
	reference    int64
}

// indexFragmentKey is the trie's per-level map key: a fragment reduced to
// its kind and comparable value, since [fragment] itself holds
// range-only fields that are never relevant to a concrete key's path.
type indexFragmentKey struct {
	kind fragmentKind
	str  string
	num  float64
}

func fragmentIndexKey(fr fragment) indexFragmentKey {
	return indexFragmentKey{kind: fr.kind, str: fr.str, num: fr.num}
}

// index is the in-memory composite-key trie (§4.6).
type index struct {
	root *indexNode
}

func newIndex() *index {
	return &index{root: &indexNode{children: make(map[indexFragmentKey]*indexNode)}}
}

// add descends key's fragments, creating nodes as needed, and sets
// reference=offset at the leaf. A prior reference at that leaf is
// overwritten -- last write wins, matching the reference behavior's
// documented "add on existing key" semantics (§4.6, §9).
func (idx *index) add(key Key, offset int64) {
	node := idx.root

	for _, fr := range key.fragments {
		node = node.child(fr, true)
	}

	node.hasReference = true
	node.reference = offset
}

func (n *indexNode) child(fr fragment, create bool) *indexNode {
	k := fragmentIndexKey(fr)

	child, ok := n.children[k]
	if !ok {
		if !create {
			return nil
		}

		child = &indexNode{children: make(map[indexFragmentKey]*indexNode)}
		n.children[k] = child
	}

	return child
}

// delete unsets the reference at key's leaf, if present, and prunes
// upward any node left both referenceless and childless. Returns the
// prior offset, if any (§4.6).
func (idx *index) delete(key Key) (int64, bool) {
	path := make([]*indexNode, 0, len(key.fragments)+1)
	path = append(path, idx.root)

	node := idx.root

	for _, fr := range key.fragments {
		child := node.child(fr, false)
		if child == nil {
			return 0, false
		}

		path = append(path, child)
		node = child
	}

	if !node.hasReference {
		return 0, false
	}

	prior := node.reference
	node.hasReference = false
	node.reference = 0

	// Prune upward: a node with no children and no reference is dead
	// weight (§3 "Lifecycles").
	for i := len(path) - 1; i > 0; i-- {
		n := path[i]
		if len(n.children) > 0 || n.hasReference {
			break
		}

		parentFragKey := fragmentIndexKey(key.fragments[i-1])
		delete(path[i-1].children, parentFragKey)
	}

	return prior, true
}

// getExact walks straight down key's literal fragments and returns the
// reference at that exact node only, never a descendant's. Store.Get uses
// this instead of [index.get] so that a key which is also an internal
// prefix (e.g. "u" with "u.n" also live) resolves to its own reference
// rather than the minimum offset across its whole subtree (§4.6).
func (idx *index) getExact(key Key) (int64, bool) {
	node := idx.root

	for _, fr := range key.fragments {
		node = node.child(fr, false)
		if node == nil {
			return 0, false
		}
	}

	if !node.hasReference {
		return 0, false
	}

	return node.reference, true
}

// get implements §4.6 `get`: recursive descent matching query, collecting
// references in ascending ledger-offset order (descending if reverse),
// truncated to limit if limit > 0.
func (idx *index) get(query Query, limit int, reverse bool) []int64 {
	var offsets []int64

	idx.collect(idx.root, query.fragments, &offsets)

	sort.Slice(offsets, func(i, j int) bool {
		if reverse {
			return offsets[i] > offsets[j]
		}

		return offsets[i] < offsets[j]
	})

	if limit > 0 && len(offsets) > limit {
		offsets = offsets[:limit]
	}

	return offsets
}

func (idx *index) collect(node *indexNode, remaining []fragment, out *[]int64) {
	if len(remaining) == 0 {
		// A prefix query exhausted: collect this node's own reference
		// (if any) and recurse into every descendant -- the "recursive"
		// semantics used by count/iterate on a prefix query (§4.6).
		idx.collectSubtree(node, out)

		return
	}

	qf := remaining[0]
	rest := remaining[1:]

	if qf.kind != fragmentRange {
		child := node.child(qf, false)
		if child == nil {
			return
		}

		idx.collect(child, rest, out)

		return
	}

	for k, child := range node.children {
		if !rangeKeyMatches(k, qf) {
			continue
		}

		idx.collect(child, rest, out)
	}
}

func (idx *index) collectSubtree(node *indexNode, out *[]int64) {
	if node.hasReference {
		*out = append(*out, node.reference)
	}

	for _, child := range node.children {
		idx.collectSubtree(child, out)
	}
}

func rangeKeyMatches(k indexFragmentKey, qf fragment) bool {
	if !qf.hasFrom && !qf.hasTo {
		return true
	}

	if qf.rangeIsStr {
		if k.kind != fragmentString {
			return false
		}

		if qf.hasFrom && k.str < qf.rangeFromStr {
			return false
		}

		if qf.hasTo && k.str > qf.rangeToStr {
			return false
		}

		return true
	}

	if k.kind != fragmentNumber {
		return false
	}

	if qf.hasFrom && k.num < qf.rangeFrom {
		return false
	}

	if qf.hasTo && k.num > qf.rangeTo {
		return false
	}

	return true
}

// getChildKeys navigates to the node identified by query (root if query
// is nil) and returns the string form of each immediate child
// fragment (§4.6).
func (idx *index) getChildKeys(query *Query) []string {
	node := idx.root

	if query != nil {
		for _, fr := range query.fragments {
			if fr.kind == fragmentRange {
				// getChildKeys navigates a literal path only; a range
				// fragment has no single matching child to descend into.
				return nil
			}

			child := node.child(fr, false)
			if child == nil {
				return nil
			}

			node = child
		}
	}

	keys := make([]string, 0, len(node.children))

	for k := range node.children {
		keys = append(keys, stringifyIndexFragmentKey(k))
	}

	sort.Strings(keys)

	return keys
}

func stringifyIndexFragmentKey(k indexFragmentKey) string {
	if k.kind == fragmentString {
		return k.str
	}

	return "#" + formatNumber(k.num)
}

// clear resets the tree to an empty root (§4.6 `clear`).
func (idx *index) clear() {
	idx.root = &indexNode{children: make(map[indexFragmentKey]*indexNode)}
}
