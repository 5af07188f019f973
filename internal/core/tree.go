package core

import "strings"

// node is one namespace entry. A plain category holds only children; a room
// node additionally carries room state. A category can still hold a room at a
// deeper path, so the two cases share one struct with a nil/non-nil room tag.
type node struct {
	children map[string]*node
	room     *Room
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// splitPath validates and splits a slash-delimited room path. Every segment
// must be non-empty; two paths are equal iff their segment sequences are.
func splitPath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidPath
	}
	segments := strings.Split(path, "/")
	for _, seg := range segments {
		if seg == "" {
			return nil, ErrInvalidPath
		}
	}
	return segments, nil
}

// walk returns the node at path, or nil if any segment is missing.
func (n *node) walk(segments []string) *node {
	cur := n
	for _, seg := range segments {
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// walkOrCreate returns the node at path, creating empty category nodes for
// every missing segment along the way.
func (n *node) walkOrCreate(segments []string) *node {
	cur := n
	for _, seg := range segments {
		next, ok := cur.children[seg]
		if !ok {
			next = newNode()
			cur.children[seg] = next
		}
		cur = next
	}
	return cur
}
