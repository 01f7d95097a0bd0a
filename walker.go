package accesskit

import "fmt"

// ParentFn resolves the parent of a node. ok=false means the node has no
// parent (root) or is unknown; either way the walk stops there.
type ParentFn func(id string) (parent string, ok bool)

// Ancestors walks the parent chain upward from start and returns every
// ancestor id in order, nearest first. The start node itself is not included.
// A revisited id fails the walk with ErrCycleDetected rather than looping;
// the ancestors collected before the cycle are still returned so callers can
// keep the safely gathered portion.
func Ancestors(start string, parent ParentFn) ([]string, error) {
	var chain []string
	visited := map[string]struct{}{start: {}}
	cur := start
	for {
		p, ok := parent(cur)
		if !ok || p == "" {
			return chain, nil
		}
		if _, seen := visited[p]; seen {
			return chain, fmt.Errorf("walking up from %s: %w at %s", start, ErrCycleDetected, p)
		}
		visited[p] = struct{}{}
		chain = append(chain, p)
		cur = p
	}
}

// IsAncestor reports whether candidate appears in the ancestor chain of node.
// A cycle is treated as "not an ancestor" for the unreached portion.
func IsAncestor(candidate, node string, parent ParentFn) bool {
	if candidate == node {
		return true
	}
	chain, _ := Ancestors(node, parent)
	for _, id := range chain {
		if id == candidate {
			return true
		}
	}
	return false
}

// CheckAttach verifies that re-pointing child's parent at newParent keeps the
// graph acyclic: newParent must not be the child itself nor have the child in
// its own ancestor chain. Write paths run this against fresh data inside the
// same transaction (or compare-and-swap) that updates the parent pointer.
func CheckAttach(child, newParent string, parent ParentFn) error {
	if newParent == "" {
		return nil
	}
	if newParent == child {
		return fmt.Errorf("attaching %s to itself: %w", child, ErrCycleDetected)
	}
	chain, err := Ancestors(newParent, parent)
	if err != nil {
		return err
	}
	for _, id := range chain {
		if id == child {
			return fmt.Errorf("attaching %s under %s: %w", child, newParent, ErrCycleDetected)
		}
	}
	return nil
}

// mapParents adapts a child->parent map to a ParentFn.
func mapParents(m map[string]string) ParentFn {
	return func(id string) (string, bool) {
		p, ok := m[id]
		return p, ok
	}
}
