package ring

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrEmptyRing is returned when a neighbour query runs on a ring without members
	ErrEmptyRing = errors.New("ring is empty")

	// ErrNoOwner is returned when no member can own a key
	ErrNoOwner = errors.New("no owner for key")
)

// Ring is the ordered, circular set of members sorted by identifier.
// Every read and write goes through mu; callers only ever see copies.
type Ring struct {
	mu    sync.RWMutex
	nodes []*Node
}

// New creates an empty ring.
func New() *Ring {
	return &Ring{nodes: make([]*Node, 0)}
}

// Add inserts node at its sorted position. It returns false when a member
// with the same identifier is already present.
func (r *Ring) Add(node *Node) bool {
	if node == nil || node.ID == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.search(node)
	if idx < len(r.nodes) && r.nodes[idx].Equals(node) {
		return false
	}

	r.nodes = append(r.nodes, nil)
	copy(r.nodes[idx+1:], r.nodes[idx:])
	r.nodes[idx] = node.Copy()
	return true
}

// Remove deletes node, returning false when it was not a member.
func (r *Ring) Remove(node *Node) bool {
	if node == nil || node.ID == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.search(node)
	if idx >= len(r.nodes) || !r.nodes[idx].Equals(node) {
		return false
	}
	r.nodes = append(r.nodes[:idx], r.nodes[idx+1:]...)
	return true
}

// Contains reports whether node is a member.
func (r *Ring) Contains(node *Node) bool {
	if node == nil || node.ID == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.search(node)
	return idx < len(r.nodes) && r.nodes[idx].Equals(node)
}

// PredecessorOf returns the member immediately before node in ring order.
// node need not be a member; a sole member is its own predecessor.
func (r *Ring) PredecessorOf(node *Node) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot().PredecessorOf(node)
}

// SuccessorOf returns the member immediately after node in ring order.
// node need not be a member; a sole member is its own successor.
func (r *Ring) SuccessorOf(node *Node) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot().SuccessorOf(node)
}

// Len returns the number of members.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Nodes returns a copy of the members in identifier order.
func (r *Ring) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyNodes(r.nodes)
}

// Snapshot captures the current membership for lock-free routing decisions.
func (r *Ring) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{nodes: copyNodes(r.nodes)}
}

// Replace installs a new membership view in one step. Duplicate
// identifiers collapse to a single member.
func (r *Ring) Replace(nodes []*Node) {
	view := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil && n.ID != nil {
			view = append(view, n.Copy())
		}
	}
	sort.Slice(view, func(i, j int) bool { return view[i].ID.Cmp(view[j].ID) < 0 })

	deduped := view[:0]
	for i, n := range view {
		if i > 0 && n.Equals(deduped[len(deduped)-1]) {
			continue
		}
		deduped = append(deduped, n)
	}

	r.mu.Lock()
	r.nodes = deduped
	r.mu.Unlock()
}

// Clear drops every member.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.nodes = make([]*Node, 0)
	r.mu.Unlock()
}

// search returns the index of the first member whose ID is >= node.ID.
// Must be called with mu held.
func (r *Ring) search(node *Node) int {
	return sort.Search(len(r.nodes), func(i int) bool {
		return r.nodes[i].ID.Cmp(node.ID) >= 0
	})
}

// snapshot wraps the live slice without copying. Must be called with mu held
// and the result must not escape the lock.
func (r *Ring) snapshot() Snapshot {
	return Snapshot{nodes: r.nodes}
}

func copyNodes(nodes []*Node) []*Node {
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Copy()
	}
	return out
}
