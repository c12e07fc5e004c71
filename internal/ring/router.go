package ring

import (
	"math/big"
	"sort"

	"github.com/zde37/kvring/internal/store"
	"github.com/zde37/kvring/pkg/hash"
)

// Snapshot is an immutable membership view. Routing over a snapshot is a pure
// function of its members, so nodes holding equal views agree on every owner.
type Snapshot struct {
	nodes []*Node
}

// NewSnapshot builds a view from an arbitrary member list.
func NewSnapshot(nodes []*Node) Snapshot {
	r := New()
	r.Replace(nodes)
	return Snapshot{nodes: r.nodes}
}

// Len returns the number of members in the view.
func (s Snapshot) Len() int {
	return len(s.nodes)
}

// Nodes returns a copy of the members in identifier order.
func (s Snapshot) Nodes() []*Node {
	return copyNodes(s.nodes)
}

// OwnerOf resolves the member responsible for key: the first member whose
// identifier is greater than or equal to the key's, wrapping to the smallest.
func (s Snapshot) OwnerOf(key store.Key) (*Node, error) {
	return s.OwnerOfID(key.ID())
}

// OwnerOfID applies the ownership rule to a raw identifier.
func (s Snapshot) OwnerOfID(id *big.Int) (*Node, error) {
	if len(s.nodes) == 0 {
		return nil, ErrNoOwner
	}
	idx := sort.Search(len(s.nodes), func(i int) bool {
		return s.nodes[i].ID.Cmp(id) >= 0
	})
	if idx == len(s.nodes) {
		idx = 0
	}
	return s.nodes[idx].Copy(), nil
}

// PredecessorOf returns the last member with an identifier below node's,
// wrapping to the largest.
func (s Snapshot) PredecessorOf(node *Node) (*Node, error) {
	if len(s.nodes) == 0 {
		return nil, ErrEmptyRing
	}
	idx := sort.Search(len(s.nodes), func(i int) bool {
		return s.nodes[i].ID.Cmp(node.ID) >= 0
	})
	if idx == 0 {
		idx = len(s.nodes)
	}
	return s.nodes[idx-1].Copy(), nil
}

// SuccessorOf returns the first member with an identifier above node's,
// wrapping to the smallest.
func (s Snapshot) SuccessorOf(node *Node) (*Node, error) {
	if len(s.nodes) == 0 {
		return nil, ErrEmptyRing
	}
	idx := sort.Search(len(s.nodes), func(i int) bool {
		return s.nodes[i].ID.Cmp(node.ID) > 0
	})
	if idx == len(s.nodes) {
		idx = 0
	}
	return s.nodes[idx].Copy(), nil
}

// SponsorFor returns the member that currently owns node's identifier, not
// counting node itself. It is the member that hands its arc over when node
// joins.
func (s Snapshot) SponsorFor(node *Node) (*Node, error) {
	succ, err := s.SuccessorOf(node)
	if err != nil {
		return nil, ErrNoOwner
	}
	if succ.Equals(node) {
		return nil, ErrNoOwner
	}
	return succ, nil
}

// ReplicasOf returns the members that hold copies of owner's primaries: its
// predecessor and successor, skipping owner and duplicates. A ring of one has
// no replicas and a ring of two has one.
func (s Snapshot) ReplicasOf(owner *Node) []*Node {
	replicas := make([]*Node, 0, 2)
	pred, err := s.PredecessorOf(owner)
	if err != nil {
		return replicas
	}
	if !pred.Equals(owner) {
		replicas = append(replicas, pred)
	}
	succ, err := s.SuccessorOf(owner)
	if err == nil && !succ.Equals(owner) && !succ.Equals(pred) {
		replicas = append(replicas, succ)
	}
	return replicas
}

// ReplicaSet returns the owner of key followed by its replicas.
func (s Snapshot) ReplicaSet(key store.Key) ([]*Node, error) {
	owner, err := s.OwnerOf(key)
	if err != nil {
		return nil, err
	}
	return append([]*Node{owner}, s.ReplicasOf(owner)...), nil
}

// Arc is the identifier interval (Start, End] owned by one member.
type Arc struct {
	Start *big.Int
	End   *big.Int
	// Full marks the arc of a sole member, which covers the whole ring
	Full bool
}

// Contains reports whether id falls inside the arc.
func (a Arc) Contains(id *big.Int) bool {
	return a.Full || hash.InRange(id, a.Start, a.End)
}

// ContainsKey reports whether key routes into the arc.
func (a Arc) ContainsKey(key store.Key) bool {
	return a.Contains(key.ID())
}

// ArcFor returns the arc node owns, or would own once inserted: from the
// nearest other member below it (exclusive) up to node itself (inclusive).
func (s Snapshot) ArcFor(node *Node) Arc {
	var pred *Node
	for i := len(s.nodes) - 1; i >= 0; i-- {
		if s.nodes[i].ID.Cmp(node.ID) < 0 {
			pred = s.nodes[i]
			break
		}
	}
	if pred == nil {
		// wrap to the largest member that is not node
		for i := len(s.nodes) - 1; i >= 0; i-- {
			if !s.nodes[i].Equals(node) {
				pred = s.nodes[i]
				break
			}
		}
	}
	if pred == nil {
		return Arc{Full: true}
	}
	return Arc{
		Start: new(big.Int).Set(pred.ID),
		End:   new(big.Int).Set(node.ID),
	}
}

// OwnerOf resolves the owner of key against the current membership.
func (r *Ring) OwnerOf(key store.Key) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot().OwnerOf(key)
}

// OwnerOfID resolves the owner of a raw identifier.
func (r *Ring) OwnerOfID(id *big.Int) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot().OwnerOfID(id)
}

// SponsorFor returns the member that must sponsor node's admission.
func (r *Ring) SponsorFor(node *Node) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot().SponsorFor(node)
}

// ArcFor returns the arc node owns, or would own once inserted.
func (r *Ring) ArcFor(node *Node) Arc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot().ArcFor(node)
}

// ReplicasOf returns the replica holders for owner's primaries.
func (r *Ring) ReplicasOf(owner *Node) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot().ReplicasOf(owner)
}
