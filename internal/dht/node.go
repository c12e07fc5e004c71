package dht

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/kvring/internal/config"
	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/ring"
	"github.com/zde37/kvring/internal/store"
	"github.com/zde37/kvring/pkg"
	"github.com/zde37/kvring/pkg/hash"
)

// State is the membership state of the local node.
type State int32

const (
	// Unaffiliated nodes hold no ring view and drop keyed requests.
	Unaffiliated State = iota
	// InTable nodes are members and serve their arc.
	InTable
	// Leaving nodes are handing their records off before departing.
	Leaving
)

func (s State) String() string {
	switch s {
	case Unaffiliated:
		return "unaffiliated"
	case InTable:
		return "in_table"
	case Leaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// joinResponseBuffer bounds the join responses queued for the join loop.
const joinResponseBuffer = 8

// Node is the server context of a ring member. It owns the membership view,
// the local store and the join state machine, and it is shared by the
// command and join endpoints.
type Node struct {
	self   *ring.Node
	config *config.Config

	ring  *ring.Ring
	store *store.Store

	logger *pkg.Logger

	// Remote client for messages to other nodes
	remote RemoteClient

	// Optional ring update broadcaster
	broadcaster   RingUpdateBroadcaster
	broadcasterMu sync.RWMutex

	// Nodes from the member list other than ourselves
	candidates []config.Member

	// Membership state; transitions hold stateMu
	state         atomic.Int32
	stateMu       sync.Mutex
	stateListener func(State)

	// Join loop
	joining       atomic.Bool
	joinResponses chan *message.Message
	pickIndex     func(n int) int

	// Join sponsored by this node, at most one at a time
	pending   *pendingJoin
	pendingMu sync.Mutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdown   bool
	shutdownMu sync.RWMutex
}

// NewNode creates an unaffiliated node. members is the bootstrap member list;
// entries matching the node's own address are excluded from join candidates.
func NewNode(cfg *config.Config, members []config.Member, logger *pkg.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	self := ring.NewNode(cfg.Host, cfg.Port, cfg.JoinPort)

	candidates := make([]config.Member, 0, len(members))
	for _, m := range members {
		if m.Address() == self.Address() {
			continue
		}
		candidates = append(candidates, m)
	}

	ctx, cancel := context.WithCancel(context.Background())

	node := &Node{
		self:   self,
		config: cfg,
		ring:   ring.New(),
		store: store.New(&store.Config{
			MaxRecords:   cfg.MaxRecords,
			MaxValueSize: cfg.MaxValueSize,
		}),
		logger:        logger.WithFields(pkg.Fields{"node_id": hash.Short(self.ID)}),
		candidates:    candidates,
		joinResponses: make(chan *message.Message, joinResponseBuffer),
		pickIndex:     rand.IntN,
		ctx:           ctx,
		cancel:        cancel,
	}

	node.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("join_port", cfg.JoinPort).
		Int("candidates", len(candidates)).
		Str("node_id", self.IDText()).
		Msg("Node created")

	return node, nil
}

// Self returns a copy of the local node's identity.
func (n *Node) Self() *ring.Node {
	return n.self.Copy()
}

// SetRemote sets the remote client for messages to other nodes.
func (n *Node) SetRemote(remote RemoteClient) {
	n.remote = remote
}

// SetBroadcaster sets the ring update broadcaster.
func (n *Node) SetBroadcaster(b RingUpdateBroadcaster) {
	n.broadcasterMu.Lock()
	defer n.broadcasterMu.Unlock()
	n.broadcaster = b
}

// SetStateListener registers fn to be called after every state transition.
// It must be set before the node starts serving.
func (n *Node) SetStateListener(fn func(State)) {
	n.stateListener = fn
}

// State returns the current membership state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// IsMember reports whether the node currently belongs to a ring.
func (n *Node) IsMember() bool {
	return n.State() != Unaffiliated
}

// setState records a transition. Callers hold stateMu.
func (n *Node) setState(s State) {
	prev := State(n.state.Swap(int32(s)))
	if prev == s {
		return
	}

	n.logger.Info().
		Str("from", prev.String()).
		Str("to", s.String()).
		Msg("Membership state changed")

	if n.stateListener != nil {
		n.stateListener(s)
	}
}

// View is a point-in-time description of the node for the HTTP API.
type View struct {
	Self    *ring.Node   `json:"self"`
	State   string       `json:"state"`
	Members []*ring.Node `json:"members"`
	Stats   store.Stats  `json:"stats"`
}

// View returns the node's identity, state, ring view and store counters.
func (n *Node) View() View {
	return View{
		Self:    n.self.Copy(),
		State:   n.State().String(),
		Members: n.ring.Nodes(),
		Stats:   n.store.Stats(),
	}
}

// Members returns the ring view in identifier order.
func (n *Node) Members() []*ring.Node {
	return n.ring.Nodes()
}

// broadcast publishes a ring update event if a broadcaster is set.
func (n *Node) broadcast(eventType string, node *ring.Node, msg string) {
	n.broadcasterMu.RLock()
	b := n.broadcaster
	n.broadcasterMu.RUnlock()

	if b == nil {
		return
	}

	event := RingUpdateEvent{
		Type:      eventType,
		NodeID:    node.IDText(),
		Address:   node.Address(),
		RingSize:  n.ring.Len(),
		Timestamp: time.Now().Unix(),
		Message:   msg,
	}
	if err := b.BroadcastRingUpdate(event); err != nil {
		n.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to broadcast ring update")
	}
}

// spawn runs fn in a tracked goroutine unless the node is shutting down.
func (n *Node) spawn(fn func(ctx context.Context)) {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	if n.shutdown {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.ctx)
	}()
}

// Shutdown stops background work and releases the store.
func (n *Node) Shutdown() error {
	n.shutdownMu.Lock()
	if n.shutdown {
		n.shutdownMu.Unlock()
		return nil
	}
	n.shutdown = true
	n.shutdownMu.Unlock()

	n.logger.Info().Msg("Shutting down node")

	n.cancel()
	n.wg.Wait()

	if err := n.store.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Failed to close store")
	}

	n.logger.Info().Msg("Node shutdown complete")
	return nil
}

// IsShutdown returns whether the node has been shutdown.
func (n *Node) IsShutdown() bool {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	return n.shutdown
}
