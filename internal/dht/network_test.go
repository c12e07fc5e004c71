package dht

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/kvring/internal/config"
	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/ring"
	"github.com/zde37/kvring/internal/store"
	"github.com/zde37/kvring/pkg"
)

// delivery is one message seen by the in-memory network.
type delivery struct {
	to  string
	msg *message.Message
}

// network connects nodes in memory. Deliveries are synchronous and every
// message is logged.
type network struct {
	mu     sync.Mutex
	nodes  map[string]*Node
	joins  map[string]*Node
	silent map[string]bool
	log    []delivery

	// called before a join response is delivered
	onJoinResponse func(msg *message.Message)
}

func newNetwork() *network {
	return &network{
		nodes:  make(map[string]*Node),
		joins:  make(map[string]*Node),
		silent: make(map[string]bool),
	}
}

func (nw *network) attach(n *Node) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.nodes[n.self.Address()] = n
	nw.joins[n.self.JoinAddress()] = n
	n.SetRemote(nw)
}

// silence makes address accept messages without acting on them.
func (nw *network) silence(address string) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.silent[address] = true
}

func (nw *network) Send(ctx context.Context, address string, msg *message.Message) (*message.Response, error) {
	nw.mu.Lock()
	nw.log = append(nw.log, delivery{to: address, msg: msg})
	node := nw.nodes[address]
	silent := nw.silent[address]
	nw.mu.Unlock()

	if silent {
		return nil, nil
	}
	if node == nil {
		return nil, fmt.Errorf("connection refused: %s", address)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return node.Handle(ctx, msg)
}

func (nw *network) SendJoinResponse(ctx context.Context, address string, msg *message.Message) error {
	nw.mu.Lock()
	nw.log = append(nw.log, delivery{to: address, msg: msg})
	node := nw.joins[address]
	hook := nw.onJoinResponse
	nw.mu.Unlock()

	if node == nil {
		return fmt.Errorf("connection refused: %s", address)
	}
	if hook != nil {
		hook(msg)
	}
	node.DeliverJoinResponse(msg)
	return nil
}

// sent returns the logged deliveries matching fn.
func (nw *network) sent(fn func(d delivery) bool) []delivery {
	nw.mu.Lock()
	defer nw.mu.Unlock()

	var out []delivery
	for _, d := range nw.log {
		if fn(d) {
			out = append(out, d)
		}
	}
	return out
}

func testConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.JoinPort = port + 1
	cfg.JoinTimeout = 300 * time.Millisecond
	cfg.JoinJitter = 10 * time.Millisecond
	cfg.RPCTimeout = time.Second
	cfg.ReplicationTimeout = 500 * time.Millisecond
	return cfg
}

func testLogger(t *testing.T) *pkg.Logger {
	logCfg := pkg.DefaultConfig()
	logCfg.Level = "error"
	logger, err := pkg.New(logCfg)
	require.NoError(t, err)
	return logger
}

func member(port int) config.Member {
	return config.Member{Host: "127.0.0.1", Port: port}
}

// createTestNode builds a node on port, attached to nw, with the given
// member list.
func createTestNode(t *testing.T, nw *network, port int, members ...config.Member) *Node {
	return createTestNodeWithConfig(t, nw, testConfig(port), members...)
}

func createTestNodeWithConfig(t *testing.T, nw *network, cfg *config.Config, members ...config.Member) *Node {
	node, err := NewNode(cfg, members, testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, node)

	nw.attach(node)
	t.Cleanup(func() { _ = node.Shutdown() })
	return node
}

// buildRing creates a ring on the first port and joins the rest one by one
// through the first node.
func buildRing(t *testing.T, nw *network, ports ...int) []*Node {
	first := member(ports[0])
	nodes := make([]*Node, 0, len(ports))

	nodes = append(nodes, createTestNode(t, nw, ports[0]))
	require.NoError(t, nodes[0].Create())

	for _, port := range ports[1:] {
		n := createTestNode(t, nw, port, first)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, n.Join(ctx))
		cancel()
		nodes = append(nodes, n)
	}

	waitForMembers(t, len(ports), nodes...)
	return nodes
}

// waitForMembers waits until every node's ring view has size members.
func waitForMembers(t *testing.T, size int, nodes ...*Node) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.ring.Len() != size {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

// keyOwnedBy finds a key that owner is responsible for in snap.
func keyOwnedBy(t *testing.T, snap ring.Snapshot, owner *ring.Node) store.Key {
	t.Helper()
	for i := 0; i < 10000; i++ {
		key := store.KeyFromString(fmt.Sprintf("key-%d", i))
		o, err := snap.OwnerOf(key)
		require.NoError(t, err)
		if o.Equals(owner) {
			return key
		}
	}
	t.Fatalf("no key owned by %s", owner)
	return store.Key{}
}

func put(t *testing.T, n *Node, key store.Key, value string) {
	t.Helper()
	resp, err := n.Handle(context.Background(), message.New(message.CmdPut, key, []byte(value)))
	require.NoError(t, err)
	require.Equal(t, store.Success, resp.Code)
}

func stored(n *Node, key store.Key) bool {
	_, code := n.store.Get(key)
	return code == store.Success
}

func addresses(nodes []*ring.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Address()
	}
	return out
}
