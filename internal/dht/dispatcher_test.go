package dht

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/ring"
	"github.com/zde37/kvring/internal/store"
)

func TestHandle_Bootstrap(t *testing.T) {
	node := createTestNode(t, newNetwork(), 5000)
	require.NoError(t, node.Create())

	assert.Equal(t, InTable, node.State())
	members := node.Members()
	require.Len(t, members, 1)
	assert.True(t, members[0].Equals(node.Self()))

	key := store.KeyFromString("alpha")
	put(t, node, key, "one")

	resp, err := node.Handle(context.Background(), message.New(message.CmdGet, key, nil))
	require.NoError(t, err)
	assert.Equal(t, store.Success, resp.Code)
	assert.Equal(t, []byte("one"), resp.Value)

	// a second create is ignored
	assert.ErrorIs(t, node.Create(), ErrAlreadyMember)
	assert.Len(t, node.Members(), 1)
	assert.True(t, stored(node, key))
}

func TestHandle_KeyedRequests(t *testing.T) {
	node := createTestNode(t, newNetwork(), 5000)
	require.NoError(t, node.Create())
	ctx := context.Background()
	key := store.KeyFromString("alpha")

	tests := []struct {
		name  string
		msg   *message.Message
		code  store.ResultCode
		value []byte
	}{
		{"get missing", message.New(message.CmdGet, key, nil), store.KeyNotFound, nil},
		{"remove missing", message.New(message.CmdRemove, key, nil), store.KeyNotFound, nil},
		{"put", message.New(message.CmdPut, key, []byte("v1")), store.Success, nil},
		{"overwrite", message.New(message.CmdPut, key, []byte("v2")), store.Success, nil},
		{"get", message.New(message.CmdGet, key, nil), store.Success, []byte("v2")},
		{"oversized value", message.New(message.CmdPut, key, []byte(strings.Repeat("x", 15001))), store.InvalidValue, nil},
		{"remove", message.New(message.CmdRemove, key, nil), store.Success, nil},
		{"get removed", message.New(message.CmdGet, key, nil), store.KeyNotFound, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := node.Handle(ctx, tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.ID, resp.ID)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.value, resp.Value)
		})
	}
}

func TestHandle_UnaffiliatedDropsKeyedRequests(t *testing.T) {
	node := createTestNode(t, newNetwork(), 5000)

	for _, cmd := range []message.Command{message.CmdPut, message.CmdGet, message.CmdRemove} {
		resp, err := node.Handle(context.Background(), message.New(cmd, store.KeyFromString("alpha"), []byte("v")))
		assert.Nil(t, resp)
		assert.ErrorIs(t, err, ErrDropped)
		assert.ErrorIs(t, err, ring.ErrNoOwner)
	}

	assert.Equal(t, Unaffiliated, node.State())
	assert.Equal(t, 0, node.store.Len())
}

func TestHandle_UnrecognizedCommand(t *testing.T) {
	node := createTestNode(t, newNetwork(), 5000)
	require.NoError(t, node.Create())

	msg := message.New(message.Command(0x7f), store.KeyFromString("alpha"), nil)
	resp, err := node.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, store.UnrecognizedCommand, resp.Code)

	// an echo must wrap a keyed command
	echo := message.New(message.CmdEcho, store.KeyFromString("alpha"), nil)
	echo.Echoed = message.CmdCreate
	resp, err = node.Handle(context.Background(), echo)
	require.NoError(t, err)
	assert.Equal(t, store.UnrecognizedCommand, resp.Code)

	_, err = node.Handle(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHandle_ForwardRelaysOwnerResponse(t *testing.T) {
	nw := newNetwork()
	nodes := buildRing(t, nw, 5000, 5010)
	a, b := nodes[0], nodes[1]

	key := keyOwnedBy(t, a.ring.Snapshot(), b.Self())
	put(t, a, key, "remote")

	get := message.New(message.CmdGet, key, nil)
	resp, err := a.Handle(context.Background(), get)
	require.NoError(t, err)
	assert.Equal(t, get.ID, resp.ID)
	assert.Equal(t, store.Success, resp.Code)
	assert.Equal(t, []byte("remote"), resp.Value)

	echoes := nw.sent(func(d delivery) bool {
		return d.msg.Command == message.CmdEcho && d.msg.ID == get.ID
	})
	require.Len(t, echoes, 1)
	assert.Equal(t, b.Self().Address(), echoes[0].to)
	assert.Equal(t, message.CmdGet, echoes[0].msg.Echoed)
	assert.Equal(t, 1, echoes[0].msg.Hops)
}

func TestHandle_HopLimit(t *testing.T) {
	nw := newNetwork()
	nodes := buildRing(t, nw, 5000, 5010)
	a, b := nodes[0], nodes[1]

	key := keyOwnedBy(t, a.ring.Snapshot(), b.Self())
	msg := message.New(message.CmdGet, key, nil).Echo()
	msg.Hops = a.config.MaxHops

	resp, err := a.Handle(context.Background(), msg)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrDropped)
}

func TestHandle_ForwardToUnreachableOwner(t *testing.T) {
	nw := newNetwork()
	nodes := buildRing(t, nw, 5000, 5010)
	a, b := nodes[0], nodes[1]

	key := keyOwnedBy(t, a.ring.Snapshot(), b.Self())
	nw.mu.Lock()
	delete(nw.nodes, b.Self().Address())
	nw.mu.Unlock()

	resp, err := a.Handle(context.Background(), message.New(message.CmdGet, key, nil))
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrDropped)
}

func TestReplication_ThreeNodes(t *testing.T) {
	nw := newNetwork()
	nodes := buildRing(t, nw, 5000, 5010, 5020)

	snap := nodes[0].ring.Snapshot()
	for _, owner := range nodes {
		t.Run(owner.Self().Address(), func(t *testing.T) {
			key := keyOwnedBy(t, snap, owner.Self())

			// write through a node that does not own the key
			entry := nodes[0]
			if entry == owner {
				entry = nodes[1]
			}
			put(t, entry, key, "replicated")

			for _, n := range nodes {
				require.Eventually(t, func() bool { return stored(n, key) }, 2*time.Second, 10*time.Millisecond)
			}

			replicas := nw.sent(func(d delivery) bool {
				return d.msg.Command == message.CmdReplicatePut && d.msg.Key == key
			})
			require.Len(t, replicas, 2)
			for _, d := range replicas {
				assert.True(t, d.msg.Sender.Equals(owner.Self()), "replica sent by %s", d.msg.Sender)
				assert.False(t, d.to == owner.Self().Address())
			}
		})
	}
}

func TestReplication_TwoNodes(t *testing.T) {
	nw := newNetwork()
	nodes := buildRing(t, nw, 5000, 5010)
	a, b := nodes[0], nodes[1]

	key := keyOwnedBy(t, a.ring.Snapshot(), a.Self())
	put(t, a, key, "v")

	require.Eventually(t, func() bool { return stored(b, key) }, 2*time.Second, 10*time.Millisecond)

	// predecessor and successor coincide, so exactly one replica is sent
	replicas := nw.sent(func(d delivery) bool {
		return d.msg.Command == message.CmdReplicatePut && d.msg.Key == key
	})
	assert.Len(t, replicas, 1)
}

func TestReplication_ReplicaIsNotReplicated(t *testing.T) {
	nw := newNetwork()
	nodes := buildRing(t, nw, 5000, 5010, 5020)
	a, b := nodes[0], nodes[1]

	// a replica lands on a, whatever the key's owner
	key := store.KeyFromString("replica-only")
	replica := message.Replicate(store.Record{Key: key, Value: []byte("v")}, b.Self())
	resp, err := a.Handle(context.Background(), replica)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.True(t, stored(a, key))

	time.Sleep(50 * time.Millisecond)
	onward := nw.sent(func(d delivery) bool {
		return d.msg.Command == message.CmdReplicatePut && d.msg.Key == key && d.msg.Sender.Equals(a.Self())
	})
	assert.Empty(t, onward)
}

func TestReplication_FailureDoesNotFailWrite(t *testing.T) {
	nw := newNetwork()
	nodes := buildRing(t, nw, 5000, 5010, 5020)
	owner := nodes[0]

	for _, n := range nodes[1:] {
		nw.mu.Lock()
		delete(nw.nodes, n.Self().Address())
		nw.mu.Unlock()
	}

	key := keyOwnedBy(t, owner.ring.Snapshot(), owner.Self())
	put(t, owner, key, "v")
	assert.True(t, stored(owner, key))
}
