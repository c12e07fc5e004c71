package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/kvring/internal/config"
	"github.com/zde37/kvring/internal/dht"
	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/store"
	"github.com/zde37/kvring/internal/transport"
	"github.com/zde37/kvring/pkg"
)

// testCluster is a set of nodes talking over loopback gRPC.
type testCluster struct {
	nodes   []*dht.Node
	servers []*transport.GRPCServer
	clients []*transport.GRPCClient
	client  *transport.GRPCClient
	logger  *pkg.Logger
}

// newTestCluster starts size nodes on consecutive port pairs from basePort.
// Every node's member list names all the others. No node is a ring member yet.
func newTestCluster(t *testing.T, basePort, size int) *testCluster {
	t.Helper()

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = "error"
	logger, err := pkg.New(loggerConfig)
	require.NoError(t, err)

	members := make([]config.Member, size)
	for i := range members {
		members[i] = config.Member{Host: "127.0.0.1", Port: basePort + 10*i}
	}

	tc := &testCluster{
		client: transport.NewGRPCClient(logger, 2*time.Second),
		logger: logger,
	}
	t.Cleanup(func() { tc.shutdown(t) })

	for i := 0; i < size; i++ {
		cfg := config.DefaultConfig()
		cfg.Host = "127.0.0.1"
		cfg.Port = basePort + 10*i
		cfg.JoinPort = cfg.Port + 1
		cfg.HTTPPort = 0
		cfg.JoinTimeout = time.Second
		cfg.JoinJitter = 50 * time.Millisecond
		cfg.RPCTimeout = 2 * time.Second
		cfg.ReplicationTimeout = time.Second

		node, err := dht.NewNode(cfg, members, logger)
		require.NoError(t, err)

		client := transport.NewGRPCClient(logger, cfg.RPCTimeout)
		node.SetRemote(client)

		cmdServer, err := transport.NewGRPCServer(node, node.Self().Address(), logger)
		require.NoError(t, err)
		require.NoError(t, cmdServer.Start())

		joinServer, err := transport.NewJoinServer(node, node.Self().JoinAddress(), logger)
		require.NoError(t, err)
		require.NoError(t, joinServer.Start())

		tc.nodes = append(tc.nodes, node)
		tc.servers = append(tc.servers, cmdServer, joinServer)
		tc.clients = append(tc.clients, client)
	}

	return tc
}

// shutdown cleans up the cluster.
func (tc *testCluster) shutdown(t *testing.T) {
	t.Helper()

	for _, server := range tc.servers {
		if err := server.Stop(); err != nil {
			t.Logf("Error stopping server: %v", err)
		}
	}

	for _, node := range tc.nodes {
		if err := node.Shutdown(); err != nil {
			t.Logf("Error shutting down node: %v", err)
		}
	}

	for _, client := range append(tc.clients, tc.client) {
		if err := client.Close(); err != nil {
			t.Logf("Error closing client: %v", err)
		}
	}
}

// waitForRing waits until every listed node sees exactly want members.
func (tc *testCluster) waitForRing(t *testing.T, want int, nodes ...*dht.Node) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if !n.IsMember() || len(n.Members()) != want {
				return false
			}
		}
		return true
	}, 15*time.Second, 50*time.Millisecond, "ring did not converge to %d members", want)
}

// send delivers a keyed request to node's command endpoint.
func (tc *testCluster) send(t *testing.T, node *dht.Node, cmd message.Command, name string, value []byte) *message.Response {
	t.Helper()

	resp, err := tc.client.Send(context.Background(), node.Self().Address(), message.New(cmd, store.KeyFromString(name), value))
	require.NoError(t, err)
	return resp
}
