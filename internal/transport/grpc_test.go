package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/zde37/kvring/internal/config"
	"github.com/zde37/kvring/internal/dht"
	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/ring"
	"github.com/zde37/kvring/internal/store"
	"github.com/zde37/kvring/pkg"
)

type testPeer struct {
	node   *dht.Node
	client *GRPCClient
}

func testLogger(t *testing.T) *pkg.Logger {
	cfg := pkg.DefaultConfig()
	cfg.Level = "error"
	logger, err := pkg.New(cfg)
	require.NoError(t, err)
	return logger
}

// startPeer runs a node with both endpoints on loopback.
func startPeer(t *testing.T, port int, members ...config.Member) *testPeer {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.JoinPort = port + 1
	cfg.JoinTimeout = time.Second
	cfg.RPCTimeout = 2 * time.Second

	logger := testLogger(t)
	node, err := dht.NewNode(cfg, members, logger)
	require.NoError(t, err)

	client := NewGRPCClient(logger, cfg.RPCTimeout)
	node.SetRemote(client)

	cmdServer, err := NewGRPCServer(node, node.Self().Address(), logger)
	require.NoError(t, err)
	require.NoError(t, cmdServer.Start())

	joinServer, err := NewJoinServer(node, node.Self().JoinAddress(), logger)
	require.NoError(t, err)
	require.NoError(t, joinServer.Start())

	t.Cleanup(func() {
		_ = cmdServer.Stop()
		_ = joinServer.Stop()
		_ = node.Shutdown()
		_ = client.Close()
	})
	return &testPeer{node: node, client: client}
}

func TestNewGRPCClient(t *testing.T) {
	client := NewGRPCClient(testLogger(t), 5*time.Second)

	assert.NotNil(t, client)
	assert.NotNil(t, client.logger)
	assert.Equal(t, 5*time.Second, client.timeout)
	assert.Empty(t, client.connections)

	// a nil logger falls back to the default
	assert.NotNil(t, NewGRPCClient(nil, time.Second).logger)
}

func TestNewGRPCServer_Validation(t *testing.T) {
	_, err := NewGRPCServer(nil, "127.0.0.1:0", testLogger(t))
	assert.ErrorContains(t, err, "node cannot be nil")

	node, err := dht.NewNode(config.DefaultConfig(), nil, testLogger(t))
	require.NoError(t, err)
	defer node.Shutdown()

	_, err = NewJoinServer(node, "127.0.0.1:0", nil)
	assert.ErrorContains(t, err, "logger cannot be nil")
}

func TestCodec(t *testing.T) {
	codec := cborCodec{}
	assert.Equal(t, "cbor", codec.Name())

	sender := ring.NewNode("127.0.0.1", 4000, 4001)
	msg := &message.Message{
		ID:          "req-1",
		Command:     message.CmdJoinResponse,
		Sender:      sender,
		Node:        ring.NewNode("127.0.0.1", 4010, 4011),
		Ring:        []*ring.Node{sender},
		RecordCount: 1,
		Records:     []store.Record{{Key: store.KeyFromString("alpha"), Value: []byte("one")}},
	}

	data, err := codec.Marshal(msg)
	require.NoError(t, err)

	// deterministic encoding
	again, err := codec.Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	var out message.Message
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, msg.ID, out.ID)
	assert.Equal(t, msg.Command, out.Command)
	assert.True(t, out.Sender.Equals(sender))
	assert.True(t, out.Sender.Valid())
	require.Len(t, out.Ring, 1)
	assert.Equal(t, msg.Records, out.Records)

	assert.Error(t, codec.Unmarshal([]byte{0xff, 0x00}, &out))
}

func TestGRPC_RingOverLoopback(t *testing.T) {
	a := startPeer(t, 47100)
	b := startPeer(t, 47110, config.Member{Host: "127.0.0.1", Port: 47100})
	ctx := context.Background()

	serving, err := a.client.Health(ctx, a.node.Self().Address())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, serving)

	require.NoError(t, a.node.Create())

	serving, err = a.client.Health(ctx, a.node.Self().Address())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, serving)

	joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, b.node.Join(joinCtx))

	require.Eventually(t, func() bool {
		return len(a.node.Members()) == 2 && len(b.node.Members()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// write every key through a, read it back through b
	client := NewGRPCClient(testLogger(t), 2*time.Second)
	defer client.Close()

	for i := 0; i < 20; i++ {
		key := store.KeyFromString(fmt.Sprintf("key-%d", i))
		value := []byte(fmt.Sprintf("value-%d", i))

		resp, err := client.Send(ctx, a.node.Self().Address(), message.New(message.CmdPut, key, value))
		require.NoError(t, err)
		assert.Equal(t, store.Success, resp.Code)

		get := message.New(message.CmdGet, key, nil)
		resp, err = client.Send(ctx, b.node.Self().Address(), get)
		require.NoError(t, err)
		assert.Equal(t, get.ID, resp.ID)
		assert.Equal(t, store.Success, resp.Code)
		assert.Equal(t, value, resp.Value)
	}

	resp, err := client.Send(ctx, b.node.Self().Address(), message.New(message.CmdGet, store.KeyFromString("missing"), nil))
	require.NoError(t, err)
	assert.Equal(t, store.KeyNotFound, resp.Code)
}

func TestGRPC_DroppedIsUnavailable(t *testing.T) {
	p := startPeer(t, 47120)

	client := NewGRPCClient(testLogger(t), 2*time.Second)
	defer client.Close()

	_, err := client.Send(context.Background(), p.node.Self().Address(), message.New(message.CmdGet, store.KeyFromString("alpha"), nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, dht.ErrDropped)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPC_ControlMessagesAreAcknowledged(t *testing.T) {
	p := startPeer(t, 47130)

	client := NewGRPCClient(testLogger(t), 2*time.Second)
	defer client.Close()

	create := message.Control(message.CmdCreate, nil, nil)
	resp, err := client.Send(context.Background(), p.node.Self().Address(), create)
	require.NoError(t, err)
	assert.Equal(t, store.Success, resp.Code)
	assert.Equal(t, create.ID, resp.ID)
	assert.Equal(t, dht.InTable, p.node.State())
}

func TestGRPC_JoinEndpointAcceptsOnlyJoinResponses(t *testing.T) {
	p := startPeer(t, 47140)

	client := NewGRPCClient(testLogger(t), 2*time.Second)
	defer client.Close()

	err := client.SendJoinResponse(context.Background(), p.node.Self().JoinAddress(), message.New(message.CmdPut, store.KeyFromString("alpha"), nil))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCClient_UnreachableAddress(t *testing.T) {
	client := NewGRPCClient(testLogger(t), 500*time.Millisecond)
	defer client.Close()

	_, err := client.Send(context.Background(), "127.0.0.1:1", message.New(message.CmdGet, store.KeyFromString("alpha"), nil))
	assert.Error(t, err)

	_, err = client.Health(context.Background(), "127.0.0.1:1")
	assert.Error(t, err)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"dropped", fmt.Errorf("%w: no owner", dht.ErrDropped), codes.Unavailable},
		{"shutdown", pkg.ErrShutdown, codes.Unavailable},
		{"malformed", dht.ErrMalformed, codes.InvalidArgument},
		{"no pending join", dht.ErrNoPendingJoin, codes.FailedPrecondition},
		{"other", fmt.Errorf("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(toStatus(tt.err)))
		})
	}
}

func TestIncomingRequestID(t *testing.T) {
	msg := message.New(message.CmdGet, store.KeyFromString("alpha"), nil)

	md := metadata.Pairs(RequestIDHeader, "from-header")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	assert.Equal(t, "from-header", incomingRequestID(ctx, msg))

	assert.Equal(t, msg.ID, incomingRequestID(context.Background(), msg))
	assert.NotEmpty(t, incomingRequestID(context.Background(), nil))
}
