package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/zde37/kvring/internal/dht"
	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/pkg"
)

// Compile-time check to ensure GRPCClient implements dht.RemoteClient
var _ dht.RemoteClient = (*GRPCClient)(nil)

// GRPCClient manages connections to remote nodes.
type GRPCClient struct {
	logger *pkg.Logger

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Default timeout for calls whose context has no deadline
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client.
func NewGRPCClient(logger *pkg.Logger, timeout time.Duration) *GRPCClient {
	if logger == nil {
		logger, _ = pkg.New(pkg.DefaultConfig())
	}

	return &GRPCClient{
		logger:      logger.WithFields(pkg.Fields{"component": "grpc_client"}),
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
}

// getConnection returns a connection to the given address, creating one if needed.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
		grpc.WithUnaryInterceptor(RequestIDClientInterceptor()),
	}

	newConn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

func (c *GRPCClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Send delivers msg to the command endpoint at address.
func (c *GRPCClient) Send(ctx context.Context, address string, msg *message.Message) (*message.Response, error) {
	conn, err := c.getConnection(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp := new(message.Response)
	if err := conn.Invoke(ctx, deliverMethod, msg, resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, fromStatus("Deliver", err)
	}
	return resp, nil
}

// SendJoinResponse delivers a join response to the join endpoint at address.
func (c *GRPCClient) SendJoinResponse(ctx context.Context, address string, msg *message.Message) error {
	conn, err := c.getConnection(address)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := conn.Invoke(ctx, respondMethod, msg, new(message.Response), grpc.CallContentSubtype(CodecName)); err != nil {
		return fromStatus("Respond", err)
	}
	return nil
}

// Health queries the gRPC health service of the node at address.
func (c *GRPCClient) Health(ctx context.Context, address string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := c.getConnection(address)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("Check RPC failed: %w", err)
	}
	return resp.GetStatus(), nil
}

// fromStatus maps an RPC failure back onto node errors: Unavailable becomes
// dht.ErrDropped.
func fromStatus(method string, err error) error {
	if status.Code(err) == codes.Unavailable {
		return fmt.Errorf("%s RPC failed: %w: %w", method, dht.ErrDropped, err)
	}
	return fmt.Errorf("%s RPC failed: %w", method, err)
}

// Close closes all pooled connections.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.logger.Info().
		Int("connections", len(c.connections)).
		Msg("Closing all gRPC connections")

	for address, conn := range c.connections {
		if err := conn.Close(); err != nil {
			c.logger.Error().
				Err(err).
				Str("address", address).
				Msg("Failed to close connection")
		}
	}

	c.connections = make(map[string]*grpc.ClientConn)
	return nil
}
