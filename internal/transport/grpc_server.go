package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/zde37/kvring/internal/dht"
	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/store"
	"github.com/zde37/kvring/pkg"
)

// maxMsgSize bounds a single message. Join responses carry a whole arc.
const maxMsgSize = 64 * 1024 * 1024

// GRPCServer serves one of the node's two endpoints: the command endpoint
// (messages and health) or the join endpoint (join responses only).
type GRPCServer struct {
	node   *dht.Node
	server *grpc.Server
	health *health.Server
	logger *pkg.Logger

	// Server address
	address  string
	listener net.Listener

	register func(s *grpc.Server)
}

// NewGRPCServer creates the command endpoint for node. It also serves the
// gRPC health service, reporting SERVING while the node is a ring member.
func NewGRPCServer(node *dht.Node, address string, logger *pkg.Logger) (*GRPCServer, error) {
	s, err := newServer(node, address, logger, "grpc_server")
	if err != nil {
		return nil, err
	}

	s.health = health.NewServer()
	s.setServing(node.IsMember())
	node.SetStateListener(func(state dht.State) {
		s.setServing(state != dht.Unaffiliated)
	})

	s.register = func(gs *grpc.Server) {
		gs.RegisterService(&nodeServiceDesc, s)
		healthpb.RegisterHealthServer(gs, s.health)
		reflection.Register(gs)
	}
	return s, nil
}

// NewJoinServer creates the join endpoint for node.
func NewJoinServer(node *dht.Node, address string, logger *pkg.Logger) (*GRPCServer, error) {
	s, err := newServer(node, address, logger, "join_server")
	if err != nil {
		return nil, err
	}

	s.register = func(gs *grpc.Server) {
		gs.RegisterService(&joinServiceDesc, s)
	}
	return s, nil
}

func newServer(node *dht.Node, address string, logger *pkg.Logger, component string) (*GRPCServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &GRPCServer{
		node:    node,
		address: address,
		logger:  logger.WithFields(pkg.Fields{"component": component}),
	}, nil
}

// Start starts the gRPC server.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.UnaryInterceptor(LoggingInterceptor(s.logger)),
	}

	s.server = grpc.NewServer(opts...)
	s.register(s.server)

	s.logger.Info().
		Str("address", s.Addr()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound address, which differs from the configured one
// when listening on port 0.
func (s *GRPCServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")

	if s.health != nil {
		s.health.Shutdown()
	}

	if s.server != nil {
		s.server.GracefulStop()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	return nil
}

// Deliver implements kvring.Node/Deliver. Control messages are acknowledged
// with a Success response.
func (s *GRPCServer) Deliver(ctx context.Context, msg *message.Message) (*message.Response, error) {
	resp, err := s.node.Handle(ctx, msg)
	if err != nil {
		return nil, toStatus(err)
	}
	if resp == nil {
		resp = message.Reply(msg, store.Success, nil)
	}
	return resp, nil
}

// Respond implements kvring.Join/Respond.
func (s *GRPCServer) Respond(ctx context.Context, msg *message.Message) (*message.Response, error) {
	if msg.Command != message.CmdJoinResponse {
		return nil, status.Errorf(codes.InvalidArgument, "join endpoint accepts only %s", message.CmdJoinResponse)
	}

	s.logger.Debug().
		Str("request_id", msg.ID).
		Int("records", msg.RecordCount).
		Msg("Received join response")

	s.node.DeliverJoinResponse(msg)
	return message.Reply(msg, store.Success, nil), nil
}

func (s *GRPCServer) setServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(nodeServiceName, st)
}

// toStatus maps node errors onto gRPC status codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, dht.ErrDropped), errors.Is(err, pkg.ErrShutdown):
		code = codes.Unavailable
	case errors.Is(err, dht.ErrMalformed):
		code = codes.InvalidArgument
	case errors.Is(err, dht.ErrNoPendingJoin):
		code = codes.FailedPrecondition
	}
	return status.Error(code, err.Error())
}
