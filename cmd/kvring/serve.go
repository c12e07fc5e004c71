package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zde37/kvring/internal/api"
	"github.com/zde37/kvring/internal/config"
	"github.com/zde37/kvring/internal/dht"
	"github.com/zde37/kvring/internal/transport"
	"github.com/zde37/kvring/pkg"
)

var (
	createRing bool
	joinRing   bool
)

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node",
		RunE:  runServe,
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind to")
	f.IntVar(&cfg.Port, "port", cfg.Port, "Port for the command endpoint")
	f.IntVar(&cfg.JoinPort, "join-port", cfg.JoinPort, "Port for the join-response endpoint")
	f.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "Port for the HTTP API, 0 disables it")
	f.StringVar(&cfg.MembersFile, "members", cfg.MembersFile, "Bootstrap member list")
	f.DurationVar(&cfg.JoinTimeout, "join-timeout", cfg.JoinTimeout, "How long to wait for a join response")
	f.DurationVar(&cfg.JoinJitter, "join-jitter", cfg.JoinJitter, "Upper bound of the pause between join attempts")
	f.IntVar(&cfg.MaxJoinAttempts, "join-attempts", cfg.MaxJoinAttempts, "Join attempts before giving up, 0 retries forever")
	f.DurationVar(&cfg.RPCTimeout, "rpc-timeout", cfg.RPCTimeout, "Timeout for forwarded requests and control messages")
	f.DurationVar(&cfg.ReplicationTimeout, "replication-timeout", cfg.ReplicationTimeout, "Timeout for a single replicate-write")
	f.IntVar(&cfg.MaxHops, "max-hops", cfg.MaxHops, "Forwarding limit for a single request")
	f.IntVar(&cfg.MaxValueSize, "max-value-size", cfg.MaxValueSize, "Largest value accepted, in bytes")
	f.IntVar(&cfg.MaxRecords, "max-records", cfg.MaxRecords, "Records held before writes fail with out of space")
	f.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this rotated file")
	f.BoolVar(&createRing, "create", false, "Create a new ring on start")
	f.BoolVar(&joinRing, "join", false, "Join a ring through the member list on start")

	cmd.MarkFlagsMutuallyExclusive("create", "join")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}

	members, err := config.LoadMembers(cfg.MembersFile, cfg.Port)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.MembersFile).Msg("Failed to load member list")
		return err
	}

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("join_port", cfg.JoinPort).
		Int("http_port", cfg.HTTPPort).
		Int("members", len(members)).
		Msg("Starting kvring node")

	node, err := dht.NewNode(cfg, members, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	grpcClient := transport.NewGRPCClient(logger, cfg.RPCTimeout)
	node.SetRemote(grpcClient)

	c := &components{node: node, client: grpcClient, logger: logger}
	defer c.cleanup()

	c.cmdServer, err = transport.NewGRPCServer(node, node.Self().Address(), logger)
	if err != nil {
		return fmt.Errorf("failed to create command server: %w", err)
	}
	if err := c.cmdServer.Start(); err != nil {
		c.cmdServer = nil
		return fmt.Errorf("failed to start command server: %w", err)
	}

	c.joinServer, err = transport.NewJoinServer(node, node.Self().JoinAddress(), logger)
	if err != nil {
		return fmt.Errorf("failed to create join server: %w", err)
	}
	if err := c.joinServer.Start(); err != nil {
		c.joinServer = nil
		return fmt.Errorf("failed to start join server: %w", err)
	}

	if cfg.HTTPPort != 0 {
		httpServer, err := api.NewServer(&api.Config{
			HTTPPort:       cfg.HTTPPort,
			MaxValueSize:   cfg.MaxValueSize,
			RequestTimeout: cfg.RPCTimeout,
		}, node, logger)
		if err != nil {
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
		c.httpServer = httpServer
	}

	switch {
	case createRing:
		if err := node.Create(); err != nil {
			return fmt.Errorf("failed to create ring: %w", err)
		}
	case joinRing:
		if err := node.StartJoin(); err != nil {
			return fmt.Errorf("failed to start join: %w", err)
		}
	}

	logger.Info().
		Str("node_id", node.Self().IDText()).
		Str("state", node.State().String()).
		Msg("kvring node is ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("Received shutdown signal")
	return nil
}

type components struct {
	node       *dht.Node
	client     *transport.GRPCClient
	cmdServer  *transport.GRPCServer
	joinServer *transport.GRPCServer
	httpServer *api.Server
	logger     *pkg.Logger
}

// cleanup performs graceful shutdown of all components
func (c *components) cleanup() {
	c.logger.Info().Msg("Starting graceful shutdown")

	if c.node.IsMember() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout)
		if err := c.node.Leave(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Error leaving ring")
		}
		cancel()
	}

	if c.httpServer != nil {
		if err := c.httpServer.Stop(); err != nil {
			c.logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	for _, s := range []*transport.GRPCServer{c.cmdServer, c.joinServer} {
		if s == nil {
			continue
		}
		if err := s.Stop(); err != nil {
			c.logger.Error().Err(err).Msg("Error stopping gRPC server")
		}
	}

	if err := c.node.Shutdown(); err != nil {
		c.logger.Error().Err(err).Msg("Error shutting down node")
	}

	if err := c.client.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing gRPC client")
	}

	c.logger.Info().Msg("kvring node shutdown complete")
	_ = c.logger.Close()
}
