package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for a kvring node
type Config struct {
	// Node identification
	Host     string
	Port     int // command endpoint
	JoinPort int // join-response endpoint

	// HTTP API, 0 disables it
	HTTPPort int

	// Bootstrap member list, one host or host:port per line
	MembersFile string

	// Join protocol
	JoinTimeout     time.Duration // How long to wait for a join response
	JoinJitter      time.Duration // Upper bound of the random pause between attempts
	MaxJoinAttempts int           // 0 retries until joined or shut down

	// Request path
	RPCTimeout         time.Duration // Timeout for forwarded requests and control messages
	ReplicationTimeout time.Duration // Timeout for a single replicate-write
	MaxHops            int           // Forwarding limit for a single request

	// Store bounds
	MaxValueSize int
	MaxRecords   int

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // rotated file output when set
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Port:               4000,
		JoinPort:           4001,
		HTTPPort:           8080,
		MembersFile:        "members.txt",
		JoinTimeout:        2 * time.Second,
		JoinJitter:         500 * time.Millisecond,
		MaxJoinAttempts:    0,
		RPCTimeout:         5 * time.Second,
		ReplicationTimeout: 2 * time.Second,
		MaxHops:            4,
		MaxValueSize:       15000,
		MaxRecords:         40000,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if !validPort(c.Port) {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if !validPort(c.JoinPort) {
		return fmt.Errorf("invalid join port: %d", c.JoinPort)
	}
	if c.JoinPort == c.Port {
		return fmt.Errorf("join port must differ from port %d", c.Port)
	}
	if c.HTTPPort != 0 && !validPort(c.HTTPPort) {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("join timeout must be positive, got %s", c.JoinTimeout)
	}
	if c.JoinJitter < 0 {
		return fmt.Errorf("join jitter cannot be negative, got %s", c.JoinJitter)
	}
	if c.MaxJoinAttempts < 0 {
		return fmt.Errorf("max join attempts cannot be negative, got %d", c.MaxJoinAttempts)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive, got %s", c.RPCTimeout)
	}
	if c.ReplicationTimeout <= 0 {
		return fmt.Errorf("replication timeout must be positive, got %s", c.ReplicationTimeout)
	}
	if c.MaxHops < 1 {
		return fmt.Errorf("max hops must be at least 1, got %d", c.MaxHops)
	}
	if c.MaxValueSize < 0 || c.MaxRecords < 0 {
		return fmt.Errorf("store bounds cannot be negative")
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
