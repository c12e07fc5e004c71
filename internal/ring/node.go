package ring

import (
	"fmt"
	"math/big"
	"net"
	"strconv"

	"github.com/zde37/kvring/pkg/hash"
)

// Node identifies a ring member: its position on the ring and where it listens.
type Node struct {
	ID       *big.Int `cbor:"1,keyasint" json:"-"`
	Host     string   `cbor:"2,keyasint" json:"host"`
	Port     int      `cbor:"3,keyasint" json:"port"`     // command endpoint
	JoinPort int      `cbor:"4,keyasint" json:"join_port"` // join-response endpoint
}

// NewNode creates a Node whose ID is derived from host and port.
func NewNode(host string, port, joinPort int) *Node {
	return &Node{
		ID:       hash.HashAddress(host, port),
		Host:     host,
		Port:     port,
		JoinPort: joinPort,
	}
}

// String returns a human-readable representation of the node.
func (n *Node) String() string {
	if n == nil {
		return "Node{nil}"
	}
	return fmt.Sprintf("Node{ID: %s, Addr: %s}", hash.Short(n.ID), n.Address())
}

// Address returns the command endpoint in "host:port" form.
func (n *Node) Address() string {
	if n == nil {
		return ""
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// JoinAddress returns the join-response endpoint in "host:port" form.
func (n *Node) JoinAddress() string {
	if n == nil {
		return ""
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(n.JoinPort))
}

// Equals reports whether both nodes hold the same identifier.
func (n *Node) Equals(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.ID == nil || other.ID == nil {
		return false
	}
	return n.ID.Cmp(other.ID) == 0
}

// Copy creates a deep copy of the node.
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.ID != nil {
		c.ID = new(big.Int).Set(n.ID)
	}
	return &c
}

// Valid reports whether the identifier matches the address it claims.
func (n *Node) Valid() bool {
	return n != nil && hash.IsValidID(n.ID) && n.ID.Cmp(hash.HashAddress(n.Host, n.Port)) == 0
}

// IDText returns the identifier in hex, for JSON views.
func (n *Node) IDText() string {
	if n == nil || n.ID == nil {
		return ""
	}
	return n.ID.Text(16)
}
