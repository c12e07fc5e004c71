package dht

import (
	"context"

	"github.com/zde37/kvring/internal/message"
)

// RemoteClient defines how a node reaches its peers. It keeps the dht
// package independent of the transport layer.
type RemoteClient interface {
	// Send delivers msg to the command endpoint at address and returns the
	// peer's response. Control messages are answered with an empty ack.
	Send(ctx context.Context, address string, msg *message.Message) (*message.Response, error)

	// SendJoinResponse delivers a join response to the dedicated join
	// endpoint at address.
	SendJoinResponse(ctx context.Context, address string, msg *message.Message) error
}
