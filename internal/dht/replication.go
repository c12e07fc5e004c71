package dht

import (
	"context"

	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/ring"
	"github.com/zde37/kvring/internal/store"
)

// replicate mirrors a successful primary PUT to the local node's predecessor
// and successor. Writes are fire-and-forget: failures are logged and the
// client response does not wait for them.
func (n *Node) replicate(msg *message.Message) {
	if n.remote == nil {
		return
	}

	replica := message.ReplicaOf(msg, n.self)
	for _, target := range n.ring.ReplicasOf(n.self) {
		n.sendReplica(target, replica)
	}
}

// sendReplica delivers one replicate-write in the background.
func (n *Node) sendReplica(target *ring.Node, replica *message.Message) {
	n.spawn(func(ctx context.Context) {
		rctx, cancel := context.WithTimeout(ctx, n.config.ReplicationTimeout)
		defer cancel()

		if _, err := n.remote.Send(rctx, target.Address(), replica); err != nil {
			n.logger.Warn().
				Err(err).
				Str("request_id", replica.ID).
				Str("target", target.Address()).
				Msg("Replication failed")
			return
		}

		n.logger.Debug().
			Str("request_id", replica.ID).
			Str("target", target.Address()).
			Msg("Replicated record")
	})
}

// applyReplica stores a replicate-write without an ownership check and
// without replicating it further.
func (n *Node) applyReplica(msg *message.Message) {
	code := n.store.Put(msg.Key, msg.Value)
	if code != store.Success {
		n.logger.Warn().
			Str("request_id", msg.ID).
			Str("key", shortKey(msg.Key)).
			Str("result", code.String()).
			Msg("Failed to apply replica")
		return
	}

	n.logger.Debug().
		Str("request_id", msg.ID).
		Str("key", shortKey(msg.Key)).
		Msg("Applied replica")
}
