package dht

import (
	"context"
	"fmt"

	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/ring"
	"github.com/zde37/kvring/internal/store"
	"github.com/zde37/kvring/pkg"
)

// Handle dispatches one decoded message on the command endpoint. Keyed
// requests return the owner's response, relayed through any forwarding
// hops. Control messages return a nil response. Requests that cannot be
// answered return an error wrapping ErrDropped.
func (n *Node) Handle(ctx context.Context, msg *message.Message) (*message.Response, error) {
	if msg == nil {
		return nil, ErrMalformed
	}

	if n.IsShutdown() {
		return nil, pkg.ErrShutdown
	}

	switch msg.Command {
	case message.CmdPut, message.CmdGet, message.CmdRemove:
		return n.route(ctx, msg)

	case message.CmdEcho:
		if !msg.Echoed.Keyed() {
			n.logger.Warn().
				Str("request_id", msg.ID).
				Str("echoed", msg.Echoed.String()).
				Msg("Echo does not wrap a keyed command")
			return message.Reply(msg, store.UnrecognizedCommand, nil), nil
		}
		return n.route(ctx, msg)

	case message.CmdReplicatePut:
		n.applyReplica(msg)
		return nil, nil

	case message.CmdCreate:
		if err := n.Create(); err != nil {
			n.logger.Debug().Err(err).Msg("Create ignored")
		}
		return nil, nil

	case message.CmdStartJoin:
		if err := n.StartJoin(); err != nil {
			n.logger.Debug().Err(err).Msg("Start-join ignored")
		}
		return nil, nil

	case message.CmdJoinRequest:
		return nil, n.handleJoinRequest(ctx, msg)

	case message.CmdJoinResponse:
		n.DeliverJoinResponse(msg)
		return nil, nil

	case message.CmdJoinConfirm:
		return nil, n.handleJoinConfirm(msg)

	case message.CmdMemberAdd:
		return nil, n.handleMemberAdd(msg)

	case message.CmdMemberRemove:
		return nil, n.handleMemberRemove(msg)

	default:
		n.logger.Warn().
			Str("request_id", msg.ID).
			Uint8("command", uint8(msg.Command)).
			Msg("Unrecognized command")
		return message.Reply(msg, store.UnrecognizedCommand, nil), nil
	}
}

// route executes a keyed request locally when this node owns the key and
// forwards it to the owner otherwise.
func (n *Node) route(ctx context.Context, msg *message.Message) (*message.Response, error) {
	owner, err := n.ring.OwnerOf(msg.Key)
	if err != nil {
		n.logger.Warn().
			Str("request_id", msg.ID).
			Str("command", msg.Effective().String()).
			Str("key", shortKey(msg.Key)).
			Msg("No owner for key, dropping request")
		return nil, fmt.Errorf("%w: %w", ErrDropped, err)
	}

	if owner.Equals(n.self) {
		return n.execute(msg), nil
	}

	return n.forward(ctx, owner, msg)
}

// execute applies a keyed request to the local store as its primary.
func (n *Node) execute(msg *message.Message) *message.Response {
	cmd := msg.Effective()

	var resp *message.Response
	switch cmd {
	case message.CmdPut:
		code := n.store.Put(msg.Key, msg.Value)
		if code == store.Success {
			n.markDirty(msg.Key)
			n.replicate(msg)
		}
		resp = message.Reply(msg, code, nil)

	case message.CmdGet:
		value, code := n.store.Get(msg.Key)
		resp = message.Reply(msg, code, value)

	case message.CmdRemove:
		resp = message.Reply(msg, n.store.Remove(msg.Key), nil)

	default:
		resp = message.Reply(msg, store.UnrecognizedCommand, nil)
	}

	n.logger.Debug().
		Str("request_id", msg.ID).
		Str("command", cmd.String()).
		Str("key", shortKey(msg.Key)).
		Str("result", resp.Code.String()).
		Msg("Executed request")

	return resp
}

// forward relays a keyed request to its owner and returns the owner's
// response to the caller.
func (n *Node) forward(ctx context.Context, owner *ring.Node, msg *message.Message) (*message.Response, error) {
	if msg.Hops >= n.config.MaxHops {
		n.logger.Warn().
			Str("request_id", msg.ID).
			Int("hops", msg.Hops).
			Msg("Hop limit reached, dropping request")
		return nil, fmt.Errorf("%w: hop limit %d reached", ErrDropped, n.config.MaxHops)
	}

	if n.remote == nil {
		return nil, fmt.Errorf("%w: remote client not set", ErrDropped)
	}

	n.logger.Debug().
		Str("request_id", msg.ID).
		Str("command", msg.Effective().String()).
		Str("owner", owner.Address()).
		Msg("Forwarding request to owner")

	fctx, cancel := context.WithTimeout(ctx, n.config.RPCTimeout)
	defer cancel()

	resp, err := n.remote.Send(fctx, owner.Address(), msg.Echo())
	if err != nil {
		n.logger.Warn().
			Err(err).
			Str("request_id", msg.ID).
			Str("owner", owner.Address()).
			Msg("Failed to forward request")
		return nil, fmt.Errorf("%w: forward to %s: %w", ErrDropped, owner.Address(), err)
	}
	return resp, nil
}

func shortKey(key store.Key) string {
	return key.String()[:16]
}
