package dht

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/ring"
	"github.com/zde37/kvring/internal/store"
	"github.com/zde37/kvring/pkg"
)

// Create bootstraps a ring with the local node as its only member and asks
// every other node in the member list to start joining.
func (n *Node) Create() error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if n.State() != Unaffiliated {
		n.logger.Info().Msg("Already a member, ignoring create")
		return ErrAlreadyMember
	}

	n.ring.Replace([]*ring.Node{n.self})
	n.setState(InTable)

	n.logger.Info().Msg("Ring created")
	n.broadcast(EventRingCreated, n.self, "ring created")

	for _, c := range n.candidates {
		n.sendControl(c.Address(), message.Control(message.CmdStartJoin, n.self, nil))
	}
	return nil
}

// StartJoin launches the join loop in the background. It is a no-op while a
// loop is already running.
func (n *Node) StartJoin() error {
	if n.IsMember() {
		n.logger.Debug().Msg("Already a member, ignoring start-join")
		return ErrAlreadyMember
	}

	if len(n.candidates) == 0 {
		return ErrNoCandidates
	}

	if n.joining.Load() {
		n.logger.Debug().Msg("Join already in progress")
		return nil
	}

	n.spawn(func(ctx context.Context) {
		err := n.Join(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrJoinInProgress), errors.Is(err, ErrAlreadyMember):
			n.logger.Debug().Err(err).Msg("Join loop not started")
		case errors.Is(err, context.Canceled), errors.Is(err, pkg.ErrShutdown):
			n.logger.Debug().Msg("Join loop stopped")
		default:
			n.logger.Error().Err(err).Msg("Join failed")
		}
	})
	return nil
}

// Join runs the join loop until the node is admitted, ctx is done, or
// MaxJoinAttempts is exhausted. Each attempt asks a random candidate to
// route a join request to the sponsor and waits up to JoinTimeout for the
// sponsor's response.
func (n *Node) Join(ctx context.Context) error {
	if n.IsMember() {
		return ErrAlreadyMember
	}

	if len(n.candidates) == 0 {
		return ErrNoCandidates
	}

	if !n.joining.CompareAndSwap(false, true) {
		return ErrJoinInProgress
	}
	defer n.joining.Store(false)

	n.logger.Info().Int("candidates", len(n.candidates)).Msg("Joining ring")

	var last string
	for attempt := 1; ; attempt++ {
		if n.IsMember() {
			return nil
		}

		if limit := n.config.MaxJoinAttempts; limit > 0 && attempt > limit {
			return fmt.Errorf("%w: %d attempts", ErrJoinAttempts, limit)
		}

		target := n.pickCandidate(last)
		last = target

		err := n.tryJoin(ctx, target)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, pkg.ErrShutdown) {
			return err
		}

		n.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("candidate", target).
			Msg("Join attempt failed")

		if err := n.pause(ctx); err != nil {
			return err
		}
	}
}

// pickCandidate chooses a random candidate, avoiding the previous one when
// there is a choice.
func (n *Node) pickCandidate(last string) string {
	options := make([]string, 0, len(n.candidates))
	for _, c := range n.candidates {
		if addr := c.Address(); addr != last {
			options = append(options, addr)
		}
	}
	if len(options) == 0 {
		return last
	}
	return options[n.pickIndex(len(options))]
}

// pause sleeps for a random jitter below JoinJitter.
func (n *Node) pause(ctx context.Context) error {
	if n.config.JoinJitter <= 0 {
		return nil
	}

	timer := time.NewTimer(time.Duration(rand.Int64N(int64(n.config.JoinJitter))))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return pkg.ErrShutdown
	case <-timer.C:
		return nil
	}
}

// tryJoin performs one join attempt through target.
func (n *Node) tryJoin(ctx context.Context, target string) error {
	if n.remote == nil {
		return fmt.Errorf("remote client not set")
	}

	n.logger.Debug().Str("candidate", target).Msg("Sending join request")

	req := message.Control(message.CmdJoinRequest, n.self, n.self)
	sctx, cancel := context.WithTimeout(ctx, n.config.RPCTimeout)
	_, err := n.remote.Send(sctx, target, req)
	cancel()
	if err != nil {
		return fmt.Errorf("join request to %s: %w", target, err)
	}

	timer := time.NewTimer(n.config.JoinTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ctx.Done():
			return pkg.ErrShutdown
		case <-timer.C:
			return fmt.Errorf("%w via %s", ErrJoinTimeout, target)
		case resp := <-n.joinResponses:
			err := n.completeJoin(ctx, resp)
			if errors.Is(err, ErrInvalidJoinResponse) {
				n.logger.Warn().Err(err).Msg("Discarding join response")
				continue
			}
			return err
		}
	}
}

// DeliverJoinResponse hands a join response from the join endpoint to the
// join loop. Responses arriving while the node is a member are discarded.
func (n *Node) DeliverJoinResponse(msg *message.Message) {
	if n.IsMember() {
		n.logger.Debug().Msg("Already a member, ignoring join response")
		return
	}

	select {
	case n.joinResponses <- msg:
	default:
		n.logger.Warn().Msg("Join response queue full, dropping response")
	}
}

// completeJoin installs the sponsor's ring view and records, then confirms
// the join. A failed confirm reverts the node to Unaffiliated.
func (n *Node) completeJoin(ctx context.Context, resp *message.Message) error {
	if err := n.validateJoinResponse(resp); err != nil {
		return err
	}

	n.stateMu.Lock()
	if n.State() != Unaffiliated {
		n.stateMu.Unlock()
		return nil
	}

	view := make([]*ring.Node, 0, len(resp.Ring)+1)
	view = append(view, resp.Ring...)
	view = append(view, n.self)
	n.ring.Replace(view)

	stored := 0
	for _, rec := range resp.Records {
		if code := n.store.Put(rec.Key, rec.Value); code != store.Success {
			n.logger.Warn().
				Str("key", shortKey(rec.Key)).
				Str("result", code.String()).
				Msg("Failed to store transferred record")
			continue
		}
		stored++
	}

	n.setState(InTable)
	n.stateMu.Unlock()

	sponsor := resp.Sender
	cctx, cancel := context.WithTimeout(ctx, n.config.RPCTimeout)
	defer cancel()

	confirm := message.Control(message.CmdJoinConfirm, n.self, n.self)
	if _, err := n.remote.Send(cctx, sponsor.Address(), confirm); err != nil {
		n.stateMu.Lock()
		n.ring.Clear()
		n.store.RemoveMatching(nil)
		n.setState(Unaffiliated)
		n.stateMu.Unlock()
		return fmt.Errorf("confirm join with %s: %w", sponsor.Address(), err)
	}

	n.logger.Info().
		Str("sponsor", sponsor.Address()).
		Int("members", n.ring.Len()).
		Int("records", stored).
		Msg("Joined ring")
	n.broadcast(EventNodeJoin, n.self, "joined ring")
	return nil
}

func (n *Node) validateJoinResponse(resp *message.Message) error {
	switch {
	case resp == nil:
		return fmt.Errorf("%w: empty", ErrInvalidJoinResponse)
	case resp.Command != message.CmdJoinResponse:
		return fmt.Errorf("%w: unexpected command %s", ErrInvalidJoinResponse, resp.Command)
	case !resp.Node.Equals(n.self):
		return fmt.Errorf("%w: addressed to another node", ErrInvalidJoinResponse)
	case !resp.Sender.Valid():
		return fmt.Errorf("%w: invalid sponsor", ErrInvalidJoinResponse)
	case resp.RecordCount != len(resp.Records):
		return fmt.Errorf("%w: record count %d, got %d", ErrInvalidJoinResponse, resp.RecordCount, len(resp.Records))
	}

	for _, member := range resp.Ring {
		if !member.Valid() {
			return fmt.Errorf("%w: invalid member %s", ErrInvalidJoinResponse, member)
		}
	}
	return nil
}

// pendingJoin is a join this node sponsors, between the response and the
// joiner's confirm.
type pendingJoin struct {
	node     *ring.Node
	view     []*ring.Node
	arc      ring.Arc
	deadline time.Time
	// keys in the arc written after the transfer
	dirty map[store.Key]struct{}
}

// handleJoinRequest routes a join request to the sponsor of the joiner, the
// current owner of its identifier. The sponsor answers on the joiner's join
// endpoint with its ring view and the records of the joiner's arc.
func (n *Node) handleJoinRequest(ctx context.Context, msg *message.Message) error {
	joiner := msg.Node
	if !joiner.Valid() {
		return fmt.Errorf("%w: join request without a valid node", ErrMalformed)
	}

	if n.State() != InTable {
		n.logger.Debug().Str("joiner", joiner.Address()).Msg("Not a member, ignoring join request")
		return fmt.Errorf("%w: %w", ErrDropped, pkg.ErrNotMember)
	}

	if n.remote == nil {
		return fmt.Errorf("%w: remote client not set", ErrDropped)
	}

	sponsor, err := n.ring.SponsorFor(joiner)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDropped, err)
	}

	if !sponsor.Equals(n.self) {
		if msg.Hops >= n.config.MaxHops {
			return fmt.Errorf("%w: hop limit %d reached", ErrDropped, n.config.MaxHops)
		}

		n.logger.Debug().
			Str("joiner", joiner.Address()).
			Str("sponsor", sponsor.Address()).
			Msg("Forwarding join request to sponsor")

		fwd := *msg
		fwd.Hops++
		fctx, cancel := context.WithTimeout(ctx, n.config.RPCTimeout)
		defer cancel()
		if _, err := n.remote.Send(fctx, sponsor.Address(), &fwd); err != nil {
			return fmt.Errorf("%w: forward join request to %s: %w", ErrDropped, sponsor.Address(), err)
		}
		return nil
	}

	return n.sponsorJoin(ctx, msg.ID, joiner)
}

func (n *Node) sponsorJoin(ctx context.Context, requestID string, joiner *ring.Node) error {
	snap := n.ring.Snapshot()
	view := make([]*ring.Node, 0, snap.Len())
	for _, member := range snap.Nodes() {
		if !member.Equals(joiner) {
			view = append(view, member)
		}
	}
	arc := snap.ArcFor(joiner)

	if !n.beginSponsor(joiner, view, arc) {
		n.logger.Info().Str("joiner", joiner.Address()).Msg("Another join is pending, dropping join request")
		return fmt.Errorf("%w: another join is pending", ErrDropped)
	}

	records, err := n.store.Collect(arc.ContainsKey)
	if err != nil {
		n.abandonSponsor(joiner)
		return fmt.Errorf("%w: collect arc records: %w", ErrDropped, err)
	}

	resp := &message.Message{
		ID:          requestID,
		Command:     message.CmdJoinResponse,
		Sender:      n.self.Copy(),
		Node:        joiner.Copy(),
		Ring:        view,
		RecordCount: len(records),
		Records:     records,
	}

	sctx, cancel := context.WithTimeout(ctx, n.config.RPCTimeout)
	defer cancel()
	if err := n.remote.SendJoinResponse(sctx, joiner.JoinAddress(), resp); err != nil {
		n.abandonSponsor(joiner)
		return fmt.Errorf("%w: join response to %s: %w", ErrDropped, joiner.JoinAddress(), err)
	}

	n.logger.Info().
		Str("joiner", joiner.Address()).
		Int("members", len(view)).
		Int("records", len(records)).
		Msg("Sent join response")
	return nil
}

// beginSponsor reserves the sponsor slot for joiner. A different joiner is
// refused until the pending join is confirmed or expires.
func (n *Node) beginSponsor(joiner *ring.Node, view []*ring.Node, arc ring.Arc) bool {
	now := time.Now()

	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()

	if p := n.pending; p != nil && !p.node.Equals(joiner) && now.Before(p.deadline) {
		return false
	}

	n.pending = &pendingJoin{
		node:     joiner.Copy(),
		view:     view,
		arc:      arc,
		deadline: now.Add(n.config.JoinTimeout + n.config.RPCTimeout),
		dirty:    make(map[store.Key]struct{}),
	}
	return true
}

func (n *Node) abandonSponsor(joiner *ring.Node) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	if n.pending != nil && n.pending.node.Equals(joiner) {
		n.pending = nil
	}
}

// markDirty records a primary write that lands in a pending joiner's arc.
func (n *Node) markDirty(key store.Key) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	if n.pending != nil && n.pending.arc.ContainsKey(key) {
		n.pending.dirty[key] = struct{}{}
	}
}

// handleJoinConfirm admits a joiner this node sponsored: the joiner is added
// to the ring, announced to every member, and sent any arc records written
// since the transfer. The sponsor keeps its copies as the joiner's
// successor replica.
func (n *Node) handleJoinConfirm(msg *message.Message) error {
	joiner := msg.Node
	if !joiner.Valid() {
		return fmt.Errorf("%w: join confirm without a valid node", ErrMalformed)
	}

	n.pendingMu.Lock()
	p := n.pending
	if p == nil || !p.node.Equals(joiner) {
		n.pendingMu.Unlock()
		n.logger.Warn().Str("joiner", joiner.Address()).Msg("Unexpected join confirm")
		return fmt.Errorf("%w: %s", ErrNoPendingJoin, joiner.Address())
	}
	// a write is either marked dirty or sees the joiner as a replica
	n.ring.Add(joiner)
	n.pending = nil
	n.pendingMu.Unlock()

	n.logger.Info().
		Str("joiner", joiner.Address()).
		Int("members", n.ring.Len()).
		Msg("Node joined ring")
	n.broadcast(EventNodeJoin, joiner, "node joined ring")

	members := n.ring.Nodes()
	announce := message.Control(message.CmdMemberAdd, n.self, joiner)
	for _, member := range members {
		if member.Equals(n.self) || member.Equals(joiner) {
			continue
		}
		n.sendControl(member.Address(), announce)

		// members learned after the response went out
		if !containsNode(p.view, member) {
			n.sendControl(joiner.Address(), message.Control(message.CmdMemberAdd, n.self, member))
		}
	}

	for key := range p.dirty {
		value, code := n.store.Get(key)
		if code != store.Success {
			continue
		}
		n.sendReplica(joiner, message.Replicate(store.Record{Key: key, Value: value}, n.self))
	}
	return nil
}

// handleMemberAdd installs a member announced by another node and passes
// the announcement on when it was news.
func (n *Node) handleMemberAdd(msg *message.Message) error {
	node := msg.Node
	if !node.Valid() {
		return fmt.Errorf("%w: member add without a valid node", ErrMalformed)
	}

	if !n.IsMember() {
		n.logger.Debug().Str("node", node.Address()).Msg("Not a member, ignoring member add")
		return nil
	}

	if node.Equals(n.self) || !n.ring.Add(node) {
		return nil
	}

	n.logger.Info().
		Str("node", node.Address()).
		Int("members", n.ring.Len()).
		Msg("Member added")
	n.broadcast(EventNodeJoin, node, "member added")

	n.relay(msg, message.CmdMemberAdd, node)
	return nil
}

// handleMemberRemove drops a departed member from the ring view.
func (n *Node) handleMemberRemove(msg *message.Message) error {
	node := msg.Node
	if !node.Valid() {
		return fmt.Errorf("%w: member remove without a valid node", ErrMalformed)
	}

	if node.Equals(n.self) || !n.ring.Remove(node) {
		return nil
	}

	n.logger.Info().
		Str("node", node.Address()).
		Int("members", n.ring.Len()).
		Msg("Member removed")
	n.broadcast(EventNodeLeave, node, "member removed")

	n.relay(msg, message.CmdMemberRemove, node)
	return nil
}

// relay passes a membership change on to every member other than the
// subject and the node it came from.
func (n *Node) relay(msg *message.Message, cmd message.Command, subject *ring.Node) {
	out := message.Control(cmd, n.self, subject)
	for _, member := range n.ring.Nodes() {
		if member.Equals(n.self) || member.Equals(subject) || member.Equals(msg.Sender) {
			continue
		}
		n.sendControl(member.Address(), out)
	}
}

// Leave hands the local primaries to the successor, announces the departure
// and returns the node to Unaffiliated.
func (n *Node) Leave(ctx context.Context) error {
	n.stateMu.Lock()
	if n.State() != InTable {
		n.stateMu.Unlock()
		return pkg.ErrNotMember
	}
	n.setState(Leaving)
	n.stateMu.Unlock()

	snap := n.ring.Snapshot()
	succ, err := snap.SuccessorOf(n.self)
	if err == nil && !succ.Equals(n.self) && n.remote != nil {
		records, err := n.store.Collect(snap.ArcFor(n.self).ContainsKey)
		if err != nil {
			n.logger.Error().Err(err).Msg("Failed to collect records for hand-off")
		}

		handed := 0
		for _, rec := range records {
			if err := n.send(ctx, succ.Address(), message.Replicate(rec, n.self)); err != nil {
				n.logger.Warn().Err(err).Str("key", shortKey(rec.Key)).Msg("Failed to hand off record")
				continue
			}
			handed++
		}

		n.logger.Info().
			Str("successor", succ.Address()).
			Int("records", handed).
			Msg("Handed off records")

		announce := message.Control(message.CmdMemberRemove, n.self, n.self)
		for _, member := range snap.Nodes() {
			if member.Equals(n.self) {
				continue
			}
			if err := n.send(ctx, member.Address(), announce); err != nil {
				n.logger.Warn().Err(err).Str("member", member.Address()).Msg("Failed to announce departure")
			}
		}
	}

	n.stateMu.Lock()
	n.ring.Clear()
	n.store.RemoveMatching(nil)
	n.setState(Unaffiliated)
	n.stateMu.Unlock()

	n.logger.Info().Msg("Left ring")
	n.broadcast(EventNodeLeave, n.self, "left ring")
	return nil
}

// send delivers a control message and waits for the ack.
func (n *Node) send(ctx context.Context, address string, msg *message.Message) error {
	sctx, cancel := context.WithTimeout(ctx, n.config.RPCTimeout)
	defer cancel()
	_, err := n.remote.Send(sctx, address, msg)
	return err
}

// sendControl delivers a control message in the background.
func (n *Node) sendControl(address string, msg *message.Message) {
	if n.remote == nil {
		return
	}

	n.spawn(func(ctx context.Context) {
		if err := n.send(ctx, address, msg); err != nil {
			n.logger.Warn().
				Err(err).
				Str("command", msg.Command.String()).
				Str("target", address).
				Msg("Failed to deliver control message")
		}
	})
}

func containsNode(nodes []*ring.Node, node *ring.Node) bool {
	for _, n := range nodes {
		if n.Equals(node) {
			return true
		}
	}
	return false
}
