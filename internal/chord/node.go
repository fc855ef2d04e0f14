package chord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/ring"
)

// NodeOptions carries the collaborators of a Node.
type NodeOptions struct {
	Logger      *pkg.Logger
	Metrics     *metrics.Metrics      // optional
	Broadcaster RingUpdateBroadcaster // optional
	HopBudget   int                   // forwards allowed per lookup, 0 means 2*bits+2
}

// Node is one ring participant. All of its state is owned by the actor and
// mutated only from Receive, which the transport never runs concurrently.
type Node struct {
	ref       Ref
	transport Transport

	logger      *pkg.Logger
	metrics     *metrics.Metrics
	broadcaster RingUpdateBroadcaster
	hopBudget   int

	state       Lifecycle
	self        Peer
	space       ring.Space
	keys        KeySet
	fingers     *FingerTable
	predecessor *Peer
	manager     Ref

	// messages that arrived before Configure/Join, replayed in order
	pending []Envelope
}

// NewNode creates an unconfigured node reachable at ref.
func NewNode(ref Ref, transport Transport, opts NodeOptions) (*Node, error) {
	if ref == NoRef {
		return nil, fmt.Errorf("node ref cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.HopBudget < 0 {
		return nil, fmt.Errorf("hop budget cannot be negative")
	}

	return &Node{
		ref:         ref,
		transport:   transport,
		logger:      opts.Logger.WithFields(pkg.Fields{"ref": uint64(ref)}),
		metrics:     opts.Metrics,
		broadcaster: opts.Broadcaster,
		hopBudget:   opts.HopBudget,
		state:       Unconfigured,
		keys:        NewKeySet(),
	}, nil
}

// Ref returns the node's handle.
func (n *Node) Ref() Ref {
	return n.ref
}

// Receive processes one envelope. It returns pkg.ErrNodeHalted once the node
// has terminated and an error wrapping pkg.ErrInvariantViolation when the
// protocol can no longer be trusted.
func (n *Node) Receive(_ context.Context, env Envelope) error {
	if env.Msg == nil {
		return nil
	}

	switch n.state {
	case Halted:
		n.metrics.Dropped("halted")
		return pkg.ErrNodeHalted
	case Unconfigured:
		switch env.Msg.(type) {
		case Configure, Join, Terminate, Snapshot:
		default:
			n.pending = append(n.pending, env)
			n.metrics.Deferred(env.Msg.Kind())
			n.logger.Debug().
				Str("kind", env.Msg.Kind()).
				Int("pending", len(n.pending)).
				Msg("Deferred message until configured")
			return nil
		}
	}

	return n.dispatch(env)
}

func (n *Node) dispatch(env Envelope) error {
	n.metrics.Handled(env.Msg.Kind())

	var err error
	switch m := env.Msg.(type) {
	case Configure:
		err = n.configure(m)
	case Join:
		err = n.joinCluster(m)
	case FindSuccessor:
		err = n.findSuccessor(m)
	case FindSuccessorResp:
		err = n.findSuccessorResp(m)
	case FindPredecessor:
		err = n.findPredecessor(m)
	case FindPredecessorResp:
		err = n.findPredecessorResp(m)
	case NotifySuccessor:
		n.notifySuccessor(m)
	case AskForKeys:
		err = n.askForKeys(m)
	case AskForKeysResp:
		n.askForKeysResp(m)
	case Stabilize:
		err = n.stabilize()
	case Snapshot:
		n.snapshot(m)
	case Terminate:
		return n.terminate()
	default:
		n.logger.Warn().
			Str("kind", env.Msg.Kind()).
			Msg("Ignoring unexpected message")
	}

	if err != nil && errors.Is(err, pkg.ErrInvariantViolation) {
		n.metrics.Invariant()
		n.logger.Error().
			Err(err).
			Str("msg_id", env.ID.String()).
			Str("kind", env.Msg.Kind()).
			Msg("Protocol invariant violated")
	}
	return err
}

// configure bootstraps the node with global knowledge of the ring.
func (n *Node) configure(m Configure) error {
	if n.state != Unconfigured {
		n.logger.Warn().Msg("Ignoring Configure on a configured node")
		return nil
	}

	n.self = Peer{Ref: n.ref, ID: m.ID}
	peers := n.withSelf(m.Peers)

	bits := m.RingBits
	if bits == 0 {
		var maxID ID
		for _, p := range peers {
			if p.ID > maxID {
				maxID = p.ID
			}
		}
		bits = ring.BitsFor(len(peers), maxID)
	}

	if err := n.buildTable(bits, peers); err != nil {
		return fmt.Errorf("configure node %d: %w", m.ID, err)
	}

	for _, k := range m.Keys {
		n.keys.Add(n.space.Mod(k))
	}
	pred := predecessorOf(m.ID, peers)
	n.predecessor = &pred
	n.manager = m.Manager
	n.state = Active

	n.logger.Info().
		Int("ring_bits", bits).
		Int("keys", len(n.keys)).
		Uint64("predecessor", pred.ID).
		Uint64("successor", n.fingers.Successor().ID).
		Msg("Node configured")
	n.emit(EventNodeConfigured, nil, nil, "configured from bootstrap")

	return n.replay()
}

// joinCluster places the node through the peers it knows and starts the
// handshake with its computed successor.
func (n *Node) joinCluster(m Join) error {
	if n.state != Unconfigured {
		n.logger.Warn().Msg("Ignoring Join on a configured node")
		return nil
	}
	if m.RingBits <= 0 {
		return fmt.Errorf("join node %d: ring bits must be positive, got %d", m.ID, m.RingBits)
	}

	n.self = Peer{Ref: n.ref, ID: m.ID}
	if err := n.buildTable(m.RingBits, n.withSelf(m.Peers)); err != nil {
		return fmt.Errorf("join node %d: %w", m.ID, err)
	}
	n.predecessor = nil
	n.manager = m.Manager
	n.state = Active

	succ := n.fingers.Successor()
	n.logger.Info().
		Int("ring_bits", m.RingBits).
		Int("known_peers", len(m.Peers)).
		Uint64("successor", succ.ID).
		Msg("Joining ring")

	if n.manager != NoRef {
		if err := n.send(n.manager, JoinAck{Node: n.self}); err != nil {
			return err
		}
	}
	if succ.Ref != n.ref {
		if err := n.send(succ.Ref, NotifySuccessor{Node: n.self}, AskForKeys{Requester: n.self}); err != nil {
			return err
		}
	}
	n.emit(EventNodeJoin, &succ, nil, "joined ring")

	return n.replay()
}

func (n *Node) buildTable(bits int, peers []Peer) error {
	space, err := ring.NewSpace(bits)
	if err != nil {
		return err
	}
	if !space.IsValidID(n.self.ID) {
		return fmt.Errorf("id %d does not fit a %d-bit ring", n.self.ID, bits)
	}

	ft, err := NewFingerTable(space, n.self.ID, peers)
	if err != nil {
		return err
	}

	n.space = space
	n.fingers = ft
	n.logger = n.logger.WithNode(n.self.ID)
	if n.hopBudget == 0 {
		n.hopBudget = ring.DefaultHopBudget(bits)
	}
	return nil
}

// withSelf returns peers deduplicated by ref, with this node included.
func (n *Node) withSelf(peers []Peer) []Peer {
	out := make([]Peer, 0, len(peers)+1)
	seen := make(map[Ref]struct{}, len(peers)+1)
	for _, p := range peers {
		if p.IsNil() {
			continue
		}
		if _, ok := seen[p.Ref]; ok {
			continue
		}
		if p.Ref == n.ref {
			p = n.self
		}
		seen[p.Ref] = struct{}{}
		out = append(out, p)
	}
	if _, ok := seen[n.ref]; !ok {
		out = append(out, n.self)
	}
	return out
}

// predecessorOf returns the peer immediately preceding id in sorted-id order,
// wrapping to the largest id.
func predecessorOf(id ID, peers []Peer) Peer {
	sorted := make([]Peer, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].ID < id {
			return sorted[i]
		}
	}
	return sorted[len(sorted)-1]
}

func (n *Node) replay() error {
	pending := n.pending
	n.pending = nil

	if len(pending) > 0 {
		n.logger.Debug().
			Int("count", len(pending)).
			Msg("Replaying deferred messages")
	}

	for _, env := range pending {
		if n.state != Active {
			break
		}
		if err := n.dispatch(env); err != nil {
			return err
		}
	}
	return nil
}

// findSuccessor resolves the owner of a key or forwards the request one hop
// closer. The original sender is threaded through every forward.
func (n *Node) findSuccessor(m FindSuccessor) error {
	key := n.space.Mod(m.Key)

	if n.keys.Has(key) {
		return n.replySuccessor(m, key, n.self)
	}
	if f, ok := n.fingers.ByStart(key); ok {
		return n.replySuccessor(m, key, f.Node)
	}
	if key == n.self.ID {
		return n.replySuccessor(m, key, n.fingers.Successor())
	}

	// (predecessor, n] belongs to this node
	if n.predecessor != nil && n.space.InRange(key, n.predecessor.ID, n.self.ID) {
		return n.replySuccessor(m, key, n.self)
	}
	succ := n.fingers.Successor()
	if succ.Ref != n.ref && n.space.InRange(key, n.self.ID, succ.ID) {
		return n.replySuccessor(m, key, succ)
	}

	if p, ok := n.fingers.ClosestPreceding(key); ok {
		return n.forward(m, key, p)
	}

	// Only reached while finger 1 still points home. Every key other than
	// n's own id lies in exactly one finger interval.
	next, _ := n.fingers.Containing(key)
	if next.Node.Ref == n.ref {
		return n.escape(m, key, next)
	}
	return n.forward(m, key, next.Node)
}

// escape handles a next hop that is this node itself.
func (n *Node) escape(m FindSuccessor, key ID, stuck Finger) error {
	// No finger knows a node in [stuck.Start, n): this node succeeds the key.
	overtaken := false
	for _, f := range n.fingers.entries {
		if f.Node.Ref != n.ref && n.space.BetweenLeftIncl(f.Node.ID, stuck.Start, n.self.ID) {
			overtaken = true
			break
		}
	}
	if !overtaken {
		return n.replySuccessor(m, key, n.self)
	}

	adjacent := n.space.Mod(stuck.Start + n.space.MaxID())
	for _, f := range n.fingers.entries {
		if f.Node.Ref == n.ref {
			continue
		}
		if f.End == stuck.Start || f.End == adjacent {
			n.logger.Debug().
				Uint64("key", key).
				Int("stuck_finger", stuck.Index).
				Int("escape_finger", f.Index).
				Msg("Escaping self-routed lookup")
			return n.forward(m, key, f.Node)
		}
	}

	return fmt.Errorf("%w: node %d key %d finger %d", pkg.ErrRoutingStuck, n.self.ID, key, stuck.Index)
}

// forward passes the lookup one hop on. Over the hop budget it is dropped:
// with a correct successor every forward lands strictly closer to the key,
// so the budget only cuts off lookups routed through fingers that are still
// settling after a join.
func (n *Node) forward(m FindSuccessor, key ID, next Peer) error {
	if m.Hops >= n.hopBudget {
		n.metrics.Dropped("hop_budget")
		n.logger.Warn().
			Uint64("key", key).
			Int("hops", m.Hops).
			Uint64("next", next.ID).
			Msg("Dropping lookup over hop budget")
		return nil
	}
	return n.send(next.Ref, FindSuccessor{Sender: m.Sender, Key: key, Hops: m.Hops + 1})
}

func (n *Node) replySuccessor(m FindSuccessor, key ID, owner Peer) error {
	n.metrics.ObserveHops(m.Hops)
	return n.send(m.Sender, FindSuccessorResp{Node: owner, Key: key, Hops: m.Hops})
}

// findSuccessorResp repairs the finger whose Start is the resolved key.
func (n *Node) findSuccessorResp(m FindSuccessorResp) error {
	f, ok := n.fingers.ByStart(m.Key)
	if !ok {
		return fmt.Errorf("node %d key %d: %w", n.self.ID, m.Key, pkg.ErrFingerNotFound)
	}
	if f.Node == m.Node {
		return nil
	}
	if err := n.fingers.SetNode(f.Start, m.Node); err != nil {
		return err
	}
	n.metrics.FingerUpdated()
	n.logger.Debug().
		Int("finger", f.Index).
		Uint64("start", f.Start).
		Uint64("old", f.Node.ID).
		Uint64("new", m.Node.ID).
		Msg("Finger updated")
	if f.Index == 1 {
		n.emit(EventSuccessorChange, &m.Node, nil, "successor finger repaired")
	}
	return nil
}

func (n *Node) findPredecessor(m FindPredecessor) error {
	if n.predecessor == nil {
		n.logger.Debug().Msg("Predecessor unknown, not answering")
		return nil
	}
	return n.send(m.Sender, FindPredecessorResp{Node: *n.predecessor})
}

// findPredecessorResp adopts a closer successor and claims keys from it.
func (n *Node) findPredecessorResp(m FindPredecessorResp) error {
	if m.Node.Ref == n.ref {
		return nil
	}
	succ := n.fingers.Successor()
	if m.Node.Ref == succ.Ref {
		return nil
	}
	if !n.space.Between(m.Node.ID, n.self.ID, succ.ID) {
		// successor's predecessor is behind us: it was overwritten by a
		// farther node, so claim the slot back
		if n.space.Between(n.self.ID, m.Node.ID, succ.ID) {
			n.logger.Debug().
				Uint64("stale_predecessor", m.Node.ID).
				Uint64("successor", succ.ID).
				Msg("Re-notifying successor")
			return n.send(succ.Ref, NotifySuccessor{Node: n.self}, AskForKeys{Requester: n.self})
		}
		n.logger.Debug().
			Uint64("reported", m.Node.ID).
			Uint64("successor", succ.ID).
			Msg("Ignoring predecessor outside (self, successor)")
		return nil
	}

	n.fingers.SetSuccessor(m.Node)
	n.metrics.FingerUpdated()
	n.logger.Info().
		Uint64("old_successor", succ.ID).
		Uint64("new_successor", m.Node.ID).
		Msg("Successor updated")
	n.emit(EventSuccessorChange, &m.Node, nil, "adopted closer successor")

	return n.send(m.Node.Ref, NotifySuccessor{Node: n.self}, AskForKeys{Requester: n.self})
}

// notifySuccessor adopts the sender as predecessor. Last writer wins.
func (n *Node) notifySuccessor(m NotifySuccessor) {
	if m.Node.Ref == n.ref {
		return
	}
	if n.predecessor != nil && *n.predecessor == m.Node {
		return
	}

	pred := m.Node
	n.predecessor = &pred
	n.logger.Debug().
		Uint64("predecessor", pred.ID).
		Msg("Predecessor updated")
	n.emit(EventPredecessorChange, &pred, nil, "predecessor notified")
}

// askForKeys hands the predecessor every key outside (requester, n].
func (n *Node) askForKeys(m AskForKeys) error {
	if n.predecessor == nil || n.predecessor.Ref != m.Requester.Ref {
		pred := "none"
		if n.predecessor != nil {
			pred = n.predecessor.String()
		}
		return fmt.Errorf("%w: node %d asked by %s, predecessor %s",
			pkg.ErrNotPredecessor, n.self.ID, m.Requester, pred)
	}

	var handoff []ID
	for _, k := range n.keys.Sorted() {
		if !n.space.InRange(k, m.Requester.ID, n.self.ID) {
			handoff = append(handoff, k)
			n.keys.Remove(k)
		}
	}
	if len(handoff) == 0 {
		n.logger.Debug().
			Uint64("requester", m.Requester.ID).
			Msg("No keys to hand off")
		return nil
	}

	n.metrics.Transferred(len(handoff))
	n.logger.Info().
		Uint64("requester", m.Requester.ID).
		Int("key_count", len(handoff)).
		Int("remaining", len(n.keys)).
		Msg("Handing off keys")
	n.emit(EventKeyHandoff, &m.Requester, handoff, "keys handed to predecessor")

	return n.send(m.Requester.Ref, AskForKeysResp{Keys: handoff})
}

func (n *Node) askForKeysResp(m AskForKeysResp) {
	n.keys.Add(m.Keys...)
	n.logger.Info().
		Int("received", len(m.Keys)).
		Int("key_count", len(n.keys)).
		Msg("Received keys")
}

// stabilize pulls the successor's predecessor and re-resolves, through the
// successor, every finger that disagrees with it. A finger that agrees with
// the successor but starts past it is stale too.
func (n *Node) stabilize() error {
	succ := n.fingers.Successor()

	msgs := []Message{FindPredecessor{Sender: n.ref}}
	for _, f := range n.fingers.entries[1:] {
		if f.Node.Ref != succ.Ref || !n.space.InRange(f.Start, n.self.ID, succ.ID) {
			msgs = append(msgs, FindSuccessor{Sender: n.ref, Key: f.Start})
		}
	}

	n.logger.Trace().
		Uint64("successor", succ.ID).
		Int("refresh", len(msgs)-1).
		Msg("Stabilize")
	return n.send(succ.Ref, msgs...)
}

func (n *Node) snapshot(m Snapshot) {
	st := NodeState{
		Ref:       n.ref,
		ID:        n.self.ID,
		Lifecycle: n.state,
		Keys:      n.keys.Sorted(),
		Pending:   len(n.pending),
	}
	if n.predecessor != nil {
		pred := *n.predecessor
		st.Predecessor = &pred
	}
	if n.fingers != nil {
		st.Fingers = n.fingers.Entries()
	}

	select {
	case m.Reply <- st:
	default:
		n.logger.Warn().Msg("Snapshot reply channel full")
	}
}

func (n *Node) terminate() error {
	n.state = Halted
	dropped := len(n.pending)
	n.pending = nil

	n.logger.Info().
		Int("dropped_pending", dropped).
		Msg("Node terminated")
	n.emit(EventNodeLeave, nil, nil, "terminated")
	return pkg.ErrNodeHalted
}

func (n *Node) send(to Ref, msgs ...Message) error {
	if err := n.transport.Send(n.ref, to, msgs...); err != nil {
		return fmt.Errorf("node %d send to %s: %w", n.self.ID, to, err)
	}
	return nil
}

func (n *Node) emit(eventType string, peer *Peer, keys []ID, msg string) {
	if n.broadcaster == nil {
		return
	}

	ev := RingUpdateEvent{
		Type:      eventType,
		NodeID:    n.self.ID,
		Keys:      keys,
		Timestamp: time.Now().UnixMilli(),
		Message:   msg,
	}
	if peer != nil {
		id := peer.ID
		ev.PeerID = &id
	}

	if err := n.broadcaster.BroadcastRingUpdate(ev); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to broadcast ring update")
	}
}
