// Package manager coordinates a simulated ring: it spawns nodes on the bus,
// bootstraps and joins them, drives stabilization and issues lookups.
// It only ever talks to nodes through messages.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/ring"
)

// MaxPartitionSize bounds the ring size Bootstrap will enumerate keys for.
const MaxPartitionSize = 1 << 16

// Options configures a Ring.
type Options struct {
	Logger        *pkg.Logger
	Metrics       *metrics.Metrics            // optional
	Broadcaster   chord.RingUpdateBroadcaster // optional
	RingBits      int                         // 0 derives it from the bootstrap ids
	HopBudget     int                         // 0 lets every node use 2*bits+2
	LookupTimeout time.Duration               // 0 waits on the caller's context only
}

type member struct {
	peer   chord.Peer
	halted bool
}

// Ring owns the bus, the node registry and the manager actor that receives
// JoinAck and FindSuccessorResp.
type Ring struct {
	opts   Options
	logger *pkg.Logger
	bus    *transport.Bus
	ref    chord.Ref

	mu      sync.Mutex
	space   ring.Space
	bits    int
	members map[chord.ID]*member
	joins   map[chord.ID]chan struct{}
	lookups map[chord.ID][]chan chord.FindSuccessorResp
	closed  bool
}

// New starts an empty ring. Cancelling ctx stops every actor.
func New(ctx context.Context, opts Options) (*Ring, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.RingBits < 0 || opts.RingBits > ring.MaxBits {
		return nil, fmt.Errorf("ring bits must be between 0 and %d, got %d", ring.MaxBits, opts.RingBits)
	}
	if opts.HopBudget < 0 {
		return nil, fmt.Errorf("hop budget cannot be negative")
	}

	bus, err := transport.NewBus(ctx, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}

	r := &Ring{
		opts:    opts,
		logger:  opts.Logger.WithComponent("manager"),
		bus:     bus,
		members: make(map[chord.ID]*member),
		joins:   make(map[chord.ID]chan struct{}),
		lookups: make(map[chord.ID][]chan chord.FindSuccessorResp),
	}

	r.ref, err = bus.Spawn("manager", func(chord.Ref) (transport.Handler, error) {
		return transport.HandlerFunc(r.receive), nil
	})
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("failed to spawn manager: %w", err)
	}
	return r, nil
}

// Ref returns the manager actor's handle.
func (r *Ring) Ref() chord.Ref {
	return r.ref
}

// Bits returns the ring size in bits, 0 before bootstrap.
func (r *Ring) Bits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bits
}

// Peers returns the live nodes ordered by id.
func (r *Ring) Peers() []chord.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.livePeersLocked()
}

func (r *Ring) livePeersLocked() []chord.Peer {
	peers := make([]chord.Peer, 0, len(r.members))
	for _, m := range r.members {
		if !m.halted {
			peers = append(peers, m.peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Owner returns the live node that should own key: the first id at or after
// it, wrapping to the smallest id.
func (r *Ring) Owner(key chord.ID) (chord.Peer, error) {
	peers := r.Peers()
	if len(peers) == 0 {
		return chord.Peer{}, pkg.ErrNotConfigured
	}

	ids := make([]chord.ID, len(peers))
	for i, p := range peers {
		ids[i] = p.ID
	}
	return peers[chord.GetSuccessorNodeId(r.space.Mod(key), ids)], nil
}

// Bootstrap configures ids with full ring knowledge, giving each node the
// keys in (predecessor, id].
func (r *Ring) Bootstrap(ctx context.Context, ids []chord.ID) error {
	if err := r.prepare(ids); err != nil {
		return err
	}

	if r.space.Size() > MaxPartitionSize {
		return fmt.Errorf("ring of %d ids is too large to partition, use BootstrapWithKeys", r.space.Size())
	}

	sorted := append([]chord.ID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	assign := make(map[chord.ID][]chord.ID, len(sorted))
	for i, id := range sorted {
		pred := sorted[(i+len(sorted)-1)%len(sorted)]
		span := r.space.Distance(pred, id)
		if span == 0 {
			span = r.space.Size()
		}
		keys := make([]chord.ID, 0, span)
		for d := uint64(1); d <= span; d++ {
			keys = append(keys, r.space.Mod(pred+d))
		}
		assign[id] = keys
	}

	return r.configure(ctx, ids, assign)
}

// BootstrapWithKeys configures the ids in assign with the given key sets.
func (r *Ring) BootstrapWithKeys(ctx context.Context, assign map[chord.ID][]chord.ID) error {
	ids := make([]chord.ID, 0, len(assign))
	for id := range assign {
		ids = append(ids, id)
	}
	if err := r.prepare(ids); err != nil {
		return err
	}
	return r.configure(ctx, ids, assign)
}

// prepare validates the bootstrap set and fixes the ring size.
func (r *Ring) prepare(ids []chord.ID) error {
	if len(ids) == 0 {
		return fmt.Errorf("bootstrap needs at least one node")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.members) > 0 {
		return fmt.Errorf("ring already bootstrapped")
	}

	var maxID chord.ID
	seen := make(map[chord.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate node id %d", id)
		}
		seen[id] = struct{}{}
		if id > maxID {
			maxID = id
		}
	}

	bits := r.opts.RingBits
	if bits == 0 {
		bits = ring.BitsFor(len(ids), maxID)
	}
	space, err := ring.NewSpace(bits)
	if err != nil {
		return err
	}
	if !space.IsValidID(maxID) {
		return fmt.Errorf("node id %d does not fit a %d-bit ring", maxID, bits)
	}

	r.space = space
	r.bits = bits
	return nil
}

func (r *Ring) configure(ctx context.Context, ids []chord.ID, assign map[chord.ID][]chord.ID) error {
	peers := make([]chord.Peer, 0, len(ids))
	for _, id := range ids {
		ref, err := r.spawn(id)
		if err != nil {
			return err
		}
		peers = append(peers, chord.Peer{Ref: ref, ID: id})
	}

	for _, p := range peers {
		msg := chord.Configure{
			ID:       p.ID,
			Keys:     assign[p.ID],
			Peers:    peers,
			Manager:  r.ref,
			RingBits: r.bits,
		}
		if err := r.bus.Send(r.ref, p.Ref, msg); err != nil {
			return fmt.Errorf("configure node %d: %w", p.ID, err)
		}
	}

	if err := r.bus.Quiesce(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	r.logger.Info().
		Int("nodes", len(peers)).
		Int("ring_bits", r.bits).
		Msg("Ring bootstrapped")
	return nil
}

func (r *Ring) spawn(id chord.ID) (chord.Ref, error) {
	ref, err := r.bus.Spawn(fmt.Sprintf("node-%d", id), func(ref chord.Ref) (transport.Handler, error) {
		return chord.NewNode(ref, r.bus, chord.NodeOptions{
			Logger:      r.opts.Logger,
			Metrics:     r.opts.Metrics,
			Broadcaster: r.opts.Broadcaster,
			HopBudget:   r.opts.HopBudget,
		})
	})
	if err != nil {
		return chord.NoRef, fmt.Errorf("spawn node %d: %w", id, err)
	}

	r.mu.Lock()
	r.members[id] = &member{peer: chord.Peer{Ref: ref, ID: id}}
	r.mu.Unlock()
	return ref, nil
}

// Join introduces a new node through every live peer and waits until it has
// acknowledged and the handshake with its successor has settled.
func (r *Ring) Join(ctx context.Context, id chord.ID) error {
	r.mu.Lock()
	if r.bits == 0 {
		r.mu.Unlock()
		return fmt.Errorf("join node %d: %w", id, pkg.ErrNotConfigured)
	}
	if !r.space.IsValidID(id) {
		r.mu.Unlock()
		return fmt.Errorf("node id %d does not fit a %d-bit ring", id, r.bits)
	}
	if _, ok := r.members[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("node id %d already in ring", id)
	}
	peers := r.livePeersLocked()
	ack := make(chan struct{}, 1)
	r.joins[id] = ack
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.joins, id)
		r.mu.Unlock()
	}()

	ref, err := r.spawn(id)
	if err != nil {
		return err
	}

	msg := chord.Join{ID: id, Peers: peers, RingBits: r.bits, Manager: r.ref}
	if err := r.bus.Send(r.ref, ref, msg); err != nil {
		return fmt.Errorf("join node %d: %w", id, err)
	}

	if _, ok, err := await(ctx, r.bus, ack); err != nil {
		return fmt.Errorf("join node %d: %w", id, err)
	} else if !ok {
		return fmt.Errorf("join node %d: no acknowledgement", id)
	}

	if err := r.bus.Quiesce(ctx); err != nil {
		return fmt.Errorf("join node %d: %w", id, err)
	}

	r.logger.Info().
		Uint64("node_id", id).
		Int("known_peers", len(peers)).
		Msg("Node joined")
	return nil
}

// StabilizeRound sends Stabilize to every live node and waits until the
// resulting traffic has drained.
func (r *Ring) StabilizeRound(ctx context.Context) error {
	for _, p := range r.Peers() {
		if err := r.bus.Send(r.ref, p.Ref, chord.Stabilize{}); err != nil {
			return fmt.Errorf("stabilize node %d: %w", p.ID, err)
		}
	}
	return r.bus.Quiesce(ctx)
}

// Converge runs stabilization rounds until two consecutive snapshots of every
// live node are identical. It returns the number of rounds run.
func (r *Ring) Converge(ctx context.Context, maxRounds int) (int, error) {
	prev, err := r.Snapshots(ctx)
	if err != nil {
		return 0, err
	}

	for round := 1; round <= maxRounds; round++ {
		if err := r.StabilizeRound(ctx); err != nil {
			return round, err
		}
		cur, err := r.Snapshots(ctx)
		if err != nil {
			return round, err
		}
		if sameStates(prev, cur) {
			r.logger.Debug().Int("rounds", round).Msg("Ring converged")
			return round, nil
		}
		prev = cur
	}
	return maxRounds, fmt.Errorf("%w after %d rounds", pkg.ErrNotConverged, maxRounds)
}

func sameStates(a, b []chord.NodeState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Lookup asks node from for the owner of key and waits for the answer.
func (r *Ring) Lookup(ctx context.Context, from, key chord.ID) (chord.Peer, error) {
	src, err := r.live(from)
	if err != nil {
		return chord.Peer{}, err
	}
	key = r.space.Mod(key)

	if r.opts.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.LookupTimeout)
		defer cancel()
	}

	reply := make(chan chord.FindSuccessorResp, 1)
	r.mu.Lock()
	r.lookups[key] = append(r.lookups[key], reply)
	r.mu.Unlock()
	defer r.abandon(key, reply)

	if err := r.bus.Send(r.ref, src.Ref, chord.FindSuccessor{Sender: r.ref, Key: key}); err != nil {
		return chord.Peer{}, fmt.Errorf("lookup %d from %d: %w", key, from, err)
	}

	resp, ok, err := await(ctx, r.bus, reply)
	if err != nil {
		return chord.Peer{}, fmt.Errorf("lookup %d from %d: %w", key, from, err)
	}
	if !ok {
		return chord.Peer{}, fmt.Errorf("lookup %d from %d: %w", key, from, pkg.ErrLookupUnanswered)
	}

	r.logger.Debug().
		Uint64("from", from).
		Uint64("key", key).
		Uint64("owner", resp.Node.ID).
		Int("hops", resp.Hops).
		Msg("Lookup resolved")
	return resp.Node, nil
}

func (r *Ring) abandon(key chord.ID, reply chan chord.FindSuccessorResp) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters := r.lookups[key]
	for i, w := range waiters {
		if w == reply {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(r.lookups, key)
		return
	}
	r.lookups[key] = waiters
}

// Snapshot returns the state of node id as reported by the node itself.
func (r *Ring) Snapshot(ctx context.Context, id chord.ID) (chord.NodeState, error) {
	r.mu.Lock()
	m, ok := r.members[id]
	var halted bool
	if ok {
		halted = m.halted
	}
	r.mu.Unlock()

	if !ok {
		return chord.NodeState{}, fmt.Errorf("%w: id %d", pkg.ErrUnknownNode, id)
	}
	if halted {
		return chord.NodeState{Ref: m.peer.Ref, ID: id, Lifecycle: chord.Halted}, nil
	}

	reply := make(chan chord.NodeState, 1)
	if err := r.bus.Send(r.ref, m.peer.Ref, chord.Snapshot{Reply: reply}); err != nil {
		return chord.NodeState{}, fmt.Errorf("snapshot node %d: %w", id, err)
	}

	st, ok, err := await(ctx, r.bus, reply)
	if err != nil {
		return chord.NodeState{}, fmt.Errorf("snapshot node %d: %w", id, err)
	}
	if !ok {
		// the actor stopped before it could answer
		return chord.NodeState{Ref: m.peer.Ref, ID: id, Lifecycle: chord.Halted}, nil
	}
	return st, nil
}

// Snapshots returns the state of every live node ordered by id.
func (r *Ring) Snapshots(ctx context.Context) ([]chord.NodeState, error) {
	peers := r.Peers()
	out := make([]chord.NodeState, 0, len(peers))
	for _, p := range peers {
		st, err := r.Snapshot(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Terminate halts node id. Terminating a halted node is a no-op.
func (r *Ring) Terminate(ctx context.Context, id chord.ID) error {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: id %d", pkg.ErrUnknownNode, id)
	}
	if m.halted {
		r.mu.Unlock()
		return nil
	}
	m.halted = true
	ref := m.peer.Ref
	r.mu.Unlock()

	if err := r.bus.Send(r.ref, ref, chord.Terminate{}); err != nil {
		return fmt.Errorf("terminate node %d: %w", id, err)
	}
	if err := r.bus.Quiesce(ctx); err != nil {
		return fmt.Errorf("terminate node %d: %w", id, err)
	}

	r.logger.Info().Uint64("node_id", id).Msg("Node terminated")
	return nil
}

// Shutdown terminates every live node, stops the bus and reports every
// error met on the way, including the one that aborted the ring.
func (r *Ring) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	peers := r.livePeersLocked()
	for _, p := range peers {
		r.members[p.ID].halted = true
	}
	r.mu.Unlock()

	var errs error
	for _, p := range peers {
		if err := r.bus.Send(r.ref, p.Ref, chord.Terminate{}); err != nil && !errors.Is(err, pkg.ErrBusClosed) {
			errs = multierr.Append(errs, fmt.Errorf("terminate node %d: %w", p.ID, err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.bus.Quiesce(ctx); err != nil && !errors.Is(err, pkg.ErrBusClosed) && r.bus.Err() == nil {
		errs = multierr.Append(errs, fmt.Errorf("drain: %w", err))
	}

	errs = multierr.Append(errs, r.bus.Close())

	r.logger.Info().
		Int("nodes", len(peers)).
		Msg("Ring shut down")
	return errs
}

// Err returns the error that aborted the ring, if any.
func (r *Ring) Err() error {
	return r.bus.Err()
}

// Done is closed once the ring stops.
func (r *Ring) Done() <-chan struct{} {
	return r.bus.Done()
}

func (r *Ring) live(id chord.ID) (chord.Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bits == 0 {
		return chord.Peer{}, pkg.ErrNotConfigured
	}
	m, ok := r.members[id]
	if !ok {
		return chord.Peer{}, fmt.Errorf("%w: id %d", pkg.ErrUnknownNode, id)
	}
	if m.halted {
		return chord.Peer{}, fmt.Errorf("node %d: %w", id, pkg.ErrNodeHalted)
	}
	return m.peer, nil
}

// receive is the manager actor's handler.
func (r *Ring) receive(_ context.Context, env chord.Envelope) error {
	switch m := env.Msg.(type) {
	case chord.JoinAck:
		r.mu.Lock()
		ack, ok := r.joins[m.Node.ID]
		r.mu.Unlock()
		if ok {
			select {
			case ack <- struct{}{}:
			default:
			}
		}
	case chord.FindSuccessorResp:
		r.mu.Lock()
		waiters := r.lookups[m.Key]
		var reply chan chord.FindSuccessorResp
		if len(waiters) > 0 {
			reply = waiters[0]
			r.lookups[m.Key] = waiters[1:]
		}
		r.mu.Unlock()

		if reply == nil {
			r.logger.Debug().
				Uint64("key", m.Key).
				Uint64("owner", m.Node.ID).
				Msg("Unsolicited lookup response")
			return nil
		}
		reply <- m
	default:
		r.logger.Warn().
			Str("kind", env.Msg.Kind()).
			Msg("Manager ignoring message")
	}
	return nil
}

// await waits for a value on ch. It gives up with ok false once the bus has
// drained without delivering one.
func await[T any](ctx context.Context, bus *transport.Bus, ch <-chan T) (T, bool, error) {
	var zero T

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	quiet := make(chan error, 1)
	go func() {
		quiet <- bus.Quiesce(qctx)
	}()

	select {
	case v := <-ch:
		return v, true, nil
	case err := <-quiet:
		select {
		case v := <-ch:
			return v, true, nil
		default:
		}
		return zero, false, err
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}
