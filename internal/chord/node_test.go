package chord

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/pkg"
)

const managerRef Ref = 100

type sentMessage struct {
	From Ref
	To   Ref
	Msg  Message
}

// fakeTransport records sends instead of delivering them.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeTransport) Send(from, to Ref, msgs ...Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, m := range msgs {
		f.sent = append(f.sent, sentMessage{From: from, To: to, Msg: m})
	}
	return nil
}

// take returns everything sent so far and clears the record.
func (f *fakeTransport) take() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

// peer places small ids at refs 10+id so tests can read them at a glance.
func peer(id ID) Peer {
	return Peer{Ref: Ref(10 + id), ID: id}
}

func peers(ids ...ID) []Peer {
	out := make([]Peer, len(ids))
	for i, id := range ids {
		out[i] = peer(id)
	}
	return out
}

func newTestNode(t *testing.T, id ID, opts NodeOptions) (*Node, *fakeTransport) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = pkg.Nop()
	}
	tr := &fakeTransport{}
	n, err := NewNode(peer(id).Ref, tr, opts)
	require.NoError(t, err)
	return n, tr
}

func deliver(t *testing.T, n *Node, msg Message) error {
	t.Helper()
	return n.Receive(context.Background(), Envelope{ID: uuid.New(), To: n.Ref(), Msg: msg})
}

func mustDeliver(t *testing.T, n *Node, msg Message) {
	t.Helper()
	require.NoError(t, deliver(t, n, msg))
}

func stateOf(t *testing.T, n *Node) NodeState {
	t.Helper()
	reply := make(chan NodeState, 1)
	mustDeliver(t, n, Snapshot{Reply: reply})
	select {
	case st := <-reply:
		return st
	default:
		t.Fatal("node did not answer snapshot")
		return NodeState{}
	}
}

// configured returns node id of the ring {1, 3, 6} on 3 bits.
func configured(t *testing.T, id ID, keys ...ID) (*Node, *fakeTransport) {
	t.Helper()
	n, tr := newTestNode(t, id, NodeOptions{})
	mustDeliver(t, n, Configure{
		ID:       id,
		Keys:     keys,
		Peers:    peers(1, 3, 6),
		Manager:  managerRef,
		RingBits: 3,
	})
	require.Empty(t, tr.take(), "configure sends nothing")
	return n, tr
}

func fingerNodes(st NodeState) []ID {
	out := make([]ID, len(st.Fingers))
	for i, f := range st.Fingers {
		out[i] = f.Node.ID
	}
	return out
}

func TestNewNode(t *testing.T) {
	tr := &fakeTransport{}

	tests := []struct {
		name      string
		ref       Ref
		transport Transport
		opts      NodeOptions
		wantErr   string
	}{
		{"empty ref", NoRef, tr, NodeOptions{Logger: pkg.Nop()}, "node ref cannot be empty"},
		{"nil transport", 1, nil, NodeOptions{Logger: pkg.Nop()}, "transport cannot be nil"},
		{"nil logger", 1, tr, NodeOptions{}, "logger cannot be nil"},
		{"negative budget", 1, tr, NodeOptions{Logger: pkg.Nop(), HopBudget: -1}, "hop budget cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := NewNode(tt.ref, tt.transport, tt.opts)
			require.Error(t, err)
			assert.Nil(t, n)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("valid", func(t *testing.T) {
		n, err := NewNode(7, tr, NodeOptions{Logger: pkg.Nop()})
		require.NoError(t, err)
		assert.Equal(t, Ref(7), n.Ref())

		st := stateOf(t, n)
		assert.Equal(t, Unconfigured, st.Lifecycle)
		assert.Empty(t, st.Fingers)
		assert.Nil(t, st.Predecessor)
	})
}

func TestNode_Configure(t *testing.T) {
	n, _ := configured(t, 6, 4, 5, 6)

	st := stateOf(t, n)
	assert.Equal(t, Active, st.Lifecycle)
	assert.Equal(t, ID(6), st.ID)
	assert.Equal(t, []ID{4, 5, 6}, st.Keys)
	require.NotNil(t, st.Predecessor)
	assert.Equal(t, peer(3), *st.Predecessor)
	assert.Equal(t, []ID{1, 1, 3}, fingerNodes(st))

	t.Run("predecessor wraps", func(t *testing.T) {
		n, _ := configured(t, 1)
		st := stateOf(t, n)
		require.NotNil(t, st.Predecessor)
		assert.Equal(t, peer(6), *st.Predecessor)
		assert.Equal(t, []ID{3, 3, 6}, fingerNodes(st))
	})

	t.Run("derives ring bits", func(t *testing.T) {
		n, _ := newTestNode(t, 3, NodeOptions{})
		mustDeliver(t, n, Configure{ID: 3, Peers: peers(1, 3, 6)})
		assert.Len(t, stateOf(t, n).Fingers, 3)
	})

	t.Run("second configure ignored", func(t *testing.T) {
		mustDeliver(t, n, Configure{ID: 6, Keys: []ID{0}, Peers: peers(6), RingBits: 5})
		assert.True(t, st.Equal(stateOf(t, n)))
	})

	t.Run("id outside ring", func(t *testing.T) {
		n, _ := newTestNode(t, 9, NodeOptions{})
		err := deliver(t, n, Configure{ID: 9, Peers: peers(1, 9), RingBits: 3})
		assert.ErrorContains(t, err, "does not fit")
	})
}

func TestNode_JoinCluster(t *testing.T) {
	n, tr := newTestNode(t, 5, NodeOptions{})
	mustDeliver(t, n, Join{ID: 5, Peers: peers(1, 3, 6), RingBits: 3, Manager: managerRef})

	assert.Equal(t, []sentMessage{
		{From: peer(5).Ref, To: managerRef, Msg: JoinAck{Node: peer(5)}},
		{From: peer(5).Ref, To: peer(6).Ref, Msg: NotifySuccessor{Node: peer(5)}},
		{From: peer(5).Ref, To: peer(6).Ref, Msg: AskForKeys{Requester: peer(5)}},
	}, tr.take())

	st := stateOf(t, n)
	assert.Equal(t, Active, st.Lifecycle)
	assert.Nil(t, st.Predecessor, "joined nodes learn their predecessor later")
	assert.Empty(t, st.Keys)
	assert.Equal(t, []ID{6, 1, 1}, fingerNodes(st))

	t.Run("predecessor unknown means no answer", func(t *testing.T) {
		mustDeliver(t, n, FindPredecessor{Sender: peer(3).Ref})
		assert.Empty(t, tr.take())
	})

	t.Run("alone in the ring", func(t *testing.T) {
		n, tr := newTestNode(t, 2, NodeOptions{})
		mustDeliver(t, n, Join{ID: 2, RingBits: 3})
		assert.Empty(t, tr.take(), "no manager and no other successor")
		assert.Equal(t, []ID{2, 2, 2}, fingerNodes(stateOf(t, n)))
	})

	t.Run("ring bits required", func(t *testing.T) {
		n, _ := newTestNode(t, 2, NodeOptions{})
		assert.ErrorContains(t, deliver(t, n, Join{ID: 2, Peers: peers(1)}), "ring bits must be positive")
	})
}

func TestNode_DefersUntilConfigured(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	n, tr := newTestNode(t, 6, NodeOptions{Metrics: m})

	mustDeliver(t, n, FindSuccessor{Sender: managerRef, Key: 2})
	mustDeliver(t, n, NotifySuccessor{Node: peer(1)})
	mustDeliver(t, n, Stabilize{})

	assert.Empty(t, tr.take())
	st := stateOf(t, n)
	assert.Equal(t, Unconfigured, st.Lifecycle)
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDeferred.WithLabelValues("stabilize")))

	mustDeliver(t, n, Configure{ID: 6, Keys: []ID{6}, Peers: peers(1, 3, 6), RingBits: 3})

	// replayed in arrival order
	assert.Equal(t, []sentMessage{
		{From: peer(6).Ref, To: managerRef, Msg: FindSuccessorResp{Node: peer(3), Key: 2}},
		{From: peer(6).Ref, To: peer(1).Ref, Msg: FindPredecessor{Sender: peer(6).Ref}},
		{From: peer(6).Ref, To: peer(1).Ref, Msg: FindSuccessor{Sender: peer(6).Ref, Key: 2}},
	}, tr.take())

	st = stateOf(t, n)
	assert.Equal(t, 0, st.Pending)
	require.NotNil(t, st.Predecessor)
	assert.Equal(t, peer(1), *st.Predecessor, "deferred notify overrides the bootstrap predecessor")
}

func TestNode_FindSuccessor(t *testing.T) {
	tests := []struct {
		name  string
		node  ID
		keys  []ID
		key   ID
		owner ID
	}{
		{"owned key", 6, []ID{6}, 6, 6},
		{"finger start", 6, []ID{6}, 2, 3},
		{"finger start wraps", 6, []ID{6}, 7, 1},
		{"finger start zero", 6, []ID{6}, 0, 1},
		{"own id not owned", 6, nil, 6, 1},
		{"between predecessor and self", 6, []ID{6}, 4, 6},
		{"between self and successor", 3, []ID{3}, 6, 6},
		{"key reduced modulo ring", 6, []ID{6}, 10, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, tr := configured(t, tt.node, tt.keys...)
			mustDeliver(t, n, FindSuccessor{Sender: managerRef, Key: tt.key, Hops: 2})

			assert.Equal(t, []sentMessage{{
				From: peer(tt.node).Ref,
				To:   managerRef,
				Msg:  FindSuccessorResp{Node: peer(tt.owner), Key: tt.key % 8, Hops: 2},
			}}, tr.take())
		})
	}

	t.Run("forwards to closest preceding finger", func(t *testing.T) {
		n, tr := configured(t, 1, 1)
		mustDeliver(t, n, FindSuccessor{Sender: managerRef, Key: 4})

		assert.Equal(t, []sentMessage{{
			From: peer(1).Ref,
			To:   peer(3).Ref,
			Msg:  FindSuccessor{Sender: managerRef, Key: 4, Hops: 1},
		}}, tr.take())
	})

	t.Run("drops lookups over the hop budget", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := metrics.New(reg)
		require.NoError(t, err)

		n, tr := newTestNode(t, 1, NodeOptions{HopBudget: 1, Metrics: m})
		mustDeliver(t, n, Configure{ID: 1, Keys: []ID{1}, Peers: peers(1, 3, 6), RingBits: 3})

		mustDeliver(t, n, FindSuccessor{Sender: managerRef, Key: 4, Hops: 1})
		assert.Empty(t, tr.take())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("hop_budget")))
	})
}

func TestNode_FindSuccessorEscape(t *testing.T) {
	t.Run("lone node answers itself", func(t *testing.T) {
		n, tr := newTestNode(t, 0, NodeOptions{})
		mustDeliver(t, n, Join{ID: 0, RingBits: 3})

		mustDeliver(t, n, FindSuccessor{Sender: managerRef, Key: 3})
		assert.Equal(t, []sentMessage{{
			From: peer(0).Ref,
			To:   managerRef,
			Msg:  FindSuccessorResp{Node: peer(0), Key: 3},
		}}, tr.take())
	})

	t.Run("corrupt table is fatal", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := metrics.New(reg)
		require.NoError(t, err)

		n, tr := newTestNode(t, 0, NodeOptions{Metrics: m})
		mustDeliver(t, n, Join{ID: 0, RingBits: 3})
		// finger [4, 0) learns of node 5 while [2, 4) still points home
		mustDeliver(t, n, FindSuccessorResp{Node: peer(5), Key: 4})
		tr.take()

		err = deliver(t, n, FindSuccessor{Sender: managerRef, Key: 3})
		require.Error(t, err)
		assert.True(t, errors.Is(err, pkg.ErrRoutingStuck))
		assert.True(t, errors.Is(err, pkg.ErrInvariantViolation))
		assert.Empty(t, tr.take())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.InvariantErrors))
	})

	// node 0 on 3 bits: fingers [1,2) [2,4) [4,0), all pointing home after Join
	lone := func(t *testing.T, learned ...FindSuccessorResp) (*Node, *fakeTransport) {
		t.Helper()
		n, tr := newTestNode(t, 0, NodeOptions{})
		mustDeliver(t, n, Join{ID: 0, RingBits: 3})
		for _, resp := range learned {
			mustDeliver(t, n, resp)
		}
		tr.take()
		return n, tr
	}

	t.Run("forwards to the finger containing the key", func(t *testing.T) {
		n, tr := lone(t, FindSuccessorResp{Node: peer(5), Key: 4})

		for _, key := range []ID{5, 6, 7} {
			mustDeliver(t, n, FindSuccessor{Sender: managerRef, Key: key})
			assert.Equal(t, []sentMessage{{
				From: peer(0).Ref,
				To:   peer(5).Ref,
				Msg:  FindSuccessor{Sender: managerRef, Key: key, Hops: 1},
			}}, tr.take(), "key %d", key)
		}
	})

	t.Run("escapes through the finger ending at the stuck start", func(t *testing.T) {
		// [2,4) knows node 5, [4,0) still points home
		n, tr := lone(t, FindSuccessorResp{Node: peer(5), Key: 2})

		for _, key := range []ID{5, 6, 7} {
			mustDeliver(t, n, FindSuccessor{Sender: managerRef, Key: key, Hops: 1})
			assert.Equal(t, []sentMessage{{
				From: peer(0).Ref,
				To:   peer(5).Ref,
				Msg:  FindSuccessor{Sender: managerRef, Key: key, Hops: 2},
			}}, tr.take(), "key %d", key)
		}
	})

	t.Run("known successor answers before any escape", func(t *testing.T) {
		// [1,2) and [4,0) know node 5, [2,4) still points home
		n, tr := lone(t,
			FindSuccessorResp{Node: peer(5), Key: 1},
			FindSuccessorResp{Node: peer(5), Key: 4},
		)

		mustDeliver(t, n, FindSuccessor{Sender: managerRef, Key: 3})
		assert.Equal(t, []sentMessage{{
			From: peer(0).Ref,
			To:   managerRef,
			Msg:  FindSuccessorResp{Node: peer(5), Key: 3},
		}}, tr.take())
	})
}

// router delivers messages between in-process nodes in send order and
// collects the lookup answers addressed to managerRef.
type router struct {
	nodes   map[Ref]*Node
	queue   []sentMessage
	replies []FindSuccessorResp
}

func (r *router) Send(from, to Ref, msgs ...Message) error {
	for _, m := range msgs {
		r.queue = append(r.queue, sentMessage{From: from, To: to, Msg: m})
	}
	return nil
}

// drain delivers until the queue is empty. More than limit deliveries means
// a lookup is circling.
func (r *router) drain(t *testing.T, limit int) error {
	t.Helper()
	for delivered := 0; len(r.queue) > 0; delivered++ {
		require.Less(t, delivered, limit, "lookup did not settle")

		next := r.queue[0]
		r.queue = r.queue[1:]
		if next.To == managerRef {
			if resp, ok := next.Msg.(FindSuccessorResp); ok {
				r.replies = append(r.replies, resp)
			}
			continue
		}
		n, ok := r.nodes[next.To]
		require.True(t, ok, "message to unknown ref %d", next.To)
		env := Envelope{ID: uuid.New(), From: next.From, To: next.To, Msg: next.Msg}
		if err := n.Receive(context.Background(), env); err != nil {
			return err
		}
	}
	return nil
}

func randomRing(rng *rand.Rand, size uint64) []ID {
	count := 2 + rng.Intn(int(min(size, 8))-1)
	seen := make(map[ID]bool, count)
	ids := make([]ID, 0, count)
	for len(ids) < count {
		id := ID(rng.Int63n(int64(size)))
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func TestNode_FindSuccessorPerturbedFingers(t *testing.T) {
	rng := rand.New(rand.NewSource(37))

	for bits := 2; bits <= 6; bits++ {
		size := uint64(1) << uint(bits)

		t.Run(fmt.Sprintf("%d bits", bits), func(t *testing.T) {
			for trial := 0; trial < 20; trial++ {
				ids := randomRing(rng, size)
				owners := make([]ID, size)
				held := make(map[ID][]ID, len(ids))
				for key := ID(0); key < size; key++ {
					owners[key] = ids[GetSuccessorNodeId(key, ids)]
					held[owners[key]] = append(held[owners[key]], key)
				}

				r := &router{nodes: make(map[Ref]*Node, len(ids))}
				shortcut := make(map[ID]bool)
				for _, id := range ids {
					n, err := NewNode(peer(id).Ref, r, NodeOptions{Logger: pkg.Nop(), HopBudget: 1 << 10})
					require.NoError(t, err)
					mustDeliver(t, n, Configure{
						ID:       id,
						Keys:     held[id],
						Peers:    peers(ids...),
						Manager:  managerRef,
						RingBits: bits,
					})
					r.nodes[n.Ref()] = n

					// stale fingers anywhere but the successor
					for _, f := range n.fingers.Entries()[1:] {
						if rng.Intn(2) == 0 {
							continue
						}
						to := peer(ids[rng.Intn(len(ids))])
						require.NoError(t, n.fingers.SetNode(f.Start, to))
						if to != f.Node {
							shortcut[f.Start] = true
						}
					}
				}
				require.Empty(t, r.queue)

				for _, from := range ids {
					for key := ID(0); key < size; key++ {
						r.replies = nil
						require.NoError(t, r.Send(managerRef, peer(from).Ref, FindSuccessor{Sender: managerRef, Key: key}))
						require.NoError(t, r.drain(t, 2*len(ids)), "ring %v from %d key %d", ids, from, key)

						require.Len(t, r.replies, 1, "ring %v from %d key %d", ids, from, key)
						got := r.replies[0]
						assert.Equal(t, key, got.Key)
						assert.Less(t, got.Hops, len(ids), "ring %v from %d key %d", ids, from, key)
						if !shortcut[key] {
							assert.Equal(t, peer(owners[key]), got.Node, "ring %v from %d key %d", ids, from, key)
						}
					}
				}
			}
		})
	}
}

func TestNode_FindSuccessorSettlingLoneNode(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for bits := 2; bits <= 6; bits++ {
		size := uint64(1) << uint(bits)

		t.Run(fmt.Sprintf("%d bits", bits), func(t *testing.T) {
			for trial := 0; trial < 30; trial++ {
				n, tr := newTestNode(t, 0, NodeOptions{})
				mustDeliver(t, n, Join{ID: 0, RingBits: bits})

				// lookups answered for fingers other than the successor
				for _, f := range n.fingers.Entries()[1:] {
					if rng.Intn(2) == 0 {
						mustDeliver(t, n, FindSuccessorResp{Node: peer(1 + ID(rng.Int63n(int64(size-1)))), Key: f.Start})
					}
				}
				tr.take()

				fingers := n.fingers.Entries()
				allHome := true
				for _, f := range fingers {
					allHome = allHome && f.Node == peer(0)
				}

				for key := ID(1); key < size; key++ {
					err := deliver(t, n, FindSuccessor{Sender: managerRef, Key: key})
					sent := tr.take()
					if err != nil {
						assert.ErrorIs(t, err, pkg.ErrRoutingStuck, "fingers %v key %d", fingers, key)
						assert.Empty(t, sent)
						continue
					}

					require.Len(t, sent, 1, "fingers %v key %d", fingers, key)
					switch msg := sent[0].Msg.(type) {
					case FindSuccessorResp:
						assert.Equal(t, managerRef, sent[0].To)
						if f, ok := n.fingers.ByStart(key); ok {
							assert.Equal(t, f.Node, msg.Node)
						} else {
							assert.Equal(t, allHome, msg.Node == peer(0), "fingers %v key %d", fingers, key)
						}
					case FindSuccessor:
						assert.NotEqual(t, peer(0).Ref, sent[0].To, "fingers %v key %d", fingers, key)
						assert.Equal(t, FindSuccessor{Sender: managerRef, Key: key, Hops: 1}, msg)
					default:
						t.Fatalf("unexpected %T", msg)
					}
				}
			}
		})
	}
}

func TestNode_FindSuccessorResp(t *testing.T) {
	n, _ := configured(t, 6, 6)

	mustDeliver(t, n, FindSuccessorResp{Node: peer(5), Key: 2})
	assert.Equal(t, []ID{1, 1, 5}, fingerNodes(stateOf(t, n)))

	mustDeliver(t, n, FindSuccessorResp{Node: peer(0), Key: 7})
	succ, ok := stateOf(t, n).Successor()
	require.True(t, ok)
	assert.Equal(t, peer(0), succ)

	err := deliver(t, n, FindSuccessorResp{Node: peer(3), Key: 4})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkg.ErrFingerNotFound))
}

func TestNode_FindPredecessor(t *testing.T) {
	n, tr := configured(t, 3, 2, 3)

	mustDeliver(t, n, FindPredecessor{Sender: peer(6).Ref})
	assert.Equal(t, []sentMessage{{
		From: peer(3).Ref,
		To:   peer(6).Ref,
		Msg:  FindPredecessorResp{Node: peer(1)},
	}}, tr.take())
}

func TestNode_FindPredecessorResp(t *testing.T) {
	t.Run("adopts closer successor and claims keys", func(t *testing.T) {
		n, tr := configured(t, 3, 2, 3)
		mustDeliver(t, n, FindPredecessorResp{Node: peer(5)})

		assert.Equal(t, []sentMessage{
			{From: peer(3).Ref, To: peer(5).Ref, Msg: NotifySuccessor{Node: peer(3)}},
			{From: peer(3).Ref, To: peer(5).Ref, Msg: AskForKeys{Requester: peer(3)}},
		}, tr.take())

		succ, _ := stateOf(t, n).Successor()
		assert.Equal(t, peer(5), succ)
	})

	t.Run("ignores itself and the current successor", func(t *testing.T) {
		n, tr := configured(t, 3, 2, 3)
		mustDeliver(t, n, FindPredecessorResp{Node: peer(3)})
		mustDeliver(t, n, FindPredecessorResp{Node: peer(6)})
		assert.Empty(t, tr.take())

		succ, _ := stateOf(t, n).Successor()
		assert.Equal(t, peer(6), succ)
	})

	t.Run("reclaims a stale successor", func(t *testing.T) {
		n, tr := configured(t, 3, 2, 3)
		mustDeliver(t, n, FindPredecessorResp{Node: peer(1)})

		assert.Equal(t, []sentMessage{
			{From: peer(3).Ref, To: peer(6).Ref, Msg: NotifySuccessor{Node: peer(3)}},
			{From: peer(3).Ref, To: peer(6).Ref, Msg: AskForKeys{Requester: peer(3)}},
		}, tr.take())

		succ, _ := stateOf(t, n).Successor()
		assert.Equal(t, peer(6), succ)
	})
}

func TestNode_NotifySuccessor(t *testing.T) {
	n, tr := configured(t, 6, 4, 5, 6)

	mustDeliver(t, n, NotifySuccessor{Node: peer(6)})
	assert.Equal(t, peer(3), *stateOf(t, n).Predecessor, "self is never adopted")

	mustDeliver(t, n, NotifySuccessor{Node: peer(5)})
	assert.Equal(t, peer(5), *stateOf(t, n).Predecessor)

	mustDeliver(t, n, NotifySuccessor{Node: peer(1)})
	assert.Equal(t, peer(1), *stateOf(t, n).Predecessor, "last writer wins")

	assert.Empty(t, tr.take())
}

func TestNode_AskForKeys(t *testing.T) {
	t.Run("hands over keys outside (requester, self]", func(t *testing.T) {
		n, tr := configured(t, 6, 4, 5, 6)
		mustDeliver(t, n, NotifySuccessor{Node: peer(5)})
		mustDeliver(t, n, AskForKeys{Requester: peer(5)})

		assert.Equal(t, []sentMessage{{
			From: peer(6).Ref,
			To:   peer(5).Ref,
			Msg:  AskForKeysResp{Keys: []ID{4, 5}},
		}}, tr.take())
		assert.Equal(t, []ID{6}, stateOf(t, n).Keys)
	})

	t.Run("handoff across zero", func(t *testing.T) {
		n, tr := configured(t, 1, 7, 0, 1)
		mustDeliver(t, n, NotifySuccessor{Node: peer(0)})
		mustDeliver(t, n, AskForKeys{Requester: peer(0)})

		assert.Equal(t, []sentMessage{{
			From: peer(1).Ref,
			To:   peer(0).Ref,
			Msg:  AskForKeysResp{Keys: []ID{0, 7}},
		}}, tr.take())
		assert.Equal(t, []ID{1}, stateOf(t, n).Keys)
	})

	t.Run("nothing to hand over is silent", func(t *testing.T) {
		n, tr := configured(t, 3, 2, 3)
		mustDeliver(t, n, AskForKeys{Requester: peer(1)})
		assert.Empty(t, tr.take())
		assert.Equal(t, []ID{2, 3}, stateOf(t, n).Keys)
	})

	t.Run("non-predecessor is fatal", func(t *testing.T) {
		n, tr := configured(t, 3, 2, 3)
		err := deliver(t, n, AskForKeys{Requester: peer(6)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, pkg.ErrNotPredecessor))
		assert.True(t, errors.Is(err, pkg.ErrInvariantViolation))
		assert.Empty(t, tr.take())
		assert.Equal(t, []ID{2, 3}, stateOf(t, n).Keys)
	})
}

func TestNode_AskForKeysResp(t *testing.T) {
	n, _ := configured(t, 3, 3)
	mustDeliver(t, n, AskForKeysResp{Keys: []ID{2}})
	mustDeliver(t, n, AskForKeysResp{Keys: []ID{2, 3}})
	assert.Equal(t, []ID{2, 3}, stateOf(t, n).Keys)
}

func TestNode_Stabilize(t *testing.T) {
	n, tr := configured(t, 3, 2, 3)
	mustDeliver(t, n, Stabilize{})

	assert.Equal(t, []sentMessage{
		{From: peer(3).Ref, To: peer(6).Ref, Msg: FindPredecessor{Sender: peer(3).Ref}},
		{From: peer(3).Ref, To: peer(6).Ref, Msg: FindSuccessor{Sender: peer(3).Ref, Key: 7}},
	}, tr.take())

	t.Run("finger equal to successor but past it", func(t *testing.T) {
		// finger [7, 3) wrongly points at the successor
		mustDeliver(t, n, FindSuccessorResp{Node: peer(6), Key: 7})
		mustDeliver(t, n, Stabilize{})

		assert.Equal(t, []sentMessage{
			{From: peer(3).Ref, To: peer(6).Ref, Msg: FindPredecessor{Sender: peer(3).Ref}},
			{From: peer(3).Ref, To: peer(6).Ref, Msg: FindSuccessor{Sender: peer(3).Ref, Key: 7}},
		}, tr.take())
	})
}

func TestNode_Terminate(t *testing.T) {
	n, tr := configured(t, 3, 2, 3)

	err := deliver(t, n, Terminate{})
	assert.ErrorIs(t, err, pkg.ErrNodeHalted)

	for _, msg := range []Message{Stabilize{}, FindPredecessor{Sender: 1}, AskForKeys{Requester: peer(6)}} {
		assert.ErrorIs(t, deliver(t, n, msg), pkg.ErrNodeHalted)
	}
	assert.Empty(t, tr.take())

	t.Run("before configuration", func(t *testing.T) {
		n, tr := newTestNode(t, 4, NodeOptions{})
		mustDeliver(t, n, Stabilize{})
		assert.ErrorIs(t, deliver(t, n, Terminate{}), pkg.ErrNodeHalted)
		assert.ErrorIs(t, deliver(t, n, Configure{ID: 4, Peers: peers(4), RingBits: 3}), pkg.ErrNodeHalted)
		assert.Empty(t, tr.take())
	})
}

func TestNode_SendFailure(t *testing.T) {
	n, tr := configured(t, 3, 2, 3)
	tr.err = pkg.ErrBusClosed

	err := deliver(t, n, Stabilize{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrBusClosed)
	assert.False(t, errors.Is(err, pkg.ErrInvariantViolation))
}

type eventRecorder struct {
	events []RingUpdateEvent
}

func (r *eventRecorder) BroadcastRingUpdate(update any) error {
	r.events = append(r.events, update.(RingUpdateEvent))
	return nil
}

func TestNode_Events(t *testing.T) {
	rec := &eventRecorder{}
	n, _ := newTestNode(t, 6, NodeOptions{Broadcaster: rec})

	mustDeliver(t, n, Configure{ID: 6, Keys: []ID{4, 5, 6}, Peers: peers(1, 3, 6), RingBits: 3})
	mustDeliver(t, n, NotifySuccessor{Node: peer(5)})
	mustDeliver(t, n, AskForKeys{Requester: peer(5)})

	require.Len(t, rec.events, 3)
	assert.Equal(t, EventNodeConfigured, rec.events[0].Type)
	assert.Equal(t, EventPredecessorChange, rec.events[1].Type)
	require.NotNil(t, rec.events[1].PeerID)
	assert.Equal(t, uint64(5), *rec.events[1].PeerID)

	handoff := rec.events[2]
	assert.Equal(t, EventKeyHandoff, handoff.Type)
	assert.Equal(t, uint64(6), handoff.NodeID)
	assert.Equal(t, []ID{4, 5}, handoff.Keys)
	assert.NotZero(t, handoff.Timestamp)
}
