package chord

import (
	"fmt"

	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/ring"
)

// GetSuccessorNodeId returns the index, within the original ordering of ids,
// of the smallest id >= start. If none qualifies it returns the index of the
// smallest id overall (ring wraparound). It returns -1 for an empty list.
func GetSuccessorNodeId(start ID, ids []ID) int {
	best, lowest := -1, -1
	for i, id := range ids {
		if lowest < 0 || id < ids[lowest] {
			lowest = i
		}
		if id >= start && (best < 0 || id < ids[best]) {
			best = i
		}
	}
	if best < 0 {
		return lowest
	}
	return best
}

// FingerTable is a node's routing index: exactly Bits() entries, one per
// power of two, addressable by index and by Start. Entries are allocated
// once; only their Node values change afterwards.
type FingerTable struct {
	space   ring.Space
	owner   ID
	entries []Finger
	byStart map[ID]int
}

// NewFingerTable builds the table for owner, pointing each finger at the
// successor of its Start among peers.
func NewFingerTable(space ring.Space, owner ID, peers []Peer) (*FingerTable, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("finger table for %d needs at least one peer", owner)
	}

	ids := make([]ID, len(peers))
	for i, p := range peers {
		if !space.IsValidID(p.ID) {
			return nil, fmt.Errorf("peer id %d does not fit a %d-bit ring", p.ID, space.Bits())
		}
		ids[i] = p.ID
	}

	bits := space.Bits()
	ft := &FingerTable{
		space:   space,
		owner:   owner,
		entries: make([]Finger, bits),
		byStart: make(map[ID]int, bits),
	}

	for k := 1; k <= bits; k++ {
		start := space.AddPowerOfTwo(owner, k-1)
		ft.entries[k-1] = Finger{
			Index: k,
			Start: start,
			End:   space.AddPowerOfTwo(owner, k),
			Node:  peers[GetSuccessorNodeId(start, ids)],
		}
		ft.byStart[start] = k - 1
	}

	return ft, nil
}

// Len returns the number of entries (the ring's bit count).
func (ft *FingerTable) Len() int {
	return len(ft.entries)
}

// Entry returns finger k (1-based).
func (ft *FingerTable) Entry(k int) (Finger, bool) {
	if k < 1 || k > len(ft.entries) {
		return Finger{}, false
	}
	return ft.entries[k-1], true
}

// ByStart returns the finger whose Start equals start.
func (ft *FingerTable) ByStart(start ID) (Finger, bool) {
	i, ok := ft.byStart[ft.space.Mod(start)]
	if !ok {
		return Finger{}, false
	}
	return ft.entries[i], true
}

// Successor returns the immediate-successor finger's node, FingerTable[n+1].
func (ft *FingerTable) Successor() Peer {
	return ft.entries[0].Node
}

// SetNode points the finger keyed by start at node.
func (ft *FingerTable) SetNode(start ID, node Peer) error {
	i, ok := ft.byStart[ft.space.Mod(start)]
	if !ok {
		return fmt.Errorf("%w %d", pkg.ErrFingerNotFound, start)
	}
	ft.entries[i].Node = node
	return nil
}

// SetSuccessor points the immediate-successor finger at node.
func (ft *FingerTable) SetSuccessor(node Peer) {
	ft.entries[0].Node = node
}

// Contains reports whether key lies in finger k's interval [Start, End).
// When Start > End the interval spans the ring's zero point, so membership
// is key >= Start or key < End.
func (ft *FingerTable) Contains(k int, key ID) bool {
	f, ok := ft.Entry(k)
	if !ok {
		return false
	}
	key = ft.space.Mod(key)
	if f.Start > f.End {
		return key >= f.Start || key < f.End
	}
	return key >= f.Start && key < f.End
}

// Containing returns the finger whose interval contains key.
func (ft *FingerTable) Containing(key ID) (Finger, bool) {
	for k := 1; k <= len(ft.entries); k++ {
		if ft.Contains(k, key) {
			return ft.entries[k-1], true
		}
	}
	return Finger{}, false
}

// ClosestPreceding returns the node of the highest finger that lies strictly
// between the owner and key, so forwarding to it never passes key.
func (ft *FingerTable) ClosestPreceding(key ID) (Peer, bool) {
	for i := len(ft.entries) - 1; i >= 0; i-- {
		node := ft.entries[i].Node
		if node.ID != ft.owner && ft.space.Between(node.ID, ft.owner, key) {
			return node, true
		}
	}
	return Peer{}, false
}

// Entries returns a copy of all fingers ordered by k.
func (ft *FingerTable) Entries() []Finger {
	out := make([]Finger, len(ft.entries))
	copy(out, ft.entries)
	return out
}
