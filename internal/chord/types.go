package chord

import (
	"fmt"
	"sort"
)

// ID is a position on the identifier ring (0 to 2^m - 1).
type ID = uint64

// Ref is an opaque, comparable handle to an actor on the transport.
// Many nodes may hold the same Ref; it carries no lifetime.
type Ref uint64

// NoRef is the zero handle; no actor is ever registered under it.
const NoRef Ref = 0

// String returns a short representation of the handle.
func (r Ref) String() string {
	if r == NoRef {
		return "ref(none)"
	}
	return fmt.Sprintf("ref(%d)", uint64(r))
}

// Peer represents a ring participant: its handle and its identifier.
type Peer struct {
	Ref Ref
	ID  ID
}

// String returns a human-readable representation of the peer.
// Format: "Peer{ID: <id>, Ref: <ref>}"
func (p Peer) String() string {
	return fmt.Sprintf("Peer{ID: %d, Ref: %d}", p.ID, uint64(p.Ref))
}

// IsNil checks if the peer has no handle.
func (p Peer) IsNil() bool {
	return p.Ref == NoRef
}

// Finger represents an entry in the Chord finger table.
// Entry k routes the half-open interval [Start, End) where
// Start = (n + 2^(k-1)) mod 2^m and End = (n + 2^k) mod 2^m.
type Finger struct {
	Index int  // 1-based k
	Start ID   // Start of the interval, inclusive
	End   ID   // End of the interval, exclusive
	Node  Peer // Best known successor of Start
}

// String returns a human-readable representation of the finger entry.
func (f Finger) String() string {
	return fmt.Sprintf("Finger{k: %d, [%d, %d) -> %d}", f.Index, f.Start, f.End, f.Node.ID)
}

// KeySet is the set of keys a node currently owns.
type KeySet map[ID]struct{}

// NewKeySet creates a set holding keys.
func NewKeySet(keys ...ID) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether key is in the set.
func (s KeySet) Has(key ID) bool {
	_, ok := s[key]
	return ok
}

// Add inserts keys into the set.
func (s KeySet) Add(keys ...ID) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

// Remove deletes key from the set.
func (s KeySet) Remove(key ID) {
	delete(s, key)
}

// Sorted returns the keys in ascending order.
func (s KeySet) Sorted() []ID {
	out := make([]ID, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lifecycle is the state of a Node's state machine.
type Lifecycle int

const (
	// Unconfigured nodes have no id or table yet and defer protocol messages
	Unconfigured Lifecycle = iota
	// Active nodes run the steady-state protocol
	Active
	// Halted nodes process nothing
	Halted
)

// String returns the lifecycle name.
func (l Lifecycle) String() string {
	switch l {
	case Unconfigured:
		return "unconfigured"
	case Active:
		return "active"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// NodeState is a point-in-time copy of a node's state, produced by the node
// itself in response to a Snapshot message.
type NodeState struct {
	Ref         Ref
	ID          ID
	Lifecycle   Lifecycle
	Keys        []ID
	Predecessor *Peer
	Fingers     []Finger
	Pending     int
}

// Successor returns the immediate-successor finger's node.
func (s NodeState) Successor() (Peer, bool) {
	if len(s.Fingers) == 0 {
		return Peer{}, false
	}
	return s.Fingers[0].Node, true
}

// Equal reports whether two snapshots describe the same routing state and keys.
func (s NodeState) Equal(other NodeState) bool {
	if s.Ref != other.Ref || s.ID != other.ID || s.Lifecycle != other.Lifecycle {
		return false
	}
	if (s.Predecessor == nil) != (other.Predecessor == nil) {
		return false
	}
	if s.Predecessor != nil && *s.Predecessor != *other.Predecessor {
		return false
	}
	if len(s.Keys) != len(other.Keys) || len(s.Fingers) != len(other.Fingers) {
		return false
	}
	for i := range s.Keys {
		if s.Keys[i] != other.Keys[i] {
			return false
		}
	}
	for i := range s.Fingers {
		if s.Fingers[i] != other.Fingers[i] {
			return false
		}
	}
	return true
}
