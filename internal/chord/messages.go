package chord

import (
	"github.com/google/uuid"
)

// Message is the closed set of protocol messages a node understands.
// Handlers dispatch on the concrete type.
type Message interface {
	// Kind names the message for logs and metrics.
	Kind() string
	isMessage()
}

// Envelope carries one message between two actors.
type Envelope struct {
	ID   uuid.UUID
	From Ref
	To   Ref
	Msg  Message
}

// Transport delivers messages between actors. Messages passed in one call
// are enqueued contiguously and in order at the receiver.
type Transport interface {
	Send(from, to Ref, msgs ...Message) error
}

// Configure bootstraps a node with full knowledge of the ring.
type Configure struct {
	ID       ID
	Keys     []ID
	Peers    []Peer
	Manager  Ref
	RingBits int // 0 derives the ring size from Peers
}

// Join introduces a node into a running ring through the peers it knows.
type Join struct {
	ID       ID
	Peers    []Peer
	RingBits int
	Manager  Ref
}

// JoinAck tells the manager a joining node has built its table.
type JoinAck struct {
	Node Peer
}

// FindSuccessor asks for the owner of Key. Sender receives the answer
// directly from whichever node resolves it.
type FindSuccessor struct {
	Sender Ref
	Key    ID
	Hops   int
}

// FindSuccessorResp answers FindSuccessor.
type FindSuccessorResp struct {
	Node Peer
	Key  ID
	Hops int
}

// FindPredecessor asks a node for its current predecessor.
type FindPredecessor struct {
	Sender Ref
}

// FindPredecessorResp answers FindPredecessor.
type FindPredecessorResp struct {
	Node Peer
}

// NotifySuccessor tells a node that Node believes it is its predecessor.
type NotifySuccessor struct {
	Node Peer
}

// AskForKeys asks the receiver to hand over keys that belong to Requester.
type AskForKeys struct {
	Requester Peer
}

// AskForKeysResp carries handed-off keys.
type AskForKeysResp struct {
	Keys []ID
}

// Stabilize triggers one round of the stabilization protocol.
type Stabilize struct{}

// Terminate halts the node permanently.
type Terminate struct{}

// Snapshot asks a node for a copy of its state. Reply must be buffered.
type Snapshot struct {
	Reply chan<- NodeState
}

func (Configure) Kind() string           { return "configure" }
func (Join) Kind() string                { return "join" }
func (JoinAck) Kind() string             { return "join_ack" }
func (FindSuccessor) Kind() string       { return "find_successor" }
func (FindSuccessorResp) Kind() string   { return "find_successor_resp" }
func (FindPredecessor) Kind() string     { return "find_predecessor" }
func (FindPredecessorResp) Kind() string { return "find_predecessor_resp" }
func (NotifySuccessor) Kind() string     { return "notify_successor" }
func (AskForKeys) Kind() string          { return "ask_for_keys" }
func (AskForKeysResp) Kind() string      { return "ask_for_keys_resp" }
func (Stabilize) Kind() string           { return "stabilize" }
func (Terminate) Kind() string           { return "terminate" }
func (Snapshot) Kind() string            { return "snapshot" }

func (Configure) isMessage()           {}
func (Join) isMessage()                {}
func (JoinAck) isMessage()             {}
func (FindSuccessor) isMessage()       {}
func (FindSuccessorResp) isMessage()   {}
func (FindPredecessor) isMessage()     {}
func (FindPredecessorResp) isMessage() {}
func (NotifySuccessor) isMessage()     {}
func (AskForKeys) isMessage()          {}
func (AskForKeysResp) isMessage()      {}
func (Stabilize) isMessage()           {}
func (Terminate) isMessage()           {}
func (Snapshot) isMessage()            {}
