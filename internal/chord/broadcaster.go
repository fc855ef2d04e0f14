package chord

// Ring update event types
const (
	EventNodeConfigured    = "node_configured"
	EventNodeJoin          = "node_join"
	EventNodeLeave         = "node_leave"
	EventPredecessorChange = "predecessor_change"
	EventSuccessorChange   = "successor_change"
	EventKeyHandoff        = "key_handoff"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows a Node to notify external systems (like WebSocket clients)
// when the ring topology changes without creating circular dependencies.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	// The update parameter can be any data structure that will be serialized and sent.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string  `json:"type"`              // one of the Event* constants
	NodeID    uint64  `json:"node_id"`           // ID of the node that emitted the event
	PeerID    *uint64 `json:"peer_id,omitempty"` // the other side of the change, if any
	Keys      []ID    `json:"keys,omitempty"`    // keys moved by a handoff
	Timestamp int64   `json:"timestamp"`         // Unix timestamp in milliseconds
	Message   string  `json:"message"`           // Human-readable message
}
