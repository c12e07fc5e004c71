package dht

// Ring update event types
const (
	EventRingCreated = "ring_created"
	EventNodeJoin    = "node_join"
	EventNodeLeave   = "node_leave"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// It lets the node notify the websocket hub of membership changes without
// importing the api package.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	RingSize  int    `json:"ring_size"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}
