package bus

import (
	"context"
)

// Scope says what kind of target an envelope addresses. Ack envelopes carry a
// delivery receipt to whichever instance holds the message's delivery record.
const (
	ScopeUser = "user"
	ScopeRoom = "room"
	ScopeAck  = "ack"
)

// Envelope is the unit published between instances. Payload is any
// JSON-encodable value; on the subscribe side it arrives as a generic map
// (decode with tools/decode when a typed view is needed).
type Envelope struct {
	Origin  string `json:"origin"` // node id of the publishing instance
	Scope   string `json:"scope"`  // user | room
	Target  string `json:"target"` // user id or room id
	Except  string `json:"except,omitempty"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type Handler func(env Envelope)

// Bus lets any instance deliver an event to a user regardless of which
// instance holds the user's connections. Implementations: Redis pub/sub,
// NATS core, and an in-process one for tests and single-node runs.
type Bus interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	Subscribe(channel string, h Handler) error
	Close() error
}
