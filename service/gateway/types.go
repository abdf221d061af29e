package gateway

import (
	"net/url"
	"strings"
	"time"
)

// Presence statuses as seen on the wire.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// PresenceState is the per-user derived state. Instance-local by design:
// each instance reports transitions for the connections it holds.
type PresenceState struct {
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changed_at"`
	ConnID    string    `json:"-"` // connection that caused the last change, if any
}

// MessageEnvelope is the in-flight representation of one send. It exists for
// the duration of fan-out; the durable record belongs to the message store.
type MessageEnvelope struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	GroupID     string    `json:"group_id,omitempty"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	Seq         int64     `json:"sequence_number"`
	CreatedAt   time.Time `json:"created_at"`
}

// Direct returns true when the envelope addresses a single recipient.
func (e *MessageEnvelope) Direct() bool { return e.RecipientID != "" }

// Device is one push-notification target of a user.
type Device struct {
	Token    string
	Platform string
}

const (
	groupRoomPrefix = "group:"
	pairRoomPrefix  = "dm:"
)

func RoomForGroup(groupID string) string { return groupRoomPrefix + groupID }

// RoomForPair names the direct-conversation room for two users; order of the
// arguments does not matter. Ids are query-escaped so the ':' delimiter can
// never collide with id contents.
func RoomForPair(a, b string) string {
	ea, eb := url.QueryEscape(a), url.QueryEscape(b)
	if ea > eb {
		ea, eb = eb, ea
	}
	return pairRoomPrefix + ea + ":" + eb
}

func IsGroupRoom(roomID string) bool { return strings.HasPrefix(roomID, groupRoomPrefix) }

// PairOther returns the other participant of a pair room, or "" if the room
// is not a pair room or the user is not in it.
func PairOther(roomID, userID string) string {
	if !strings.HasPrefix(roomID, pairRoomPrefix) {
		return ""
	}
	rest := strings.TrimPrefix(roomID, pairRoomPrefix)
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return ""
	}
	a, errA := url.QueryUnescape(rest[:i])
	b, errB := url.QueryUnescape(rest[i+1:])
	if errA != nil || errB != nil {
		return ""
	}
	switch userID {
	case a:
		return b
	case b:
		return a
	}
	return ""
}
