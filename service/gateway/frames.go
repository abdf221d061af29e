package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Logan27/mini-messenger-sub000/tools/errs"
)

// FrameType is the closed set of wire event kinds. Adding a kind means
// extending this enum, its name table, and the dispatcher registration,
// which inboundTypes() makes a startup-checked change.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameHandshake
	FrameMessageSend
	FrameMessageNew
	FrameDelivered
	FrameRead
	FrameTyping
	FramePresence
	FrameHeartbeat
	FramePong
	FrameSignaling
	FrameCallControl
	FrameError
)

var frameNames = map[FrameType]string{
	FrameHandshake:   "handshake",
	FrameMessageSend: "message.send",
	FrameMessageNew:  "message.new",
	FrameDelivered:   "message_delivered",
	FrameRead:        "message_read",
	FrameTyping:      "message.typing",
	FramePresence:    "presence",
	FrameHeartbeat:   "heartbeat",
	FramePong:        "pong",
	FrameSignaling:   "signaling",
	FrameCallControl: "call.control",
	FrameError:       "error",
}

var frameTypes = func() map[string]FrameType {
	m := make(map[string]FrameType, len(frameNames))
	for t, n := range frameNames {
		m[n] = t
	}
	return m
}()

func (t FrameType) String() string {
	if n, ok := frameNames[t]; ok {
		return n
	}
	return "unknown"
}

func (t FrameType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *FrameType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	ft, ok := frameTypes[s]
	if !ok {
		*t = FrameUnknown
		return nil
	}
	*t = ft
	return nil
}

// inboundTypes is the set of kinds a client may send; the dispatcher must
// cover all of them (checked at construction).
func inboundTypes() []FrameType {
	return []FrameType{
		FrameHandshake,
		FrameMessageSend,
		FrameDelivered,
		FrameRead,
		FrameTyping,
		FramePresence,
		FrameHeartbeat,
		FrameSignaling,
		FrameCallControl,
	}
}

// Frame is one wire event in either direction.
type Frame struct {
	Type FrameType       `json:"type"`
	Ts   int64           `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Type == FrameUnknown {
		return nil, fmt.Errorf("unknown frame type")
	}
	return f, nil
}

func MarshalFrame(t FrameType, payload any) []byte {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	out, _ := json.Marshal(Frame{Type: t, Ts: time.Now().UnixMilli(), Data: data})
	return out
}

// ---- inbound payloads ----

type HandshakePayload struct {
	Token string `json:"token"`
}

type SendPayload struct {
	RecipientID string `json:"recipient_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type AckPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id,omitempty"`
	Ts        int64  `json:"timestamp,omitempty"`
}

type TypingPayload struct {
	UserID      string `json:"user_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	IsTyping    bool   `json:"is_typing"`
}

type PresencePayload struct {
	UserID string `json:"user_id,omitempty"`
	Status string `json:"status"`
}

// SignalPayload is the opaque pass-through shape for signaling and
// call-control events; the fabric only routes it to the target peer.
type SignalPayload struct {
	TargetID string          `json:"target_id"`
	FromID   string          `json:"from_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// ---- outbound constructors ----

func BuildMessageNew(env *MessageEnvelope) []byte {
	return MarshalFrame(FrameMessageNew, env)
}

func BuildDelivered(messageID, userID string) []byte {
	return MarshalFrame(FrameDelivered, AckPayload{
		MessageID: messageID,
		UserID:    userID,
		Ts:        time.Now().UnixMilli(),
	})
}

func BuildRead(messageID, readerID string) []byte {
	return MarshalFrame(FrameRead, AckPayload{
		MessageID: messageID,
		UserID:    readerID,
		Ts:        time.Now().UnixMilli(),
	})
}

func BuildTyping(userID, recipientID, groupID string, isTyping bool) []byte {
	return MarshalFrame(FrameTyping, TypingPayload{
		UserID:      userID,
		RecipientID: recipientID,
		GroupID:     groupID,
		IsTyping:    isTyping,
	})
}

func BuildPresence(userID, status string) []byte {
	return MarshalFrame(FramePresence, PresencePayload{UserID: userID, Status: status})
}

func BuildPong() []byte {
	return MarshalFrame(FramePong, map[string]int64{"server_ts": time.Now().UnixMilli()})
}

func BuildError(e errs.CodeError) []byte {
	return MarshalFrame(FrameError, e)
}
