package gateway

import (
	"context"
)

// External collaborators. The fabric consumes these through interfaces only;
// durable storage, credential issuance and push delivery live elsewhere.

// MessageStore is the persistence collaborator. CreateMessage must be
// transactional: the returned id exists durably or an error comes back.
type MessageStore interface {
	CreateMessage(ctx context.Context, env *MessageEnvelope) (string, error)
	RecipientActive(ctx context.Context, userID string) (bool, error)
	MemberOfGroup(ctx context.Context, groupID, userID string) (bool, error)
	ActiveMembers(ctx context.Context, groupID string) ([]string, error)
	// BulkCreateMemberStatuses inserts one per-member delivery status row per
	// member, skipping rows that already exist.
	BulkCreateMemberStatuses(ctx context.Context, messageID string, memberIDs []string) error
	ListDevices(ctx context.Context, userID string) ([]Device, error)
	// ListGroups returns the group ids the user is an active member of
	// (room subscriptions at connect time).
	ListGroups(ctx context.Context, userID string) ([]string, error)
	// AudienceOf returns the user ids allowed to observe the user's
	// presence (contacts and group co-members).
	AudienceOf(ctx context.Context, userID string) ([]string, error)
}

// PushBridge is the offline bridge; best-effort, errors are swallowed and
// logged by the caller.
type PushBridge interface {
	SendPush(ctx context.Context, deviceToken, title, body string, data map[string]string) error
}

// CounterStore is the durable counter collaborator used for sequence
// recovery across restarts.
type CounterStore interface {
	Get(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value int64) error
}
