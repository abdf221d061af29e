package storage

import (
	"context"
	"sync"

	"github.com/Logan27/mini-messenger-sub000/logger"
	"github.com/Logan27/mini-messenger-sub000/service/gateway"
	"github.com/Logan27/mini-messenger-sub000/tools/ids"

	"go.uber.org/zap"
)

// In-memory collaborator implementations for tests and single-node dev runs.
// The real persistence layer lives in another service.

type storedMessage struct {
	env      gateway.MessageEnvelope
	statuses map[string]struct{} // member ids with a status row
}

type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]bool                // user -> active
	groups   map[string]map[string]bool     // group -> member -> active
	contacts map[string]map[string]struct{} // user -> contact set
	devices  map[string][]gateway.Device
	messages map[string]*storedMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]bool),
		groups:   make(map[string]map[string]bool),
		contacts: make(map[string]map[string]struct{}),
		devices:  make(map[string][]gateway.Device),
		messages: make(map[string]*storedMessage),
	}
}

// ---- seeding helpers ----

func (m *MemoryStore) AddUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = true
}

func (m *MemoryStore) AddGroup(groupID string, memberIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.groups[groupID]
	if g == nil {
		g = make(map[string]bool)
		m.groups[groupID] = g
	}
	for _, id := range memberIDs {
		g[id] = true
		m.users[id] = true
	}
}

func (m *MemoryStore) AddContact(userID, contactID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range [][2]string{{userID, contactID}, {contactID, userID}} {
		set := m.contacts[pair[0]]
		if set == nil {
			set = make(map[string]struct{})
			m.contacts[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

func (m *MemoryStore) AddDevice(userID string, d gateway.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[userID] = append(m.devices[userID], d)
}

// StatusRows reports the member ids with a status row for a message.
func (m *MemoryStore) StatusRows(messageID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messages[messageID]
	if msg == nil {
		return nil
	}
	out := make([]string, 0, len(msg.statuses))
	for id := range msg.statuses {
		out = append(out, id)
	}
	return out
}

// ---- gateway.MessageStore ----

func (m *MemoryStore) CreateMessage(_ context.Context, env *gateway.MessageEnvelope) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ids.GenerateString()
	m.messages[id] = &storedMessage{env: *env, statuses: make(map[string]struct{})}
	return id, nil
}

func (m *MemoryStore) RecipientActive(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID], nil
}

func (m *MemoryStore) MemberOfGroup(_ context.Context, groupID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[groupID][userID], nil
}

func (m *MemoryStore) ActiveMembers(_ context.Context, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.groups[groupID]
	out := make([]string, 0, len(g))
	for id, active := range g {
		if active {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) BulkCreateMemberStatuses(_ context.Context, messageID string, memberIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messages[messageID]
	if msg == nil {
		return nil
	}
	// skip-if-exists
	for _, id := range memberIDs {
		if _, exists := msg.statuses[id]; !exists {
			msg.statuses[id] = struct{}{}
		}
	}
	return nil
}

func (m *MemoryStore) ListDevices(_ context.Context, userID string) ([]gateway.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.Device(nil), m.devices[userID]...), nil
}

func (m *MemoryStore) ListGroups(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for groupID, members := range m.groups {
		if members[userID] {
			out = append(out, groupID)
		}
	}
	return out, nil
}

// AudienceOf is the union of the user's contacts and group co-members.
func (m *MemoryStore) AudienceOf(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for contact := range m.contacts[userID] {
		seen[contact] = struct{}{}
	}
	for _, members := range m.groups {
		if members[userID] {
			for member := range members {
				if member != userID {
					seen[member] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

// MemoryCounter is the counter-store fake.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]int64)}
}

func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}

func (c *MemoryCounter) Set(_ context.Context, key string, value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

// LogPush is a push bridge that only logs; dev wiring when no real push
// provider is configured.
type LogPush struct{}

func (LogPush) SendPush(_ context.Context, deviceToken, title, body string, _ map[string]string) error {
	logger.Debug("push (noop)",
		zap.String("device", deviceToken), zap.String("title", title), zap.Int("body_len", len(body)))
	return nil
}
