package bus

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-node runs. Envelopes
// are round-tripped through JSON so handlers see the same generic payload
// shape they would get from a real broker.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]Handler)}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var wire Envelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[channel]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(wire)
	}
	return nil
}

func (b *MemoryBus) Subscribe(channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], h)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]Handler)
	return nil
}
