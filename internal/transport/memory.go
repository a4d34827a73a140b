package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/parley-labs/parley-core/internal/protocol"
)

// MemoryConnector is an in-process loopback transport. Every subscriber on a
// channel id receives every publish, including its own, mirroring the
// broadcast semantics of the real bus. Used in tests and by the mock wiring.
type MemoryConnector struct {
	mu       sync.Mutex
	channels map[string][]*memoryChannel
}

func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{channels: make(map[string][]*memoryChannel)}
}

func (c *MemoryConnector) Connect(_ context.Context, channelID string) (Channel, error) {
	ch := &memoryChannel{parent: c, id: channelID}
	c.mu.Lock()
	c.channels[channelID] = append(c.channels[channelID], ch)
	c.mu.Unlock()
	return ch, nil
}

func (c *MemoryConnector) broadcast(channelID string, evt protocol.ControlEvent) {
	c.mu.Lock()
	subs := append([]*memoryChannel(nil), c.channels[channelID]...)
	c.mu.Unlock()
	for _, ch := range subs {
		ch.deliver(evt)
	}
}

func (c *MemoryConnector) detach(target *memoryChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.channels[target.id]
	for i, ch := range subs {
		if ch == target {
			c.channels[target.id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type memoryChannel struct {
	parent  *MemoryConnector
	id      string
	mu      sync.Mutex
	handler Handler
	closed  bool
}

func (ch *memoryChannel) Publish(_ context.Context, evt protocol.ControlEvent) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return errors.New("channel closed")
	}
	ch.parent.broadcast(ch.id, evt)
	return nil
}

func (ch *memoryChannel) Subscribe(handler Handler, _ ErrorHandler) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return errors.New("channel closed")
	}
	ch.handler = handler
	return nil
}

func (ch *memoryChannel) deliver(evt protocol.ControlEvent) {
	ch.mu.Lock()
	handler := ch.handler
	closed := ch.closed
	ch.mu.Unlock()
	if handler != nil && !closed {
		handler(evt)
	}
}

func (ch *memoryChannel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.mu.Unlock()
	ch.parent.detach(ch)
}
