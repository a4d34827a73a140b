package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/parley-labs/parley-core/internal/protocol"
)

func collect(t *testing.T, ch Channel) func() []protocol.EventName {
	t.Helper()
	var mu sync.Mutex
	var names []protocol.EventName
	if err := ch.Subscribe(func(evt protocol.ControlEvent) {
		mu.Lock()
		names = append(names, evt.Event)
		mu.Unlock()
	}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return func() []protocol.EventName {
		mu.Lock()
		defer mu.Unlock()
		return append([]protocol.EventName(nil), names...)
	}
}

func TestMemoryConnectorBroadcastsToAllSubscribers(t *testing.T) {
	connector := NewMemoryConnector()
	ctx := context.Background()

	a, err := connector.Connect(ctx, "ch")
	if err != nil {
		t.Fatalf("connect a: %v", err)
	}
	b, err := connector.Connect(ctx, "ch")
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}
	other, err := connector.Connect(ctx, "other")
	if err != nil {
		t.Fatalf("connect other: %v", err)
	}

	gotA := collect(t, a)
	gotB := collect(t, b)
	gotOther := collect(t, other)

	if err := a.Publish(ctx, protocol.ControlEvent{Direction: protocol.ClientToBridge, Event: protocol.EventReady}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Broadcast reaches every subscriber on the channel, the publisher too.
	if len(gotA()) != 1 || len(gotB()) != 1 {
		t.Fatalf("a=%v b=%v, want one event each", gotA(), gotB())
	}
	if len(gotOther()) != 0 {
		t.Fatalf("cross-channel leak: %v", gotOther())
	}
}

func TestMemoryChannelCloseDetaches(t *testing.T) {
	connector := NewMemoryConnector()
	ctx := context.Background()

	a, _ := connector.Connect(ctx, "ch")
	b, _ := connector.Connect(ctx, "ch")
	gotB := collect(t, b)

	b.Close()
	if err := a.Publish(ctx, protocol.ControlEvent{Event: protocol.EventEnd}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(gotB()) != 0 {
		t.Fatalf("closed channel still receiving: %v", gotB())
	}

	if err := b.Publish(ctx, protocol.ControlEvent{Event: protocol.EventEnd}); err == nil {
		t.Fatalf("publish on closed channel should fail")
	}
}
