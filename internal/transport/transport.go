package transport

import (
	"context"

	"github.com/parley-labs/parley-core/internal/protocol"
)

// Handler consumes control events delivered on a channel.
type Handler func(protocol.ControlEvent)

// ErrorHandler is invoked for delivery-time failures (decode errors,
// subscription faults). It must not block.
type ErrorHandler func(error)

// Channel is one session's pub/sub destination. Delivery is at-least-once
// and arrival order is not guaranteed across publishers; subscribers see
// their own publishes as well as the remote side's.
type Channel interface {
	Publish(ctx context.Context, evt protocol.ControlEvent) error
	Subscribe(handler Handler, errHandler ErrorHandler) error
	Close()
}

// Connector opens session channels by id.
type Connector interface {
	Connect(ctx context.Context, channelID string) (Channel, error)
}

// Starter performs the session bootstrap request/reply: it hands the channel
// id and model reference to the bridge side and waits for acceptance.
type Starter interface {
	StartSession(ctx context.Context, req protocol.StartRequest) (protocol.StartReply, error)
}
