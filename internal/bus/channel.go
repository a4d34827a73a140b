package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/parley-labs/parley-core/internal/protocol"
	"github.com/parley-labs/parley-core/internal/transport"
)

// Connect opens a session channel backed by a NATS subject. NATS delivers
// broadcast-style within a subject, so both legs of a session share one
// channel id and filter on the event direction.
func (c *Client) Connect(_ context.Context, channelID string) (transport.Channel, error) {
	if channelID == "" {
		return nil, fmt.Errorf("empty channel id")
	}
	return &sessionChannel{
		client:  c,
		subject: protocol.SessionSubject(channelID),
		log:     c.log.With(slog.String("channel", channelID)),
	}, nil
}

type sessionChannel struct {
	client  *Client
	subject string
	sub     *nats.Subscription
	log     *slog.Logger
}

func (ch *sessionChannel) Publish(_ context.Context, evt protocol.ControlEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal control event: %w", err)
	}
	return ch.client.conn.Publish(ch.subject, data)
}

func (ch *sessionChannel) Subscribe(handler transport.Handler, errHandler transport.ErrorHandler) error {
	sub, err := ch.client.conn.Subscribe(ch.subject, func(msg *nats.Msg) {
		var evt protocol.ControlEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			// Out-of-contract payloads are dropped, not fatal.
			ch.log.Warn("failed to decode control event", slog.String("error", err.Error()))
			if errHandler != nil {
				errHandler(err)
			}
			return
		}
		handler(evt)
	})
	if err != nil {
		return fmt.Errorf("subscribe session channel: %w", err)
	}
	ch.sub = sub
	return nil
}

func (ch *sessionChannel) Close() {
	if ch.sub != nil {
		_ = ch.sub.Drain()
		ch.sub = nil
	}
}

// StartSession performs the bootstrap request/reply on the bus.
func (c *Client) StartSession(ctx context.Context, req protocol.StartRequest) (protocol.StartReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.StartReply{}, fmt.Errorf("marshal start request: %w", err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	msg, err := c.conn.Request(protocol.SubjectSessionStart, data, timeout)
	if err != nil {
		return protocol.StartReply{}, fmt.Errorf("session start request: %w", err)
	}

	var reply protocol.StartReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return protocol.StartReply{}, fmt.Errorf("decode start reply: %w", err)
	}
	return reply, nil
}
