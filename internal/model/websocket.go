package model

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-labs/parley-core/internal/config"
)

const wsWriteWait = 10 * time.Second

// websocketEndpoint speaks the JSON event protocol over a WebSocket, the
// transport hosted realtime speech APIs use. One dialed connection is one
// duplex stream; the session deadline bounds its total lifetime so a client
// disconnect cannot leave a dangling connection.
type websocketEndpoint struct {
	endpoint       string
	requestTimeout time.Duration
	sessionTimeout time.Duration
	log            *slog.Logger
}

func NewWebsocketEndpoint(cfg config.ModelConfig, log *slog.Logger) Endpoint {
	return &websocketEndpoint{
		endpoint:       cfg.Endpoint,
		requestTimeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		sessionTimeout: time.Duration(cfg.SessionTimeoutMS) * time.Millisecond,
		log:            log.With(slog.String("component", "model-endpoint")),
	}
}

func (e *websocketEndpoint) Open(ctx context.Context, ref Ref) (Stream, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse model endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", ref.ModelID)
	if ref.Region != "" {
		q.Set("region", ref.Region)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: e.requestTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial model endpoint: %w", err)
	}

	deadline := time.Now().Add(e.sessionTimeout)
	_ = conn.SetReadDeadline(deadline)

	e.log.Info("model stream opened",
		slog.String("model", ref.ModelID),
		slog.String("endpoint", u.Host))

	return &websocketStream{conn: conn, deadline: deadline}, nil
}

type websocketStream struct {
	conn     *websocket.Conn
	deadline time.Time
	writeMu  sync.Mutex
	readMu   sync.Mutex
	closed   bool
}

func (s *websocketStream) Send(_ context.Context, evt Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return fmt.Errorf("model stream closed")
	}
	writeDeadline := time.Now().Add(wsWriteWait)
	if writeDeadline.After(s.deadline) {
		writeDeadline = s.deadline
	}
	_ = s.conn.SetWriteDeadline(writeDeadline)
	if err := s.conn.WriteJSON(envelope{Event: &evt}); err != nil {
		return fmt.Errorf("write model event: %w", err)
	}
	return nil
}

func (s *websocketStream) Recv(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		var env envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("read model event: %w", err)
		}
		if env.Error != nil {
			if env.Error.Type == StreamErrorType {
				return Event{}, fmt.Errorf("%w: %s", ErrModelStream, env.Error.Message)
			}
			return Event{}, fmt.Errorf("model error: %s: %s", env.Error.Type, env.Error.Message)
		}
		if env.Event == nil {
			// Frames without an event are keepalives; skip them.
			continue
		}
		return *env.Event, nil
	}
}

func (s *websocketStream) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
	return s.conn.Close()
}
