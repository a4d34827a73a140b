package model

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/parley-labs/parley-core/internal/config"
)

// Stream is one duplex connection to the inference endpoint. Send and Recv
// progress independently; Recv returns io.EOF when the model has finished the
// session, and an error wrapping ErrModelStream for recoverable faults.
type Stream interface {
	Send(ctx context.Context, evt Event) error
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// Endpoint opens duplex streams. One stream is exclusively owned by one
// session worker; endpoints themselves may be shared.
type Endpoint interface {
	Open(ctx context.Context, ref Ref) (Stream, error)
}

// NewEndpoint builds the configured endpoint backend.
func NewEndpoint(cfg config.ModelConfig, log *slog.Logger) (Endpoint, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockEndpoint(), nil
	case "exec":
		return NewExecEndpoint(cfg)
	case "websocket":
		return NewWebsocketEndpoint(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown model mode %q", cfg.Mode)
	}
}
