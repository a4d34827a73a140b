package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/parley-labs/parley-core/internal/config"
)

func TestStartDisabledReturnsNil(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Embedded: false}, log)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv != nil {
		t.Fatalf("expected nil server when embedded mode is off")
	}
	// Shutdown on the nil result must be a safe no-op.
	srv.Shutdown()
}
