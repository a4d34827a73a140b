package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/parley-labs/parley-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeralIsNoOp(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.AppendEvent(ctx, Event{ChannelID: "c", Type: "ready"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "c", 10)
	if err != nil || events != nil {
		t.Fatalf("ephemeral store should return nothing, got %v, %v", events, err)
	}
}

func TestAppendAndQueryTimeline(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	channelID := "channel-123"
	if err := es.AppendSession(context.Background(), channelID, "sonic-1", "us-east-1"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for _, typ := range []string{"ready", "audioStart", "textOutput", "end"} {
		if err := es.AppendEvent(context.Background(), Event{
			ChannelID: channelID,
			Direction: "btoc",
			Type:      typ,
			Payload:   []byte(`{}`),
		}); err != nil {
			t.Fatalf("append event %s: %v", typ, err)
		}
	}

	events, err := es.ListSessionEvents(context.Background(), channelID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Type != "ready" || events[3].Type != "end" {
		t.Fatalf("timeline out of order: %v", events)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-channel", "sonic-1", ""); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{ChannelID: "old-channel", Type: "ready"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-channel", "sonic-1", ""); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-channel", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old channel pruned")
	}
}
