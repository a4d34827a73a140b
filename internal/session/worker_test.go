package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/model"
	"github.com/parley-labs/parley-core/internal/protocol"
	"github.com/parley-labs/parley-core/internal/transport"
)

// fakeClient is the client side of a test session: it records every
// bridge-originated event and lets the test publish client events.
type fakeClient struct {
	t       *testing.T
	channel transport.Channel

	mu      sync.Mutex
	names   []protocol.EventName
	batches [][]string
	texts   []protocol.ControlEvent
}

func newFakeClient(t *testing.T, connector *transport.MemoryConnector, channelID string) *fakeClient {
	t.Helper()
	channel, err := connector.Connect(context.Background(), channelID)
	if err != nil {
		t.Fatalf("connect peer channel: %v", err)
	}
	p := &fakeClient{t: t, channel: channel}
	if err := channel.Subscribe(p.onEvent, nil); err != nil {
		t.Fatalf("subscribe peer channel: %v", err)
	}
	t.Cleanup(channel.Close)
	return p
}

func (p *fakeClient) onEvent(evt protocol.ControlEvent) {
	if evt.Direction != protocol.BridgeToClient {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, evt.Event)
	switch evt.Event {
	case protocol.EventAudioOutput:
		var chunks []string
		if err := evt.DecodeData(&chunks); err != nil {
			p.t.Errorf("malformed audio output batch: %v", err)
			return
		}
		p.batches = append(p.batches, chunks)
	case protocol.EventTextStart, protocol.EventTextOutput, protocol.EventTextStop:
		p.texts = append(p.texts, evt)
	}
}

func (p *fakeClient) publish(event protocol.EventName, data any) {
	p.t.Helper()
	evt, err := protocol.Encode(protocol.ClientToBridge, event, data)
	if err != nil {
		p.t.Fatalf("encode %s: %v", event, err)
	}
	if err := p.channel.Publish(context.Background(), evt); err != nil {
		p.t.Fatalf("publish %s: %v", event, err)
	}
}

func (p *fakeClient) seen(event protocol.EventName) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range p.names {
		if name == event {
			return true
		}
	}
	return false
}

func (p *fakeClient) audioChunks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []string
	for _, batch := range p.batches {
		all = append(all, batch...)
	}
	return all
}

func (p *fakeClient) batchSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sizes := make([]int, len(p.batches))
	for i, batch := range p.batches {
		sizes[i] = len(batch)
	}
	return sizes
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerSessionLifecycle(t *testing.T) {
	connector := transport.NewMemoryConnector()
	endpoint := model.NewMockEndpoint()
	endpoint.Reply = "hello from the assistant"
	peer := newFakeClient(t, connector, "chan-lifecycle")

	w := NewWorker(config.Default().Model, endpoint, connector, nil, testLogger())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(context.Background(), "chan-lifecycle", model.Ref{ModelID: "mock-model"})
	}()

	waitFor(t, "ready", func() bool { return peer.seen(protocol.EventReady) })

	peer.publish(protocol.EventPromptStart, nil)
	peer.publish(protocol.EventSystem, "You are a terse assistant.")
	peer.publish(protocol.EventAudioStart, nil)

	chunks := make([]string, 30)
	for i := range chunks {
		chunks[i] = fmt.Sprintf("chunk-%02d", i)
	}
	peer.publish(protocol.EventAudioInput, chunks)

	// The mock echoes every input chunk. Two threshold batches of 11 drain
	// 22 of them; the remaining 8 sit buffered below the threshold.
	waitFor(t, "buffered remainder", func() bool {
		return len(peer.audioChunks()) == 22 && w.audioOut.len() == 8
	})

	peer.publish(protocol.EventAudioStop, nil)
	waitFor(t, "session end", func() bool { return peer.seen(protocol.EventEnd) })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not return after session end")
	}

	if sizes := peer.batchSizes(); len(sizes) != 3 || sizes[0] != 11 || sizes[1] != 11 || sizes[2] != 8 {
		t.Fatalf("batch sizes = %v, want [11 11 8]", sizes)
	}
	all := peer.audioChunks()
	if len(all) != 30 {
		t.Fatalf("received %d chunks, want 30", len(all))
	}
	for i, chunk := range all {
		if want := fmt.Sprintf("chunk-%02d", i); chunk != want {
			t.Fatalf("chunk %d = %q, want %q", i, chunk, want)
		}
	}

	peer.mu.Lock()
	texts := append([]protocol.ControlEvent(nil), peer.texts...)
	peer.mu.Unlock()
	if len(texts) != 3 {
		t.Fatalf("got %d text events, want textStart, textOutput, textStop", len(texts))
	}
	var start protocol.TextStartData
	if err := texts[0].DecodeData(&start); err != nil {
		t.Fatalf("decode textStart: %v", err)
	}
	if start.Role != "assistant" || start.GenerationStage != model.StageFinal {
		t.Fatalf("textStart = %+v", start)
	}
	var output protocol.TextOutputData
	if err := texts[1].DecodeData(&output); err != nil {
		t.Fatalf("decode textOutput: %v", err)
	}
	if output.Content != "hello from the assistant" {
		t.Fatalf("textOutput content = %q", output.Content)
	}
	var stop protocol.TextStopData
	if err := texts[2].DecodeData(&stop); err != nil {
		t.Fatalf("decode textStop: %v", err)
	}
	if stop.StopReason != model.StopEndTurn {
		t.Fatalf("textStop stopReason = %q", stop.StopReason)
	}
}

func TestWorkerForcedFlushBelowThreshold(t *testing.T) {
	connector := transport.NewMemoryConnector()
	endpoint := model.NewMockEndpoint()
	peer := newFakeClient(t, connector, "chan-flush")

	w := NewWorker(config.Default().Model, endpoint, connector, nil, testLogger())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(context.Background(), "chan-flush", model.Ref{ModelID: "mock-model"})
	}()

	waitFor(t, "ready", func() bool { return peer.seen(protocol.EventReady) })
	peer.publish(protocol.EventPromptStart, nil)
	peer.publish(protocol.EventAudioStart, nil)
	peer.publish(protocol.EventAudioInput, []string{"a", "b", "c", "d", "e"})

	// Below the threshold nothing publishes until the forced flush.
	waitFor(t, "chunks buffered", func() bool { return w.audioOut.len() == 5 })
	if len(peer.batchSizes()) != 0 {
		t.Fatalf("batch published below threshold: %v", peer.batchSizes())
	}

	peer.publish(protocol.EventAudioStop, nil)
	waitFor(t, "session end", func() bool { return peer.seen(protocol.EventEnd) })
	if err := <-done; err != nil {
		t.Fatalf("worker run: %v", err)
	}

	if sizes := peer.batchSizes(); len(sizes) != 1 || sizes[0] != 5 {
		t.Fatalf("batch sizes = %v, want [5]", sizes)
	}
}

func TestWorkerPublishesEndWhenModelOpenFails(t *testing.T) {
	connector := transport.NewMemoryConnector()
	peer := newFakeClient(t, connector, "chan-fail")

	// The mock endpoint rejects an empty model id.
	w := NewWorker(config.Default().Model, model.NewMockEndpoint(), connector, nil, testLogger())
	err := w.Run(context.Background(), "chan-fail", model.Ref{})
	if err == nil {
		t.Fatalf("expected open failure")
	}
	waitFor(t, "terminal end", func() bool { return peer.seen(protocol.EventEnd) })
}

func TestAudioStopLeavesNoTrailingInput(t *testing.T) {
	w := NewWorker(config.Default().Model, model.NewMockEndpoint(), transport.NewMemoryConnector(), nil, testLogger())
	w.initialize()
	w.active.Store(true)
	w.mu.Lock()
	w.promptName = "prompt-trailing"
	w.mu.Unlock()
	w.enqueueAudioStart()

	pumpCtx, cancelPump := context.WithCancel(context.Background())
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		w.runAudioPump(pumpCtx)
	}()

	// Feed chunks from another goroutine while the stop lands mid-stream.
	// However the pump interleaves with the stop, the content unit must
	// close with no audio input event after it.
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		for i := 0; i < 200; i++ {
			w.enqueueAudioInput([]string{fmt.Sprintf("chunk-%03d", i)})
		}
	}()
	time.Sleep(2 * time.Millisecond)
	w.enqueueAudioStop()
	<-feedDone
	w.enqueueAudioInput([]string{"straggler"})

	cancelPump()
	<-pumpDone
	w.events.close()

	sawEnd := false
	for {
		evt, ok := w.events.next(context.Background())
		if !ok {
			break
		}
		if evt.ContentEnd != nil {
			sawEnd = true
		}
		if sawEnd && evt.AudioInput != nil {
			t.Fatalf("audio input %q queued after content end", evt.AudioInput.Content)
		}
	}
	if !sawEnd {
		t.Fatalf("content end never queued")
	}
	if w.audioStarted.Load() {
		t.Fatalf("audio still marked started after stop")
	}
}

// faultyStream yields a recoverable fault mid-stream; consumption must log
// and continue rather than abort.
type faultyStream struct {
	items []model.Event
	errAt int
	pos   int
	sent  bool
}

func (s *faultyStream) Send(context.Context, model.Event) error { return nil }

func (s *faultyStream) Recv(context.Context) (model.Event, error) {
	if s.pos == s.errAt && !s.sent {
		s.sent = true
		return model.Event{}, fmt.Errorf("%w: transient", model.ErrModelStream)
	}
	if s.pos >= len(s.items) {
		return model.Event{}, io.EOF
	}
	evt := s.items[s.pos]
	s.pos++
	return evt, nil
}

func (s *faultyStream) Close() error { return nil }

func TestConsumeOutputSurvivesRecoverableError(t *testing.T) {
	connector := transport.NewMemoryConnector()
	peer := newFakeClient(t, connector, "chan-recover")

	w := NewWorker(config.Default().Model, model.NewMockEndpoint(), connector, nil, testLogger())
	channel, err := connector.Connect(context.Background(), "chan-recover")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	w.mu.Lock()
	w.channel = channel
	w.channelID = "chan-recover"
	w.mu.Unlock()

	stream := &faultyStream{
		errAt: 1,
		items: []model.Event{
			{TextOutput: &model.TextOutput{ContentID: "t1", Role: model.RoleAssistant, Content: "before"}},
			{TextOutput: &model.TextOutput{ContentID: "t1", Role: model.RoleAssistant, Content: "after"}},
		},
	}
	if err := w.consumeOutputStream(context.Background(), stream, testLogger()); err != nil {
		t.Fatalf("consume: %v", err)
	}

	waitFor(t, "both text events", func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return len(peer.texts) == 2
	})
}

func TestConsumeOutputFailsFastOnFatalError(t *testing.T) {
	w := NewWorker(config.Default().Model, model.NewMockEndpoint(), transport.NewMemoryConnector(), nil, testLogger())
	stream := &fatalStream{err: errors.New("connection reset")}
	err := w.consumeOutputStream(context.Background(), stream, testLogger())
	if err == nil || !errors.Is(err, stream.err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

type fatalStream struct{ err error }

func (s *fatalStream) Send(context.Context, model.Event) error { return nil }
func (s *fatalStream) Recv(context.Context) (model.Event, error) {
	return model.Event{}, s.err
}
func (s *fatalStream) Close() error { return nil }
