// Package client mirrors the bridge session on the user's side: it bootstraps
// a session, pumps microphone audio up and model audio down, and folds text
// events into a live transcript.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-labs/parley-core/internal/audio"
	"github.com/parley-labs/parley-core/internal/model"
	"github.com/parley-labs/parley-core/internal/protocol"
	"github.com/parley-labs/parley-core/internal/transcript"
	"github.com/parley-labs/parley-core/internal/transport"
)

// Options configures one controller. OnNotice, when set, receives
// user-facing status and device-failure messages.
type Options struct {
	SystemPrompt string
	Model        protocol.ModelRef
	OnNotice     func(message string)
}

// Controller drives one session at a time. StartSession and CloseSession are
// idempotent: re-entering an active session or closing an idle one is a no-op.
type Controller struct {
	opts      Options
	starter   transport.Starter
	connector transport.Connector
	source    audio.CaptureSource
	sink      audio.PlaybackSink
	log       *slog.Logger
	rec       *transcript.Reconciler

	// endWait bounds how long a closed session waits for the bridge's
	// terminal event before tearing down locally.
	endWait time.Duration

	mu         sync.Mutex
	active     bool
	exchanging bool
	closing    bool
	channelID  string
	channel    transport.Channel
	outbox     *outbox
	cancel     context.CancelFunc
	ended      chan struct{}
	wg         sync.WaitGroup
}

func NewController(starter transport.Starter, connector transport.Connector, source audio.CaptureSource, sink audio.PlaybackSink, opts Options, log *slog.Logger) *Controller {
	return &Controller{
		opts:      opts,
		starter:   starter,
		connector: connector,
		source:    source,
		sink:      sink,
		log:       log.With(slog.String("component", "session-controller")),
		rec:       transcript.New(),
		endWait:   10 * time.Second,
	}
}

// StartSession bootstraps a fresh session: new channel id, transcript reset
// and reseed, channel subscription, then bridge admission. The subscription
// must exist before the bridge hears about the session: the worker publishes
// ready as soon as it is up, and a ready published before the client listens
// is lost for good. Audio does not flow yet; capture starts only on ready.
func (c *Controller) StartSession(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.mu.Unlock()

	c.rec.Clear()
	if c.opts.SystemPrompt != "" {
		c.rec.SeedSystemPrompt(c.opts.SystemPrompt)
	}

	channelID := uuid.NewString()
	channel, err := c.connector.Connect(ctx, channelID)
	if err != nil {
		c.reset()
		return fmt.Errorf("connect session channel: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	box := newOutbox()

	// Every field the event handler touches is in place before the
	// subscription goes live, so an immediate ready finds a complete session.
	c.mu.Lock()
	c.channelID = channelID
	c.channel = channel
	c.outbox = box
	c.cancel = cancel
	c.ended = make(chan struct{})
	c.mu.Unlock()

	if err := channel.Subscribe(c.handleEvent, func(err error) {
		c.log.Warn("session channel delivery error", slogError(err))
	}); err != nil {
		c.teardown()
		return fmt.Errorf("subscribe session channel: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runOutbox(pumpCtx, channel, box)
	}()

	reply, err := c.starter.StartSession(ctx, protocol.StartRequest{
		Channel: channelID,
		Model:   c.opts.Model,
	})
	if err != nil {
		c.teardown()
		return fmt.Errorf("session bootstrap: %w", err)
	}
	if !reply.Accepted {
		c.teardown()
		return fmt.Errorf("session refused: %s", reply.Reason)
	}

	c.log.Info("session started", slog.String("channel", channelID))
	return nil
}

// CloseSession stops capture and playback and tells the bridge the user is
// done, exactly once per session. Final teardown happens when the bridge
// answers with its terminal event; a bridge that never answers is handled by
// a local fallback so the controller always returns to idle.
func (c *Controller) CloseSession(ctx context.Context) error {
	c.mu.Lock()
	if !c.active || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	exchanging := c.exchanging
	c.exchanging = false
	box := c.outbox
	ended := c.ended
	c.mu.Unlock()

	if exchanging {
		c.source.Stop()
	}
	c.sink.Stop()
	// Stragglers captured since the last drain go out before the stop marker.
	if box != nil {
		if batch := box.flush(); len(batch) > 0 {
			c.publish(ctx, protocol.EventAudioInput, batch)
		}
	}
	c.publish(ctx, protocol.EventAudioStop, nil)

	go func() {
		select {
		case <-ended:
		case <-time.After(c.endWait):
			c.log.Warn("no terminal event from bridge, closing locally")
			c.teardown()
		}
	}()
	return nil
}

// Done is closed once the bridge has ended the session and local state is
// torn down. An idle controller is already done.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.ended
}

// Transcript returns the merged conversation so far.
func (c *Controller) Transcript() []transcript.Turn {
	return c.rec.Turns()
}

// AssistantDrafting reports whether the newest assistant output is still
// speculative.
func (c *Controller) AssistantDrafting() bool {
	return c.rec.AssistantSpeculative()
}

func (c *Controller) handleEvent(evt protocol.ControlEvent) {
	if evt.Direction != protocol.BridgeToClient {
		return
	}
	switch evt.Event {
	case protocol.EventReady:
		c.beginExchange()

	case protocol.EventAudioOutput:
		var chunks []string
		if err := evt.DecodeData(&chunks); err != nil {
			c.log.Warn("malformed audio output batch", slogError(err))
			return
		}
		for _, chunk := range chunks {
			samples, err := audio.DecodeChunk(chunk)
			if err != nil {
				c.log.Warn("undecodable audio chunk dropped", slogError(err))
				continue
			}
			c.sink.Play(samples)
		}

	case protocol.EventTextStart:
		var data protocol.TextStartData
		if err := evt.DecodeData(&data); err != nil {
			c.log.Warn("malformed text start", slogError(err))
			return
		}
		c.rec.OnTextStart(data.ID, data.Role, data.GenerationStage)

	case protocol.EventTextOutput:
		var data protocol.TextOutputData
		if err := evt.DecodeData(&data); err != nil {
			c.log.Warn("malformed text output", slogError(err))
			return
		}
		c.rec.OnTextOutput(data.ID, data.Role, data.Content)

	case protocol.EventTextStop:
		var data protocol.TextStopData
		if err := evt.DecodeData(&data); err != nil {
			c.log.Warn("malformed text stop", slogError(err))
			return
		}
		c.rec.OnTextStop(data.ID, data.StopReason)
		if data.StopReason == model.StopInterrupted {
			// The user talked over the assistant: stale queued audio must
			// not keep playing.
			c.sink.BargeIn()
		}

	case protocol.EventEnd:
		c.teardown()
	}
}

// beginExchange runs once per session, on the bridge's ready signal: prompt
// setup goes up first, then devices start.
func (c *Controller) beginExchange() {
	c.mu.Lock()
	if !c.active || c.exchanging || c.closing {
		c.mu.Unlock()
		return
	}
	c.exchanging = true
	box := c.outbox
	c.mu.Unlock()

	ctx := context.Background()
	c.publish(ctx, protocol.EventPromptStart, nil)
	if c.opts.SystemPrompt != "" {
		c.publish(ctx, protocol.EventSystem, c.opts.SystemPrompt)
	}
	c.publish(ctx, protocol.EventAudioStart, nil)

	if err := c.sink.Start(); err != nil {
		c.notify("speaker unavailable: " + err.Error())
		c.failSession(ctx)
		return
	}

	// Capture backends may block inside Start while the device runs.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.source.Start(func(samples []float32) {
			box.push(audio.EncodeChunk(samples))
		})
		if err != nil {
			c.notify("microphone unavailable: " + err.Error())
			c.failSession(context.Background())
		}
	}()
}

// failSession aborts after a device failure: tell the bridge to wind down and
// let the terminal event drive the usual teardown.
func (c *Controller) failSession(ctx context.Context) {
	c.mu.Lock()
	c.exchanging = false
	c.mu.Unlock()
	c.publish(ctx, protocol.EventAudioStop, nil)
}

// runOutbox drains captured chunks into audioInput batches until the session
// tears down.
func (c *Controller) runOutbox(ctx context.Context, channel transport.Channel, box *outbox) {
	for {
		batch, ok := box.nextBatch(ctx)
		if len(batch) > 0 {
			evt, err := protocol.Encode(protocol.ClientToBridge, protocol.EventAudioInput, batch)
			if err != nil {
				c.log.Warn("failed to encode audio batch", slogError(err))
			} else if err := channel.Publish(ctx, evt); err != nil {
				c.log.Warn("failed to publish audio batch", slogError(err))
			}
		}
		if !ok {
			return
		}
	}
}

func (c *Controller) publish(ctx context.Context, event protocol.EventName, data any) {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return
	}
	evt, err := protocol.Encode(protocol.ClientToBridge, event, data)
	if err != nil {
		c.log.Warn("failed to encode control event", slogError(err))
		return
	}
	if err := channel.Publish(ctx, evt); err != nil {
		c.log.Warn("failed to publish control event",
			slog.String("event", string(event)), slogError(err))
	}
}

// teardown releases everything the session held. Safe to reach from any path;
// runs once.
func (c *Controller) teardown() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.closing = false
	exchanging := c.exchanging
	c.exchanging = false
	channel := c.channel
	box := c.outbox
	cancel := c.cancel
	ended := c.ended
	c.channel = nil
	c.outbox = nil
	c.cancel = nil
	c.channelID = ""
	c.mu.Unlock()

	if exchanging {
		c.source.Stop()
	}
	c.sink.Stop()
	if box != nil {
		box.close()
	}
	if cancel != nil {
		cancel()
	}
	if channel != nil {
		channel.Close()
	}
	c.wg.Wait()
	if ended != nil {
		close(ended)
	}
	c.log.Info("session closed")
}

// reset rolls back a start that failed before any session state was set.
func (c *Controller) reset() {
	c.mu.Lock()
	c.active = false
	c.exchanging = false
	c.closing = false
	c.channel = nil
	c.outbox = nil
	c.channelID = ""
	c.mu.Unlock()
}

func (c *Controller) notify(message string) {
	c.log.Warn(message)
	if c.opts.OnNotice != nil {
		c.opts.OnNotice(message)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
