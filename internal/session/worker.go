package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/eventstore"
	"github.com/parley-labs/parley-core/internal/model"
	"github.com/parley-labs/parley-core/internal/protocol"
	"github.com/parley-labs/parley-core/internal/transport"
)

// Worker owns the bridge side of one session: the duplex model stream on one
// end, the session channel on the other. All mutable session state lives on
// the instance and is reset by initialize, so a worker can be reused and no
// state leaks between sessions. One worker serves one session at a time.
type Worker struct {
	cfg       config.ModelConfig
	endpoint  model.Endpoint
	connector transport.Connector
	store     *eventstore.Store
	log       *slog.Logger

	active       atomic.Bool
	audioStarted atomic.Bool
	events       *eventQueue
	audioIn      *chunkQueue
	audioOut     *outputBatcher

	mu             sync.Mutex
	promptName     string
	audioContentID string
	channelID      string
	channel        transport.Channel
}

func NewWorker(cfg config.ModelConfig, endpoint model.Endpoint, connector transport.Connector, store *eventstore.Store, log *slog.Logger) *Worker {
	w := &Worker{
		cfg:       cfg,
		endpoint:  endpoint,
		connector: connector,
		store:     store,
		log:       log.With(slog.String("component", "session-worker")),
	}
	w.initialize()
	return w
}

// initialize resets every piece of per-session state. Called at session start
// and again on every exit path.
func (w *Worker) initialize() {
	w.active.Store(false)
	w.audioStarted.Store(false)
	w.events = newEventQueue()
	w.audioIn = newChunkQueue(protocol.MaxInputQueueSize)
	w.audioOut = &outputBatcher{}

	w.mu.Lock()
	w.promptName = ""
	w.audioContentID = ""
	w.channelID = ""
	w.channel = nil
	w.mu.Unlock()
}

// Run bridges one session until it ends or fails. Every exit path publishes
// a terminal "end" event, closes the channel and resets worker state, so no
// session leaks its transport subscription.
func (w *Worker) Run(ctx context.Context, channelID string, ref model.Ref) error {
	w.initialize()
	w.active.Store(true)

	w.mu.Lock()
	w.promptName = uuid.NewString()
	w.channelID = channelID
	w.mu.Unlock()

	log := w.log.With(slog.String("channel", channelID))

	ctx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.SessionTimeoutMS)*time.Millisecond)
	defer cancel()
	defer w.finalize(log)

	channel, err := w.connector.Connect(ctx, channelID)
	if err != nil {
		return fmt.Errorf("connect session channel: %w", err)
	}
	w.mu.Lock()
	w.channel = channel
	w.mu.Unlock()

	if err := w.store.AppendSession(ctx, channelID, ref.ModelID, ref.Region); err != nil {
		log.Warn("failed to record session", slogError(err))
	}

	// A subscribe-time failure tears down the session.
	if err := channel.Subscribe(
		func(evt protocol.ControlEvent) { w.handleControlEvent(ctx, evt) },
		func(err error) { log.Warn("session channel delivery error", slogError(err)) },
	); err != nil {
		return fmt.Errorf("subscribe session channel: %w", err)
	}

	w.enqueueSessionStart()

	stream, err := w.endpoint.Open(ctx, ref)
	if err != nil {
		return fmt.Errorf("open model stream: %w", err)
	}
	defer stream.Close()

	// The client may start capturing only now: the subscription exists, so
	// no audio can race a not-yet-subscribed channel.
	w.dispatch(ctx, protocol.EventReady, nil)
	log.Info("session ready", slog.String("model", ref.ModelID))

	pumpCtx, stopPumps := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.runInputAdapter(pumpCtx, stream, log)
	}()
	go func() {
		defer wg.Done()
		w.runAudioPump(pumpCtx)
	}()

	runErr := w.consumeOutputStream(ctx, stream, log)

	// Whatever is still buffered goes out in one final batch, regardless of
	// how the stream ended, so trailing chunks are never stranded.
	w.flushAudioOutput(ctx)

	w.active.Store(false)
	w.events.close()
	w.audioIn.close()
	stopPumps()
	wg.Wait()

	return runErr
}

// runInputAdapter pulls queued model events one at a time and feeds the
// duplex stream, suspending while the queue is empty and the session is
// active. Dequeuing sessionEnd deactivates the session and ends the adapter.
func (w *Worker) runInputAdapter(ctx context.Context, stream model.Stream, log *slog.Logger) {
	for {
		evt, ok := w.events.next(ctx)
		if !ok {
			return
		}
		if err := stream.Send(ctx, evt); err != nil {
			if ctx.Err() == nil {
				log.Warn("failed to send model event", slogError(err))
			}
			return
		}
		if evt.SessionEnd != nil {
			w.active.Store(false)
			w.events.close()
			return
		}
	}
}

// runAudioPump moves buffered input chunks into the model event queue while
// audio exchange is active. The bounded chunk queue upstream applies the
// oldest-first eviction, so the pump sees the survivors in FIFO order. Drain
// and push happen under the session mutex: an audioStop that closed the
// content unit must never be followed by a stale audioInput for it.
func (w *Worker) runAudioPump(ctx context.Context) {
	for {
		if !w.audioIn.wait(ctx) {
			return
		}

		w.mu.Lock()
		chunks := w.audioIn.drainAll()
		if w.active.Load() && w.audioStarted.Load() {
			for _, chunk := range chunks {
				w.events.push(model.Event{AudioInput: &model.AudioInput{
					PromptName:  w.promptName,
					ContentName: w.audioContentID,
					Content:     chunk,
				}})
			}
		}
		w.mu.Unlock()
	}
}

// consumeOutputStream iterates the model's output until it completes. A
// recoverable stream error is logged and iteration continues; anything else
// aborts consumption fail-fast.
func (w *Worker) consumeOutputStream(ctx context.Context, stream model.Stream, log *slog.Logger) error {
	for {
		evt, err := stream.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, model.ErrModelStream) {
				log.Warn("recoverable model stream error, retrying", slogError(err))
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("consume model output: %w", err)
		}
		w.handleModelEvent(ctx, evt)
	}
}

// handleControlEvent routes client→bridge events from the channel into model
// event enqueues. Server-originated events on the shared channel are ignored.
func (w *Worker) handleControlEvent(ctx context.Context, evt protocol.ControlEvent) {
	if evt.Direction != protocol.ClientToBridge {
		return
	}
	w.record(ctx, evt)

	switch evt.Event {
	case protocol.EventPromptStart:
		w.enqueuePromptStart()

	case protocol.EventSystem:
		var prompt string
		if err := evt.DecodeData(&prompt); err != nil {
			w.log.Warn("malformed system prompt event", slogError(err))
			return
		}
		w.enqueueSystemPrompt(prompt)

	case protocol.EventAudioStart:
		w.enqueueAudioStart()

	case protocol.EventAudioInput:
		var chunks []string
		if err := evt.DecodeData(&chunks); err != nil {
			w.log.Warn("malformed audio input event", slogError(err))
			return
		}
		w.enqueueAudioInput(chunks)

	case protocol.EventAudioStop:
		// A single-turn audio session: audioStop closes the whole session,
		// in the literal order contentEnd, promptEnd, sessionEnd.
		w.enqueueAudioStop()
		w.enqueuePromptEnd()
		w.enqueueSessionEnd()
	}
}

// handleModelEvent republishes model output onto the session channel, with
// audio buffered through the output batcher.
func (w *Worker) handleModelEvent(ctx context.Context, evt model.Event) {
	switch {
	case evt.AudioOutput != nil:
		if batch := w.audioOut.add(evt.AudioOutput.Content); batch != nil {
			w.dispatch(ctx, protocol.EventAudioOutput, batch)
		}

	case evt.ContentEnd != nil && evt.ContentEnd.Type == model.ContentTypeAudio:
		// The last partial batch of an utterance must not wait for the
		// threshold.
		w.flushAudioOutput(ctx)

	case evt.ContentStart != nil && evt.ContentStart.Type == model.ContentTypeText:
		var stage string
		if evt.ContentStart.AdditionalModelFields != "" {
			var fields model.AdditionalFields
			if err := json.Unmarshal([]byte(evt.ContentStart.AdditionalModelFields), &fields); err == nil {
				stage = fields.GenerationStage
			}
		}
		w.dispatch(ctx, protocol.EventTextStart, protocol.TextStartData{
			ID:              evt.ContentStart.ContentID,
			Role:            strings.ToLower(evt.ContentStart.Role),
			GenerationStage: stage,
		})

	case evt.TextOutput != nil:
		w.dispatch(ctx, protocol.EventTextOutput, protocol.TextOutputData{
			ID:      evt.TextOutput.ContentID,
			Role:    strings.ToLower(evt.TextOutput.Role),
			Content: evt.TextOutput.Content,
		})

	case evt.ContentEnd != nil && evt.ContentEnd.Type == model.ContentTypeText:
		w.dispatch(ctx, protocol.EventTextStop, protocol.TextStopData{
			ID:         evt.ContentEnd.ContentID,
			Role:       strings.ToLower(evt.ContentEnd.Role),
			StopReason: evt.ContentEnd.StopReason,
		})
	}
}

func (w *Worker) flushAudioOutput(ctx context.Context) {
	if chunks := w.audioOut.flush(); len(chunks) > 0 {
		w.dispatch(ctx, protocol.EventAudioOutput, chunks)
	}
}

// dispatch publishes a bridge→client event. A failed publish is swallowed
// with a warning: the channel may already be closing.
func (w *Worker) dispatch(ctx context.Context, event protocol.EventName, data any) {
	evt, err := protocol.Encode(protocol.BridgeToClient, event, data)
	if err != nil {
		w.log.Warn("failed to encode control event", slogError(err))
		return
	}

	w.mu.Lock()
	channel := w.channel
	w.mu.Unlock()
	if channel == nil {
		return
	}
	if err := channel.Publish(ctx, evt); err != nil {
		w.log.Warn("failed to publish control event, channel may be closing",
			slog.String("event", string(event)), slogError(err))
	}
	w.record(ctx, evt)
}

// record appends a control event to the session timeline. Bulk audio payloads
// are recorded by type only.
func (w *Worker) record(ctx context.Context, evt protocol.ControlEvent) {
	if w.store == nil {
		return
	}
	w.mu.Lock()
	channelID := w.channelID
	w.mu.Unlock()
	if channelID == "" {
		return
	}

	var payload []byte
	switch evt.Event {
	case protocol.EventAudioInput, protocol.EventAudioOutput:
	default:
		payload = evt.Data
	}
	if err := w.store.AppendEvent(ctx, eventstore.Event{
		ChannelID: channelID,
		Direction: string(evt.Direction),
		Type:      string(evt.Event),
		Payload:   payload,
	}); err != nil {
		w.log.Warn("failed to record control event", slogError(err))
	}
}

// finalize is the single cleanup path: notify the client, release the
// channel, reset all state.
func (w *Worker) finalize(log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.dispatch(ctx, protocol.EventEnd, nil)

	w.mu.Lock()
	channel := w.channel
	w.mu.Unlock()
	if channel != nil {
		channel.Close()
	}

	w.initialize()
	log.Info("session ended, state reset")
}

func (w *Worker) enqueueSessionStart() {
	w.events.push(model.Event{SessionStart: &model.SessionStart{
		InferenceConfiguration: model.InferenceConfiguration{
			MaxTokens:   w.cfg.MaxTokens,
			TopP:        w.cfg.TopP,
			Temperature: w.cfg.Temperature,
		},
	}})
}

func (w *Worker) enqueuePromptStart() {
	w.mu.Lock()
	promptName := w.promptName
	w.mu.Unlock()

	w.events.push(model.Event{PromptStart: &model.PromptStart{
		PromptName:              promptName,
		TextOutputConfiguration: model.TextConfiguration{MediaType: "text/plain"},
		AudioOutputConfiguration: model.AudioConfiguration{
			AudioType:       "SPEECH",
			Encoding:        "base64",
			MediaType:       "audio/lpcm",
			SampleRateHertz: w.cfg.OutputSampleRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			VoiceID:         w.cfg.VoiceID,
		},
	}})
}

// enqueueSystemPrompt expands the prompt into the contentStart, textInput,
// contentEnd triplet the model protocol requires.
func (w *Worker) enqueueSystemPrompt(prompt string) {
	w.mu.Lock()
	promptName := w.promptName
	w.mu.Unlock()
	contentName := uuid.NewString()

	w.events.push(model.Event{ContentStart: &model.ContentStart{
		PromptName:             promptName,
		ContentName:            contentName,
		Type:                   model.ContentTypeText,
		Interactive:            true,
		Role:                   model.RoleSystem,
		TextInputConfiguration: &model.TextConfiguration{MediaType: "text/plain"},
	}})
	w.events.push(model.Event{TextInput: &model.TextInput{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     prompt,
	}})
	w.events.push(model.Event{ContentEnd: &model.ContentEnd{
		PromptName:  promptName,
		ContentName: contentName,
	}})
}

// enqueueAudioStart regenerates the audio content id: every restart of audio
// input is a fresh content unit.
func (w *Worker) enqueueAudioStart() {
	contentName := uuid.NewString()
	w.mu.Lock()
	promptName := w.promptName
	w.audioContentID = contentName
	w.mu.Unlock()

	w.events.push(model.Event{ContentStart: &model.ContentStart{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        model.ContentTypeAudio,
		Interactive: true,
		Role:        model.RoleUser,
		AudioInputConfiguration: &model.AudioConfiguration{
			AudioType:       "SPEECH",
			Encoding:        "base64",
			MediaType:       "audio/lpcm",
			SampleRateHertz: w.cfg.InputSampleRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
		},
	}})
	w.audioStarted.Store(true)
}

func (w *Worker) enqueueAudioInput(chunks []string) {
	if !w.audioStarted.Load() || !w.active.Load() {
		return
	}
	w.audioIn.push(chunks...)
}

// enqueueAudioStop clears the pending input backlog before closing the audio
// content unit: chunks the model has not seen yet are obsolete once the user
// stops talking.
func (w *Worker) enqueueAudioStop() {
	w.mu.Lock()
	w.audioStarted.Store(false)
	w.audioIn.clear()
	w.events.clear()
	w.events.push(model.Event{ContentEnd: &model.ContentEnd{
		PromptName:  w.promptName,
		ContentName: w.audioContentID,
	}})
	w.mu.Unlock()
}

func (w *Worker) enqueuePromptEnd() {
	w.mu.Lock()
	promptName := w.promptName
	w.mu.Unlock()
	w.events.push(model.Event{PromptEnd: &model.PromptEnd{PromptName: promptName}})
}

func (w *Worker) enqueueSessionEnd() {
	w.events.push(model.Event{SessionEnd: &model.SessionEnd{}})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
