package protocol

import (
	"encoding/json"
	"fmt"
)

// Direction tags which leg of the session a control event belongs to so a
// single channel can carry both flows without cross-talk.
type Direction string

const (
	ClientToBridge Direction = "ctob"
	BridgeToClient Direction = "btoc"
)

// EventName enumerates the control events exchanged over a session channel.
type EventName string

const (
	EventReady       EventName = "ready"
	EventEnd         EventName = "end"
	EventPromptStart EventName = "promptStart"
	EventSystem      EventName = "systemPrompt"
	EventAudioStart  EventName = "audioStart"
	EventAudioInput  EventName = "audioInput"
	EventAudioStop   EventName = "audioStop"
	EventAudioOutput EventName = "audioOutput"
	EventTextStart   EventName = "textStart"
	EventTextOutput  EventName = "textOutput"
	EventTextStop    EventName = "textStop"
)

// ControlEvent is the wire envelope for every message on a session channel.
// Data is event-specific: a JSON string for systemPrompt, a string array for
// audioInput/audioOutput batches, the Text* payloads below, or absent.
type ControlEvent struct {
	Direction Direction       `json:"direction"`
	Event     EventName       `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TextStartData announces a new text content group.
type TextStartData struct {
	ID              string `json:"id"`
	Role            string `json:"role"`
	GenerationStage string `json:"generationStage,omitempty"`
}

// TextOutputData carries a text fragment for a content group.
type TextOutputData struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextStopData closes a text content group.
type TextStopData struct {
	ID         string `json:"id"`
	Role       string `json:"role,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

// StartRequest is the session bootstrap request/reply payload: it hands the
// freshly generated channel id and the model reference to the bridge side.
type StartRequest struct {
	Channel string   `json:"channel"`
	Model   ModelRef `json:"model"`
}

// StartReply acknowledges a bootstrap request.
type StartReply struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ModelRef identifies the inference model a session should use.
type ModelRef struct {
	ModelID string `json:"modelId"`
	Region  string `json:"region,omitempty"`
}

// Batching thresholds shared by both legs of the session. They must match on
// the client and bridge side for interoperability, so they are constants
// rather than configuration.
const (
	// MinChunksPerBatch is the queue depth above which a drain publishes.
	MinChunksPerBatch = 10
	// MaxChunksPerBatch caps the number of chunks carried by one publish.
	MaxChunksPerBatch = 20
	// MaxInputQueueSize caps the audio input queue; the oldest chunk is
	// evicted once live audio backs up beyond this point.
	MaxInputQueueSize = 200
)

const (
	// SubjectSessionPrefix scopes per-session channels on the bus.
	SubjectSessionPrefix = "parley.session"
	// SubjectSessionStart is the bootstrap request/reply subject.
	SubjectSessionStart = "parley.session.start"
)

// SessionSubject returns the bus subject for a session channel id.
func SessionSubject(channelID string) string {
	return SubjectSessionPrefix + "." + channelID
}

// Encode builds a ControlEvent with the given payload marshaled into Data.
func Encode(direction Direction, event EventName, data any) (ControlEvent, error) {
	evt := ControlEvent{Direction: direction, Event: event}
	if data == nil {
		return evt, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ControlEvent{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	evt.Data = raw
	return evt, nil
}

// DecodeData unmarshals the event payload into out. Events without a payload
// leave out untouched.
func (e ControlEvent) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}
