package model

import "errors"

// ErrModelStream marks a recoverable per-chunk failure on the model's output
// stream. Consumers log it and keep iterating; any other error is fatal to
// the stream.
var ErrModelStream = errors.New("model stream error")

// Content types.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
)

// Speaker roles as the model reports them.
const (
	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
)

// Generation stages attached to text output.
const (
	StageSpeculative = "SPECULATIVE"
	StageFinal       = "FINAL"
)

// Stop reasons attached to a content end.
const (
	StopEndTurn     = "END_TURN"
	StopPartialTurn = "PARTIAL_TURN"
	StopInterrupted = "INTERRUPTED"
)

// Ref identifies the model an endpoint session should target.
type Ref struct {
	ModelID string `json:"modelId"`
	Region  string `json:"region,omitempty"`
}

// Event is the structured-event union spoken on both directions of the
// duplex stream. Exactly one member is set.
type Event struct {
	SessionStart *SessionStart `json:"sessionStart,omitempty"`
	PromptStart  *PromptStart  `json:"promptStart,omitempty"`
	ContentStart *ContentStart `json:"contentStart,omitempty"`
	TextInput    *TextInput    `json:"textInput,omitempty"`
	AudioInput   *AudioInput   `json:"audioInput,omitempty"`
	ContentEnd   *ContentEnd   `json:"contentEnd,omitempty"`
	PromptEnd    *PromptEnd    `json:"promptEnd,omitempty"`
	SessionEnd   *SessionEnd   `json:"sessionEnd,omitempty"`
	AudioOutput  *AudioOutput  `json:"audioOutput,omitempty"`
	TextOutput   *TextOutput   `json:"textOutput,omitempty"`
}

// InferenceConfiguration bounds a session's generation.
type InferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type SessionStart struct {
	InferenceConfiguration InferenceConfiguration `json:"inferenceConfiguration"`
}

type TextConfiguration struct {
	MediaType string `json:"mediaType"`
}

type AudioConfiguration struct {
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId,omitempty"`
}

type PromptStart struct {
	PromptName               string             `json:"promptName"`
	TextOutputConfiguration  TextConfiguration  `json:"textOutputConfiguration"`
	AudioOutputConfiguration AudioConfiguration `json:"audioOutputConfiguration"`
}

// ContentStart opens a content unit. Inbound content is addressed by
// ContentName; the model addresses its own output by ContentID and may attach
// serialized additional fields (generation stage).
type ContentStart struct {
	PromptName              string              `json:"promptName,omitempty"`
	ContentName             string              `json:"contentName,omitempty"`
	ContentID               string              `json:"contentId,omitempty"`
	Type                    string              `json:"type"`
	Interactive             bool                `json:"interactive,omitempty"`
	Role                    string              `json:"role,omitempty"`
	TextInputConfiguration  *TextConfiguration  `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration *AudioConfiguration `json:"audioInputConfiguration,omitempty"`
	AdditionalModelFields   string              `json:"additionalModelFields,omitempty"`
}

type TextInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// AudioInput carries one base64-encoded PCM chunk.
type AudioInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type ContentEnd struct {
	PromptName  string `json:"promptName,omitempty"`
	ContentName string `json:"contentName,omitempty"`
	ContentID   string `json:"contentId,omitempty"`
	Type        string `json:"type,omitempty"`
	Role        string `json:"role,omitempty"`
	StopReason  string `json:"stopReason,omitempty"`
}

type PromptEnd struct {
	PromptName string `json:"promptName"`
}

type SessionEnd struct{}

type AudioOutput struct {
	ContentID string `json:"contentId,omitempty"`
	Content   string `json:"content"`
}

type TextOutput struct {
	ContentID string `json:"contentId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// AdditionalFields is the shape serialized into ContentStart.AdditionalModelFields.
type AdditionalFields struct {
	GenerationStage string `json:"generationStage"`
}

// StreamError is the wire form of a recoverable stream fault.
type StreamError struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// StreamErrorType identifies the recoverable fault kind on the wire.
const StreamErrorType = "modelStreamError"

// envelope wraps events on line- and frame-oriented backends.
type envelope struct {
	Event *Event       `json:"event,omitempty"`
	Error *StreamError `json:"error,omitempty"`
}
