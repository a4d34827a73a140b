package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	evt, err := Encode(BridgeToClient, EventTextStart, TextStartData{
		ID:              "c1",
		Role:            "assistant",
		GenerationStage: "SPECULATIVE",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	wire, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ControlEvent
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Direction != BridgeToClient || decoded.Event != EventTextStart {
		t.Fatalf("envelope = %+v", decoded)
	}

	var data TextStartData
	if err := decoded.DecodeData(&data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.ID != "c1" || data.Role != "assistant" || data.GenerationStage != "SPECULATIVE" {
		t.Fatalf("data = %+v", data)
	}
}

func TestEncodeWithoutPayload(t *testing.T) {
	evt, err := Encode(ClientToBridge, EventPromptStart, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if evt.Data != nil {
		t.Fatalf("expected no payload, got %s", evt.Data)
	}

	wire, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"direction":"ctob","event":"promptStart"}`; string(wire) != want {
		t.Fatalf("wire = %s, want %s", wire, want)
	}
}

func TestDecodeDataMalformed(t *testing.T) {
	evt := ControlEvent{Event: EventAudioInput, Data: json.RawMessage(`{"not":"an array"`)}
	var chunks []string
	if err := evt.DecodeData(&chunks); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSessionSubject(t *testing.T) {
	if got := SessionSubject("abc-123"); got != "parley.session.abc-123" {
		t.Fatalf("subject = %q", got)
	}
}
