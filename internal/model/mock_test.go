package model

import (
	"context"
	"errors"
	"io"
	"testing"
)

func recvAll(t *testing.T, s Stream) []Event {
	t.Helper()
	var events []Event
	for {
		evt, err := s.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		events = append(events, evt)
	}
}

func TestMockStreamEchoesAudio(t *testing.T) {
	endpoint := NewMockEndpoint()
	stream, err := endpoint.Open(context.Background(), Ref{ModelID: "mock-model"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	send := func(evt Event) {
		t.Helper()
		if err := stream.Send(ctx, evt); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	send(Event{SessionStart: &SessionStart{}})
	send(Event{PromptStart: &PromptStart{PromptName: "p"}})
	send(Event{ContentStart: &ContentStart{PromptName: "p", ContentName: "a", Type: ContentTypeAudio}})
	send(Event{AudioInput: &AudioInput{PromptName: "p", ContentName: "a", Content: "chunk-1"}})
	send(Event{AudioInput: &AudioInput{PromptName: "p", ContentName: "a", Content: "chunk-2"}})
	send(Event{ContentEnd: &ContentEnd{PromptName: "p", ContentName: "a"}})
	send(Event{PromptEnd: &PromptEnd{PromptName: "p"}})
	send(Event{SessionEnd: &SessionEnd{}})

	events := recvAll(t, stream)

	var audio []string
	var texts []string
	var sawAudioEnd, sawTextEnd bool
	for _, evt := range events {
		switch {
		case evt.AudioOutput != nil:
			audio = append(audio, evt.AudioOutput.Content)
		case evt.TextOutput != nil:
			texts = append(texts, evt.TextOutput.Content)
		case evt.ContentEnd != nil && evt.ContentEnd.Type == ContentTypeAudio:
			sawAudioEnd = true
		case evt.ContentEnd != nil && evt.ContentEnd.Type == ContentTypeText:
			sawTextEnd = true
			if evt.ContentEnd.StopReason != StopEndTurn {
				t.Fatalf("text stop reason = %q", evt.ContentEnd.StopReason)
			}
		}
	}
	if len(audio) != 2 || audio[0] != "chunk-1" || audio[1] != "chunk-2" {
		t.Fatalf("echoed audio = %v", audio)
	}
	if !sawAudioEnd || !sawTextEnd {
		t.Fatalf("missing content ends: audio=%v text=%v", sawAudioEnd, sawTextEnd)
	}
	if len(texts) != 1 {
		t.Fatalf("texts = %v, want one canned reply", texts)
	}

	if err := stream.Send(ctx, Event{AudioInput: &AudioInput{}}); err == nil {
		t.Fatalf("send after session end should fail")
	}
}

func TestMockStreamRecoverableError(t *testing.T) {
	endpoint := NewMockEndpoint()
	stream, err := endpoint.Open(context.Background(), Ref{ModelID: "mock-model"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stream.(*mockStream).InjectStreamError()

	_, err = stream.Recv(context.Background())
	if !errors.Is(err, ErrModelStream) {
		t.Fatalf("err = %v, want ErrModelStream", err)
	}
}

func TestMockEndpointRejectsEmptyModel(t *testing.T) {
	if _, err := NewMockEndpoint().Open(context.Background(), Ref{}); err == nil {
		t.Fatalf("expected error for empty model id")
	}
}
