package model

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MockEndpoint is an in-process endpoint for tests and development. It echoes
// audio input back as audio output and answers each prompt with a canned
// assistant text turn, exercising the same event sequences a live model
// produces.
type MockEndpoint struct {
	// Reply overrides the canned assistant text when non-empty.
	Reply string
}

func NewMockEndpoint() *MockEndpoint {
	return &MockEndpoint{}
}

func (m *MockEndpoint) Open(_ context.Context, ref Ref) (Stream, error) {
	if ref.ModelID == "" {
		return nil, fmt.Errorf("mock endpoint: empty model id")
	}
	reply := m.Reply
	if reply == "" {
		reply = "[mock reply from " + ref.ModelID + "]"
	}
	return &mockStream{
		reply:        reply,
		out:          make(chan mockItem, 1024),
		audioContent: make(map[string]bool),
	}, nil
}

type mockItem struct {
	evt Event
	err error
}

type mockStream struct {
	reply        string
	out          chan mockItem
	mu           sync.Mutex
	audioContent map[string]bool
	textSeq      int
	ended        bool
}

func (s *mockStream) emit(evt Event) {
	select {
	case s.out <- mockItem{evt: evt}:
	default:
		// Mock consumers are expected to keep up; drop when they do not.
	}
}

// InjectStreamError queues a recoverable stream fault, for failure-path tests.
func (s *mockStream) InjectStreamError() {
	s.out <- mockItem{err: fmt.Errorf("%w: injected", ErrModelStream)}
}

func (s *mockStream) Send(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return fmt.Errorf("mock stream: send after session end")
	}

	switch {
	case evt.ContentStart != nil && evt.ContentStart.Type == ContentTypeAudio:
		s.audioContent[evt.ContentStart.ContentName] = true

	case evt.AudioInput != nil:
		s.emit(Event{AudioOutput: &AudioOutput{
			ContentID: evt.AudioInput.ContentName,
			Content:   evt.AudioInput.Content,
		}})

	case evt.ContentEnd != nil && s.audioContent[evt.ContentEnd.ContentName]:
		s.emit(Event{ContentEnd: &ContentEnd{
			ContentID:  evt.ContentEnd.ContentName,
			Type:       ContentTypeAudio,
			StopReason: StopEndTurn,
		}})

	case evt.PromptEnd != nil:
		s.textSeq++
		contentID := fmt.Sprintf("mock-text-%d", s.textSeq)
		s.emit(Event{ContentStart: &ContentStart{
			ContentID:             contentID,
			Type:                  ContentTypeText,
			Role:                  RoleAssistant,
			AdditionalModelFields: `{"generationStage":"FINAL"}`,
		}})
		s.emit(Event{TextOutput: &TextOutput{
			ContentID: contentID,
			Role:      RoleAssistant,
			Content:   s.reply,
		}})
		s.emit(Event{ContentEnd: &ContentEnd{
			ContentID:  contentID,
			Type:       ContentTypeText,
			Role:       RoleAssistant,
			StopReason: StopEndTurn,
		}})

	case evt.SessionEnd != nil:
		s.ended = true
		close(s.out)
	}
	return nil
}

func (s *mockStream) Recv(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case item, ok := <-s.out:
		if !ok {
			return Event{}, io.EOF
		}
		if item.err != nil {
			return Event{}, item.err
		}
		return item.evt, nil
	}
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.out)
	}
	return nil
}
