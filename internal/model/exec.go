package model

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/parley-labs/parley-core/internal/config"
)

// execEndpoint bridges the duplex stream to a subprocess speaking one JSON
// envelope per line: input events on stdin, output events on stdout. Useful
// for wiring local inference runtimes without linking them in.
type execEndpoint struct {
	cmd            []string
	sessionTimeout time.Duration
}

func NewExecEndpoint(cfg config.ModelConfig) (Endpoint, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	return &execEndpoint{
		cmd:            args,
		sessionTimeout: time.Duration(cfg.SessionTimeoutMS) * time.Millisecond,
	}, nil
}

func (e *execEndpoint) Open(ctx context.Context, ref Ref) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, e.sessionTimeout)

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--model", ref.ModelID)
	if ref.Region != "" {
		args = append(args, "--region", ref.Region)
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("model command stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("model command stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start model command: %w", err)
	}

	s := &execStream{
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		out:    make(chan execItem, 64),
	}
	go s.readLoop(stdout)
	return s, nil
}

type execItem struct {
	evt Event
	err error
}

type execStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	out    chan execItem
	mu     sync.Mutex
	closed bool
}

func (s *execStream) readLoop(stdout io.Reader) {
	defer close(s.out)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.out <- execItem{err: fmt.Errorf("decode model output: %w", err)}
			return
		}
		if env.Error != nil {
			if env.Error.Type == StreamErrorType {
				s.out <- execItem{err: fmt.Errorf("%w: %s", ErrModelStream, env.Error.Message)}
				continue
			}
			s.out <- execItem{err: fmt.Errorf("model error: %s: %s", env.Error.Type, env.Error.Message)}
			return
		}
		if env.Event != nil {
			s.out <- execItem{evt: *env.Event}
		}
	}
	if err := scanner.Err(); err != nil {
		s.out <- execItem{err: fmt.Errorf("read model output: %w", err)}
	}
}

func (s *execStream) Send(_ context.Context, evt Event) error {
	data, err := json.Marshal(envelope{Event: &evt})
	if err != nil {
		return fmt.Errorf("marshal model event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("model stream closed")
	}
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("write model event: %w", err)
	}
	return nil
}

func (s *execStream) Recv(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case item, ok := <-s.out:
		if !ok {
			return Event{}, io.EOF
		}
		return item.evt, item.err
	}
}

func (s *execStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.stdin.Close()
	err := s.cmd.Wait()
	s.cancel()
	return err
}
