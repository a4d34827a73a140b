package audio

import "sync"

// CaptureSource yields blocks of float32 PCM samples via callback, the way a
// microphone worklet delivers them. Start may fail with a device or
// permission error; Stop must be safe to call more than once.
type CaptureSource interface {
	Start(onBlock func(samples []float32)) error
	Stop()
}

// PlaybackSink renders float32 PCM blocks in the order they are handed over.
// BargeIn discards any samples not yet rendered.
type PlaybackSink interface {
	Start() error
	Play(samples []float32)
	BargeIn()
	Stop()
}

// MockSource is a scripted capture source for tests: Start drains the queued
// blocks through the callback synchronously.
type MockSource struct {
	Blocks [][]float32
	// Err, when set, is returned by Start to simulate a device failure.
	Err error

	mu      sync.Mutex
	started bool
}

func (m *MockSource) Start(onBlock func([]float32)) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	for _, block := range m.Blocks {
		onBlock(block)
	}
	return nil
}

func (m *MockSource) Stop() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

func (m *MockSource) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// MockSink records playback for tests.
type MockSink struct {
	mu       sync.Mutex
	played   [][]float32
	bargeIns int
	stopped  bool
}

func (m *MockSink) Start() error { return nil }

func (m *MockSink) Play(samples []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.played = append(m.played, samples)
}

func (m *MockSink) BargeIn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bargeIns++
	m.played = nil
}

func (m *MockSink) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *MockSink) Played() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]float32(nil), m.played...)
}

func (m *MockSink) BargeIns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bargeIns
}

func (m *MockSink) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
