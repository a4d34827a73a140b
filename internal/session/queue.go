package session

import (
	"context"
	"sync"

	"github.com/parley-labs/parley-core/internal/model"
	"github.com/parley-labs/parley-core/internal/protocol"
)

// eventQueue feeds the model's input stream. next blocks on a notification
// until an event is queued or the queue closes; there is no polling interval.
// Single producer (the control-event handler plus the audio pump) and single
// consumer (the input adapter).
type eventQueue struct {
	mu    sync.Mutex
	items []model.Event
	wake  chan struct{}
	done  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *eventQueue) push(evt model.Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next returns the next queued event, blocking while the queue is empty and
// open. The second result is false once the queue is closed and drained, or
// the context is done.
func (q *eventQueue) next(ctx context.Context) (model.Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			evt := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return evt, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Event{}, false
		case <-q.done:
			// Drain anything pushed between the check and the close.
			q.mu.Lock()
			if len(q.items) > 0 {
				evt := q.items[0]
				q.items = q.items[1:]
				q.mu.Unlock()
				return evt, true
			}
			q.mu.Unlock()
			return model.Event{}, false
		case <-q.wake:
		}
	}
}

func (q *eventQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.mu.Unlock()
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// chunkQueue buffers base64 audio chunks between the transport and the model
// stream. The input instance is bounded: live audio cannot back up without
// perceptible lag, so once the cap is exceeded the oldest chunks are evicted.
type chunkQueue struct {
	mu     sync.Mutex
	chunks []string
	cap    int
	wake   chan struct{}
	done   chan struct{}
}

func newChunkQueue(capacity int) *chunkQueue {
	return &chunkQueue{
		cap:  capacity,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *chunkQueue) push(chunks ...string) {
	q.mu.Lock()
	q.chunks = append(q.chunks, chunks...)
	if q.cap > 0 && len(q.chunks) > q.cap {
		q.chunks = q.chunks[len(q.chunks)-q.cap:]
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// wait blocks until at least one chunk is queued, the queue closes, or the
// context is done. It reports whether chunks may still arrive.
func (q *chunkQueue) wait(ctx context.Context) bool {
	for {
		q.mu.Lock()
		n := len(q.chunks)
		q.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-q.done:
			return false
		case <-q.wake:
		}
	}
}

func (q *chunkQueue) drainAll() []string {
	q.mu.Lock()
	chunks := q.chunks
	q.chunks = nil
	q.mu.Unlock()
	return chunks
}

func (q *chunkQueue) clear() {
	q.mu.Lock()
	q.chunks = nil
	q.mu.Unlock()
}

func (q *chunkQueue) close() {
	q.mu.Lock()
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.mu.Unlock()
}

func (q *chunkQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// outputBatcher applies the shared batching discipline to model audio output:
// a drain fires once the queue holds more than protocol.MinChunksPerBatch,
// publishing at most protocol.MaxChunksPerBatch per call, and a force flush
// hands back everything regardless of the threshold.
type outputBatcher struct {
	mu     sync.Mutex
	chunks []string
}

// add appends one chunk and returns the batch to publish, or nil while the
// queue is at or below the threshold.
func (b *outputBatcher) add(chunk string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	if len(b.chunks) <= protocol.MinChunksPerBatch {
		return nil
	}
	n := len(b.chunks)
	if n > protocol.MaxChunksPerBatch {
		n = protocol.MaxChunksPerBatch
	}
	batch := b.chunks[:n:n]
	b.chunks = append([]string(nil), b.chunks[n:]...)
	return batch
}

// flush returns everything buffered, so the last partial batch of an
// utterance is never stranded.
func (b *outputBatcher) flush() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	chunks := b.chunks
	b.chunks = nil
	return chunks
}

func (b *outputBatcher) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
