package client

import (
	"context"
	"sync"

	"github.com/parley-labs/parley-core/internal/protocol"
)

// outbox buffers captured audio chunks between the microphone callback and
// the publish loop, applying the shared batching discipline: a drain fires
// once more than protocol.MinChunksPerBatch chunks wait, handing back at most
// protocol.MaxChunksPerBatch per call.
type outbox struct {
	mu     sync.Mutex
	chunks []string
	wake   chan struct{}
	done   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (b *outbox) push(chunk string) {
	b.mu.Lock()
	b.chunks = append(b.chunks, chunk)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// nextBatch blocks until enough chunks queue up for a batch, the context ends,
// or the outbox closes. On close it hands back whatever remains; the second
// result reports whether more batches may follow.
func (b *outbox) nextBatch(ctx context.Context) ([]string, bool) {
	for {
		b.mu.Lock()
		if len(b.chunks) > protocol.MinChunksPerBatch {
			batch := b.take(protocol.MaxChunksPerBatch)
			b.mu.Unlock()
			return batch, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-b.done:
			b.mu.Lock()
			batch := b.take(len(b.chunks))
			b.mu.Unlock()
			return batch, false
		case <-b.wake:
		}
	}
}

// flush drains everything immediately, for the final partial batch before an
// audio stop.
func (b *outbox) flush() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.take(len(b.chunks))
}

// take removes and returns up to n chunks. Caller holds the lock.
func (b *outbox) take(n int) []string {
	if n > len(b.chunks) {
		n = len(b.chunks)
	}
	if n == 0 {
		return nil
	}
	batch := b.chunks[:n:n]
	b.chunks = append([]string(nil), b.chunks[n:]...)
	return batch
}

func (b *outbox) close() {
	b.mu.Lock()
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	b.mu.Unlock()
}
