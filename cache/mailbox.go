package cache

import (
	"context"
	"sync"
)

// mailbox is an unbounded many-producer, single-consumer queue. push never
// blocks; once closed, pushes are dropped.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	closed bool
	ready  chan struct{} // cap 1; signalled on push and close
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

// push enqueues m and reports whether it was accepted.
func (b *mailbox) push(m Message) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, m)
	b.mu.Unlock()
	b.signal()
	return true
}

// pop blocks until a message is available, the mailbox is closed and
// drained, or ctx is done.
func (b *mailbox) pop(ctx context.Context) (Message, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			m := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			if len(b.queue) == 0 {
				b.queue = nil
			}
			b.mu.Unlock()
			return m, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-b.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// close stops accepting messages and returns whatever was still queued.
func (b *mailbox) close() []Message {
	b.mu.Lock()
	left := b.queue
	b.closed = true
	b.queue = nil
	b.mu.Unlock()
	b.signal()
	return left
}

func (b *mailbox) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *mailbox) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
