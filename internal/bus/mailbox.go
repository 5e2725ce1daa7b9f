package bus

import (
	"context"
	"sync"
	"time"
)

// Mailbox is an unbounded FIFO with a single consumer. Push never blocks.
type Mailbox struct {
	mu     sync.Mutex
	items  []Message
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends msg and reports false when the mailbox is closed.
func (m *Mailbox) Push(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop waits up to timeout for the next message. A non-positive timeout
// waits until ctx is done or the mailbox is closed.
func (m *Mailbox) Pop(ctx context.Context, timeout time.Duration) (Message, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			msg := m.items[0]
			m.items[0] = Message{}
			m.items = m.items[1:]
			m.mu.Unlock()
			return msg, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Message{}, false
		}
		select {
		case <-m.notify:
		case <-m.done:
		case <-expired:
			return Message{}, false
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close drops pending messages and wakes the consumer.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.items = nil
	close(m.done)
}
