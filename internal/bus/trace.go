package bus

import "sync"

// TraceStore records every message an agent sends.
type TraceStore interface {
	Append(jid string, msg Message) error
	List(jid string) []Message
}

// MemoryTrace keeps the most recent messages per agent.
type MemoryTrace struct {
	mu     sync.Mutex
	max    int
	traces map[string][]Message
}

func NewMemoryTrace(maxPerAgent int) *MemoryTrace {
	if maxPerAgent <= 0 {
		maxPerAgent = 10000
	}
	return &MemoryTrace{max: maxPerAgent, traces: map[string][]Message{}}
}

func (t *MemoryTrace) Append(jid string, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := append(t.traces[jid], msg)
	if len(list) > t.max {
		trim := len(list) - t.max
		list = append([]Message{}, list[trim:]...)
	}
	t.traces[jid] = list
	return nil
}

func (t *MemoryTrace) List(jid string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message{}, t.traces[jid]...)
}
