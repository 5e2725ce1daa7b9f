package bus

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport carries messages between agents. It allows swapping the
// in-process bus and the NATS-backed one.
type Transport interface {
	Register(jid string) (*Mailbox, error)
	Unregister(jid string)
	Deliver(ctx context.Context, msg Message) error
}

type Config struct {
	Clock func() time.Time
}

// Bus is the in-process transport: one mailbox per registered jid.
type Bus struct {
	mu sync.Mutex

	cfg Config

	mailboxes map[string]*Mailbox
	delivered int64
	dropped   int64
	logger    *log.Logger
}

func NewBus(cfg Config) *Bus {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Bus{
		cfg:       cfg,
		mailboxes: map[string]*Mailbox{},
		logger:    log.New(os.Stdout, "simfleet ", log.LstdFlags),
	}
}

func (b *Bus) now() time.Time {
	return b.cfg.Clock().UTC()
}

func (b *Bus) Register(jid string) (*Mailbox, error) {
	if jid == "" {
		return nil, newError(CodeValidation, "jid is required", false, 0)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[jid]; ok {
		return nil, newError(CodeRejected, "jid already registered: "+jid, false, 0)
	}
	mb := NewMailbox()
	b.mailboxes[jid] = mb
	return mb, nil
}

func (b *Bus) Unregister(jid string) {
	b.mu.Lock()
	mb, ok := b.mailboxes[jid]
	delete(b.mailboxes, jid)
	b.mu.Unlock()
	if ok {
		mb.Close()
	}
}

// Deliver never blocks. An unknown recipient is a transient failure: the
// agent may not have started yet.
func (b *Bus) Deliver(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now()
	}

	b.mu.Lock()
	mb, ok := b.mailboxes[msg.To]
	if !ok {
		b.dropped++
		b.mu.Unlock()
		b.logger.Printf("bus drop to=%s from=%s key=%s reason=unknown_recipient", msg.To, msg.From, msg.Key())
		return newError(CodeNotFound, "recipient not found: "+msg.To, true, 0)
	}
	b.delivered++
	b.mu.Unlock()

	if !mb.Push(msg) {
		b.mu.Lock()
		b.dropped++
		b.delivered--
		b.mu.Unlock()
		return newError(CodeUnavailable, "recipient stopped: "+msg.To, true, 0)
	}
	return nil
}

func (b *Bus) Agents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.mailboxes))
	for jid := range b.mailboxes {
		out = append(out, jid)
	}
	sort.Strings(out)
	return out
}

func (b *Bus) Health() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"ok":        true,
		"agents":    len(b.mailboxes),
		"delivered": b.delivered,
		"dropped":   b.dropped,
		"at":        b.now(),
	}
}
