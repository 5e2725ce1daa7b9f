package bus

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	Clock         func() time.Time
}

// NATSTransport carries envelopes over NATS so agents can live in
// separate processes. Each jid subscribes to its own subject.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
	clock  func() time.Time

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	boxes  map[string]*Mailbox
	logger *log.Logger
}

func NewNATSTransport(cfg NATSConfig) (*NATSTransport, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "simfleet"
	}
	nc, err := nats.Connect(cfg.URL, nats.Name(cfg.Name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, newError(CodeUnavailable, "connect nats: "+err.Error(), true, time.Second)
	}
	return NewNATSTransportConn(nc, cfg.SubjectPrefix, cfg.Clock), nil
}

// NewNATSTransportConn wraps an existing connection.
func NewNATSTransportConn(nc *nats.Conn, prefix string, clock func() time.Time) *NATSTransport {
	if prefix == "" {
		prefix = "simfleet"
	}
	if clock == nil {
		clock = time.Now
	}
	return &NATSTransport{
		nc:     nc,
		prefix: prefix,
		clock:  clock,
		subs:   map[string]*nats.Subscription{},
		boxes:  map[string]*Mailbox{},
		logger: log.New(os.Stdout, "simfleet ", log.LstdFlags),
	}
}

// subjectEscaper hex-escapes the bytes NATS does not allow inside a token.
// '_' is escaped too so distinct jids never share a subject.
var subjectEscaper = strings.NewReplacer(
	"_", "_5f",
	".", "_2e",
	"*", "_2a",
	">", "_3e",
	" ", "_20",
)

// Subject maps a jid to its NATS subject.
func Subject(prefix, jid string) string {
	return prefix + "." + subjectEscaper.Replace(jid)
}

func (t *NATSTransport) Register(jid string) (*Mailbox, error) {
	if jid == "" {
		return nil, newError(CodeValidation, "jid is required", false, 0)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.boxes[jid]; ok {
		return nil, newError(CodeRejected, "jid already registered: "+jid, false, 0)
	}
	mb := NewMailbox()
	sub, err := t.nc.Subscribe(Subject(t.prefix, jid), func(m *nats.Msg) {
		msg, err := DecodeEnvelope(m.Data)
		if err != nil {
			t.logger.Printf("warning: nats drop subject=%s err=%v", m.Subject, err)
			return
		}
		mb.Push(msg)
	})
	if err != nil {
		return nil, newError(CodeUnavailable, "subscribe: "+err.Error(), true, time.Second)
	}
	t.boxes[jid] = mb
	t.subs[jid] = sub
	return mb, nil
}

func (t *NATSTransport) Unregister(jid string) {
	t.mu.Lock()
	sub := t.subs[jid]
	mb := t.boxes[jid]
	delete(t.subs, jid)
	delete(t.boxes, jid)
	t.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if mb != nil {
		mb.Close()
	}
}

func (t *NATSTransport) Deliver(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = t.clock().UTC()
	}
	blob, err := json.Marshal(msg)
	if err != nil {
		return NewValidationJSONError(err)
	}
	if err := t.nc.Publish(Subject(t.prefix, msg.To), blob); err != nil {
		return newError(CodeUnavailable, "publish: "+err.Error(), true, time.Second)
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	for jid, mb := range t.boxes {
		mb.Close()
		delete(t.boxes, jid)
	}
	t.subs = map[string]*nats.Subscription{}
	t.mu.Unlock()
	return t.nc.Drain()
}

// DecodeEnvelope parses a wire envelope and validates its metadata.
func DecodeEnvelope(blob []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(blob, &msg); err != nil {
		return Message{}, NewValidationJSONError(err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

var _ Transport = (*NATSTransport)(nil)
var _ Transport = (*Bus)(nil)
