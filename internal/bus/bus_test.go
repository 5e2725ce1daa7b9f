package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	now := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	return NewBus(Config{Clock: func() time.Time { return now }})
}

func mustMessage(t *testing.T, to string, body any) Message {
	t.Helper()
	msg, err := NewMessage(to, ProtocolRequest, PerformativeRequest, body)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return msg
}

func TestDeliverStampsAndQueues(t *testing.T) {
	b := newTestBus(t)
	mb, err := b.Register("taxi1@localhost")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	msg := mustMessage(t, "taxi1@localhost", map[string]any{"customer_id": "c1"})
	msg.From = "fleet@localhost"
	if err := b.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	got, ok := mb.Pop(context.Background(), time.Second)
	if !ok {
		t.Fatalf("expected a message")
	}
	if got.ID == "" {
		t.Fatalf("message id not assigned")
	}
	if !got.CreatedAt.Equal(time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created_at: %v", got.CreatedAt)
	}
	var body map[string]string
	if err := json.Unmarshal(got.Body, &body); err != nil || body["customer_id"] != "c1" {
		t.Fatalf("unexpected body: %s", got.Body)
	}
	if h := b.Health(); h["delivered"] != int64(1) || h["agents"] != 1 {
		t.Fatalf("unexpected health: %v", h)
	}
}

func TestDeliverToUnknownRecipient(t *testing.T) {
	b := newTestBus(t)
	err := b.Deliver(context.Background(), mustMessage(t, "ghost@localhost", nil))
	if !HasCode(err, CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("unknown recipient should be transient")
	}
	if h := b.Health(); h["dropped"] != int64(1) {
		t.Fatalf("drop not counted: %v", h)
	}
}

func TestDeliverRejectsInvalidEnvelope(t *testing.T) {
	b := newTestBus(t)
	if _, err := b.Register("a@localhost"); err != nil {
		t.Fatalf("register: %v", err)
	}
	cases := []Message{
		{Protocol: ProtocolRequest, Performative: PerformativeRequest},
		{To: "a@localhost", Protocol: "GOSSIP", Performative: PerformativeRequest},
		{To: "a@localhost", Protocol: ProtocolRequest, Performative: "SHOUT"},
		{To: "a@localhost", Protocol: ProtocolRequest, Performative: PerformativeRequest, Body: []byte(`{`)},
	}
	for _, msg := range cases {
		if err := b.Deliver(context.Background(), msg); !HasCode(err, CodeValidation) {
			t.Fatalf("expected validation error for %+v, got %v", msg, err)
		}
	}
}

func TestRegisterTwiceAndUnregister(t *testing.T) {
	b := newTestBus(t)
	mb, err := b.Register("a@localhost")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := b.Register("a@localhost"); !HasCode(err, CodeRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if _, err := b.Register(""); !HasCode(err, CodeValidation) {
		t.Fatalf("expected validation error for empty jid, got %v", err)
	}
	b.Unregister("a@localhost")
	if mb.Push(Message{}) {
		t.Fatalf("unregistered mailbox must be closed")
	}
	if len(b.Agents()) != 0 {
		t.Fatalf("unexpected agents: %v", b.Agents())
	}
	if _, err := b.Register("a@localhost"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestReplyKeepsThread(t *testing.T) {
	msg := mustMessage(t, "station@localhost", nil)
	msg.From = "taxi1@localhost"
	msg.Thread = "t-1"
	reply, err := msg.Reply(PerformativeAccept, nil)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.To != "taxi1@localhost" || reply.From != "station@localhost" || reply.Thread != "t-1" || reply.Protocol != ProtocolRequest {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if string(reply.Body) != `{}` {
		t.Fatalf("nil body must encode as {}, got %s", reply.Body)
	}
	if reply.Key() != "REQUEST/ACCEPT" {
		t.Fatalf("unexpected key %s", reply.Key())
	}
}

func TestEncodePassesRawMessages(t *testing.T) {
	raw, err := Encode(json.RawMessage(`{"a":1}`))
	if err != nil || string(raw) != `{"a":1}` {
		t.Fatalf("raw body changed: %s err=%v", raw, err)
	}
	raw, err = Encode(json.RawMessage(nil))
	if err != nil || string(raw) != `{}` {
		t.Fatalf("empty raw body: %s err=%v", raw, err)
	}
}

func TestMemoryTraceKeepsNewest(t *testing.T) {
	tr := NewMemoryTrace(2)
	for _, to := range []string{"a", "b", "c"} {
		if err := tr.Append("taxi1", Message{To: to}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got := tr.List("taxi1")
	if len(got) != 2 || got[0].To != "b" || got[1].To != "c" {
		t.Fatalf("unexpected trace: %+v", got)
	}
	got[0].To = "mutated"
	if tr.List("taxi1")[0].To != "b" {
		t.Fatalf("List must return a copy")
	}
}
