package fleet

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/protocol"
)

// startAnswering runs an agent that replies to every request with perf
// and body, after ignoring the first `skip` requests.
func startAnswering(t *testing.T, tr bus.Transport, jid string, proto bus.Protocol, skip int32, perf bus.Performative, body any) *atomic.Int32 {
	t.Helper()
	seen := &atomic.Int32{}
	a := newTestAgent(t, tr, jid)
	a.AddBehaviour(agent.NewCyclic("answer", func(ctx context.Context, b *agent.Behaviour) error {
		msg, ok := b.Receive(ctx, 0)
		if !ok {
			return nil
		}
		if seen.Add(1) <= skip {
			return nil
		}
		reply, err := msg.Reply(perf, body)
		if err != nil {
			return err
		}
		return b.Send(ctx, reply)
	}), bus.Template{Protocol: proto, Performative: bus.PerformativeRequest})
	startAgent(t, a)
	return seen
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistrationRetriesUntilAccepted(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	seen := startAnswering(t, tr, "fleetmanager@localhost", bus.ProtocolRegister, 1, bus.PerformativeAccept, nil)
	a := newTestAgent(t, tr, "taxi1@localhost")
	var accepted atomic.Bool
	reg := &Registration{
		Target:   "fleetmanager@localhost",
		Body:     protocol.Registration{JID: "taxi1@localhost", Type: protocol.Types{"taxi"}},
		Timeout:  50 * time.Millisecond,
		OnAccept: func(context.Context, *agent.Behaviour, bus.Message) { accepted.Store(true) },
	}
	b := reg.Attach(a)
	startAgent(t, a)

	waitUntil(t, "registration", reg.Registered)
	<-b.Done()
	if !accepted.Load() || reg.Refused() {
		t.Fatalf("accepted=%t refused=%t", accepted.Load(), reg.Refused())
	}
	if seen.Load() < 2 {
		t.Fatalf("expected a retry after the first timeout, got %d requests", seen.Load())
	}
}

func TestRegistrationRefused(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startAnswering(t, tr, "station1@localhost", bus.ProtocolRegister, 0, bus.PerformativeRefuse, nil)
	a := newTestAgent(t, tr, "taxi1@localhost")
	reg := &Registration{Target: "station1@localhost", Timeout: 50 * time.Millisecond}
	b := reg.Attach(a)
	startAgent(t, a)

	select {
	case <-b.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("registration never ended")
	}
	if reg.Registered() || !reg.Refused() {
		t.Fatalf("registered=%t refused=%t", reg.Registered(), reg.Refused())
	}
}

func TestRegistrationWaitsForTarget(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	a := newTestAgent(t, tr, "taxi1@localhost")
	reg := &Registration{Target: "late@localhost", Timeout: 20 * time.Millisecond}
	reg.Attach(a)
	startAgent(t, a)

	time.Sleep(60 * time.Millisecond)
	if reg.Registered() {
		t.Fatalf("registered with an absent target")
	}
	startAnswering(t, tr, "late@localhost", bus.ProtocolRegister, 0, bus.PerformativeAccept, nil)
	waitUntil(t, "late registration", reg.Registered)
}

func TestQueryDirectory(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	listing := protocol.DirectoryListing{
		"station1@localhost": {JID: "station1@localhost", Type: protocol.Types{"electricity"}},
	}
	startAnswering(t, tr, "directory@localhost", bus.ProtocolQuery, 0, bus.PerformativeInform, listing)
	startAnswering(t, tr, "empty@localhost", bus.ProtocolQuery, 0, bus.PerformativeCancel, nil)

	a := newTestAgent(t, tr, "taxi1@localhost")
	type result struct {
		listing protocol.DirectoryListing
		err     error
	}
	results := make(chan result, 2)
	a.AddBehaviour(agent.NewOneShot("query", func(ctx context.Context, b *agent.Behaviour) error {
		l, err := QueryDirectory(ctx, b, "directory@localhost", "electricity", time.Second)
		results <- result{l, err}
		l, err = QueryDirectory(ctx, b, "empty@localhost", "diesel", time.Second)
		results <- result{l, err}
		return nil
	}), nil)
	startAgent(t, a)

	r := <-results
	if r.err != nil {
		t.Fatalf("query: %v", r.err)
	}
	if _, ok := r.listing["station1@localhost"]; !ok || len(r.listing) != 1 {
		t.Fatalf("unexpected listing %+v", r.listing)
	}
	r = <-results
	if !errors.Is(r.err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", r.err)
	}
}
