package station

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
)

var (
	stationPos = geo.New(39.47, -0.37)
	farAway    = geo.New(40.41, -3.70)
)

const simulatorJID = "simulator@localhost"

// peer records every message it receives.
type peer struct {
	*agent.Agent
	got chan bus.Message
}

func newPeer(t *testing.T, tr bus.Transport, jid string) *peer {
	t.Helper()
	p := &peer{Agent: agent.New(jid, tr, agent.Config{}), got: make(chan bus.Message, 64)}
	p.AddBehaviour(agent.NewCyclic("record", func(ctx context.Context, b *agent.Behaviour) error {
		msg, ok := b.Receive(ctx, 0)
		if ok {
			p.got <- msg
		}
		return nil
	}), bus.Template{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start peer %s: %v", jid, err)
	}
	t.Cleanup(p.Stop)
	return p
}

func (p *peer) send(t *testing.T, to string, protocol bus.Protocol, perf bus.Performative, body any) {
	t.Helper()
	msg, err := bus.NewMessage(to, protocol, perf, body)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (p *peer) expect(t *testing.T, perf bus.Performative) bus.Message {
	t.Helper()
	select {
	case msg := <-p.got:
		if msg.Performative != perf {
			t.Fatalf("%s expected %s, got %s body=%s", p.JID(), perf, msg.Key(), msg.Body)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("%s timed out waiting for %s", p.JID(), perf)
	}
	return bus.Message{}
}

func (p *peer) expectNothing(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case msg := <-p.got:
		t.Fatalf("%s expected no message, got %s body=%s", p.JID(), msg.Key(), msg.Body)
	case <-time.After(within):
	}
}

// startOracle answers proximity queries from a fixed position table.
func startOracle(t *testing.T, tr bus.Transport, positions map[string]geo.Coordinate) {
	t.Helper()
	startSlowOracle(t, tr, positions, 0)
}

// startSlowOracle waits delay before answering each query.
func startSlowOracle(t *testing.T, tr bus.Transport, positions map[string]geo.Coordinate, delay time.Duration) {
	t.Helper()
	a := agent.New(simulatorJID, tr, agent.Config{})
	a.AddBehaviour(agent.NewCyclic("oracle", func(ctx context.Context, b *agent.Behaviour) error {
		msg, ok := b.Receive(ctx, 0)
		if !ok {
			return nil
		}
		if delay > 0 {
			if err := b.Sleep(ctx, delay); err != nil {
				return nil
			}
		}
		q, err := protocol.Decode[protocol.ProximityQuery](msg)
		if err != nil {
			return nil
		}
		pos, ok := positions[q.UserAgentID]
		if !ok {
			return nil
		}
		reply, err := msg.Reply(bus.PerformativeInform, protocol.ProximityReply{UserAgentID: q.UserAgentID, AgentPosition: &pos})
		if err != nil {
			return err
		}
		return b.Send(ctx, reply)
	}), bus.Template{Protocol: bus.ProtocolCoordination, Performative: bus.PerformativeRequest})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start oracle: %v", err)
	}
	t.Cleanup(a.Stop)
}

func testConfig() Config {
	return Config{
		Position:         stationPos,
		Simulator:        simulatorJID,
		ProximityTimeout: 200 * time.Millisecond,
		PollInterval:     50 * time.Millisecond,
		TimeScale:        0.01,
	}
}

func newTestStation(t *testing.T, tr bus.Transport, slots int, handler Handler) *ServiceStation {
	t.Helper()
	s := NewServiceStation("station1@localhost", tr, testConfig())
	s.AddService("electric", slots, handler, map[string]any{"power": 5.0})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start station: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func admission(need float64) protocol.Admission {
	return protocol.Admission{ServiceName: "electric", ObjectType: "transport", Args: map[string]any{"transport_need": need}}
}

func queueIDs(s *QueueStation, name string) []string {
	var ids []string
	s.Inspect(func() {
		for _, e := range s.Queue(name) {
			ids = append(ids, e.AgentID)
		}
	})
	return ids
}

func TestAddServiceIsIdempotentAndOrdered(t *testing.T) {
	s := NewQueueStation("station1@localhost", bus.NewBus(bus.Config{}), testConfig())
	s.AddService("electric", 2, ChargingService, map[string]any{"power": 50.0})
	s.AddService("gasoline", 1, FuelService, map[string]any{"refueling_rate": 2.0})
	s.AddService("electric", 9, nil, nil)
	s.AddQueue("L1", nil)

	got := s.ShowServices()
	want := []string{"electric", "gasoline", "L1"}
	if len(got) != len(want) {
		t.Fatalf("unexpected services: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected services: %v", got)
		}
	}
	if s.services["electric"].Slots != 2 {
		t.Fatalf("re-adding a service must not change it")
	}
	if s.services["L1"].Slots != 0 || s.services["L1"].Handler != nil {
		t.Fatalf("queues have no slots and no handler")
	}
}

func TestAdmissionRefusesFarAgent(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startOracle(t, tr, map[string]geo.Coordinate{"taxi1@localhost": farAway})
	s := newTestStation(t, tr, 0, ChargingService)
	taxi := newPeer(t, tr, "taxi1@localhost")

	taxi.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(10))
	refuse := taxi.expect(t, bus.PerformativeRefuse)
	if string(refuse.Body) != `{}` {
		t.Fatalf("unexpected refuse body: %s", refuse.Body)
	}
	if ids := queueIDs(s.QueueStation, "electric"); len(ids) != 0 {
		t.Fatalf("queue changed on refusal: %v", ids)
	}
}

func TestAdmissionRefusesUnknownService(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startOracle(t, tr, map[string]geo.Coordinate{"taxi1@localhost": stationPos})
	s := newTestStation(t, tr, 0, ChargingService)
	taxi := newPeer(t, tr, "taxi1@localhost")

	taxi.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, protocol.Admission{ServiceName: "diesel", ObjectType: "transport"})
	taxi.expect(t, bus.PerformativeRefuse)
}

func TestAdmissionWithoutOracleReplyIsDropped(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startOracle(t, tr, map[string]geo.Coordinate{})
	s := newTestStation(t, tr, 0, ChargingService)
	taxi := newPeer(t, tr, "taxi1@localhost")

	taxi.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(10))
	taxi.expectNothing(t, 400*time.Millisecond)
	if ids := queueIDs(s.QueueStation, "electric"); len(ids) != 0 {
		t.Fatalf("dropped admission must not enqueue: %v", ids)
	}
}

func TestAdmissionAcceptsOnceAndDoesNotDuplicate(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startOracle(t, tr, map[string]geo.Coordinate{"taxi1@localhost": stationPos})
	s := newTestStation(t, tr, 0, ChargingService)
	taxi := newPeer(t, tr, "taxi1@localhost")

	for i := 0; i < 2; i++ {
		taxi.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(10))
		accept := taxi.expect(t, bus.PerformativeAccept)
		var body protocol.StationAccept
		if err := json.Unmarshal(accept.Body, &body); err != nil {
			t.Fatalf("decode accept: %v", err)
		}
		if body.StationID != s.JID() {
			t.Fatalf("unexpected station id: %+v", body)
		}
	}
	if ids := queueIDs(s.QueueStation, "electric"); len(ids) != 1 {
		t.Fatalf("agent must appear once per queue, got %v", ids)
	}
	snap := s.Snapshot()
	if snap.Stats.MaxQueueLength != 1 || snap.Stats.Accepted != 1 {
		t.Fatalf("unexpected stats: %+v", snap.Stats)
	}
}

func TestEnqueueThenCancelRestoresQueue(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startOracle(t, tr, map[string]geo.Coordinate{
		"taxi1@localhost": stationPos,
		"taxi2@localhost": stationPos,
	})
	s := newTestStation(t, tr, 0, ChargingService)
	t1 := newPeer(t, tr, "taxi1@localhost")
	t2 := newPeer(t, tr, "taxi2@localhost")

	t1.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(10))
	t1.expect(t, bus.PerformativeAccept)
	before := queueIDs(s.QueueStation, "electric")

	t2.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(10))
	t2.expect(t, bus.PerformativeAccept)
	t2.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeCancel, protocol.Cancel{ServiceName: "electric"})

	waitFor(t, "cancel", func() bool { return len(queueIDs(s.QueueStation, "electric")) == len(before) })
	after := queueIDs(s.QueueStation, "electric")
	if len(after) != 1 || after[0] != before[0] {
		t.Fatalf("queue not restored: before=%v after=%v", before, after)
	}
	t2.expectNothing(t, 100*time.Millisecond)
}

func TestCancelAfterRequestIsHandledInOrder(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startSlowOracle(t, tr, map[string]geo.Coordinate{"taxi1@localhost": stationPos}, 50*time.Millisecond)
	s := newTestStation(t, tr, 0, ChargingService)
	taxi := newPeer(t, tr, "taxi1@localhost")

	taxi.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(10))
	taxi.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeCancel, protocol.Cancel{ServiceName: "electric"})

	taxi.expect(t, bus.PerformativeAccept)
	waitFor(t, "cancel", func() bool { return s.Snapshot().Stats.Cancelled == 1 })
	if ids := queueIDs(s.QueueStation, "electric"); len(ids) != 0 {
		t.Fatalf("agent that cancelled is still queued: %v", ids)
	}
}

func TestAdmissionsEnqueueInArrivalOrder(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startSlowOracle(t, tr, map[string]geo.Coordinate{
		"taxi1@localhost": stationPos,
		"taxi2@localhost": stationPos,
	}, 30*time.Millisecond)
	s := newTestStation(t, tr, 0, ChargingService)
	t1 := newPeer(t, tr, "taxi1@localhost")
	t2 := newPeer(t, tr, "taxi2@localhost")

	t1.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(10))
	t2.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(10))
	t1.expect(t, bus.PerformativeAccept)
	t2.expect(t, bus.PerformativeAccept)

	ids := queueIDs(s.QueueStation, "electric")
	if len(ids) != 2 || ids[0] != "taxi1@localhost" || ids[1] != "taxi2@localhost" {
		t.Fatalf("expected arrival order, got %v", ids)
	}
}

func TestSingleSlotServiceQueuesSecondRequest(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startOracle(t, tr, map[string]geo.Coordinate{
		"taxi1@localhost": stationPos,
		"taxi2@localhost": stationPos,
	})
	s := newTestStation(t, tr, 1, ChargingService)
	t1 := newPeer(t, tr, "taxi1@localhost")
	t2 := newPeer(t, tr, "taxi2@localhost")

	t1.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(10))
	t1.expect(t, bus.PerformativeAccept)
	t1.expect(t, bus.PerformativeInform)

	t2.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(10))
	t2.expect(t, bus.PerformativeAccept)

	charged := t1.expect(t, bus.PerformativeInform)
	if string(charged.Body) != `{"charged":true}` {
		t.Fatalf("unexpected completion body: %s", charged.Body)
	}
	serving := t2.expect(t, bus.PerformativeInform)
	var body protocol.Serving
	if err := json.Unmarshal(serving.Body, &body); err != nil || !body.Serving || body.StationID != s.JID() {
		t.Fatalf("unexpected serving body: %s", serving.Body)
	}
	t2.expect(t, bus.PerformativeInform)

	// The station sends in a single order: T2 is served after T1 completed.
	var informs []string
	for _, m := range s.Trace() {
		if m.Performative != bus.PerformativeInform {
			continue
		}
		kind := "serving"
		if string(m.Body) == `{"charged":true}` {
			kind = "charged"
		}
		informs = append(informs, m.To+" "+kind)
	}
	want := []string{
		"taxi1@localhost serving",
		"taxi1@localhost charged",
		"taxi2@localhost serving",
		"taxi2@localhost charged",
	}
	if len(informs) != len(want) {
		t.Fatalf("unexpected inform sequence: %v", informs)
	}
	for i := range want {
		if informs[i] != want[i] {
			t.Fatalf("unexpected inform sequence: %v", informs)
		}
	}

	waitFor(t, "slot release", func() bool {
		snap := s.Snapshot()
		return snap.Services[0].InUse == 0 && snap.Services[0].Served == 2
	})
}

func TestCancelledHeadIsSkippedByNextDispatch(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startOracle(t, tr, map[string]geo.Coordinate{
		"taxi0@localhost": stationPos,
		"taxiA@localhost": stationPos,
		"taxiB@localhost": stationPos,
	})
	release := make(chan struct{})
	var maxInUse int
	var s *ServiceStation
	gated := func(ctx context.Context, b *agent.Behaviour, job Job) error {
		if in := s.services["electric"].InUse; in > maxInUse {
			maxInUse = in
		}
		b.Await(ctx, release, 0)
		return nil
	}
	s = newTestStation(t, tr, 1, gated)
	t0 := newPeer(t, tr, "taxi0@localhost")
	a := newPeer(t, tr, "taxiA@localhost")
	b := newPeer(t, tr, "taxiB@localhost")

	t0.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(1))
	t0.expect(t, bus.PerformativeAccept)
	t0.expect(t, bus.PerformativeInform)

	a.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(1))
	a.expect(t, bus.PerformativeAccept)
	b.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, admission(1))
	b.expect(t, bus.PerformativeAccept)
	if ids := queueIDs(s.QueueStation, "electric"); len(ids) != 2 || ids[0] != "taxiA@localhost" {
		t.Fatalf("unexpected queue: %v", ids)
	}

	a.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeCancel, protocol.Cancel{ServiceName: "electric"})
	waitFor(t, "cancel", func() bool { return len(queueIDs(s.QueueStation, "electric")) == 1 })

	close(release)
	b.expect(t, bus.PerformativeInform)
	a.expectNothing(t, 100*time.Millisecond)
	s.Inspect(func() {
		if maxInUse > 1 {
			t.Errorf("slots in use exceeded slots: %d", maxInUse)
		}
	})
}

func TestHandlerWithoutRateReleasesSlot(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	startOracle(t, tr, map[string]geo.Coordinate{"taxi1@localhost": stationPos})
	s := NewServiceStation("station1@localhost", tr, testConfig())
	s.AddService("diesel", 1, FuelService, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	taxi := newPeer(t, tr, "taxi1@localhost")

	taxi.send(t, s.JID(), bus.ProtocolRequest, bus.PerformativeRequest, protocol.Admission{ServiceName: "diesel", ObjectType: "transport", Args: map[string]any{"transport_need": 4.0}})
	taxi.expect(t, bus.PerformativeAccept)
	taxi.expect(t, bus.PerformativeInform)
	waitFor(t, "slot release", func() bool { return s.Snapshot().Services[0].InUse == 0 })
	taxi.expectNothing(t, 100*time.Millisecond)
}

func TestStationRegistersServices(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	dir := newPeer(t, tr, "directory@localhost")
	cfg := testConfig()
	cfg.Directory = dir.JID()
	s := NewServiceStation("station1@localhost", tr, cfg)
	s.AddService("electric", 1, ChargingService, nil)
	s.AddService("gasoline", 1, FuelService, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)

	req := dir.expect(t, bus.PerformativeRequest)
	if req.Protocol != bus.ProtocolRegister {
		t.Fatalf("expected REGISTER, got %s", req.Key())
	}
	reg, err := protocol.Decode[protocol.Registration](req)
	if err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	if reg.JID != s.JID() || len(reg.Type) != 2 || reg.Type[0] != "electric" || reg.Position == nil || *reg.Position != stationPos {
		t.Fatalf("unexpected registration: %+v", reg)
	}
	reply, err := req.Reply(bus.PerformativeAccept, nil)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if err := dir.Send(context.Background(), reply); err != nil {
		t.Fatalf("send accept: %v", err)
	}
	waitFor(t, "registration", func() bool { return s.Registration().Registered() })
}
