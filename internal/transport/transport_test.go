package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/joelkehle/simfleet/internal/agent"
	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/fleet"
	"github.com/joelkehle/simfleet/internal/geo"
	"github.com/joelkehle/simfleet/internal/protocol"
	"github.com/joelkehle/simfleet/internal/routing"
	"github.com/joelkehle/simfleet/internal/station"
)

type straightRouter struct {
	fail bool
}

func (r straightRouter) Route(_ context.Context, _ *agent.Behaviour, origin, destination geo.Coordinate) (routing.Entry, error) {
	if r.fail {
		return routing.Entry{}, errors.New("no route")
	}
	return routing.Entry{
		Path:     []geo.Coordinate{origin, destination},
		Distance: geo.Distance(origin, destination),
		Duration: 1,
	}, nil
}

func fastVehicle(r routing.Router) fleet.VehicleConfig {
	return fleet.VehicleConfig{SpeedKmh: 3600, TimeScale: 0.001, PathRetries: 1, Router: r}
}

type peer struct {
	*agent.Agent
	got chan bus.Message
}

func newPeer(t *testing.T, tr bus.Transport, jid string) *peer {
	t.Helper()
	p := &peer{Agent: agent.New(jid, tr, agent.Config{}), got: make(chan bus.Message, 1024)}
	p.AddBehaviour(agent.NewCyclic("record", func(ctx context.Context, b *agent.Behaviour) error {
		if msg, ok := b.Receive(ctx, 0); ok {
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

func (p *peer) send(t *testing.T, to string, proto bus.Protocol, perf bus.Performative, body any) {
	t.Helper()
	msg, err := bus.NewMessage(to, proto, perf, body)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (p *peer) reply(t *testing.T, msg bus.Message, perf bus.Performative, body any) {
	t.Helper()
	r, err := msg.Reply(perf, body)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if err := p.Send(context.Background(), r); err != nil {
		t.Fatalf("send reply: %v", err)
	}
}

// next skips messages until one satisfies match.
func (p *peer) next(t *testing.T, what string, match func(bus.Message) bool) bus.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg := <-p.got:
			if match(msg) {
				return msg
			}
		case <-timeout:
			t.Fatalf("%s timed out waiting for %s", p.JID(), what)
			return bus.Message{}
		}
	}
}

func isKey(proto bus.Protocol, perf bus.Performative) func(bus.Message) bool {
	return func(m bus.Message) bool { return m.Protocol == proto && m.Performative == perf }
}

func hasStatus(s protocol.Status) func(bus.Message) bool {
	return func(m bus.Message) bool {
		if m.Protocol != bus.ProtocolRequest || m.Performative != bus.PerformativeInform {
			return false
		}
		in, err := protocol.Decode[protocol.Inform](m)
		return err == nil && in.Status == s
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestTransport(t *testing.T, tr bus.Transport, cfg Config) *Transport {
	t.Helper()
	x := New("taxi1@localhost", tr, cfg)
	if err := x.Start(context.Background()); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(x.Stop)
	return x
}

func TestNegotiationHelpersWireForm(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	c := newPeer(t, tr, "customer1@localhost")
	x := newTestTransport(t, tr, Config{Position: geo.New(39.47, -0.37)})
	ctx := context.Background()

	if err := x.SendProposal(ctx, c.JID(), map[string]any{"fare": 3}); err != nil {
		t.Fatalf("send proposal: %v", err)
	}
	if m := c.next(t, "proposal", isKey(bus.ProtocolRequest, bus.PerformativePropose)); string(m.Body) != `{"fare":3}` {
		t.Fatalf("unexpected proposal body: %s", m.Body)
	}

	if err := x.InformCustomer(ctx, c.JID(), protocol.CustomerInDest, map[string]any{"note": "bye"}); err != nil {
		t.Fatalf("inform customer: %v", err)
	}
	m := c.next(t, "inform", isKey(bus.ProtocolRequest, bus.PerformativeInform))
	var body map[string]any
	if err := json.Unmarshal(m.Body, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"].(float64) != float64(protocol.CustomerInDest) || body["note"] != "bye" {
		t.Fatalf("status not merged into data: %s", m.Body)
	}

	loc := geo.New(39.48, -0.38)
	if err := x.InformCustomerMoving(ctx, c.JID(), protocol.CustomerLocation, protocol.Inform{Location: &loc}); err != nil {
		t.Fatalf("inform moving: %v", err)
	}
	m = c.next(t, "travel inform", isKey(bus.ProtocolTravel, bus.PerformativeInform))
	in, err := protocol.Decode[protocol.Inform](m)
	if err != nil || in.Status != protocol.CustomerLocation || in.Location == nil || *in.Location != loc {
		t.Fatalf("unexpected travel inform: %s", m.Body)
	}

	if err := x.CancelProposal(ctx, c.JID(), nil); err != nil {
		t.Fatalf("cancel proposal: %v", err)
	}
	c.next(t, "cancel proposal", isKey(bus.ProtocolRequest, bus.PerformativeCancel))
	if err := x.CancelCustomer(ctx, c.JID(), nil); err != nil {
		t.Fatalf("cancel customer: %v", err)
	}
	c.next(t, "cancel customer", isKey(bus.ProtocolRequest, bus.PerformativeCancel))

	if err := x.InformCustomer(ctx, c.JID(), protocol.CustomerInDest, []int{1}); !errors.Is(err, protocol.ErrViolation) {
		t.Fatalf("expected violation for non-object data, got %v", err)
	}
}

func TestSetTransportStatusInformsCurrentCustomers(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	c := newPeer(t, tr, "customer1@localhost")
	x := newTestTransport(t, tr, Config{Position: geo.New(39.47, -0.37)})
	x.Inspect(func() {
		x.AddCustomer(c.JID(), Trip{})
		x.SetTransportStatus(context.Background(), protocol.TransportMovingToCustomer)
	})
	c.next(t, "status inform", hasStatus(protocol.TransportMovingToCustomer))
	if x.TransportStatus() != protocol.TransportMovingToCustomer {
		t.Fatalf("status not published: %s", x.TransportStatus())
	}
}

func TestTransportRegistersWithFleetManager(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	mgr := newPeer(t, tr, "fleetmanager@localhost")
	x := newTestTransport(t, tr, Config{Position: geo.New(39.47, -0.37), FleetManager: mgr.JID(), FleetType: "taxi"})

	req := mgr.next(t, "registration", isKey(bus.ProtocolRegister, bus.PerformativeRequest))
	reg, err := protocol.Decode[protocol.RegisterTransport](req)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reg.JID != x.JID() || reg.Name != "taxi1" || reg.FleetType != "taxi" {
		t.Fatalf("unexpected registration: %+v", reg)
	}
	mgr.reply(t, req, bus.PerformativeAccept, protocol.RegisterAccept{FleetType: "taxi"})
	waitFor(t, "registered", func() bool { return x.Registration().Registered() })
}

func TestTaxiCarriesCustomerToDestination(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	origin, dest := geo.New(39.4710, -0.3710), geo.New(39.4760, -0.3760)
	mgr := newPeer(t, tr, "fleetmanager@localhost")
	c := newPeer(t, tr, "customer1@localhost")
	taxi := NewTaxi("taxi1@localhost", tr, TaxiConfig{Config: Config{
		Position:     geo.New(39.47, -0.37),
		Vehicle:      fastVehicle(straightRouter{}),
		PollInterval: 50 * time.Millisecond,
	}})
	if err := taxi.Start(context.Background()); err != nil {
		t.Fatalf("start taxi: %v", err)
	}
	t.Cleanup(taxi.Stop)

	mgr.send(t, taxi.JID(), bus.ProtocolRequest, bus.PerformativeRequest, protocol.TravelRequest{CustomerID: c.JID(), Origin: origin, Dest: dest})
	proposal := c.next(t, "proposal", isKey(bus.ProtocolRequest, bus.PerformativePropose))
	c.reply(t, proposal, bus.PerformativeAccept, nil)

	c.next(t, "pickup", hasStatus(protocol.TransportInCustomerPlace))
	c.next(t, "location update", isKey(bus.ProtocolTravel, bus.PerformativeInform))
	c.next(t, "drop-off", hasStatus(protocol.CustomerInDest))

	waitFor(t, "taxi idle", func() bool {
		s := taxi.Snapshot()
		return s.Served == 1 && len(s.Customers) == 0 && s.Extra["state"] == string(StateWaiting)
	})
	if taxi.Position() != dest {
		t.Fatalf("taxi not at destination: %v", taxi.Position())
	}
}

func TestTaxiPathFailureCancelsCustomer(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	mgr := newPeer(t, tr, "fleetmanager@localhost")
	c := newPeer(t, tr, "customer1@localhost")
	taxi := NewTaxi("taxi1@localhost", tr, TaxiConfig{Config: Config{
		Position:     geo.New(39.47, -0.37),
		Vehicle:      fastVehicle(straightRouter{fail: true}),
		PollInterval: 50 * time.Millisecond,
	}})
	if err := taxi.Start(context.Background()); err != nil {
		t.Fatalf("start taxi: %v", err)
	}
	t.Cleanup(taxi.Stop)

	mgr.send(t, taxi.JID(), bus.ProtocolRequest, bus.PerformativeRequest, protocol.TravelRequest{
		CustomerID: c.JID(), Origin: geo.New(39.48, -0.38), Dest: geo.New(39.49, -0.39),
	})
	proposal := c.next(t, "proposal", isKey(bus.ProtocolRequest, bus.PerformativePropose))
	c.reply(t, proposal, bus.PerformativeAccept, nil)
	c.next(t, "cancel", isKey(bus.ProtocolRequest, bus.PerformativeCancel))
	waitFor(t, "taxi back to waiting", func() bool {
		s := taxi.Snapshot()
		return len(s.Customers) == 0 && s.Status == protocol.TransportWaiting.String()
	})
}

// startDirectory answers every QUERY with listing.
func startDirectory(t *testing.T, tr bus.Transport, listing protocol.DirectoryListing) {
	t.Helper()
	d := agent.New("directory@localhost", tr, agent.Config{})
	d.AddBehaviour(agent.NewCyclic("lookup", func(ctx context.Context, b *agent.Behaviour) error {
		msg, ok := b.Receive(ctx, 0)
		if !ok {
			return nil
		}
		reply, err := msg.Reply(bus.PerformativeInform, listing)
		if err != nil {
			return err
		}
		return b.Send(ctx, reply)
	}), bus.Template{Protocol: bus.ProtocolQuery, Performative: bus.PerformativeRequest})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start directory: %v", err)
	}
	t.Cleanup(d.Stop)
}

func TestTaxiDetoursToNearestStationWhenLow(t *testing.T) {
	tr := bus.NewBus(bus.Config{})
	near, far := geo.New(39.4720, -0.3720), geo.New(39.50, -0.40)
	startDirectory(t, tr, protocol.DirectoryListing{
		"station1@localhost": {JID: "station1@localhost", Type: protocol.Types{"electric"}, Position: &near},
		"station2@localhost": {JID: "station2@localhost", Type: protocol.Types{"electric"}, Position: &far},
	})

	taxi := NewTaxi("taxi1@localhost", tr, TaxiConfig{
		Config: Config{
			Position:     geo.New(39.47, -0.37),
			Vehicle:      fastVehicle(straightRouter{}),
			Directory:    "directory@localhost",
			PollInterval: 50 * time.Millisecond,
		},
		Autonomy:       1000,
		StationTimeout: time.Second,
	})
	taxi.chargedAt = -1000

	oracle := agent.New("simulator@localhost", tr, agent.Config{})
	oracle.AddBehaviour(agent.NewCyclic("oracle", func(ctx context.Context, b *agent.Behaviour) error {
		msg, ok := b.Receive(ctx, 0)
		if !ok {
			return nil
		}
		pos := taxi.Position()
		reply, err := msg.Reply(bus.PerformativeInform, protocol.ProximityReply{UserAgentID: msg.From, AgentPosition: &pos})
		if err != nil {
			return err
		}
		return b.Send(ctx, reply)
	}), bus.Template{Protocol: bus.ProtocolCoordination})
	if err := oracle.Start(context.Background()); err != nil {
		t.Fatalf("start oracle: %v", err)
	}
	t.Cleanup(oracle.Stop)

	st := station.NewServiceStation("station1@localhost", tr, station.Config{
		Position:     near,
		Simulator:    "simulator@localhost",
		PollInterval: 50 * time.Millisecond,
		TimeScale:    0.001,
	})
	st.AddService("electric", 1, station.ChargingService, map[string]any{"power": 50.0})
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("start station: %v", err)
	}
	t.Cleanup(st.Stop)

	if err := taxi.Start(context.Background()); err != nil {
		t.Fatalf("start taxi: %v", err)
	}
	t.Cleanup(taxi.Stop)

	waitFor(t, "charge", func() bool {
		s := taxi.Snapshot()
		return s.Extra["charges"] == 1 && s.Extra["state"] == string(StateWaiting)
	})
	if taxi.Position() != near {
		t.Fatalf("taxi charged away from the nearest station: %v", taxi.Position())
	}
	if s := taxi.Snapshot(); s.Extra["remaining"].(float64) != 1000 {
		t.Fatalf("autonomy not restored: %v", s.Extra["remaining"])
	}
	if snap := st.Snapshot(); snap.Services[0].Served != 1 || snap.Services[0].InUse != 0 {
		t.Fatalf("unexpected station state: %+v", snap.Services[0])
	}
}
